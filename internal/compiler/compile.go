package compiler

import (
	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/runtime"
	"github.com/oxhq/plotnik/internal/syntax"
)

// maxInlineDepth bounds non-recursive inlining; deeper chains fall back
// to Call/Return.
const maxInlineDepth = 64

// navSpec is the navigation context an expression's first match inherits:
// where to move, how strictly to search, and an optional field constraint.
type navSpec struct {
	stay   bool
	mode   uint8 // bytecode.NavDown or NavNext when !stay
	policy uint8
	field  string
}

func stayNav() navSpec { return navSpec{stay: true} }

func (n navSpec) nav() bytecode.Nav {
	if n.stay {
		return bytecode.NavStay
	}
	return bytecode.MakeNav(n.mode, n.policy, 0)
}

func (n navSpec) next() navSpec {
	return navSpec{mode: bytecode.NavNext, policy: bytecode.PolicyAny, field: n.field}
}

type compiler struct {
	q      *analyzer.Query
	info   *infer.Info
	graphs map[*analyzer.Definition]*defGraph
	depth  int
}

// defGraph compiles a definition as a callable body ending in Return,
// memoizing before descending so recursion ties the knot.
func (c *compiler) defGraph(def *analyzer.Definition) *defGraph {
	if g, ok := c.graphs[def]; ok {
		return g
	}
	g := &defGraph{def: def, ref: uint16(def.Index)}
	c.graphs[def] = g
	body := c.compileDefBody(def)
	ret := &gstep{op: bytecode.OpReturn}
	connect(body, ret)
	g.entry = body.entry
	return g
}

func (c *compiler) compileDefBody(def *analyzer.Definition) frag {
	if def.Body == nil {
		e := epsStep()
		return frag{entry: e, empty: []*gstep{e}}
	}
	f := c.compileExpr(def.Body, stayNav())
	payload := c.info.DefType[def]
	if c.info.Table.Get(payload).Kind == infer.KindStruct {
		f = wrap(f,
			[]effect{{op: runtime.EffStartObj}},
			[]effect{{op: runtime.EffEndObj}})
	}
	return f
}

func (c *compiler) compileExpr(e analyzer.Expr, ns navSpec) frag {
	switch x := e.(type) {
	case *analyzer.NodeExpr:
		return c.compileNode(x, ns)
	case *analyzer.SeqExpr:
		f, _ := c.seqLanes(x.Items, ns)
		return f
	case *analyzer.AltExpr:
		return c.compileAlt(x, ns)
	case *analyzer.QuantExpr:
		return c.compileQuant(x, ns)
	case *analyzer.FieldExpr:
		inner := ns
		inner.field = x.Name
		return c.compileExpr(x.Inner, inner)
	case *analyzer.CaptureExpr:
		return c.compileCapture(x, ns)
	case *analyzer.RefExpr:
		return c.compileRef(x, ns)
	case *analyzer.PredExpr:
		return c.compilePred(x, ns)
	default:
		// anchors are consumed by sibling walks; error nodes match nothing
		e := epsStep()
		return frag{entry: e, empty: []*gstep{e}}
	}
}

func (c *compiler) compileNode(x *analyzer.NodeExpr, ns navSpec) frag {
	m := matchStep(ns.nav())
	m.fieldName = ns.field
	switch x.Match {
	case analyzer.MatchNamed:
		m.kindClass = bytecode.KCExact
		m.kindName = x.Kind
		m.kindNamed = true
	case analyzer.MatchAnonymous:
		m.kindClass = bytecode.KCExact
		m.kindName = x.Kind
		m.kindNamed = false
	case analyzer.MatchWildcard:
		m.kindClass = bytecode.KCAnyNamed
	case analyzer.MatchMissing:
		m.kindClass = bytecode.KCMissing
		if x.Kind != "" {
			m.kindName = x.Kind
			m.kindNamed = true
		}
	case analyzer.MatchErrorNode:
		m.kindClass = bytecode.KCErrorNode
	}

	var items []analyzer.Expr
	for _, ch := range x.Children {
		if nf, ok := ch.(*analyzer.NegFieldExpr); ok {
			m.neg = append(m.neg, nf.Name)
			continue
		}
		items = append(items, ch)
	}
	f := frag{entry: m, outs: []*gstep{m}}
	if !hasMatchable(items) {
		return f
	}
	down := navSpec{mode: bytecode.NavDown, policy: bytecode.PolicyAny}
	children, upPolicy := c.seqLanes(items, down)
	connectSet(f.outs, children.entry)

	// Ascend back to the pattern's node, but only on paths that actually
	// descended; empty children paths never left it.
	up := matchStep(bytecode.MakeNav(bytecode.NavUp, upPolicy, 1))
	up.kindClass = bytecode.KCAny
	connectSet(children.outs, up)
	outs := append([]*gstep{up}, children.empty...)
	return frag{entry: m, outs: outs}
}

func hasMatchable(items []analyzer.Expr) bool {
	for _, it := range items {
		if _, ok := it.(*analyzer.AnchorExpr); !ok {
			return true
		}
	}
	return false
}

// seqLanes lowers an ordered run of sibling patterns, threading two
// lanes: while nothing has consumed a node yet the next item inherits the
// incoming navigation; once a node matched, following items navigate
// Next from it. Anchors between items tighten the following item's
// search policy; a trailing anchor tightens the exit constraint.
func (c *compiler) seqLanes(items []analyzer.Expr, first navSpec) (frag, uint8) {
	entry := epsStep()
	out := frag{entry: entry, empty: []*gstep{entry}}
	upPolicy := bytecode.PolicyAny
	pending := false
	var prev analyzer.Expr
	started := false
	for i, it := range items {
		if _, ok := it.(*analyzer.AnchorExpr); ok {
			if i == len(items)-1 {
				upPolicy = anchorPolicy(prev, nil)
			} else {
				pending = true
			}
			continue
		}
		nsA := first
		nsB := first.next()
		if started {
			nsB.field = ""
		}
		if pending {
			p := anchorPolicy(prev, it)
			nsA.policy = p
			nsB.policy = p
			pending = false
		}
		var newOuts, newEmpty []*gstep
		if len(out.empty) > 0 {
			a := c.compileExpr(it, nsA)
			connectSet(out.empty, a.entry)
			newOuts = append(newOuts, a.outs...)
			newEmpty = append(newEmpty, a.empty...)
		}
		if len(out.outs) > 0 {
			b := c.compileExpr(it, nsB)
			connectSet(out.outs, b.entry)
			newOuts = append(newOuts, b.outs...)
			// a consumed lane stays consumed even when this item
			// matched nothing
			newOuts = append(newOuts, b.empty...)
		}
		out.outs = newOuts
		out.empty = newEmpty
		prev = it
		started = true
	}
	return out, upPolicy
}

// anchorPolicy picks the stricter mode when either operand is anonymous.
func anchorPolicy(a, b analyzer.Expr) uint8 {
	if isAnonymous(a) || isAnonymous(b) {
		return bytecode.PolicyExact
	}
	return bytecode.PolicyTrivia
}

func isAnonymous(e analyzer.Expr) bool {
	switch x := e.(type) {
	case nil:
		return false
	case *analyzer.NodeExpr:
		return x.Match == analyzer.MatchAnonymous
	case *analyzer.CaptureExpr:
		return isAnonymous(x.Inner)
	case *analyzer.PredExpr:
		return isAnonymous(x.Inner)
	case *analyzer.QuantExpr:
		return isAnonymous(x.Inner)
	case *analyzer.FieldExpr:
		return isAnonymous(x.Inner)
	default:
		return false
	}
}

// compileAlt lowers an alternation to one epsilon whose successor order
// is branch priority. Tagged branches wrap themselves in enum effects.
func (c *compiler) compileAlt(x *analyzer.AltExpr, ns navSpec) frag {
	e := epsStep()
	out := frag{entry: e}
	enumID, tagged := c.info.AltEnum[x]
	for _, b := range x.Branches {
		bf := c.compileExpr(b.Body, ns)
		if tagged && x.Tagged {
			variant := c.info.Variant[b]
			pre := []effect{{op: runtime.EffStartEnum, scope: enumID, member: variant}}
			var post []effect
			payload := c.info.Payload[b]
			if !c.info.Unwrap[b] && c.info.Table.Get(payload).Kind == infer.KindStruct {
				pre = append(pre, effect{op: runtime.EffStartObj})
				post = append(post, effect{op: runtime.EffEndObj})
			}
			post = append(post, effect{op: runtime.EffEndEnum})
			bf = wrap(bf, pre, post)
		}
		e.succ = append(e.succ, bf.entry)
		out.outs = append(out.outs, bf.outs...)
		out.empty = append(out.empty, bf.empty...)
	}
	if len(e.succ) == 0 {
		return frag{entry: e, empty: []*gstep{e}}
	}
	return out
}

// compileQuant lowers an uncaptured quantifier. Captured collection
// quantifiers take the compileCapturedQuant path instead.
func (c *compiler) compileQuant(x *analyzer.QuantExpr, ns navSpec) frag {
	lazy := x.Op.Lazy()
	switch x.Op.Base() {
	case syntax.QuantOpt:
		e := epsStep()
		e.lazyFront = lazy
		body := c.compileExpr(x.Inner, ns)
		e.succ = []*gstep{body.entry}
		return frag{
			entry: e,
			outs:  body.outs,
			empty: append(append([]*gstep{}, body.empty...), e),
		}
	case syntax.QuantStar:
		e1 := epsStep()
		e2 := epsStep()
		e1.lazyFront = lazy
		e2.lazyFront = lazy
		body1 := c.compileExpr(x.Inner, ns)
		bodyN := c.compileExpr(x.Inner, ns.next())
		e1.succ = []*gstep{body1.entry}
		connect(body1, e2)
		e2.succ = []*gstep{bodyN.entry}
		connect(bodyN, e2)
		return frag{entry: e1, outs: []*gstep{e2}, empty: []*gstep{e1}}
	default: // plus
		e2 := epsStep()
		e2.lazyFront = lazy
		body1 := c.compileExpr(x.Inner, ns)
		bodyN := c.compileExpr(x.Inner, ns.next())
		connect(body1, e2)
		e2.succ = []*gstep{bodyN.entry}
		connect(bodyN, e2)
		return frag{entry: body1.entry, outs: []*gstep{e2}}
	}
}

// compilePred attaches a text predicate to the step that matches the
// node; when the entry already carries one, a stay-check step follows.
func (c *compiler) compilePred(x *analyzer.PredExpr, ns navSpec) frag {
	f := c.compileExpr(x.Inner, ns)
	p := &predicate{op: bytecode.PredOp(x.Op), literal: x.Literal, isRegex: x.IsRegex}
	entry := f.entry
	if entry.op == bytecode.OpMatchN && !entry.nav.IsEpsilon() && entry.pred == nil {
		entry.pred = p
		return f
	}
	if len(f.outs) == 0 {
		return f
	}
	ck := matchStep(bytecode.NavStay)
	ck.pred = p
	connectSet(f.outs, ck)
	f.outs = []*gstep{ck}
	return f
}

// compileRef lowers a reference: non-recursive bodies inline; recursive
// ones go through Call/Return. Sibling-position references compile an
// explicit advance loop so ordinary checkpoints retry candidates.
func (c *compiler) compileRef(x *analyzer.RefExpr, ns navSpec) frag {
	def := x.Def
	if def == nil || def.Body == nil {
		e := epsStep()
		return frag{entry: e, empty: []*gstep{e}}
	}
	if !def.Recursive && c.depth < maxInlineDepth {
		c.depth++
		f := c.compileExpr(def.Body, ns)
		c.depth--
		return f
	}
	callable := c.defGraph(def)
	call := &gstep{op: bytecode.OpCall, nav: bytecode.NavStay, callee: callable}
	if ns.stay {
		return frag{entry: call, outs: []*gstep{call}}
	}
	first := matchStep(bytecode.MakeNav(ns.mode, bytecode.PolicyExact, 0))
	first.fieldName = ns.field
	if ns.field != "" {
		first.nav = bytecode.MakeNav(ns.mode, bytecode.PolicyAny, 0)
	}
	if ns.policy == bytecode.PolicyExact {
		// anchored: exactly one candidate
		first.succ = []*gstep{call}
		return frag{entry: first, outs: []*gstep{call}}
	}
	e := epsStep()
	var adv *gstep
	switch {
	case ns.field != "":
		adv = matchStep(bytecode.MakeNav(bytecode.NavNext, bytecode.PolicyAny, 0))
		adv.fieldName = ns.field
	case ns.policy == bytecode.PolicyTrivia:
		adv = matchStep(bytecode.MakeNav(bytecode.NavNext, bytecode.PolicyExact, 0))
		adv.kindClass = bytecode.KCTrivia
	default:
		adv = matchStep(bytecode.MakeNav(bytecode.NavNext, bytecode.PolicyExact, 0))
	}
	first.succ = []*gstep{e}
	e.succ = []*gstep{call, adv}
	adv.succ = []*gstep{e}
	return frag{entry: first, outs: []*gstep{call}}
}
