package compiler

import (
	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/runtime"
	"github.com/oxhq/plotnik/internal/syntax"
)

// attachValue consolidates scalar capture effects onto the closest
// matching transitions: every open end of the fragment already holds the
// matched node (epsilons preserve it), so the value ops land there
// instead of on an epsilon of their own.
func attachValue(f frag, effs ...effect) frag {
	for _, s := range f.outs {
		s.post = append(s.post, effs...)
	}
	for _, s := range f.empty {
		s.post = append(s.post, effs...)
	}
	return f
}

func (c *compiler) compileCapture(x *analyzer.CaptureExpr, ns navSpec) frag {
	if x.Suppressed {
		return wrap(c.compileExpr(x.Inner, ns),
			[]effect{{op: runtime.EffSuppressBegin}},
			[]effect{{op: runtime.EffSuppressEnd}})
	}
	pl, ok := c.info.Captures[x]
	if !ok {
		// inference bailed on this site; match structurally
		return c.compileExpr(x.Inner, ns)
	}
	scopeIsEnum := c.info.Table.Get(pl.Scope).Kind == infer.KindEnum
	set := effect{op: runtime.EffSet, scope: pl.Scope, member: pl.Member}

	// `:: string` extracts the matched node's text.
	if x.Annot != nil && x.Annot.IsString {
		f := c.compileExpr(x.Inner, ns)
		if scopeIsEnum {
			// unwrapped enum payload: the text is the variant value
			return attachValue(f, effect{op: runtime.EffText})
		}
		return attachValue(f, effect{op: runtime.EffText}, set)
	}

	switch inner := x.Inner.(type) {
	case *analyzer.RefExpr:
		// The callee's effects leave its payload as the current value.
		return wrap(c.compileRef(inner, ns), nil, []effect{set})
	case *analyzer.QuantExpr:
		return c.compileCapturedQuant(pl, inner, ns)
	case *analyzer.SeqExpr, *analyzer.AltExpr:
		f := c.compileExpr(x.Inner, ns)
		value := c.info.Table.Get(pl.Value)
		switch value.Kind {
		case infer.KindStruct:
			return wrap(f,
				[]effect{{op: runtime.EffStartObj}},
				[]effect{{op: runtime.EffEndObj}, set})
		case infer.KindEnum:
			// tagged alternation already emitted its enum effects
			return wrap(f, nil, []effect{set})
		default:
			// unit-to-node promotion
			return attachValue(f, effect{op: runtime.EffNode}, set)
		}
	default:
		// node patterns and predicates bind the matched node
		f := c.compileExpr(x.Inner, ns)
		return attachValue(f, effect{op: runtime.EffNode}, set)
	}
}

// compileCapturedQuant lowers a captured quantifier: `?` branches between
// a value and an explicit null; `*`/`+` collect into an array, one row or
// node per iteration. The zero-iteration exits stay on the empty lane so
// enclosing patterns know the cursor never moved.
func (c *compiler) compileCapturedQuant(pl infer.Placement, q *analyzer.QuantExpr, ns navSpec) frag {
	lazy := q.Op.Lazy()
	set := effect{op: runtime.EffSet, scope: pl.Scope, member: pl.Member}
	valueIsRow := c.info.Table.Get(pl.Value).Kind == infer.KindStruct

	iter := func(spec navSpec) frag {
		f := c.compileExpr(q.Inner, spec)
		if valueIsRow {
			return wrap(f,
				[]effect{{op: runtime.EffStartObj}},
				[]effect{{op: runtime.EffEndObj}, {op: runtime.EffPush}})
		}
		return attachValue(f, effect{op: runtime.EffNode}, effect{op: runtime.EffPush})
	}

	if q.Op.Base() == syntax.QuantOpt {
		e := epsStep()
		e.lazyFront = lazy
		body := c.compileExpr(q.Inner, ns)
		var taken frag
		if valueIsRow {
			taken = wrap(body,
				[]effect{{op: runtime.EffStartObj}},
				[]effect{{op: runtime.EffEndObj}, set})
		} else {
			taken = attachValue(body, effect{op: runtime.EffNode}, set)
		}
		skip := epsStep()
		skip.post = []effect{{op: runtime.EffNull}, set}
		e.succ = []*gstep{taken.entry, skip}
		return frag{
			entry: e,
			outs:  taken.outs,
			empty: append(append([]*gstep{}, taken.empty...), skip),
		}
	}

	exitFull := epsStep()
	exitFull.post = []effect{{op: runtime.EffEndArr}, set}

	if q.Op.Base() == syntax.QuantStar {
		e1 := epsStep()
		e2 := epsStep()
		e1.lazyFront = lazy
		e2.lazyFront = lazy
		e1.pre = []effect{{op: runtime.EffStartArr}}
		body1 := iter(ns)
		bodyN := iter(ns.next())
		e1.succ = []*gstep{body1.entry}
		connect(body1, e2)
		e2.succ = []*gstep{bodyN.entry}
		connect(bodyN, e2)
		// the zero-iteration path still emits an empty array
		exitEmpty := epsStep()
		exitEmpty.post = []effect{{op: runtime.EffEndArr}, set}
		connectSet([]*gstep{e1}, exitEmpty)
		connectSet([]*gstep{e2}, exitFull)
		return frag{entry: e1, outs: []*gstep{exitFull}, empty: []*gstep{exitEmpty}}
	}

	// plus
	body1 := wrap(iter(ns), []effect{{op: runtime.EffStartArr}}, nil)
	bodyN := iter(ns.next())
	e2 := epsStep()
	e2.lazyFront = lazy
	connect(body1, e2)
	e2.succ = []*gstep{bodyN.entry}
	connect(bodyN, e2)
	connectSet([]*gstep{e2}, exitFull)
	return frag{entry: body1.entry, outs: []*gstep{exitFull}}
}
