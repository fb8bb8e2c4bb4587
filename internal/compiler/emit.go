package compiler

import (
	"errors"
	"fmt"

	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/infer"
)

// Options tunes compilation.
type Options struct {
	// Trivia lists the node kinds the skip policies treat as trivia.
	// Defaults to the comment kind shared by the bundled grammars.
	Trivia []string
}

var ErrFatalDiagnostics = errors.New("compiler: query has fatal diagnostics")

// Preamble step ids: Accept is the terminal sentinel at 0, the universal
// trampoline sits at 1.
const (
	stepAccept     = 0
	stepTrampoline = 1
	firstBodyStep  = 2
)

// Compile lowers an analyzed, typed query into a bytecode program. It
// refuses to emit when any fatal diagnostic exists.
func Compile(q *analyzer.Query, info *infer.Info, opts Options) (*bytecode.Program, error) {
	if len(q.Entrypoints()) == 0 {
		q.Diags.Addf(diag.MissingEntrypoint, diag.Span{}, "query has no public definition")
	}
	if q.Diags.HasFatal() {
		return nil, fmt.Errorf("%w: %v", ErrFatalDiagnostics, q.Err())
	}

	c := &compiler{q: q, info: info, graphs: map[*analyzer.Definition]*defGraph{}}
	for _, def := range q.Entrypoints() {
		c.defGraph(def)
	}

	steps := collectSteps(c, q)
	normalize(c, steps)
	steps = collectSteps(c, q) // splitting introduced steps
	foldEpsilons(c, steps)
	steps = collectSteps(c, q)

	b := bytecode.NewBuilder()
	b.SetTypes(info.Table)
	trivia := opts.Trivia
	if trivia == nil {
		trivia = []string{"comment"}
	}
	for _, t := range trivia {
		if err := b.Trivia(t); err != nil {
			return nil, err
		}
	}

	if err := layout(steps); err != nil {
		q.Diags.Addf(diag.PayloadOverflow, diag.Span{}, "%v", err)
		return nil, err
	}
	buf, err := emit(c, b, steps)
	if err != nil {
		q.Diags.Addf(diag.PayloadOverflow, diag.Span{}, "%v", err)
		return nil, err
	}
	b.SetTransitions(buf)

	var entries []bytecode.Entrypoint
	for _, def := range q.Entrypoints() {
		g := c.graphs[def]
		entries = append(entries, bytecode.Entrypoint{
			Name: def.Name,
			Step: g.entry.id,
			Type: uint32(info.DefAlias[def]),
		})
	}
	b.SetEntrypoints(entries)
	return b.Finish()
}

// collectSteps gathers every reachable step in deterministic order:
// definitions in source order, then depth-first along successor priority.
func collectSteps(c *compiler, q *analyzer.Query) []*gstep {
	var order []*gstep
	seen := map[*gstep]bool{}
	var visit func(s *gstep)
	visit = func(s *gstep) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		order = append(order, s)
		for _, n := range s.succ {
			visit(n)
		}
		if s.op == bytecode.OpCall {
			visit(s.ret)
		}
	}
	for _, def := range q.Defs {
		if g, ok := c.graphs[def]; ok {
			visit(g.entry)
		}
	}
	return order
}

// normalize splits steps whose payload would overflow a 64-byte MatchN:
// extra successors chain through epsilons, extra post effects spill onto
// a following epsilon, extra negated fields re-check via a stay step, and
// oversized pre lists hoist into a leading epsilon.
func normalize(c *compiler, steps []*gstep) {
	preds := predecessors(c, steps)
	for _, s := range steps {
		if s.op != bytecode.OpMatchN {
			continue
		}
		if len(s.succ) > bytecode.MaxSucc {
			tail := epsStep()
			keep := bytecode.MaxSucc - 1
			tail.succ = append(tail.succ, s.succ[keep:]...)
			s.succ = append(s.succ[:keep:keep], tail)
			normalize(c, []*gstep{tail})
		}
		if len(s.post) > bytecode.MaxPost {
			spill := epsStep()
			spill.post = append(spill.post, s.post[bytecode.MaxPost:]...)
			s.post = s.post[:bytecode.MaxPost]
			spill.succ = s.succ
			s.succ = []*gstep{spill}
			normalize(c, []*gstep{spill})
		}
		if len(s.neg) > bytecode.MaxNeg {
			ck := matchStep(bytecode.NavStay)
			ck.neg = s.neg[bytecode.MaxNeg:]
			s.neg = s.neg[:bytecode.MaxNeg]
			ck.succ = s.succ
			s.succ = []*gstep{ck}
			normalize(c, []*gstep{ck})
		}
		if len(s.pre) > bytecode.MaxPre {
			lead := epsStep()
			lead.pre = append(lead.pre, s.pre[:len(s.pre)-bytecode.MaxPre]...)
			s.pre = s.pre[len(s.pre)-bytecode.MaxPre:]
			lead.succ = []*gstep{s}
			retarget(c, preds, s, lead)
			normalize(c, []*gstep{lead})
		}
	}
}

// predecessors maps each step to the steps (and graphs) referencing it.
func predecessors(c *compiler, steps []*gstep) map[*gstep][]*gstep {
	preds := map[*gstep][]*gstep{}
	for _, s := range steps {
		for _, n := range s.succ {
			preds[n] = append(preds[n], s)
		}
		if s.op == bytecode.OpCall && s.ret != nil {
			preds[s.ret] = append(preds[s.ret], s)
		}
	}
	return preds
}

// retarget repoints every reference to old at repl.
func retarget(c *compiler, preds map[*gstep][]*gstep, old, repl *gstep) {
	for _, p := range preds[old] {
		for i, n := range p.succ {
			if n == old {
				p.succ[i] = repl
			}
		}
		if p.op == bytecode.OpCall && p.ret == old {
			p.ret = repl
		}
	}
	for _, g := range c.graphs {
		if g.entry == old {
			g.entry = repl
		}
	}
}

// foldEpsilons performs the partial epsilon elimination: pure epsilons
// drop out by path compression, single-predecessor pre-effect epsilons
// fold onto the following match, and post-effect epsilons fold onto the
// preceding match. Effects whose ordering relative to the match matters
// stay on the side they were emitted on.
func foldEpsilons(c *compiler, steps []*gstep) {
	// Path-compress pure epsilons.
	target := func(s *gstep) *gstep {
		for hops := 0; hops < 64; hops++ {
			if s.op != bytecode.OpMatchN || !s.nav.IsEpsilon() ||
				len(s.pre) != 0 || len(s.post) != 0 || s.pred != nil || len(s.succ) != 1 {
				return s
			}
			if s.succ[0] == s {
				return s
			}
			s = s.succ[0]
		}
		return s
	}
	for _, s := range steps {
		for i, n := range s.succ {
			s.succ[i] = target(n)
		}
		if s.op == bytecode.OpCall && s.ret != nil {
			s.ret = target(s.ret)
		}
	}
	for _, g := range c.graphs {
		g.entry = target(g.entry)
	}

	preds := predecessors(c, collectSteps(c, c.q))

	// Fold pre-effect epsilons into their sole match successor.
	for _, s := range steps {
		if s.op != bytecode.OpMatchN || !s.nav.IsEpsilon() || len(s.post) != 0 ||
			s.pred != nil || len(s.pre) == 0 || len(s.succ) != 1 {
			continue
		}
		m := s.succ[0]
		if m.op != bytecode.OpMatchN || m.nav.IsEpsilon() {
			continue
		}
		if len(preds[m]) != 1 || preds[m][0] != s {
			continue
		}
		if len(s.pre)+len(m.pre) > bytecode.MaxPre {
			continue
		}
		m.pre = append(append([]effect{}, s.pre...), m.pre...)
		s.pre = nil
		// s is now a pure epsilon; the next compression pass removes it.
	}

	// Fold post-effect epsilons into their sole match predecessor.
	for _, e := range steps {
		if e.op != bytecode.OpMatchN || !e.nav.IsEpsilon() || len(e.pre) != 0 ||
			e.pred != nil || len(e.post) == 0 {
			continue
		}
		ps := preds[e]
		if len(ps) != 1 {
			continue
		}
		m := ps[0]
		if m.op != bytecode.OpMatchN || m.nav.IsEpsilon() || len(m.succ) != 1 || m.succ[0] != e {
			continue
		}
		if len(m.post)+len(e.post) > bytecode.MaxPost {
			continue
		}
		m.post = append(m.post, e.post...)
		m.succ = e.succ
		e.post = nil
	}

	// Final compression sweep for the epsilons emptied above.
	for _, s := range steps {
		for i, n := range s.succ {
			s.succ[i] = target(n)
		}
		if s.op == bytecode.OpCall && s.ret != nil {
			s.ret = target(s.ret)
		}
	}
	for _, g := range c.graphs {
		g.entry = target(g.entry)
	}
}

// layout assigns step ids so that no step straddles a 64-byte cache line.
// Gaps left by the alignment rule stay zeroed, which decodes as Accept
// filler that nothing jumps to.
const unitsPerLine = bytecode.CacheLine / bytecode.StepSize

func layout(steps []*gstep) error {
	cur := uint32(firstBodyStep)
	for _, s := range steps {
		s.units = sizeOf(s)
		if cur%unitsPerLine+s.units > unitsPerLine {
			cur = (cur/unitsPerLine + 1) * unitsPerLine
		}
		s.id = cur
		cur += s.units
	}
	if cur > 0xFFFF {
		return fmt.Errorf("transition heap of %d units exceeds the successor id range", cur)
	}
	return nil
}

func sizeOf(s *gstep) uint32 {
	st := bytecode.Step{
		Op:        s.op,
		Nav:       s.nav,
		KindClass: s.kindClass,
		HasPred:   s.pred != nil,
	}
	if s.kindName != "" {
		st.Type = 1 // any non-zero marker; sizing only needs presence
	}
	st.Pre = make([]uint16, len(s.pre))
	st.Post = make([]uint16, len(s.post))
	st.Neg = make([]uint16, len(s.neg))
	st.Succ = make([]uint16, len(s.succ))
	return st.SizeUnits()
}

// emit writes the preamble and every step into the transition buffer.
func emit(c *compiler, b *bytecode.Builder, steps []*gstep) ([]byte, error) {
	total := uint32(firstBodyStep)
	for _, s := range steps {
		if end := s.id + s.units; end > total {
			total = end
		}
	}
	buf := make([]byte, total*bytecode.StepSize)
	(&bytecode.Step{Op: bytecode.OpAccept}).Emit(buf, stepAccept)
	(&bytecode.Step{Op: bytecode.OpTrampoline}).Emit(buf, stepTrampoline)

	for _, s := range steps {
		st, err := c.encodeStep(b, s)
		if err != nil {
			return nil, err
		}
		st.Emit(buf, s.id)
	}
	return buf, nil
}

func (c *compiler) encodeStep(b *bytecode.Builder, s *gstep) (*bytecode.Step, error) {
	st := &bytecode.Step{Op: s.op, Nav: s.nav, KindClass: s.kindClass}
	switch s.op {
	case bytecode.OpReturn:
		return st, nil
	case bytecode.OpCall:
		st.Target = s.callee.entry.id
		st.Ret = s.ret.id
		st.Ref = s.callee.ref
		if s.fieldName != "" {
			f, err := b.Field(s.fieldName)
			if err != nil {
				return nil, err
			}
			st.Field = f
		}
		return st, nil
	}
	if s.kindName != "" {
		t, err := b.NodeType(s.kindName, s.kindNamed)
		if err != nil {
			return nil, err
		}
		st.Type = t
	}
	if s.fieldName != "" {
		f, err := b.Field(s.fieldName)
		if err != nil {
			return nil, err
		}
		st.Field = f
	}
	for _, n := range s.neg {
		f, err := b.Field(n)
		if err != nil {
			return nil, err
		}
		st.Neg = append(st.Neg, f)
	}
	var err error
	if st.Pre, err = c.packEffects(b, s.pre); err != nil {
		return nil, err
	}
	if st.Post, err = c.packEffects(b, s.post); err != nil {
		return nil, err
	}
	for _, n := range s.succ {
		st.Succ = append(st.Succ, uint16(n.id))
	}
	if s.pred != nil {
		st.HasPred = true
		st.PredOp = s.pred.op
		if s.pred.isRegex {
			idx, err := b.Regex(s.pred.literal)
			if err != nil {
				return nil, err
			}
			st.PredArg = idx
		} else {
			id := b.InternString(s.pred.literal)
			if id > 0xFFFF {
				return nil, fmt.Errorf("predicate literal pool overflow")
			}
			st.PredArg = uint16(id)
		}
	}
	return st, nil
}

func (c *compiler) packEffects(b *bytecode.Builder, effs []effect) ([]uint16, error) {
	if len(effs) == 0 {
		return nil, nil
	}
	out := make([]uint16, len(effs))
	for i, e := range effs {
		var arg uint32
		if e.op.HasArg() {
			arg = b.GlobalMember(e.scope, e.member)
			if arg > 0x0FFF {
				return nil, fmt.Errorf("member index %d overflows the effect argument", arg)
			}
		}
		out[i] = bytecode.PackEffect(e.op, arg)
	}
	return out, nil
}
