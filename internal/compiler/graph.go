// Package compiler lowers the analyzed, typed query into the recursive
// transition network: Thompson-style fragment composition, navigation
// lowering, partial epsilon elimination, and the three-pass layout into
// the bytecode arena.
package compiler

import (
	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/runtime"
)

// effect is an unresolved effect: member arguments stay symbolic until
// the builder has laid the type-member section out.
type effect struct {
	op     runtime.EffectOp
	scope  infer.TypeID // for Set/StartEnum
	member int
}

// predicate is an unresolved text predicate.
type predicate struct {
	op      bytecode.PredOp
	literal string
	isRegex bool
}

// gstep is one transition under construction. Successor order encodes
// branch priority; lazyFront flips where the continuation lands when a
// fragment is connected.
type gstep struct {
	op        uint8 // bytecode.OpMatchN, OpCall, OpReturn
	nav       bytecode.Nav
	kindClass uint8
	kindName  string // node type constraint, "" = none
	kindNamed bool
	fieldName string
	neg       []string
	pre       []effect
	post      []effect
	pred      *predicate
	succ      []*gstep
	lazyFront bool

	// Call payload.
	callee *defGraph
	ret    *gstep

	// Layout.
	id    uint32
	units uint32
}

func matchStep(nav bytecode.Nav) *gstep {
	return &gstep{op: bytecode.OpMatchN, nav: nav, kindClass: bytecode.KCAny}
}

func epsStep() *gstep {
	return &gstep{op: bytecode.OpMatchN, nav: bytecode.NavEpsilon}
}

// frag is a partial network: an entry step plus the dangling steps whose
// continuation is still open. The open ends split into two lanes: outs
// are paths that consumed at least one node (the cursor sits on the last
// matched node), empty are paths that consumed nothing (the cursor never
// moved). Sibling composition feeds the lanes different navigation, and
// a node pattern ascends only on the consumed lane.
type frag struct {
	entry *gstep
	outs  []*gstep
	empty []*gstep
}

// connectSet feeds a set of open ends into the next step.
func connectSet(steps []*gstep, next *gstep) {
	for _, s := range steps {
		if s.op == bytecode.OpCall {
			s.ret = next
			continue
		}
		if s.lazyFront {
			s.succ = append([]*gstep{next}, s.succ...)
			s.lazyFront = false
			continue
		}
		s.succ = append(s.succ, next)
	}
}

// connect feeds both lanes into the next step, for callers that no
// longer care about the distinction.
func connect(f frag, next *gstep) {
	connectSet(f.outs, next)
	connectSet(f.empty, next)
}

// wrap brackets a fragment with pre effects at its entry and post effects
// on trailing epsilons, one per lane so the lanes stay separate. The
// folding pass collapses these where the ordering allows.
func wrap(f frag, pre, post []effect) frag {
	if len(pre) > 0 {
		e := epsStep()
		e.pre = pre
		e.succ = []*gstep{f.entry}
		f.entry = e
	}
	if len(post) > 0 {
		if len(f.outs) > 0 {
			e := epsStep()
			e.post = post
			connectSet(f.outs, e)
			f.outs = []*gstep{e}
		}
		if len(f.empty) > 0 {
			e := epsStep()
			e.post = append([]effect{}, post...)
			connectSet(f.empty, e)
			f.empty = []*gstep{e}
		}
	}
	return f
}

// defGraph is one definition compiled as a callable body ending in
// Return.
type defGraph struct {
	def   *analyzer.Definition
	entry *gstep
	ref   uint16
}
