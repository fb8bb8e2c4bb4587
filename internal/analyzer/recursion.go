package analyzer

import (
	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/syntax"
)

// checkRecursion validates the reference graph. Every cycle must be
// guarded (each path through it consumes at least one tree node) and must
// have an escape (a matching path that terminates). The pass also marks
// definitions that participate in any cycle so the compiler knows which
// references need Call/Return instead of inlining.
func checkRecursion(q *Query) {
	computeNullable(q)
	computeTerminates(q)

	full := map[*Definition][]*Definition{}
	zero := map[*Definition][]*Definition{}
	for _, def := range q.Defs {
		if def.Body == nil {
			continue
		}
		full[def] = refTargets(def.Body, false)
		zero[def] = refTargets(def.Body, true)
	}

	recursive := cyclic(q.Defs, full)
	for def := range recursive {
		def.Recursive = true
	}

	for def := range cyclic(q.Defs, zero) {
		q.Diags.Addf(diag.UnguardedRecursion, def.Span,
			"recursion through %s consumes no node on some path", def.Name)
	}

	for _, def := range q.Defs {
		if def.Recursive && !def.Terminates {
			q.Diags.Addf(diag.RecursionWithoutEscape, def.Span,
				"every branch of %s recurses; add a non-recursive escape", def.Name)
		}
	}
}

// computeNullable iterates to a fixpoint on "can match zero nodes".
func computeNullable(q *Query) {
	for changed := true; changed; {
		changed = false
		for _, def := range q.Defs {
			if def.Body == nil {
				continue
			}
			if !def.Nullable && nullable(def.Body) {
				def.Nullable = true
				changed = true
			}
		}
	}
}

func nullable(e Expr) bool {
	switch x := e.(type) {
	case *NodeExpr:
		return false
	case *SeqExpr:
		for _, item := range x.Items {
			if !nullable(item) {
				return false
			}
		}
		return true
	case *AltExpr:
		for _, b := range x.Branches {
			if nullable(b.Body) {
				return true
			}
		}
		return false
	case *QuantExpr:
		if x.Op.Base() == syntax.QuantPlus {
			return nullable(x.Inner)
		}
		return true
	case *CaptureExpr:
		return nullable(x.Inner)
	case *FieldExpr:
		return nullable(x.Inner)
	case *PredExpr:
		return nullable(x.Inner)
	case *RefExpr:
		return x.Def != nil && x.Def.Nullable
	default:
		// anchors, negated fields, error nodes
		return true
	}
}

// computeTerminates iterates to a fixpoint on "has a finite matching
// path". Non-recursive definitions trivially terminate.
func computeTerminates(q *Query) {
	for changed := true; changed; {
		changed = false
		for _, def := range q.Defs {
			if def.Body == nil {
				if !def.Terminates {
					def.Terminates = true
					changed = true
				}
				continue
			}
			if !def.Terminates && terminates(def.Body) {
				def.Terminates = true
				changed = true
			}
		}
	}
}

func terminates(e Expr) bool {
	switch x := e.(type) {
	case *NodeExpr:
		for _, c := range x.Children {
			if !terminates(c) {
				return false
			}
		}
		return true
	case *SeqExpr:
		for _, item := range x.Items {
			if !terminates(item) {
				return false
			}
		}
		return true
	case *AltExpr:
		for _, b := range x.Branches {
			if terminates(b.Body) {
				return true
			}
		}
		return len(x.Branches) == 0
	case *QuantExpr:
		if x.Op.Base() == syntax.QuantPlus {
			return terminates(x.Inner)
		}
		return true // zero iterations
	case *CaptureExpr:
		return terminates(x.Inner)
	case *FieldExpr:
		return terminates(x.Inner)
	case *PredExpr:
		return terminates(x.Inner)
	case *RefExpr:
		return x.Def != nil && x.Def.Terminates
	default:
		return true
	}
}

// refTargets collects referenced definitions. With zeroOnly set, only
// references reachable before any node is consumed count: those are the
// edges whose cycles make recursion unguarded.
func refTargets(e Expr, zeroOnly bool) []*Definition {
	var out []*Definition
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case *RefExpr:
			if x.Def != nil {
				out = append(out, x.Def)
			}
		case *NodeExpr:
			if zeroOnly {
				return // entering the node consumes it; children are guarded
			}
			for _, c := range x.Children {
				walk(c)
			}
		case *SeqExpr:
			for _, item := range x.Items {
				walk(item)
				if zeroOnly && !nullable(item) {
					return
				}
			}
		case *AltExpr:
			for _, b := range x.Branches {
				walk(b.Body)
			}
		case *QuantExpr:
			walk(x.Inner)
		case *CaptureExpr:
			walk(x.Inner)
		case *FieldExpr:
			walk(x.Inner)
		case *PredExpr:
			walk(x.Inner)
		}
	}
	walk(e)
	return out
}

// cyclic returns the definitions that sit on a cycle of the given edge
// relation, including self-loops.
func cyclic(defs []*Definition, edges map[*Definition][]*Definition) map[*Definition]bool {
	// Tarjan's strongly connected components, iterative enough for the
	// handful of definitions a query holds.
	index := map[*Definition]int{}
	low := map[*Definition]int{}
	onStack := map[*Definition]bool{}
	var stack []*Definition
	next := 0
	out := map[*Definition]bool{}

	var strongconnect func(v *Definition)
	strongconnect = func(v *Definition) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range edges[v] {
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] {
				if index[w] < low[v] {
					low[v] = index[w]
				}
			}
		}
		if low[v] == index[v] {
			var scc []*Definition
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 {
				for _, w := range scc {
					out[w] = true
				}
			} else {
				// single node: cyclic only on a self-loop
				for _, w := range edges[scc[0]] {
					if w == scc[0] {
						out[scc[0]] = true
					}
				}
			}
		}
	}
	for _, d := range defs {
		if _, seen := index[d]; !seen {
			strongconnect(d)
		}
	}
	return out
}
