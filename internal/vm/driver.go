package vm

import (
	"errors"

	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/runtime"
)

// Match is one successful execution: the node index it anchored at and
// the surviving effect log.
type Match struct {
	Index   uint32
	Effects []runtime.Effect
}

// FindAll drives the VM over every node of the tree in preorder,
// attempting the entrypoint at each one. The cursor is created once at
// the root and repositioned only with GotoDescendant, preserving the
// checkpoint discipline. NoMatch at a node just moves on; fuel
// exhaustion aborts the whole search.
func FindAll(prog *bytecode.Program, tree runtime.Tree, entry string, opts Options) ([]Match, error) {
	step, _, err := prog.Entry(entry)
	if err != nil {
		return nil, err
	}
	cursor := tree.Walk()
	count := tree.DescendantCount()
	var out []Match
	for i := uint32(0); i < count; i++ {
		cursor.GotoDescendant(i)
		m, err := New(prog, cursor, opts)
		if err != nil {
			return nil, err
		}
		effects, err := m.Run(step)
		switch {
		case err == nil:
			out = append(out, Match{Index: i, Effects: effects})
		case errors.Is(err, ErrNoMatch):
			// try the next node
		default:
			return nil, err
		}
	}
	return out, nil
}

// FindFirst stops at the first match in preorder.
func FindFirst(prog *bytecode.Program, tree runtime.Tree, entry string, opts Options) (Match, bool, error) {
	step, _, err := prog.Entry(entry)
	if err != nil {
		return Match{}, false, err
	}
	cursor := tree.Walk()
	count := tree.DescendantCount()
	for i := uint32(0); i < count; i++ {
		cursor.GotoDescendant(i)
		m, err := New(prog, cursor, opts)
		if err != nil {
			return Match{}, false, err
		}
		effects, err := m.Run(step)
		switch {
		case err == nil:
			return Match{Index: i, Effects: effects}, true, nil
		case errors.Is(err, ErrNoMatch):
		default:
			return Match{}, false, err
		}
	}
	return Match{}, false, nil
}
