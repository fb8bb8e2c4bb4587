package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Grammar resolves node-kind and field names against a loaded tree-sitter
// language.
type Grammar interface {
	// KindID returns the numeric symbol for a node kind, honoring the
	// named/anonymous distinction; 0 when unknown.
	KindID(name string, named bool) uint16
	// FieldID returns the numeric field id; 0 when unknown.
	FieldID(name string) uint16
}

var ErrAlreadyLinked = errors.New("bytecode: program is already linked")

// Link resolves an unlinked program against a grammar, producing a new
// program whose type and field slots hold tree-sitter numeric ids. The
// input is left untouched. Unknown names fail: executing a query whose
// constraints silently match nothing helps nobody.
func Link(p *Program, g Grammar) (*Program, error) {
	if p.Linked() {
		return nil, ErrAlreadyLinked
	}
	body := alignedBuf(len(p.body))
	copy(body, p.body)
	out := &Program{
		body:    body,
		version: p.version,
		flags:   p.flags | FlagLinked | FlagOwned,
		offs:    p.offs,
		sizes:   p.sizes,
	}
	le := binary.LittleEndian

	// Resolve the mapping tables in place, remembering str id → numeric.
	kinds := map[uint16]uint16{}
	fields := map[uint16]uint16{}
	for i := 0; i < out.NodeTypeCount(); i++ {
		rec := out.section(SecNodeTypes)[i*nodeTypeRecSize:]
		strID := le.Uint16(rec)
		named := le.Uint16(rec[2:]) != 0
		name := out.String(uint32(strID))
		id := g.KindID(name, named)
		if id == 0 {
			return nil, fmt.Errorf("bytecode: grammar has no node kind %q", name)
		}
		le.PutUint16(rec[4:], id)
		kinds[strID] = id
	}
	for i := 0; i < out.FieldCount(); i++ {
		rec := out.section(SecFields)[i*fieldRecSize:]
		strID := le.Uint16(rec)
		name := out.String(uint32(strID))
		id := g.FieldID(name)
		if id == 0 {
			return nil, fmt.Errorf("bytecode: grammar has no field %q", name)
		}
		le.PutUint16(rec[2:], id)
		fields[strID] = id
	}
	for i := 0; i < int(out.sizes[SecTrivia]/triviaRecSize); i++ {
		rec := out.section(SecTrivia)[i*triviaRecSize:]
		strID := le.Uint16(rec)
		name := out.String(uint32(strID))
		id := g.KindID(name, true)
		if id == 0 {
			// a grammar without the trivia kind simply never produces it
			continue
		}
		le.PutUint16(rec[2:], id)
	}

	// Rewrite every step's constraint slots from string ids to numeric
	// ids. Negated-field lists rewrite too.
	steps := out.Steps()
	for id := uint32(0); id < out.StepCount(); {
		s := DecodeStep(steps, id)
		at := steps[id*StepSize:]
		switch s.Op {
		case OpMatch8, OpMatchN:
			if s.Type != 0 && s.KindClass <= KCExact {
				le.PutUint16(at[2:], kinds[s.Type])
			}
			if s.Type != 0 && s.KindClass == KCMissing {
				le.PutUint16(at[2:], kinds[s.Type])
			}
			if s.Field != 0 {
				le.PutUint16(at[4:], fields[s.Field])
			}
			if len(s.Neg) > 0 {
				pos := 8 + 2*(len(s.Pre)+len(s.Post))
				for _, n := range s.Neg {
					le.PutUint16(at[pos:], fields[n])
					pos += 2
				}
			}
		case OpCall:
			if s.Field != 0 {
				le.PutUint16(at[2:], fields[s.Field])
			}
		}
		id += s.Units
	}
	out.regexes = p.regexes
	return out, nil
}
