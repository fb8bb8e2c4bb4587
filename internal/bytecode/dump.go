package bytecode

import (
	"fmt"
	"strings"

	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/runtime"
)

// Dump renders the whole arena: header summary, section table, interned
// strings, types, entrypoints, and a disassembly of the transition heap.
func (p *Program) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plotnik bytecode v%d linked=%v size=%d\n", p.version, p.Linked(), len(p.body))
	for i := 0; i < SectionCount; i++ {
		fmt.Fprintf(&b, "  %-12s off=%-6d len=%d\n", sectionNames[i], p.offs[i], p.sizes[i])
	}

	b.WriteString("strings:\n")
	for i := 1; i < p.StringCount(); i++ {
		fmt.Fprintf(&b, "  %-4d %q\n", i, p.String(uint32(i)))
	}

	b.WriteString("types:\n")
	for id := 0; id < p.TypeCount(); id++ {
		t := p.TypeAt(uint32(id))
		fmt.Fprintf(&b, "  %-4d %-9s", id, t.Kind)
		if t.NameID != 0 {
			fmt.Fprintf(&b, " %s", p.String(t.NameID))
		}
		switch t.Kind {
		case infer.KindOptional, infer.KindArrayStar, infer.KindArrayPlus, infer.KindAlias, infer.KindRef:
			fmt.Fprintf(&b, " -> %d", t.Elem)
		case infer.KindStruct, infer.KindEnum:
			b.WriteString(" {")
			for i := uint32(0); i < t.MemberCount; i++ {
				nameID, typeID := p.MemberAt(t.MemberOff + i)
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "%s:%d", p.String(nameID), typeID)
			}
			b.WriteString("}")
		}
		b.WriteByte('\n')
	}

	b.WriteString("entrypoints:\n")
	for i := 0; i < p.EntryCount(); i++ {
		name, step, typeID := p.EntryAt(i)
		fmt.Fprintf(&b, "  %s step=%d type=%d\n", name, step, typeID)
	}

	b.WriteString("transitions:\n")
	steps := p.Steps()
	for id := uint32(0); id < p.StepCount(); {
		s := DecodeStep(steps, id)
		fmt.Fprintf(&b, "  %-5d %s\n", id, p.renderStep(&s))
		id += s.Units
	}
	return b.String()
}

func (p *Program) renderStep(s *Step) string {
	var b strings.Builder
	switch s.Op {
	case OpAccept:
		return "accept"
	case OpReturn:
		return "return"
	case OpTrampoline:
		return "trampoline"
	case OpCall:
		fmt.Fprintf(&b, "call %s target=%d ret=%d", s.Nav, s.Target, s.Ret)
		if s.Field != 0 {
			fmt.Fprintf(&b, " field=%s", p.constraintName(s.Field))
		}
		return b.String()
	}
	fmt.Fprintf(&b, "match %s", s.Nav)
	switch s.KindClass {
	case KCExact:
		if s.Type != 0 {
			fmt.Fprintf(&b, " kind=%s", p.constraintName(s.Type))
		} else {
			b.WriteString(" kind=*")
		}
	case KCAnyNamed:
		b.WriteString(" kind=named")
	case KCAnyAnon:
		b.WriteString(" kind=anon")
	case KCAny:
		b.WriteString(" kind=*")
	case KCMissing:
		b.WriteString(" kind=missing")
		if s.Type != 0 {
			fmt.Fprintf(&b, "(%s)", p.constraintName(s.Type))
		}
	case KCErrorNode:
		b.WriteString(" kind=error")
	case KCTrivia:
		b.WriteString(" kind=trivia")
	}
	if s.Field != 0 {
		fmt.Fprintf(&b, " field=%s", p.constraintName(s.Field))
	}
	for _, e := range s.Pre {
		fmt.Fprintf(&b, " pre:%s", p.renderEffect(e))
	}
	for _, e := range s.Post {
		fmt.Fprintf(&b, " post:%s", p.renderEffect(e))
	}
	for _, n := range s.Neg {
		fmt.Fprintf(&b, " neg=%s", p.constraintName(n))
	}
	if s.HasPred {
		fmt.Fprintf(&b, " pred:%s#%d", s.PredOp, s.PredArg)
	}
	if len(s.Succ) == 0 {
		b.WriteString(" -> accept")
	} else {
		b.WriteString(" ->")
		for _, t := range s.Succ {
			fmt.Fprintf(&b, " %d", t)
		}
	}
	return b.String()
}

// constraintName renders a type/field slot: the interned name when
// unlinked, the raw numeric id when linked.
func (p *Program) constraintName(slot uint16) string {
	if p.Linked() {
		return fmt.Sprintf("#%d", slot)
	}
	return p.String(uint32(slot))
}

func (p *Program) renderEffect(slot uint16) string {
	op, arg := UnpackEffect(slot)
	if op.HasArg() {
		return fmt.Sprintf("%s(%s)", op, p.MemberName(arg))
	}
	if op == runtime.EffNode || op == runtime.EffText {
		return op.String()
	}
	return op.String()
}
