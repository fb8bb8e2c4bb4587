// Package infer implements bottom-up type inference over the analyzed
// query: scope boundaries, capture bubbling, the strict-dimensionality
// rule, and the cardinality algebra. Its output is an append-only type
// table plus per-capture placement used by the bytecode compiler.
package infer

import (
	"fmt"
	"sort"
	"strings"
)

// TypeID indexes the type table. The zero id is Void.
type TypeID uint32

// Reserved well-known ids.
const (
	TypeVoid   TypeID = 0
	TypeNode   TypeID = 1
	TypeString TypeID = 2
)

// Kind is the closed type sum.
type Kind uint8

const (
	KindVoid Kind = iota
	KindNode
	KindString
	KindOptional
	KindArrayStar
	KindArrayPlus
	KindStruct
	KindEnum
	KindAlias
	KindRef
)

var kindNames = [...]string{
	"void", "node", "string", "optional", "array*", "array+",
	"struct", "enum", "alias", "ref",
}

func (k Kind) String() string { return kindNames[k] }

// Member is a struct field or an enum variant.
type Member struct {
	Name string
	Type TypeID
}

// Type is one table entry. Elem is the target for Optional, the arrays,
// Alias, and Ref. Name is set for Alias, Struct, and Enum entries.
type Type struct {
	Kind    Kind
	Elem    TypeID
	Name    string
	Members []Member
}

// Table is the append-only type store. Structural interning makes type
// equality an id comparison, which is what the exact-match rule for
// nested structs in untagged alternations relies on.
type Table struct {
	types  []Type
	intern map[string]TypeID
	named  map[string]bool // synthetic names already in use
}

func NewTable() *Table {
	t := &Table{
		intern: map[string]TypeID{},
		named:  map[string]bool{},
	}
	t.types = append(t.types,
		Type{Kind: KindVoid},
		Type{Kind: KindNode},
		Type{Kind: KindString},
	)
	return t
}

func (t *Table) Len() int { return len(t.types) }

func (t *Table) Get(id TypeID) Type { return t.types[id] }

// All returns the table entries in id order.
func (t *Table) All() []Type { return t.types }

func (t *Table) add(key string, ty Type) TypeID {
	if id, ok := t.intern[key]; ok {
		return id
	}
	id := TypeID(len(t.types))
	t.types = append(t.types, ty)
	t.intern[key] = id
	return id
}

func (t *Table) Optional(elem TypeID) TypeID {
	if t.types[elem].Kind == KindOptional {
		return elem
	}
	return t.add(fmt.Sprintf("opt:%d", elem), Type{Kind: KindOptional, Elem: elem})
}

func (t *Table) ArrayStar(elem TypeID) TypeID {
	return t.add(fmt.Sprintf("arr*:%d", elem), Type{Kind: KindArrayStar, Elem: elem})
}

func (t *Table) ArrayPlus(elem TypeID) TypeID {
	return t.add(fmt.Sprintf("arr+:%d", elem), Type{Kind: KindArrayPlus, Elem: elem})
}

// Ref interns a reference leaf to a named entry, breaking cycles through
// recursive definitions.
func (t *Table) Ref(target TypeID) TypeID {
	return t.add(fmt.Sprintf("ref:%d", target), Type{Kind: KindRef, Elem: target})
}

// AllocAlias reserves a named alias whose target is filled in once the
// definition's body type is known. Aliases are never interned: each
// definition owns exactly one.
func (t *Table) AllocAlias(name string) TypeID {
	id := TypeID(len(t.types))
	t.types = append(t.types, Type{Kind: KindAlias, Name: name})
	t.named[name] = true
	return id
}

func (t *Table) SetAliasTarget(id, target TypeID) {
	t.types[id].Elem = target
}

// Struct interns a struct type under a base name. Identical content under
// the same base reuses the existing entry; a name collision with different
// content takes a numeric suffix. This keeps inference deterministic and
// makes nested-struct equality an id comparison.
func (t *Table) Struct(base string, members []Member) TypeID {
	return t.namedAdd(KindStruct, base, members)
}

// Enum interns an enum type; members are its ordered variants.
func (t *Table) Enum(base string, members []Member) TypeID {
	return t.namedAdd(KindEnum, base, members)
}

func (t *Table) namedAdd(kind Kind, base string, members []Member) TypeID {
	if base == "" {
		base = "Anon"
	}
	tag := kind.String()
	name := base
	for n := 2; ; n++ {
		key := structKey(tag, name, members)
		if id, ok := t.intern[key]; ok {
			return id
		}
		if !t.named[name] {
			t.named[name] = true
			return t.add(key, Type{Kind: kind, Name: name, Members: members})
		}
		name = fmt.Sprintf("%s%d", base, n)
	}
}

func structKey(tag, name string, members []Member) string {
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(':')
	b.WriteString(name)
	for _, m := range members {
		fmt.Fprintf(&b, ";%s=%d", m.Name, m.Type)
	}
	return b.String()
}

// SyntheticName concatenates the definition name, the capture path, and
// an optional variant tag into a base name; Struct/Enum interning adds a
// numeric suffix if different content collides on it.
func SyntheticName(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(camel(p))
	}
	return b.String()
}

func camel(s string) string {
	var b strings.Builder
	up := true
	for _, r := range s {
		if r == '_' {
			up = true
			continue
		}
		if up {
			b.WriteRune(toUpper(r))
			up = false
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 'a' + 'A'
	}
	return r
}

// NamedTypes returns (name, id) pairs for every named entry, sorted
// lexicographically for the binary format's binary-searchable section.
func (t *Table) NamedTypes() []Member {
	var out []Member
	for id, ty := range t.types {
		if ty.Name != "" {
			out = append(out, Member{Name: ty.Name, Type: TypeID(id)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Render formats a type for diagnostics and dumps.
func (t *Table) Render(id TypeID) string {
	ty := t.types[id]
	switch ty.Kind {
	case KindVoid, KindNode, KindString:
		return ty.Kind.String()
	case KindOptional:
		return t.Render(ty.Elem) + "?"
	case KindArrayStar:
		return "[" + t.Render(ty.Elem) + "]*"
	case KindArrayPlus:
		return "[" + t.Render(ty.Elem) + "]+"
	case KindStruct, KindEnum:
		return ty.Name
	case KindAlias:
		return ty.Name
	case KindRef:
		return t.Render(ty.Elem)
	}
	return "?"
}
