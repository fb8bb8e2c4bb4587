package treekit

import (
	"fmt"
	"strings"
)

// Parse builds a tree from a compact s-expression fixture:
//
//	(program (function_declaration name: (identifier "f") (block "{" "}")))
//
// Named nodes are parenthesized; a quoted string inside gives a leaf its
// text. A bare quoted string is an anonymous node whose kind is its own
// text. `field:` prefixes the following node. (MISSING kind) produces a
// zero-width missing node and (ERROR ...) an error node. The source text
// is the concatenation of the leaves, which keeps spans consistent by
// construction.
func Parse(g *Grammar, sexp string) (*Tree, error) {
	p := &sexpParser{g: g, in: sexp}
	t := &Tree{g: g}
	p.tree = t
	p.skip()
	root, err := p.parseNode(0)
	if err != nil {
		return nil, err
	}
	if root != 0 {
		return nil, fmt.Errorf("treekit: fixture must have one root")
	}
	p.skip()
	if p.pos != len(p.in) {
		return nil, fmt.Errorf("treekit: trailing input at %d", p.pos)
	}
	t.src = p.src.String()
	return t, nil
}

// MustParse is Parse for fixtures in tests.
func MustParse(g *Grammar, sexp string) *Tree {
	t, err := Parse(g, sexp)
	if err != nil {
		panic(err)
	}
	return t
}

type sexpParser struct {
	g    *Grammar
	tree *Tree
	in   string
	pos  int
	src  strings.Builder
}

func (p *sexpParser) skip() {
	for p.pos < len(p.in) {
		switch p.in[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *sexpParser) ident() string {
	start := p.pos
	for p.pos < len(p.in) {
		c := p.in[p.pos]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		break
	}
	return p.in[start:p.pos]
}

func (p *sexpParser) quoted() (string, error) {
	if p.pos >= len(p.in) || p.in[p.pos] != '"' {
		return "", fmt.Errorf("treekit: expected string at %d", p.pos)
	}
	p.pos++
	var b strings.Builder
	for p.pos < len(p.in) {
		c := p.in[p.pos]
		if c == '\\' && p.pos+1 < len(p.in) {
			next := p.in[p.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			p.pos += 2
			continue
		}
		if c == '"' {
			p.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return "", fmt.Errorf("treekit: unterminated string")
}

// parseNode appends a node (preorder) and returns its index.
func (p *sexpParser) parseNode(field uint16) (int32, error) {
	p.skip()
	if p.pos >= len(p.in) {
		return -1, fmt.Errorf("treekit: unexpected end of fixture")
	}
	if p.in[p.pos] == '"' {
		text, err := p.quoted()
		if err != nil {
			return -1, err
		}
		return p.addLeaf(p.g.KindID(text, false), false, field, text, false), nil
	}
	if p.in[p.pos] != '(' {
		return -1, fmt.Errorf("treekit: expected node at %d", p.pos)
	}
	p.pos++ // (
	p.skip()
	kind := p.ident()
	if kind == "" {
		return -1, fmt.Errorf("treekit: missing node kind at %d", p.pos)
	}

	switch kind {
	case "MISSING":
		p.skip()
		missingKind := p.ident()
		p.skip()
		if p.pos >= len(p.in) || p.in[p.pos] != ')' {
			return -1, fmt.Errorf("treekit: expected ) at %d", p.pos)
		}
		p.pos++
		return p.addLeaf(p.g.KindID(missingKind, true), true, field, "", true), nil
	}

	idx := int32(len(p.tree.nodes))
	named := true
	isError := kind == "ERROR"
	p.tree.nodes = append(p.tree.nodes, node{
		kind:   p.g.KindID(kind, true),
		named:  named,
		field:  field,
		parent: -1,
		first:  -1,
		next:   -1,
		isError: isError,
		start:  uint32(p.src.Len()),
	})

	var lastChild int32 = -1
	for {
		p.skip()
		if p.pos >= len(p.in) {
			return -1, fmt.Errorf("treekit: unterminated node %q", kind)
		}
		if p.in[p.pos] == ')' {
			p.pos++
			break
		}
		// leaf text for this node
		if p.in[p.pos] == '"' && lastChild == -1 && p.tree.nodes[idx].first == -1 && p.peekIsLeafText() {
			text, err := p.quoted()
			if err != nil {
				return -1, err
			}
			p.src.WriteString(text)
			p.skip()
			if p.pos >= len(p.in) || p.in[p.pos] != ')' {
				return -1, fmt.Errorf("treekit: leaf %q cannot also have children", kind)
			}
			p.pos++
			break
		}
		childField := uint16(0)
		if isIdentStart(p.in[p.pos]) {
			save := p.pos
			name := p.ident()
			p.skip()
			if p.pos < len(p.in) && p.in[p.pos] == ':' {
				p.pos++
				childField = p.g.FieldID(name)
			} else {
				return -1, fmt.Errorf("treekit: stray identifier %q at %d", name, save)
			}
		}
		child, err := p.parseNode(childField)
		if err != nil {
			return -1, err
		}
		p.tree.nodes[child].parent = idx
		if lastChild < 0 {
			p.tree.nodes[idx].first = child
		} else {
			p.tree.nodes[lastChild].next = child
		}
		lastChild = child
	}
	p.tree.nodes[idx].end = uint32(p.src.Len())
	return idx, nil
}

// peekIsLeafText distinguishes `(identifier "f")` leaf text from an
// anonymous child like `(block "{" ...)`: it is leaf text when the
// string is immediately followed by the closing paren.
func (p *sexpParser) peekIsLeafText() bool {
	save := p.pos
	defer func() { p.pos = save }()
	if _, err := p.quoted(); err != nil {
		return false
	}
	p.skip()
	return p.pos < len(p.in) && p.in[p.pos] == ')'
}

func (p *sexpParser) addLeaf(kind uint16, named bool, field uint16, text string, missing bool) int32 {
	idx := int32(len(p.tree.nodes))
	start := uint32(p.src.Len())
	p.src.WriteString(text)
	p.tree.nodes = append(p.tree.nodes, node{
		kind:    kind,
		named:   named,
		missing: missing,
		field:   field,
		parent:  -1,
		first:   -1,
		next:    -1,
		start:   start,
		end:     uint32(p.src.Len()),
	})
	return idx
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
