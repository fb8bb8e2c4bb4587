// Package treekit provides an in-memory syntax tree implementing the
// host ABI, plus a compact s-expression fixture format. The VM and
// materializer tests run against it without a C toolchain; it also backs
// linking in unit tests via its on-demand grammar.
package treekit

import (
	"sync"

	"github.com/oxhq/plotnik/internal/runtime"
)

// Grammar interns node kinds and field names on demand, so linking a
// query against it always succeeds. Ids start at 1; 0 stays "none".
type Grammar struct {
	mu     sync.Mutex
	kinds  map[kindKey]uint16
	names  []string
	named  []bool
	fields map[string]uint16
	fnames []string
}

type kindKey struct {
	name  string
	named bool
}

func NewGrammar() *Grammar {
	return &Grammar{
		kinds:  map[kindKey]uint16{},
		names:  []string{""},
		named:  []bool{false},
		fields: map[string]uint16{},
		fnames: []string{""},
	}
}

func (g *Grammar) KindID(name string, named bool) uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := kindKey{name, named}
	if id, ok := g.kinds[key]; ok {
		return id
	}
	id := uint16(len(g.names))
	g.names = append(g.names, name)
	g.named = append(g.named, named)
	g.kinds[key] = id
	return id
}

func (g *Grammar) FieldID(name string) uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.fields[name]; ok {
		return id
	}
	id := uint16(len(g.fnames))
	g.fnames = append(g.fnames, name)
	g.fields[name] = id
	return id
}

func (g *Grammar) kindName(id uint16) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(id) < len(g.names) {
		return g.names[id]
	}
	return ""
}

// node is one tree entry; nodes are stored in preorder, so a node's
// slice index is its descendant index.
type node struct {
	kind    uint16
	named   bool
	missing bool
	isError bool
	field   uint16
	parent  int32
	first   int32 // first child
	next    int32 // next sibling
	start   uint32
	end     uint32
}

// Tree is an immutable in-memory syntax tree.
type Tree struct {
	g     *Grammar
	nodes []node
	src   string
}

func (t *Tree) Source() string { return t.src }

func (t *Tree) DescendantCount() uint32 { return uint32(len(t.nodes)) }

func (t *Tree) Walk() runtime.Cursor { return &Cursor{tree: t} }

// Cursor walks the tree; its position is a preorder index, which makes
// DescendantIndex and GotoDescendant trivial and stable.
type Cursor struct {
	tree *Tree
	pos  int32
}

func (c *Cursor) GotoFirstChild() bool {
	if f := c.tree.nodes[c.pos].first; f >= 0 {
		c.pos = f
		return true
	}
	return false
}

func (c *Cursor) GotoNextSibling() bool {
	if n := c.tree.nodes[c.pos].next; n >= 0 {
		c.pos = n
		return true
	}
	return false
}

func (c *Cursor) GotoParent() bool {
	if p := c.tree.nodes[c.pos].parent; p >= 0 {
		c.pos = p
		return true
	}
	return false
}

func (c *Cursor) GotoDescendant(index uint32) { c.pos = int32(index) }

func (c *Cursor) DescendantIndex() uint32 { return uint32(c.pos) }

func (c *Cursor) FieldID() uint16 { return c.tree.nodes[c.pos].field }

func (c *Cursor) Node() runtime.Node { return &Node{tree: c.tree, idx: c.pos} }

// Node is a handle into the tree.
type Node struct {
	tree *Tree
	idx  int32
}

func (n *Node) KindID() uint16 { return n.tree.nodes[n.idx].kind }

func (n *Node) Kind() string { return n.tree.g.kindName(n.tree.nodes[n.idx].kind) }

func (n *Node) IsNamed() bool { return n.tree.nodes[n.idx].named }

func (n *Node) IsMissing() bool { return n.tree.nodes[n.idx].missing }

func (n *Node) IsError() bool { return n.tree.nodes[n.idx].isError }

func (n *Node) StartByte() uint32 { return n.tree.nodes[n.idx].start }

func (n *Node) EndByte() uint32 { return n.tree.nodes[n.idx].end }

func (n *Node) Text() string {
	d := n.tree.nodes[n.idx]
	return n.tree.src[d.start:d.end]
}

func (n *Node) HasField(fieldID uint16) bool {
	for c := n.tree.nodes[n.idx].first; c >= 0; c = n.tree.nodes[c].next {
		if n.tree.nodes[c].field == fieldID {
			return true
		}
	}
	return false
}
