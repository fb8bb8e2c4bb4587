// Package tsbridge adapts the tree-sitter Go binding to the host ABI the
// matching engine consumes, and keeps the catalog of bundled grammars.
package tsbridge

import (
	"errors"
	"fmt"

	ts "github.com/tree-sitter/go-tree-sitter"

	"github.com/oxhq/plotnik/internal/runtime"
)

var ErrParseFailed = errors.New("tsbridge: parse failed")

// ParseSource parses src with the language and wraps the result in the
// host ABI. The returned tree retains the source for text extraction.
func ParseSource(lang *Language, src []byte) (*Tree, error) {
	parser := ts.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(lang.lang); err != nil {
		return nil, fmt.Errorf("tsbridge: set language %s: %w", lang.ID, err)
	}
	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, ErrParseFailed
	}
	return &Tree{tree: tree, src: src}, nil
}

// Tree implements runtime.Tree over a parsed tree-sitter tree.
type Tree struct {
	tree *ts.Tree
	src  []byte
}

func (t *Tree) Close() { t.tree.Close() }

func (t *Tree) Walk() runtime.Cursor {
	root := t.tree.RootNode()
	return &cursor{cur: root.Walk(), src: t.src}
}

func (t *Tree) DescendantCount() uint32 {
	root := t.tree.RootNode()
	return uint32(root.DescendantCount())
}

type cursor struct {
	cur *ts.TreeCursor
	src []byte
}

func (c *cursor) GotoFirstChild() bool  { return c.cur.GotoFirstChild() }
func (c *cursor) GotoNextSibling() bool { return c.cur.GotoNextSibling() }
func (c *cursor) GotoParent() bool      { return c.cur.GotoParent() }

func (c *cursor) GotoDescendant(index uint32) { c.cur.GotoDescendant(index) }

func (c *cursor) DescendantIndex() uint32 { return c.cur.DescendantIndex() }

func (c *cursor) FieldID() uint16 { return c.cur.FieldId() }

func (c *cursor) Node() runtime.Node {
	n := c.cur.Node()
	return &node{n: n, src: c.src}
}

type node struct {
	n   *ts.Node
	src []byte
}

func (n *node) KindID() uint16 { return n.n.KindId() }

func (n *node) Kind() string { return n.n.Kind() }

func (n *node) IsNamed() bool { return n.n.IsNamed() }

func (n *node) IsMissing() bool { return n.n.IsMissing() }

func (n *node) IsError() bool { return n.n.IsError() }

func (n *node) StartByte() uint32 { return uint32(n.n.StartByte()) }

func (n *node) EndByte() uint32 { return uint32(n.n.EndByte()) }

func (n *node) Text() string { return n.n.Utf8Text(n.src) }

func (n *node) HasField(fieldID uint16) bool {
	return n.n.ChildByFieldId(fieldID) != nil
}
