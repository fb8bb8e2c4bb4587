package syntax

import (
	"fmt"
	"strings"

	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/lexer"
)

// Tree is the lossless concrete syntax tree for one query source. The
// concatenation of all leaf token text equals the source byte-for-byte.
type Tree struct {
	Source string
	Root   *Node
}

// Node is one CST node. Children interleave sub-nodes and raw tokens in
// source order; trivia tokens are ordinary children.
type Node struct {
	Kind     NodeKind
	Children []Child
}

// Child is either a Node or a Token, never both.
type Child struct {
	Node  *Node
	Token lexer.Token
}

func (c Child) IsToken() bool { return c.Node == nil }

// Span returns the byte range covered by the node, or an empty span at 0
// for a node with no children.
func (n *Node) Span() diag.Span {
	var span diag.Span
	first := true
	for _, c := range n.Children {
		var cs diag.Span
		if c.IsToken() {
			cs = c.Token.Span
		} else {
			cs = c.Node.Span()
			if len(c.Node.Children) == 0 {
				continue
			}
		}
		if first {
			span = cs
			first = false
		} else {
			span = span.Cover(cs)
		}
	}
	return span
}

// Text returns the exact source text covered by the node.
func (n *Node) Text(src string) string {
	s := n.Span()
	return src[s.Start:s.End]
}

// ChildNodes returns the sub-nodes in order, skipping tokens.
func (n *Node) ChildNodes() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if !c.IsToken() {
			out = append(out, c.Node)
		}
	}
	return out
}

// FirstChildOfKind returns the first sub-node with the given kind.
func (n *Node) FirstChildOfKind(kind NodeKind) *Node {
	for _, c := range n.Children {
		if !c.IsToken() && c.Node.Kind == kind {
			return c.Node
		}
	}
	return nil
}

// Tokens returns the node's direct non-trivia tokens in order.
func (n *Node) Tokens() []lexer.Token {
	var out []lexer.Token
	for _, c := range n.Children {
		if c.IsToken() && !c.Token.Kind.IsTrivia() {
			out = append(out, c.Token)
		}
	}
	return out
}

// FirstToken returns the node's first direct non-trivia token of the kind.
func (n *Node) FirstToken(kind lexer.TokenKind) (lexer.Token, bool) {
	for _, c := range n.Children {
		if c.IsToken() && c.Token.Kind == kind {
			return c.Token, true
		}
	}
	return lexer.Token{}, false
}

// LeafText concatenates every leaf token's text under the node. On the
// root this reproduces the source exactly.
func (n *Node) LeafText(src string) string {
	var b strings.Builder
	n.appendLeafText(src, &b)
	return b.String()
}

func (n *Node) appendLeafText(src string, b *strings.Builder) {
	for _, c := range n.Children {
		if c.IsToken() {
			b.WriteString(c.Token.Text(src))
		} else {
			c.Node.appendLeafText(src, b)
		}
	}
}

// Dump renders an indented s-expression of the tree, used by golden tests
// and the check command's --cst flag.
func (t *Tree) Dump() string {
	var b strings.Builder
	dumpNode(&b, t.Source, t.Root, 0)
	return b.String()
}

func dumpNode(b *strings.Builder, src string, n *Node, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%s@%s\n", indent, n.Kind, n.Span())
	for _, c := range n.Children {
		if c.IsToken() {
			if c.Token.Kind.IsTrivia() {
				continue
			}
			fmt.Fprintf(b, "%s  %s %q\n", indent, c.Token.Kind, c.Token.Text(src))
		} else {
			dumpNode(b, src, c.Node, depth+1)
		}
	}
}
