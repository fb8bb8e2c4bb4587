// Package analyzer lowers the concrete syntax tree into the typed
// intermediate form and validates names, anchors, alternation shapes,
// and recursion.
package analyzer

import (
	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/lexer"
	"github.com/oxhq/plotnik/internal/syntax"
)

// Query is the analyzed form of one source file: an acyclic-by-name graph
// of definitions.
type Query struct {
	Source string
	Defs   []*Definition
	ByName map[string]*Definition
	Diags  *diag.Bag
}

// Definition is one `Name = pattern` entry.
type Definition struct {
	Name   string
	Public bool
	Span   diag.Span
	Body   Expr // nil when recovery removed the body
	Index  int

	// Filled by the recursion pass.
	Recursive  bool // participates in a reference cycle
	Nullable   bool // can match without consuming a node
	Terminates bool // has a finite matching path
}

// Expr is the pattern expression sum.
type Expr interface {
	Span() diag.Span
	isExpr()
}

type span struct{ S diag.Span }

func (s span) Span() diag.Span { return s.S }

// MatchKind classifies what a node expression matches.
type MatchKind uint8

const (
	MatchNamed MatchKind = iota
	MatchAnonymous
	MatchWildcard
	MatchMissing
	MatchErrorNode
)

// NodeExpr matches one tree node and descends into its children.
type NodeExpr struct {
	span
	Match    MatchKind
	Kind     string // node kind name or literal text; empty for wildcards
	Children []Expr // FieldExpr, NegFieldExpr, AnchorExpr, or nested patterns
}

// SeqExpr is `{ ... }`.
type SeqExpr struct {
	span
	Items []Expr
}

// AltExpr is `[ ... ]`.
type AltExpr struct {
	span
	Tagged   bool
	Branches []*AltBranch
}

// AltBranch is one branch of an alternation.
type AltBranch struct {
	span
	Label string // empty when untagged
	Body  Expr
}

// QuantExpr wraps an expression with ? * + or a lazy variant.
type QuantExpr struct {
	span
	Op    syntax.QuantOp
	Inner Expr
}

// FieldExpr constrains a child pattern to a field name.
type FieldExpr struct {
	span
	Name     string
	NameSpan diag.Span
	Inner    Expr
}

// NegFieldExpr asserts the absence of a field on the matched node.
type NegFieldExpr struct {
	span
	Name string
}

// AnchorExpr is `.`; its meaning comes from its position among siblings.
type AnchorExpr struct {
	span
}

// Annotation is a `:: string` or `:: Name` suffix on a capture.
type Annotation struct {
	IsString bool
	Name     string
}

// CaptureExpr is `expr @name`, optionally annotated.
type CaptureExpr struct {
	span
	Name       string
	NameSpan   diag.Span
	Suppressed bool
	Inner      Expr
	Annot      *Annotation
}

// RefExpr is a use of another definition. Def is nil when resolution
// failed; downstream passes skip such nodes.
type RefExpr struct {
	span
	Name string
	Def  *Definition
}

// PredOp is a text comparison operator.
type PredOp uint8

const (
	PredEq PredOp = iota
	PredNotEq
	PredPrefix
	PredSuffix
	PredContains
	PredRegex
	PredNotRegex
)

var predOpNames = [...]string{"==", "!=", "^=", "$=", "*=", "=~", "!~"}

func (p PredOp) String() string { return predOpNames[p] }

func predOpFromToken(k lexer.TokenKind) (PredOp, bool) {
	switch k {
	case lexer.EqEq:
		return PredEq, true
	case lexer.NotEq:
		return PredNotEq, true
	case lexer.PrefixEq:
		return PredPrefix, true
	case lexer.SuffixEq:
		return PredSuffix, true
	case lexer.ContEq:
		return PredContains, true
	case lexer.RegexEq:
		return PredRegex, true
	case lexer.NotRegex:
		return PredNotRegex, true
	}
	return 0, false
}

// PredExpr applies a text predicate to the node matched by Inner.
type PredExpr struct {
	span
	Op      PredOp
	Literal string
	IsRegex bool
	Inner   Expr
}

// ErrorExpr marks a subtree recovery could not make sense of.
type ErrorExpr struct {
	span
}

func (*NodeExpr) isExpr()     {}
func (*SeqExpr) isExpr()      {}
func (*AltExpr) isExpr()      {}
func (*QuantExpr) isExpr()    {}
func (*FieldExpr) isExpr()    {}
func (*NegFieldExpr) isExpr() {}
func (*AnchorExpr) isExpr()   {}
func (*CaptureExpr) isExpr()  {}
func (*RefExpr) isExpr()      {}
func (*PredExpr) isExpr()     {}
func (*ErrorExpr) isExpr()    {}
