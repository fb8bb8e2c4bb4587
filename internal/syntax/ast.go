package syntax

import (
	"strings"

	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/lexer"
)

// The typed AST layer is a read-only view over the dynamically-kinded
// CST. Accessors return a second ok value when recovery may have left a
// piece missing, which keeps every downstream pass total.

// Expr wraps any CST node that stands in expression position.
type Expr struct {
	Tree *Tree
	N    *Node
}

func (e Expr) Valid() bool { return e.N != nil }

func (e Expr) Kind() NodeKind { return e.N.Kind }

func (e Expr) Span() diag.Span { return e.N.Span() }

// File is the root view.
type File struct {
	Tree *Tree
}

func (f File) Defs() []NamedDef {
	var out []NamedDef
	for _, n := range f.Tree.Root.ChildNodes() {
		if n.Kind == KindNamedDef {
			out = append(out, NamedDef{tree: f.Tree, n: n})
		}
	}
	return out
}

// NamedDef is `pub? Name = expr`.
type NamedDef struct {
	tree *Tree
	n    *Node
}

func (d NamedDef) Span() diag.Span { return d.n.Span() }

func (d NamedDef) Public() bool {
	_, ok := d.n.FirstToken(lexer.KwPub)
	return ok
}

func (d NamedDef) Name() (string, diag.Span, bool) {
	tok, ok := d.n.FirstToken(lexer.TypeIdent)
	if !ok {
		return "", diag.Span{}, false
	}
	return tok.Text(d.tree.Source), tok.Span, true
}

func (d NamedDef) Body() (Expr, bool) {
	for _, c := range d.n.Children {
		if !c.IsToken() && c.Node.Kind != KindError {
			return Expr{Tree: d.tree, N: c.Node}, true
		}
	}
	return Expr{}, false
}

// HeadKind classifies what a node pattern matches.
type HeadKind uint8

const (
	HeadNamed     HeadKind = iota // (kind ...)
	HeadReference                 // (Name)
	HeadAnonymous                 // "literal" or ("literal")
	HeadWildcard                  // _ or (_)
	HeadMissing                   // (MISSING kind?)
	HeadErrorNode                 // (ERROR ...)
	HeadInvalid                   // recovery left no usable head
)

// NodePattern views a KindNodePattern node.
type NodePattern struct {
	Expr
}

func (e Expr) AsNodePattern() (NodePattern, bool) {
	if e.N == nil || e.N.Kind != KindNodePattern {
		return NodePattern{}, false
	}
	return NodePattern{e}, true
}

// Parenthesized reports whether the pattern is the `(...)` form, as
// opposed to a bare string or wildcard.
func (np NodePattern) Parenthesized() bool {
	_, ok := np.N.FirstToken(lexer.LParen)
	return ok
}

// Head returns the classification and the head token. For HeadMissing the
// token is the optional kind token when present, else the MISSING keyword.
func (np NodePattern) Head() (HeadKind, lexer.Token) {
	toks := np.N.Tokens()
	i := 0
	if len(toks) > 0 && toks[0].Kind == lexer.LParen {
		i = 1
	}
	if i >= len(toks) {
		return HeadInvalid, lexer.Token{}
	}
	head := toks[i]
	switch head.Kind {
	case lexer.Ident:
		return HeadNamed, head
	case lexer.TypeIdent:
		return HeadReference, head
	case lexer.String:
		return HeadAnonymous, head
	case lexer.Under:
		return HeadWildcard, head
	case lexer.KwError:
		return HeadErrorNode, head
	case lexer.KwMissing:
		if i+1 < len(toks) && (toks[i+1].Kind == lexer.Ident || toks[i+1].Kind == lexer.String) {
			return HeadMissing, toks[i+1]
		}
		return HeadMissing, head
	default:
		return HeadInvalid, head
	}
}

// HeadText returns the head token's text with string quotes stripped.
func (np NodePattern) HeadText() string {
	_, tok := np.Head()
	return unquote(tok.Text(np.Tree.Source))
}

// Children returns the pattern's body items in order.
func (np NodePattern) Children() []PatternChild {
	return patternChildren(np.Tree, np.N)
}

// PatternChild is one item inside a node pattern or sequence: a nested
// expression, a field constraint, an anchor, or a negated field.
type PatternChild struct {
	Anchor *lexer.Token // set for `.`
	Field  *FieldChild  // set for `name:` and `-name`
	Expr   Expr         // set for a plain sub-expression
}

// FieldChild views a KindField node.
type FieldChild struct {
	tree *Tree
	n    *Node
}

func (f FieldChild) Span() diag.Span { return f.n.Span() }

func (f FieldChild) Negated() bool {
	if _, ok := f.n.FirstToken(lexer.Minus); ok {
		return true
	}
	_, ok := f.n.FirstToken(lexer.Bang)
	return ok
}

func (f FieldChild) Name() (string, diag.Span, bool) {
	tok, ok := f.n.FirstToken(lexer.Ident)
	if !ok {
		return "", diag.Span{}, false
	}
	return tok.Text(f.tree.Source), tok.Span, true
}

func (f FieldChild) Value() (Expr, bool) {
	for _, c := range f.n.Children {
		if !c.IsToken() && c.Node.Kind != KindError {
			return Expr{Tree: f.tree, N: c.Node}, true
		}
	}
	return Expr{}, false
}

func patternChildren(tree *Tree, n *Node) []PatternChild {
	var out []PatternChild
	for _, c := range n.Children {
		if c.IsToken() {
			continue
		}
		switch c.Node.Kind {
		case KindAnchor:
			toks := c.Node.Tokens()
			if len(toks) > 0 {
				t := toks[0]
				out = append(out, PatternChild{Anchor: &t})
			}
		case KindField:
			out = append(out, PatternChild{Field: &FieldChild{tree: tree, n: c.Node}})
		case KindError:
			// recovery droppings carry no semantics
		default:
			out = append(out, PatternChild{Expr: Expr{Tree: tree, N: c.Node}})
		}
	}
	return out
}

// SeqExpr views a KindSeq node.
type SeqExpr struct {
	Expr
}

func (e Expr) AsSeq() (SeqExpr, bool) {
	if e.N == nil || e.N.Kind != KindSeq {
		return SeqExpr{}, false
	}
	return SeqExpr{e}, true
}

func (s SeqExpr) Items() []PatternChild {
	return patternChildren(s.Tree, s.N)
}

// AltExpr views a KindAlt node.
type AltExpr struct {
	Expr
}

func (e Expr) AsAlt() (AltExpr, bool) {
	if e.N == nil || e.N.Kind != KindAlt {
		return AltExpr{}, false
	}
	return AltExpr{e}, true
}

func (a AltExpr) Branches() []AltBranch {
	var out []AltBranch
	for _, n := range a.N.ChildNodes() {
		if n.Kind == KindAltBranch {
			out = append(out, AltBranch{tree: a.Tree, n: n})
		}
	}
	return out
}

// Tagged reports whether the branches carry labels. Mixed alternations
// were already reported by the parser; the first branch decides here.
func (a AltExpr) Tagged() bool {
	br := a.Branches()
	if len(br) == 0 {
		return false
	}
	_, ok := br[0].Label()
	return ok
}

// AltBranch is one branch, optionally labeled.
type AltBranch struct {
	tree *Tree
	n    *Node
}

func (b AltBranch) Span() diag.Span { return b.n.Span() }

func (b AltBranch) Label() (string, bool) {
	tok, ok := b.n.FirstToken(lexer.TypeIdent)
	if !ok {
		return "", false
	}
	return tok.Text(b.tree.Source), true
}

func (b AltBranch) Body() (Expr, bool) {
	for _, c := range b.n.Children {
		if !c.IsToken() && c.Node.Kind != KindError {
			return Expr{Tree: b.tree, N: c.Node}, true
		}
	}
	return Expr{}, false
}

// QuantOp is a quantifier operator with its greediness.
type QuantOp uint8

const (
	QuantOpt QuantOp = iota
	QuantStar
	QuantPlus
	QuantOptLazy
	QuantStarLazy
	QuantPlusLazy
)

func (q QuantOp) Lazy() bool { return q >= QuantOptLazy }

// Base strips laziness.
func (q QuantOp) Base() QuantOp {
	if q.Lazy() {
		return q - QuantOptLazy
	}
	return q
}

func (q QuantOp) String() string {
	return [...]string{"?", "*", "+", "??", "*?", "+?"}[q]
}

// QuantExpr views a KindQuantifier node.
type QuantExpr struct {
	Expr
}

func (e Expr) AsQuantifier() (QuantExpr, bool) {
	if e.N == nil || e.N.Kind != KindQuantifier {
		return QuantExpr{}, false
	}
	return QuantExpr{e}, true
}

func (q QuantExpr) Inner() (Expr, bool) {
	for _, c := range q.N.Children {
		if !c.IsToken() && c.Node.Kind != KindError {
			return Expr{Tree: q.Tree, N: c.Node}, true
		}
	}
	return Expr{}, false
}

func (q QuantExpr) Op() QuantOp {
	toks := q.N.Tokens()
	var op QuantOp
	lazy := false
	for i, t := range toks {
		switch t.Kind {
		case lexer.Question:
			if i > 0 && (toks[i-1].Kind == lexer.Question || toks[i-1].Kind == lexer.Star || toks[i-1].Kind == lexer.Plus) {
				lazy = true
			} else {
				op = QuantOpt
			}
		case lexer.Star:
			op = QuantStar
		case lexer.Plus:
			op = QuantPlus
		}
	}
	if lazy {
		op += QuantOptLazy
	}
	return op
}

// CaptureExpr views a KindCapture node.
type CaptureExpr struct {
	Expr
}

func (e Expr) AsCapture() (CaptureExpr, bool) {
	if e.N == nil || e.N.Kind != KindCapture {
		return CaptureExpr{}, false
	}
	return CaptureExpr{e}, true
}

func (c CaptureExpr) Inner() (Expr, bool) {
	for _, ch := range c.N.Children {
		if !ch.IsToken() && ch.Node.Kind != KindError {
			return Expr{Tree: c.Tree, N: ch.Node}, true
		}
	}
	return Expr{}, false
}

// Name returns the capture name without the @ sigil. Missing names from
// recovery come back as ok=false.
func (c CaptureExpr) Name() (string, diag.Span, bool) {
	if tok, ok := c.N.FirstToken(lexer.Ident); ok {
		return tok.Text(c.Tree.Source), tok.Span, true
	}
	if tok, ok := c.N.FirstToken(lexer.Under); ok {
		return "_", tok.Span, true
	}
	if tok, ok := c.N.FirstToken(lexer.TypeIdent); ok {
		// invalid but recovered; downstream treats it as a regular name
		return tok.Text(c.Tree.Source), tok.Span, true
	}
	return "", diag.Span{}, false
}

// Suppressed reports the `@_` / `@_name` forms, which match structurally
// without contributing output.
func (c CaptureExpr) Suppressed() bool {
	name, _, ok := c.Name()
	return ok && strings.HasPrefix(name, "_")
}

// AnnotationExpr views a KindTypeAnnotation node: `expr :: name`.
type AnnotationExpr struct {
	Expr
}

func (e Expr) AsAnnotation() (AnnotationExpr, bool) {
	if e.N == nil || e.N.Kind != KindTypeAnnotation {
		return AnnotationExpr{}, false
	}
	return AnnotationExpr{e}, true
}

func (a AnnotationExpr) Inner() (Expr, bool) {
	for _, c := range a.N.Children {
		if !c.IsToken() && c.Node.Kind != KindError {
			return Expr{Tree: a.Tree, N: c.Node}, true
		}
	}
	return Expr{}, false
}

// TypeName returns the annotation target. IsString is the `:: string`
// text-extraction form.
func (a AnnotationExpr) TypeName() (name string, isString bool, ok bool) {
	if tok, found := a.N.FirstToken(lexer.Ident); found {
		text := tok.Text(a.Tree.Source)
		return text, text == "string", true
	}
	if tok, found := a.N.FirstToken(lexer.TypeIdent); found {
		return tok.Text(a.Tree.Source), false, true
	}
	return "", false, false
}

// PredicateExpr views a KindPredicate node: `expr op "literal"`.
type PredicateExpr struct {
	Expr
}

func (e Expr) AsPredicate() (PredicateExpr, bool) {
	if e.N == nil || e.N.Kind != KindPredicate {
		return PredicateExpr{}, false
	}
	return PredicateExpr{e}, true
}

func (p PredicateExpr) Inner() (Expr, bool) {
	for _, c := range p.N.Children {
		if !c.IsToken() && c.Node.Kind != KindError {
			return Expr{Tree: p.Tree, N: c.Node}, true
		}
	}
	return Expr{}, false
}

func (p PredicateExpr) Op() (lexer.TokenKind, bool) {
	for _, t := range p.N.Tokens() {
		if t.Kind.IsPredicateOp() {
			return t.Kind, true
		}
	}
	return lexer.EOF, false
}

// Operand returns the comparison literal with quotes or slashes
// stripped, and whether it is a regex.
func (p PredicateExpr) Operand() (text string, isRegex bool, span diag.Span, ok bool) {
	if tok, found := p.N.FirstToken(lexer.Regex); found {
		raw := tok.Text(p.Tree.Source)
		return raw[1 : len(raw)-1], true, tok.Span, true
	}
	if tok, found := p.N.FirstToken(lexer.String); found {
		return unquote(tok.Text(p.Tree.Source)), false, tok.Span, true
	}
	return "", false, diag.Span{}, false
}

// unquote strips a single layer of matching quotes and resolves the
// simple escapes the lexer admitted.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q != '"' && q != '\'') || s[len(s)-1] != q {
		return s
	}
	body := s[1 : len(s)-1]
	if !strings.ContainsRune(body, '\\') {
		return body
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			i++
			switch body[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(body[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
