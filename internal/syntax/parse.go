package syntax

import (
	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/lexer"
)

// Result carries the lossless tree together with everything the parser
// had to complain about. The tree is always present, even for garbage
// input; recovery wraps unparseable regions in error nodes.
type Result struct {
	Tree  *Tree
	Diags *diag.Bag
}

// Parse tokenizes and parses one query source.
func Parse(src string) Result {
	raw := lexer.Lex(src)
	p := newParser(src, raw)
	p.parseFile()
	return Result{Tree: buildTree(src, raw, p.events), Diags: p.bag}
}

// lookaheadFuel bounds consecutive lookaheads without an advance. Running
// out means a loop in the grammar stopped making progress, which is a bug
// in the parser rather than in the input.
const lookaheadFuel = 256

type eventKind uint8

const (
	evOpen eventKind = iota
	evClose
	evAdvance
)

type event struct {
	kind eventKind
	node NodeKind
}

// marker addresses a pending Open event; closed addresses a finished node
// so a later suffix can retroactively become its parent.
type marker int

type closed int

type parser struct {
	src    string
	nt     []lexer.Token // non-trivia tokens, terminated by EOF
	pos    int
	events []event
	bag    *diag.Bag
	fuel   int
}

func newParser(src string, raw []lexer.Token) *parser {
	nt := make([]lexer.Token, 0, len(raw))
	for _, t := range raw {
		if !t.Kind.IsTrivia() {
			nt = append(nt, t)
		}
	}
	return &parser{src: src, nt: nt, bag: &diag.Bag{}, fuel: lookaheadFuel}
}

func (p *parser) open() marker {
	p.events = append(p.events, event{kind: evOpen})
	return marker(len(p.events) - 1)
}

func (p *parser) close(m marker, kind NodeKind) closed {
	p.events[m].node = kind
	p.events = append(p.events, event{kind: evClose})
	return closed(m)
}

// openBefore introduces a new parent around an already-closed node. Used
// for the postfix suffixes (quantifier, capture, annotation, predicate)
// that bind to the expression on their left.
func (p *parser) openBefore(c closed) marker {
	i := int(c)
	p.events = append(p.events, event{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = event{kind: evOpen}
	return marker(i)
}

func (p *parser) nth(n int) lexer.TokenKind {
	p.fuel--
	if p.fuel == 0 {
		panic("parser is stuck: no progress after 256 lookaheads")
	}
	if p.pos+n >= len(p.nt) {
		return lexer.EOF
	}
	return p.nt[p.pos+n].Kind
}

func (p *parser) at(k lexer.TokenKind) bool { return p.nth(0) == k }

func (p *parser) atAny(kinds ...lexer.TokenKind) bool {
	cur := p.nth(0)
	for _, k := range kinds {
		if cur == k {
			return true
		}
	}
	return false
}

func (p *parser) current() lexer.Token {
	if p.pos >= len(p.nt) {
		return p.nt[len(p.nt)-1]
	}
	return p.nt[p.pos]
}

func (p *parser) advance() {
	if p.pos >= len(p.nt)-1 {
		return
	}
	p.events = append(p.events, event{kind: evAdvance})
	p.pos++
	p.fuel = lookaheadFuel
}

func (p *parser) errorf(kind diag.Kind, span diag.Span, format string, args ...any) {
	p.bag.Addf(kind, span, format, args...)
}

// advanceWithError consumes one token into an error node.
func (p *parser) advanceWithError(msg string) {
	m := p.open()
	p.errorf(diag.UnexpectedToken, p.current().Span, "%s, found %s", msg, p.current().Kind)
	p.advance()
	p.close(m, KindError)
}

func (p *parser) expect(k lexer.TokenKind) bool {
	if p.at(k) {
		p.advance()
		return true
	}
	p.errorf(diag.UnexpectedToken, p.current().Span, "expected %s, found %s", k, p.current().Kind)
	return false
}

// expectClosing reports an unclosed delimiter at the opening token when
// the matching closer is missing.
func (p *parser) expectClosing(k lexer.TokenKind, openSpan diag.Span) {
	if p.at(k) {
		p.advance()
		return
	}
	p.errorf(diag.UnclosedDelimiter, openSpan, "unclosed delimiter: missing %s", k)
}

// FIRST and RECOVERY sets. Items inside a loop break on recovery tokens
// instead of eating them, which keeps partial parses of incomplete input.
var (
	exprFirst = []lexer.TokenKind{
		lexer.LParen, lexer.LBrace, lexer.LBracket, lexer.String, lexer.Under,
	}
	itemRecovery = []lexer.TokenKind{
		lexer.RParen, lexer.RBrace, lexer.RBracket, lexer.Eq,
		lexer.KwPub, lexer.TypeIdent, lexer.EOF,
	}
)

func (p *parser) atExprFirst() bool { return p.atAny(exprFirst...) }

func (p *parser) atRecovery() bool { return p.atAny(itemRecovery...) }

// parseFile = (pub? TypeIdent '=' expr)*
func (p *parser) parseFile() {
	m := p.open()
	for !p.at(lexer.EOF) {
		if p.at(lexer.KwPub) || p.at(lexer.TypeIdent) {
			p.parseDef()
		} else {
			p.advanceWithError("expected a definition")
		}
	}
	p.close(m, KindFile)
}

func (p *parser) parseDef() {
	m := p.open()
	if p.at(lexer.KwPub) {
		p.advance()
	}
	p.expect(lexer.TypeIdent)
	p.expect(lexer.Eq)
	if p.at(lexer.String) {
		p.errorf(diag.AnonymousAtDefinitionRoot, p.current().Span,
			"an anonymous node cannot be a definition root")
	}
	if p.atExprFirst() {
		p.parseExpr()
	} else {
		p.errorf(diag.UnexpectedToken, p.current().Span,
			"expected a pattern, found %s", p.current().Kind)
	}
	p.close(m, KindNamedDef)
}

// parseExpr parses a primary expression followed by its postfix suffixes.
// Suffixes left-associate via openBefore; ties between equal operators
// resolve left to right, matching the binding table.
func (p *parser) parseExpr() closed {
	lhs := p.parsePrimary()
	for {
		switch {
		case p.atAny(lexer.Question, lexer.Star, lexer.Plus):
			w := p.openBefore(lhs)
			quant := p.current()
			p.advance()
			// A '?' immediately following with no gap makes the
			// quantifier non-greedy.
			if p.at(lexer.Question) && p.current().Span.Start == quant.Span.End {
				p.advance()
			}
			lhs = p.close(w, KindQuantifier)
		case p.at(lexer.At):
			w := p.openBefore(lhs)
			p.advance()
			switch {
			case p.atAny(lexer.Ident, lexer.Under):
				p.advance()
			case p.at(lexer.TypeIdent):
				p.errorf(diag.InvalidCaptureName, p.current().Span,
					"capture names are snake_case, found %q", p.current().Text(p.src))
				p.advance()
			default:
				p.errorf(diag.InvalidCaptureName, p.current().Span,
					"expected a capture name after @")
			}
			lhs = p.close(w, KindCapture)
		case p.at(lexer.ColonColon):
			w := p.openBefore(lhs)
			p.advance()
			if p.atAny(lexer.Ident, lexer.TypeIdent) {
				p.advance()
			} else {
				p.errorf(diag.UnexpectedToken, p.current().Span,
					"expected a type name after ::")
			}
			lhs = p.close(w, KindTypeAnnotation)
		case p.current().Kind.IsPredicateOp():
			w := p.openBefore(lhs)
			p.advance()
			if p.atAny(lexer.String, lexer.Regex) {
				p.advance()
			} else {
				p.errorf(diag.UnexpectedToken, p.current().Span,
					"expected a string or regex operand")
			}
			lhs = p.close(w, KindPredicate)
		default:
			return lhs
		}
	}
}

func (p *parser) parsePrimary() closed {
	switch p.nth(0) {
	case lexer.LParen:
		return p.parseNodePattern()
	case lexer.LBrace:
		return p.parseSeq()
	case lexer.LBracket:
		return p.parseAlt()
	case lexer.String, lexer.Under:
		m := p.open()
		p.advance()
		return p.close(m, KindNodePattern)
	default:
		m := p.open()
		p.errorf(diag.UnexpectedToken, p.current().Span,
			"expected a pattern, found %s", p.current().Kind)
		if !p.atRecovery() {
			p.advance()
		}
		return p.close(m, KindError)
	}
}

// parseNodePattern = '(' head child* ')'
// head = node kind, reference name, wildcard, MISSING kind?, or ERROR.
func (p *parser) parseNodePattern() closed {
	m := p.open()
	openSpan := p.current().Span
	p.advance() // (
	switch p.nth(0) {
	case lexer.Ident, lexer.TypeIdent, lexer.Under, lexer.KwError, lexer.String:
		p.advance()
	case lexer.KwMissing:
		p.advance()
		if p.atAny(lexer.Ident, lexer.String) {
			p.advance()
		}
	case lexer.RParen:
		p.errorf(diag.UnexpectedToken, p.current().Span, "empty node pattern")
	default:
		p.errorf(diag.UnexpectedToken, p.current().Span,
			"expected a node kind, found %s", p.current().Kind)
	}
	p.parseNodeChildren()
	p.expectClosing(lexer.RParen, openSpan)
	return p.close(m, KindNodePattern)
}

func (p *parser) parseNodeChildren() {
	for !p.at(lexer.RParen) && !p.at(lexer.EOF) {
		switch {
		case p.at(lexer.Dot):
			a := p.open()
			p.advance()
			p.close(a, KindAnchor)
		case p.at(lexer.Ident) && p.nth(1) == lexer.Colon:
			f := p.open()
			p.advance() // field name
			p.advance() // :
			if p.atExprFirst() {
				p.parseExpr()
			} else {
				p.errorf(diag.UnexpectedToken, p.current().Span,
					"expected a pattern after field name")
			}
			p.close(f, KindField)
		case p.atAny(lexer.Minus, lexer.Bang) && p.nth(1) == lexer.Ident:
			f := p.open()
			p.advance() // - or !
			p.advance() // field name
			p.close(f, KindField)
		case p.atExprFirst():
			p.parseExpr()
		case p.atRecovery():
			return
		default:
			p.advanceWithError("expected a child pattern, field, or anchor")
		}
	}
}

// parseSeq = '{' (expr | anchor)* '}'
func (p *parser) parseSeq() closed {
	m := p.open()
	openSpan := p.current().Span
	p.advance() // {
	for !p.at(lexer.RBrace) && !p.at(lexer.EOF) {
		switch {
		case p.at(lexer.Dot):
			a := p.open()
			p.advance()
			p.close(a, KindAnchor)
		case p.atExprFirst():
			p.parseExpr()
		case p.atRecovery():
			goto done
		default:
			p.advanceWithError("expected a pattern or anchor")
		}
	}
done:
	p.expectClosing(lexer.RBrace, openSpan)
	return p.close(m, KindSeq)
}

// parseAlt = '[' branch+ ']' with uniformly labeled or unlabeled branches.
func (p *parser) parseAlt() closed {
	m := p.open()
	openSpan := p.current().Span
	p.advance() // [
	branches, labeled, unlabeled := 0, 0, 0
	for !p.at(lexer.RBracket) && !p.at(lexer.EOF) {
		if p.at(lexer.Dot) {
			p.errorf(diag.AnchorInAlternation, p.current().Span,
				"anchors are not allowed directly in an alternation branch")
			p.advanceWithError("anchor in alternation")
			continue
		}
		if !p.atExprFirst() && !(p.at(lexer.TypeIdent) && p.nth(1) == lexer.Colon) {
			if p.atRecovery() {
				break
			}
			p.advanceWithError("expected an alternation branch")
			continue
		}
		b := p.open()
		if p.at(lexer.TypeIdent) && p.nth(1) == lexer.Colon {
			p.advance() // label
			p.advance() // :
			labeled++
		} else {
			unlabeled++
		}
		if p.atExprFirst() {
			p.parseExpr()
		} else {
			p.errorf(diag.UnexpectedToken, p.current().Span,
				"expected a pattern in alternation branch")
		}
		p.close(b, KindAltBranch)
		branches++
	}
	if branches == 0 {
		p.errorf(diag.EmptyAlternation, openSpan.Cover(p.current().Span),
			"alternation has no branches")
	}
	if labeled > 0 && unlabeled > 0 {
		p.errorf(diag.MixedLabeledUnlabeledBranches, openSpan.Cover(p.current().Span),
			"alternation mixes labeled and unlabeled branches")
	}
	p.expectClosing(lexer.RBracket, openSpan)
	return p.close(m, KindAlt)
}

// buildTree replays the event stream into the lossless tree. Trivia is
// flushed at each advance, so leading trivia lands inside the node that
// owns the following token; leftover trailing trivia goes to the root.
func buildTree(src string, raw []lexer.Token, events []event) *Tree {
	var stack []*Node
	var root *Node
	ti := 0
	flush := func(n *Node) {
		for ti < len(raw) && raw[ti].Kind.IsTrivia() {
			n.Children = append(n.Children, Child{Token: raw[ti]})
			ti++
		}
	}
	for _, ev := range events {
		switch ev.kind {
		case evOpen:
			n := &Node{Kind: ev.node}
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Children = append(top.Children, Child{Node: n})
			} else {
				root = n
			}
			stack = append(stack, n)
		case evClose:
			stack = stack[:len(stack)-1]
		case evAdvance:
			top := stack[len(stack)-1]
			flush(top)
			top.Children = append(top.Children, Child{Token: raw[ti]})
			ti++
		}
	}
	if root == nil {
		root = &Node{Kind: KindFile}
	}
	flush(root)
	return &Tree{Source: src, Root: root}
}
