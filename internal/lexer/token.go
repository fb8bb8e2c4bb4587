package lexer

import "github.com/oxhq/plotnik/internal/diag"

// TokenKind enumerates every lexeme class the query language admits.
type TokenKind uint8

const (
	EOF TokenKind = iota
	Error

	// Trivia.
	Whitespace
	Comment

	// Identifiers and literals.
	TypeIdent // Capitalized: definition names, alternation labels, type names
	Ident     // snake_case: node kinds, field names, capture names
	Under     // bare `_` wildcard
	String    // "..." or '...'
	Int
	Regex // /.../

	// Punctuation.
	LParen
	RParen
	LBrace
	RBrace
	LBracket
	RBracket
	Colon
	ColonColon
	Comma
	Semi
	Dot
	Question
	Star
	Plus
	Bang
	Minus
	Slash
	Eq
	At

	// Predicate operators.
	EqEq     // ==
	NotEq    // !=
	PrefixEq // ^=
	SuffixEq // $=
	ContEq   // *=
	RegexEq  // =~
	NotRegex // !~

	// Keywords.
	KwPub
	KwMissing
	KwError
)

var tokenNames = map[TokenKind]string{
	EOF:        "end of input",
	Error:      "error",
	Whitespace: "whitespace",
	Comment:    "comment",
	TypeIdent:  "type name",
	Ident:      "identifier",
	Under:      "_",
	String:     "string",
	Int:        "integer",
	Regex:      "regex",
	LParen:     "(",
	RParen:     ")",
	LBrace:     "{",
	RBrace:     "}",
	LBracket:   "[",
	RBracket:   "]",
	Colon:      ":",
	ColonColon: "::",
	Comma:      ",",
	Semi:       ";",
	Dot:        ".",
	Question:   "?",
	Star:       "*",
	Plus:       "+",
	Bang:       "!",
	Minus:      "-",
	Slash:      "/",
	Eq:         "=",
	At:         "@",
	EqEq:       "==",
	NotEq:      "!=",
	PrefixEq:   "^=",
	SuffixEq:   "$=",
	ContEq:     "*=",
	RegexEq:    "=~",
	NotRegex:   "!~",
	KwPub:      "pub",
	KwMissing:  "MISSING",
	KwError:    "ERROR",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return "token"
}

// IsTrivia reports whether the token is skipped by the parser and attached
// to the CST as leading trivia of the next node.
func (k TokenKind) IsTrivia() bool { return k == Whitespace || k == Comment }

// IsPredicateOp reports whether the token is one of the text-comparison
// operators.
func (k TokenKind) IsPredicateOp() bool { return k >= EqEq && k <= NotRegex }

// Token is a zero-copy view into the source: a kind plus a byte range.
type Token struct {
	Kind TokenKind
	Span diag.Span
}

// Text returns the token's slice of src.
func (t Token) Text(src string) string { return src[t.Span.Start:t.Span.End] }
