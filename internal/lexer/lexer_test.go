package lexer

import "testing"

func kinds(toks []Token) []TokenKind {
	out := make([]TokenKind, 0, len(toks))
	for _, t := range toks {
		if !t.Kind.IsTrivia() && t.Kind != EOF {
			out = append(out, t.Kind)
		}
	}
	return out
}

func TestLexBasicQuery(t *testing.T) {
	src := `pub Func = (function_declaration name: (identifier) @name)`
	got := kinds(Lex(src))
	want := []TokenKind{
		KwPub, TypeIdent, Eq, LParen, Ident, Ident, Colon,
		LParen, Ident, RParen, At, Ident, RParen,
	}
	if len(got) != len(want) {
		t.Fatalf("want %d tokens, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func TestLexSpansCoverSource(t *testing.T) {
	src := "A = (a) @x  # trailing comment\nB = [ \"lit\" (b) ]"
	toks := Lex(src)
	var rebuilt []byte
	for _, tok := range toks {
		rebuilt = append(rebuilt, tok.Text(src)...)
	}
	if string(rebuilt) != src {
		t.Fatalf("token spans do not cover the source:\n%q\n%q", src, rebuilt)
	}
}

func TestLexPredicateOperators(t *testing.T) {
	cases := map[string]TokenKind{
		"==": EqEq, "!=": NotEq, "^=": PrefixEq,
		"$=": SuffixEq, "*=": ContEq, "=~": RegexEq, "!~": NotRegex,
	}
	for src, want := range cases {
		got := kinds(Lex(src))
		if len(got) != 1 || got[0] != want {
			t.Errorf("%q: want %v, got %v", src, want, got)
		}
	}
}

func TestLexRegexVersusSlash(t *testing.T) {
	got := kinds(Lex(`(id) =~ /foo.*/`))
	want := []TokenKind{LParen, Ident, RParen, RegexEq, Regex}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: want %v, got %v", i, want[i], got[i])
		}
	}
	// a lone slash with no closing partner stays punctuation
	got = kinds(Lex(`a / b`))
	want = []TokenKind{Ident, Slash, Ident}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func TestLexStrings(t *testing.T) {
	toks := kinds(Lex(`"dq" 'sq' "es\"c"`))
	for i, k := range toks {
		if k != String {
			t.Fatalf("token %d: want string, got %v", i, k)
		}
	}
	// unterminated string becomes an error token, never a crash
	toks = kinds(Lex("\"open\n"))
	if toks[0] != Error {
		t.Fatalf("want error token for unterminated string, got %v", toks[0])
	}
}

func TestLexWordClassification(t *testing.T) {
	cases := map[string]TokenKind{
		"pub": KwPub, "MISSING": KwMissing, "ERROR": KwError,
		"_": Under, "Expr": TypeIdent, "snake_case": Ident, "_x": Ident,
	}
	for src, want := range cases {
		got := kinds(Lex(src))
		if len(got) != 1 || got[0] != want {
			t.Errorf("%q: want %v, got %v", src, want, got)
		}
	}
}

func TestValidCaptureName(t *testing.T) {
	for _, ok := range []string{"x", "left_operand", "_", "_tmp", "v2"} {
		if !ValidCaptureName(ok) {
			t.Errorf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"", "Name", "x-y", "9lives"} {
		if ValidCaptureName(bad) {
			t.Errorf("%q should be invalid", bad)
		}
	}
}
