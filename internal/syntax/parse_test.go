package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/diag"
)

func TestParseLossless(t *testing.T) {
	sources := []string{
		"Func = (function_declaration name: (identifier) @name)",
		"pub A = { (a) . (b) }  # comment\nB = [ X: (x) Y: (y) ]",
		"Broken = (unclosed",
		"= = = garbage ) ] }",
		"",
		"A = (a (b -field !other))",
		"Q = (x)* @xs :: string",
	}
	for _, src := range sources {
		res := Parse(src)
		assert.Equal(t, src, res.Tree.Root.LeafText(src), "source: %q", src)
	}
}

func TestParseDefinition(t *testing.T) {
	res := Parse("pub Func = (function_declaration name: (identifier) @name)")
	require.True(t, res.Diags.Empty(), "unexpected diagnostics: %v", res.Diags.All())

	defs := File{Tree: res.Tree}.Defs()
	require.Len(t, defs, 1)
	assert.True(t, defs[0].Public())

	name, _, ok := defs[0].Name()
	require.True(t, ok)
	assert.Equal(t, "Func", name)

	body, ok := defs[0].Body()
	require.True(t, ok)
	np, ok := body.AsNodePattern()
	require.True(t, ok)
	kind, _ := np.Head()
	assert.Equal(t, HeadNamed, kind)
	assert.Equal(t, "function_declaration", np.HeadText())

	children := np.Children()
	require.Len(t, children, 1)
	require.NotNil(t, children[0].Field)
	fname, _, _ := children[0].Field.Name()
	assert.Equal(t, "name", fname)
}

func TestParsePostfixBinding(t *testing.T) {
	// capture binds the quantified expression, the annotation binds the
	// capture: (((a)*) @xs) :: Row
	res := Parse("A = (a)* @xs :: Row")
	require.True(t, res.Diags.Empty(), "%v", res.Diags.All())
	body, _ := File{Tree: res.Tree}.Defs()[0].Body()
	ann, ok := body.AsAnnotation()
	require.True(t, ok, "outermost should be the annotation, got %s", body.Kind())
	inner, _ := ann.Inner()
	cap, ok := inner.AsCapture()
	require.True(t, ok)
	capName, _, _ := cap.Name()
	assert.Equal(t, "xs", capName)
	qexpr, _ := cap.Inner()
	q, ok := qexpr.AsQuantifier()
	require.True(t, ok)
	assert.Equal(t, QuantStar, q.Op())
}

func TestParseNonGreedyQuantifier(t *testing.T) {
	res := Parse("A = (a)*?")
	body, _ := File{Tree: res.Tree}.Defs()[0].Body()
	q, ok := body.AsQuantifier()
	require.True(t, ok)
	assert.Equal(t, QuantStarLazy, q.Op())
	assert.True(t, q.Op().Lazy())

	// separated by space it is a star then a stray question mark
	res = Parse("A = (a)* ?")
	body, _ = File{Tree: res.Tree}.Defs()[0].Body()
	q, ok = body.AsQuantifier()
	require.True(t, ok)
	assert.NotEqual(t, QuantStarLazy, q.Op())
}

func TestParseAlternationShapes(t *testing.T) {
	res := Parse("A = [ ]")
	assertHasKind(t, res.Diags, diag.EmptyAlternation)

	res = Parse("A = [ X: (x) (y) ]")
	assertHasKind(t, res.Diags, diag.MixedLabeledUnlabeledBranches)

	res = Parse("A = [ . (x) ]")
	assertHasKind(t, res.Diags, diag.AnchorInAlternation)

	res = Parse("A = [ X: (x) Y: (y) ]")
	require.True(t, res.Diags.Empty(), "%v", res.Diags.All())
	body, _ := File{Tree: res.Tree}.Defs()[0].Body()
	alt, ok := body.AsAlt()
	require.True(t, ok)
	assert.True(t, alt.Tagged())
	require.Len(t, alt.Branches(), 2)
	label, ok := alt.Branches()[1].Label()
	require.True(t, ok)
	assert.Equal(t, "Y", label)
}

func TestParseRecovery(t *testing.T) {
	res := Parse("A = (a\nB = (b)")
	assertHasKind(t, res.Diags, diag.UnclosedDelimiter)
	// the second definition still parses
	defs := File{Tree: res.Tree}.Defs()
	var names []string
	for _, d := range defs {
		if n, _, ok := d.Name(); ok {
			names = append(names, n)
		}
	}
	assert.Contains(t, names, "B")
}

func TestParseAnonymousAtRoot(t *testing.T) {
	res := Parse(`A = "literal"`)
	assertHasKind(t, res.Diags, diag.AnonymousAtDefinitionRoot)
}

func TestParseInvalidCaptureName(t *testing.T) {
	res := Parse("A = (a) @Bad")
	assertHasKind(t, res.Diags, diag.InvalidCaptureName)
}

func TestParsePredicate(t *testing.T) {
	res := Parse(`A = (identifier) == "main" @id`)
	require.True(t, res.Diags.Empty(), "%v", res.Diags.All())
	body, _ := File{Tree: res.Tree}.Defs()[0].Body()
	cap, ok := body.AsCapture()
	require.True(t, ok)
	inner, _ := cap.Inner()
	pred, ok := inner.AsPredicate()
	require.True(t, ok)
	text, isRegex, _, ok := pred.Operand()
	require.True(t, ok)
	assert.False(t, isRegex)
	assert.Equal(t, "main", text)
}

func TestParseSuppressedCapture(t *testing.T) {
	res := Parse("A = { (a) @_ (b) @_tmp }")
	require.True(t, res.Diags.Empty(), "%v", res.Diags.All())
}

func assertHasKind(t *testing.T, bag *diag.Bag, kind diag.Kind) {
	t.Helper()
	for _, d := range bag.All() {
		if d.Kind == kind {
			return
		}
	}
	t.Fatalf("expected diagnostic %s, got %v", kind, bag.All())
}
