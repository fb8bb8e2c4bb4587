package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/syntax"
)

func analyze(t *testing.T, src string) *Query {
	t.Helper()
	return Analyze(syntax.Parse(src))
}

func hasKind(q *Query, kind diag.Kind) bool {
	for _, d := range q.Diags.All() {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func TestResolveReferences(t *testing.T) {
	q := analyze(t, `
A = (foo (B))
B = (bar)
`)
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())
	body := q.ByName["A"].Body.(*NodeExpr)
	ref := body.Children[0].(*RefExpr)
	assert.Equal(t, "B", ref.Name)
	require.NotNil(t, ref.Def)
	assert.Equal(t, q.ByName["B"], ref.Def)
}

func TestUnknownReference(t *testing.T) {
	q := analyze(t, "A = (foo (Missing))")
	assert.True(t, hasKind(q, diag.UnknownReference))
	// the node is still lowered so later passes can keep going
	body := q.ByName["A"].Body.(*NodeExpr)
	ref := body.Children[0].(*RefExpr)
	assert.Nil(t, ref.Def)
}

func TestDuplicateDefinition(t *testing.T) {
	q := analyze(t, "A = (x)\nA = (y)")
	assert.True(t, hasKind(q, diag.DuplicateDefinition))
}

func TestDuplicateCaptureInScope(t *testing.T) {
	q := analyze(t, "A = (k (a) @x (b) @x)")
	assert.True(t, hasKind(q, diag.DuplicateCaptureInScope))

	// same name across alternation branches shares the field, no error
	q = analyze(t, "A = (k [ (a) @x (b) @x ])")
	assert.False(t, hasKind(q, diag.DuplicateCaptureInScope), "%v", q.Diags.All())

	// a captured sequence opens a fresh scope
	q = analyze(t, "A = (k (a) @x { (b) @x } @row)")
	assert.False(t, hasKind(q, diag.DuplicateCaptureInScope), "%v", q.Diags.All())
}

func TestAnchorValidation(t *testing.T) {
	// anchors between siblings in a node pattern are fine
	q := analyze(t, "A = (k (a) . (b))")
	assert.False(t, hasKind(q, diag.AnchorMisuse), "%v", q.Diags.All())

	// boundary anchors in a node pattern are fine
	q = analyze(t, "A = (k . (a) .)")
	assert.False(t, hasKind(q, diag.AnchorMisuse))

	// boundary anchor in an uncaptured root sequence is rejected
	q = analyze(t, "A = { . (a) (b) }")
	assert.True(t, hasKind(q, diag.AnchorMisuse))

	// the same sequence captured is fine
	q = analyze(t, "A = { . (a) (b) } @row")
	assert.False(t, hasKind(q, diag.AnchorMisuse), "%v", q.Diags.All())
}

func TestSuppressedCaptureAnnotation(t *testing.T) {
	q := analyze(t, "A = (a) @_ :: string")
	assert.True(t, hasKind(q, diag.SuppressedCaptureAnnotated))
}

func TestRecursionGuard(t *testing.T) {
	// direct zero-consumption cycle
	q := analyze(t, "A = (A)")
	assert.True(t, hasKind(q, diag.UnguardedRecursion))

	// cycle through an alternation branch that consumes nothing
	q = analyze(t, "A = [ (A) (x) ]")
	assert.True(t, hasKind(q, diag.UnguardedRecursion))

	// consuming a node before recursing guards the cycle
	q = analyze(t, "A = (pair (a) (A))")
	assert.False(t, hasKind(q, diag.UnguardedRecursion), "%v", q.Diags.All())
}

func TestRecursionEscape(t *testing.T) {
	// every branch recurses: no escape
	q := analyze(t, "A = (wrap (A))")
	assert.True(t, hasKind(q, diag.RecursionWithoutEscape))

	// a non-recursive branch provides the escape
	q = analyze(t, "A = [ (leaf) (wrap (A)) ]")
	assert.False(t, hasKind(q, diag.RecursionWithoutEscape), "%v", q.Diags.All())
	assert.True(t, q.ByName["A"].Recursive)

	// a quantifier provides an escape by matching zero times
	q = analyze(t, "A = (wrap (A)*)")
	assert.False(t, hasKind(q, diag.RecursionWithoutEscape), "%v", q.Diags.All())
}

func TestMutualRecursion(t *testing.T) {
	q := analyze(t, `
A = (a (B))
B = [ (leaf) (b (A)) ]
`)
	assert.False(t, hasKind(q, diag.UnguardedRecursion), "%v", q.Diags.All())
	assert.True(t, q.ByName["A"].Recursive)
	assert.True(t, q.ByName["B"].Recursive)
}

func TestEntrypoints(t *testing.T) {
	q := analyze(t, "pub A = (a)\nB = (b)\npub C = (c)")
	eps := q.Entrypoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "A", eps[0].Name)
	assert.Equal(t, "C", eps[1].Name)
}

func TestInvalidRegexReported(t *testing.T) {
	q := analyze(t, `A = (id) =~ /([unclosed/`)
	assert.True(t, hasKind(q, diag.InvalidRegex), "%v", q.Diags.All())
}
