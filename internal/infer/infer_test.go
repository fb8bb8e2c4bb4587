package infer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/diag"
	"github.com/oxhq/plotnik/internal/syntax"
)

func run(t *testing.T, src string) (*analyzer.Query, *Info) {
	t.Helper()
	q := analyzer.Analyze(syntax.Parse(src))
	return q, Run(q)
}

func defType(q *analyzer.Query, info *Info, name string) Type {
	return info.Table.Get(info.DefType[q.ByName[name]])
}

func hasKind(q *analyzer.Query, kind diag.Kind) bool {
	for _, d := range q.Diags.All() {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func TestFlatStruct(t *testing.T) {
	q, info := run(t, `pub Func = (function_declaration name: (identifier) @name body: (block (return_statement (expression) @retval)))`)
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())

	ty := defType(q, info, "Func")
	require.Equal(t, KindStruct, ty.Kind)
	require.Len(t, ty.Members, 2)
	assert.Equal(t, "name", ty.Members[0].Name)
	assert.Equal(t, "retval", ty.Members[1].Name)
	assert.Equal(t, TypeNode, ty.Members[0].Type)
	assert.Equal(t, TypeNode, ty.Members[1].Type)
}

func TestVoidWhenNoCaptures(t *testing.T) {
	q, info := run(t, "pub A = (a (b))")
	assert.Equal(t, KindVoid, defType(q, info, "A").Kind)
}

func TestTaggedEnum(t *testing.T) {
	q, info := run(t, `pub Expr = [ Lit: (number) @value :: string  Bin: (binary_expression left: (Expr) @left right: (Expr) @right) ]`)
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())

	ty := defType(q, info, "Expr")
	require.Equal(t, KindEnum, ty.Kind)
	require.Len(t, ty.Members, 2)
	assert.Equal(t, "Lit", ty.Members[0].Name)
	assert.Equal(t, "Bin", ty.Members[1].Name)

	// the annotated single-capture branch unwraps to a scalar string
	assert.Equal(t, TypeString, ty.Members[0].Type)

	bin := info.Table.Get(ty.Members[1].Type)
	require.Equal(t, KindStruct, bin.Kind)
	require.Len(t, bin.Members, 2)
	assert.Equal(t, "left", bin.Members[0].Name)
	// recursive reference resolves through a ref leaf to the alias
	leftTy := info.Table.Get(bin.Members[0].Type)
	assert.Equal(t, KindRef, leftTy.Kind)
	assert.Equal(t, KindAlias, info.Table.Get(leftTy.Elem).Kind)
}

func TestStrictDimensionalityRejected(t *testing.T) {
	q, _ := run(t, `pub Bad = (class body: (class_body (method_definition name: (identifier) @n)* @methods))`)
	require.True(t, hasKind(q, diag.StrictDimensionality), "%v", q.Diags.All())
	found := false
	for _, d := range q.Diags.All() {
		if d.Kind == diag.StrictDimensionality {
			assert.Contains(t, d.Message, "requires explicit row capture")
			found = true
		}
	}
	assert.True(t, found)
}

func TestExplicitRowAccepted(t *testing.T) {
	q, info := run(t, `pub Good = (class body: (class_body { (method_definition name: (identifier) @n) @m }* @methods))`)
	require.False(t, hasKind(q, diag.StrictDimensionality), "%v", q.Diags.All())

	ty := defType(q, info, "Good")
	require.Equal(t, KindStruct, ty.Kind)
	require.Len(t, ty.Members, 1)
	arr := info.Table.Get(ty.Members[0].Type)
	require.Equal(t, KindArrayStar, arr.Kind)
	row := info.Table.Get(arr.Elem)
	require.Equal(t, KindStruct, row.Kind)
	require.Len(t, row.Members, 2)
	assert.Equal(t, "m", row.Members[0].Name)
	assert.Equal(t, "n", row.Members[1].Name)
}

func TestUncapturedIterationWithCapturesRejected(t *testing.T) {
	q, _ := run(t, "pub Bad = (k { (a) @x }*)")
	assert.True(t, hasKind(q, diag.StrictDimensionality), "%v", q.Diags.All())
}

func TestScalarArrayCollection(t *testing.T) {
	q, info := run(t, "pub A = (list (item)+ @items)")
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())
	ty := defType(q, info, "A")
	arr := info.Table.Get(ty.Members[0].Type)
	assert.Equal(t, KindArrayPlus, arr.Kind)
	assert.Equal(t, TypeNode, arr.Elem)
}

func TestOptionalCapture(t *testing.T) {
	q, info := run(t, "pub A = (pair (key) @k (value)? @v)")
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())
	ty := defType(q, info, "A")
	require.Len(t, ty.Members, 2)
	opt := info.Table.Get(ty.Members[1].Type)
	assert.Equal(t, KindOptional, opt.Kind)
	assert.Equal(t, TypeNode, opt.Elem)
}

func TestBranchMergeOptionality(t *testing.T) {
	q, info := run(t, "pub A = (k [ { (a) @x (b) @y } { (a) @x } ])")
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())
	ty := defType(q, info, "A")
	require.Len(t, ty.Members, 2)
	assert.Equal(t, "x", ty.Members[0].Name)
	assert.Equal(t, TypeNode, ty.Members[0].Type)
	// y only occurs in the first branch
	y := info.Table.Get(ty.Members[1].Type)
	assert.Equal(t, KindOptional, y.Kind)
}

func TestBranchTypeMismatch(t *testing.T) {
	q, _ := run(t, `pub A = (k [ { (a) @x :: string } { (a) @x } ])`)
	assert.True(t, hasKind(q, diag.CaptureTypeMismatch), "%v", q.Diags.All())
}

func TestTextOnNonLeafScope(t *testing.T) {
	q, _ := run(t, "pub A = { (a) @x } @row :: string")
	assert.True(t, hasKind(q, diag.TextOnNonLeafScope), "%v", q.Diags.All())
}

func TestUnitToNodePromotion(t *testing.T) {
	q, info := run(t, "pub A = (k [ (a) (b) ] @choice)")
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())
	ty := defType(q, info, "A")
	assert.Equal(t, TypeNode, ty.Members[0].Type)
}

func TestReferenceCaptureIsOpaque(t *testing.T) {
	q, info := run(t, `
pub A = (outer (B) @inner)
B = (leaf (id) @name)
`)
	require.True(t, q.Diags.Empty(), "%v", q.Diags.All())
	ty := defType(q, info, "A")
	require.Len(t, ty.Members, 1, "inner fields of B must not leak into A")
	ref := info.Table.Get(ty.Members[0].Type)
	assert.Equal(t, KindRef, ref.Kind)
}

func TestDeterminism(t *testing.T) {
	src := `pub Expr = [ Lit: (number) @value :: string  Bin: (binary_expression left: (Expr) @left right: (Expr) @right) ]`
	q1, i1 := run(t, src)
	q2, i2 := run(t, src)
	require.Equal(t, i1.Table.Len(), i2.Table.Len())
	for id := 0; id < i1.Table.Len(); id++ {
		assert.Equal(t, i1.Table.Render(TypeID(id)), i2.Table.Render(TypeID(id)))
	}
	assert.Equal(t, i1.Table.Render(i1.DefType[q1.ByName["Expr"]]),
		i2.Table.Render(i2.DefType[q2.ByName["Expr"]]))
}

func TestSyntheticNameCollision(t *testing.T) {
	tbl := NewTable()
	a := tbl.Struct("FooBar", []Member{{Name: "x", Type: TypeNode}})
	b := tbl.Struct("FooBar", []Member{{Name: "x", Type: TypeNode}})
	c := tbl.Struct("FooBar", []Member{{Name: "y", Type: TypeNode}})
	assert.Equal(t, a, b, "identical content shares the entry")
	assert.NotEqual(t, a, c)
	assert.Equal(t, "FooBar2", tbl.Get(c).Name)
}

func TestCardinalityAlgebra(t *testing.T) {
	assert.Equal(t, CardStar, Mul(CardOpt, CardPlus))
	assert.Equal(t, CardPlus, Mul(CardPlus, CardPlus))
	assert.Equal(t, CardOpt, Mul(CardOpt, CardOpt))
	assert.Equal(t, CardStar, Mul(CardStar, CardOne))
	assert.Equal(t, CardOpt, Mul(CardOne, CardOpt))
}
