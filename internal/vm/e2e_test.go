package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/compiler"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/materialize"
	"github.com/oxhq/plotnik/internal/runtime"
	"github.com/oxhq/plotnik/internal/syntax"
	"github.com/oxhq/plotnik/internal/trace"
	"github.com/oxhq/plotnik/internal/treekit"
	"github.com/oxhq/plotnik/internal/vm"
)

// compileAndLink runs the full pipeline and links against the test
// grammar.
func compileAndLink(t *testing.T, g *treekit.Grammar, src string) *bytecode.Program {
	t.Helper()
	res := syntax.Parse(src)
	q := analyzer.Analyze(res)
	info := infer.Run(q)
	prog, err := compiler.Compile(q, info, compiler.Options{Trivia: []string{"comment"}})
	require.NoError(t, err, "diagnostics: %v", q.Diags.All())
	linked, err := bytecode.Link(prog, g)
	require.NoError(t, err)
	return linked
}

func matchValue(t *testing.T, prog *bytecode.Program, tree runtime.Tree, opts vm.Options) runtime.Value {
	t.Helper()
	m, ok, err := vm.FindFirst(prog, tree, "", opts)
	require.NoError(t, err)
	require.True(t, ok, "expected a match")
	return materialize.Materialize(prog, m.Effects)
}

func obj(t *testing.T, v runtime.Value) *runtime.ObjectValue {
	t.Helper()
	o, ok := v.(*runtime.ObjectValue)
	require.True(t, ok, "expected object, got %T", v)
	return o
}

func nodeText(t *testing.T, v runtime.Value) string {
	t.Helper()
	n, ok := v.(runtime.NodeValue)
	require.True(t, ok, "expected node, got %T", v)
	return n.Node.Text()
}

func field(t *testing.T, o *runtime.ObjectValue, name string) runtime.Value {
	t.Helper()
	v, ok := o.Get(name)
	require.True(t, ok, "missing field %s (have %v)", name, o.Keys)
	return v
}

// S1: flat captures from a nested pattern.
func TestFlatCaptures(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Func = (function_declaration name: (identifier) @name body: (block (return_statement (expression) @retval)))`)
	tree := treekit.MustParse(g, `
(program
  (function_declaration
    name: (identifier "f")
    body: (block (return_statement (expression "1")))))`)

	v := obj(t, matchValue(t, prog, tree, vm.Options{}))
	assert.Equal(t, "f", nodeText(t, field(t, v, "name")))
	assert.Equal(t, "1", nodeText(t, field(t, v, "retval")))
}

// S2: tagged recursive enum.
func TestTaggedRecursiveEnum(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Expr = [ Lit: (number) @value :: string  Bin: (binary_expression left: (Expr) @left right: (Expr) @right) ]`)
	// 1 + (2 * 3) parsed as Bin(1, Bin(2, 3))
	tree := treekit.MustParse(g, `
(binary_expression
  left: (number "1")
  right: (binary_expression left: (number "2") right: (number "3")))`)

	v, ok := matchValue(t, prog, tree, vm.Options{}).(runtime.VariantValue)
	require.True(t, ok)
	assert.Equal(t, "Bin", v.Tag)
	payload := obj(t, v.Payload)

	left, ok := field(t, payload, "left").(runtime.VariantValue)
	require.True(t, ok)
	assert.Equal(t, "Lit", left.Tag)
	assert.Equal(t, runtime.StringValue("1"), left.Payload)

	right, ok := field(t, payload, "right").(runtime.VariantValue)
	require.True(t, ok)
	assert.Equal(t, "Bin", right.Tag)
	rp := obj(t, right.Payload)
	rl, _ := field(t, rp, "left").(runtime.VariantValue)
	assert.Equal(t, runtime.StringValue("2"), rl.Payload)
	rr, _ := field(t, rp, "right").(runtime.VariantValue)
	assert.Equal(t, runtime.StringValue("3"), rr.Payload)
}

// S3: backtracking through a greedy alternation.
func TestBacktrackingAlternation(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Expression = [ Num: (number) @v  Str: (string) @v ] @result`)
	tree := treekit.MustParse(g, `(program (string "hi"))`)

	collector := &trace.Collector{}
	v := obj(t, matchValue(t, prog, tree, vm.Options{Tracer: collector}))
	result, ok := field(t, v, "result").(runtime.VariantValue)
	require.True(t, ok)
	assert.Equal(t, "Str", result.Tag)
	inner := obj(t, result.Payload)
	assert.Equal(t, "hi", nodeText(t, field(t, inner, "v")))
	// the Num branch must have failed and been rolled back
	assert.Greater(t, collector.Count("backtrack"), 0)
}

// S5: struct array via an explicit row.
func TestStructArrayRows(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Good = (class body: (class_body { (method_definition name: (identifier) @n) @m }* @methods))`)
	tree := treekit.MustParse(g, `
(class body: (class_body
  (method_definition name: (identifier "a"))
  (method_definition name: (identifier "b"))))`)

	v := obj(t, matchValue(t, prog, tree, vm.Options{}))
	rows, ok := field(t, v, "methods").(runtime.ArrayValue)
	require.True(t, ok, "methods should be an array")
	require.Len(t, rows, 2)
	r0 := obj(t, rows[0])
	assert.Equal(t, "a", nodeText(t, field(t, r0, "n")))
	assert.Equal(t, "method_definition", field(t, r0, "m").(runtime.NodeValue).Node.Kind())
	r1 := obj(t, rows[1])
	assert.Equal(t, "b", nodeText(t, field(t, r1, "n")))
}

// Zero iterations still produce an empty array, and the pattern around
// the quantifier keeps matching.
func TestEmptyRowArray(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Good = (class body: (class_body { (method_definition name: (identifier) @n) @m }* @methods) (tail) @tl)`)
	tree := treekit.MustParse(g, `(class body: (class_body) (tail "t"))`)

	v := obj(t, matchValue(t, prog, tree, vm.Options{}))
	rows, ok := field(t, v, "methods").(runtime.ArrayValue)
	require.True(t, ok)
	assert.Len(t, rows, 0)
	assert.Equal(t, "t", nodeText(t, field(t, v, "tl")))
}

// S6: call-fuel exhaustion surfaces as a typed error, not a panic.
func TestCallFuelExhaustion(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub A = (_ (A)*)`)
	deep := "(n "
	closing := ")"
	fix := ""
	for i := 0; i < 40; i++ {
		fix += deep
	}
	fix += `(leaf "x")`
	for i := 0; i < 40; i++ {
		fix += closing
	}
	tree := treekit.MustParse(g, fix)

	_, _, err := vm.FindFirst(prog, tree, "", vm.Options{CallFuel: 16})
	require.ErrorIs(t, err, vm.ErrCallFuelExhausted)
}

func TestStepFuelExhaustion(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub A = (_ (A)*)`)
	tree := treekit.MustParse(g, `(n (n (n (leaf "x"))))`)
	_, _, err := vm.FindFirst(prog, tree, "", vm.Options{StepFuel: 3})
	require.ErrorIs(t, err, vm.ErrStepFuelExhausted)
}

func TestOptionalCaptureNull(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub P = (pair key: (id) @k value: (id)? @v)`)

	with := treekit.MustParse(g, `(pair key: (id "k") value: (id "v"))`)
	v := obj(t, matchValue(t, prog, with, vm.Options{}))
	assert.Equal(t, "v", nodeText(t, field(t, v, "v")))

	without := treekit.MustParse(g, `(pair key: (id "k"))`)
	v = obj(t, matchValue(t, prog, without, vm.Options{}))
	assert.Equal(t, runtime.NullValue{}, field(t, v, "v"))
}

func TestPredicateFiltersByText(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub M = (call (identifier) == "main" @id)`)
	tree := treekit.MustParse(g, `
(program
  (call (identifier "other"))
  (call (identifier "main")))`)

	matches, err := vm.FindAll(prog, tree, "", vm.Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	v := obj(t, materialize.Materialize(prog, matches[0].Effects))
	assert.Equal(t, "main", nodeText(t, field(t, v, "id")))
}

func TestRegexPredicate(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub M = (call (identifier) =~ /^test_/ @id)`)
	tree := treekit.MustParse(g, `
(program
  (call (identifier "test_foo"))
  (call (identifier "other")))`)
	matches, err := vm.FindAll(prog, tree, "", vm.Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestAnchorSkipsTrivia(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub P = (list . (item) @first)`)
	tree := treekit.MustParse(g, `
(list
  (comment "#c")
  (item "a")
  (item "b"))`)

	v := obj(t, matchValue(t, prog, tree, vm.Options{}))
	assert.Equal(t, "a", nodeText(t, field(t, v, "first")))
}

func TestAnchorRejectsNonFirst(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub P = (list . (item) @first)`)
	tree := treekit.MustParse(g, `(list (other "x") (item "a"))`)
	_, ok, err := vm.FindFirst(prog, tree, "", vm.Options{})
	require.NoError(t, err)
	assert.False(t, ok, "a non-trivia node before the anchored item must not match")
}

func TestSuppressedCaptureProducesNoField(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub P = (pair (key) @_ (value) @v)`)
	tree := treekit.MustParse(g, `(pair (key "k") (value "x"))`)
	v := obj(t, matchValue(t, prog, tree, vm.Options{}))
	assert.Equal(t, []string{"v"}, v.Keys)
}

func TestNegatedField(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub P = (fn -receiver (id) @name)`)

	plain := treekit.MustParse(g, `(fn (id "f"))`)
	_, ok, err := vm.FindFirst(prog, plain, "", vm.Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	method := treekit.MustParse(g, `(fn receiver: (recv "r") (id "m"))`)
	_, ok, err = vm.FindFirst(prog, method, "", vm.Options{})
	require.NoError(t, err)
	assert.False(t, ok, "a node carrying the negated field must not match")
}

func TestMatchingIdempotence(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Expression = [ Num: (number) @v  Str: (string) @v ] @result`)
	tree := treekit.MustParse(g, `(program (string "hi"))`)

	a := matchValue(t, prog, tree, vm.Options{})
	b := matchValue(t, prog, tree, vm.Options{})
	aj, err := a.MarshalJSON()
	require.NoError(t, err)
	bj, err := b.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(aj), string(bj))
}

func TestBacktrackRestoresState(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub Expression = [ Num: (number) @v  Str: (string) @v ] @result`)
	tree := treekit.MustParse(g, `(string "hi")`)

	step, _, err := prog.Entry("")
	require.NoError(t, err)
	cursor := tree.Walk()
	m, err := vm.New(prog, cursor, vm.Options{})
	require.NoError(t, err)
	effects, err := m.Run(step)
	require.NoError(t, err)
	// nothing from the failed Num branch may survive in the log
	for _, e := range effects {
		if e.Op == runtime.EffStartEnum {
			assert.Equal(t, "Str", prog.MemberName(e.Arg))
		}
	}
	// pruning keeps the frame arena bounded by the call depth plus what
	// live checkpoints still reference
	assert.LessOrEqual(t, m.FrameLen(), 1)
}

func TestMatchAtEveryOccurrence(t *testing.T) {
	g := treekit.NewGrammar()
	prog := compileAndLink(t, g, `pub I = (identifier) @id`)
	tree := treekit.MustParse(g, `(program (identifier "a") (block (identifier "b")))`)
	matches, err := vm.FindAll(prog, tree, "", vm.Options{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestUnlinkedProgramRefused(t *testing.T) {
	g := treekit.NewGrammar()
	res := syntax.Parse(`pub A = (a)`)
	q := analyzer.Analyze(res)
	info := infer.Run(q)
	prog, err := compiler.Compile(q, info, compiler.Options{})
	require.NoError(t, err)
	tree := treekit.MustParse(g, `(a "x")`)
	_, err = vm.New(prog, tree.Walk(), vm.Options{})
	require.ErrorIs(t, err, vm.ErrUnlinked)
}
