package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/syntax"
)

func compile(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	q := analyzer.Analyze(syntax.Parse(src))
	info := infer.Run(q)
	prog, err := Compile(q, info, Options{})
	require.NoError(t, err, "diagnostics: %v", q.Diags.All())
	return prog
}

func TestCompileProducesEntrypoint(t *testing.T) {
	prog := compile(t, `pub Func = (function_declaration name: (identifier) @name)`)
	require.Equal(t, 1, prog.EntryCount())
	name, step, typeID := prog.EntryAt(0)
	assert.Equal(t, "Func", name)
	assert.GreaterOrEqual(t, step, uint32(2), "entry must land after the preamble")
	assert.NotZero(t, typeID)
}

func TestMissingEntrypointRejected(t *testing.T) {
	q := analyzer.Analyze(syntax.Parse("A = (a)"))
	info := infer.Run(q)
	_, err := Compile(q, info, Options{})
	require.Error(t, err)
}

func TestFatalDiagnosticsBlockEmission(t *testing.T) {
	q := analyzer.Analyze(syntax.Parse("pub A = (foo (Unknown))"))
	info := infer.Run(q)
	_, err := Compile(q, info, Options{})
	assert.ErrorIs(t, err, ErrFatalDiagnostics)
}

// Every transition must start inside one cache line: the layout pads
// rather than letting a step straddle a 64-byte boundary.
func TestCacheLineSafety(t *testing.T) {
	prog := compile(t, `
pub Expr = [ Lit: (number) @value :: string  Bin: (binary_expression left: (Expr) @left right: (Expr) @right) ]
pub Good = (class body: (class_body { (method_definition name: (identifier) @n) @m }* @methods))
`)
	steps := prog.Steps()
	for id := uint32(0); id < prog.StepCount(); {
		s := bytecode.DecodeStep(steps, id)
		off := id * bytecode.StepSize
		assert.LessOrEqual(t, off%bytecode.CacheLine+s.Units*bytecode.StepSize, uint32(bytecode.CacheLine),
			"step %d (%d units) straddles a cache line", id, s.Units)
		id += s.Units
	}
}

// The preamble is fixed: Accept at step 0, the trampoline at step 1.
func TestPreamble(t *testing.T) {
	prog := compile(t, "pub A = (a)")
	steps := prog.Steps()
	assert.Equal(t, uint8(bytecode.OpAccept), bytecode.DecodeStep(steps, 0).Op)
	assert.Equal(t, uint8(bytecode.OpTrampoline), bytecode.DecodeStep(steps, 1).Op)
}

// Recursive definitions compile to Call/Return; non-recursive references
// inline and leave no Call behind.
func TestCallOnlyForRecursion(t *testing.T) {
	countCalls := func(prog *bytecode.Program) int {
		n := 0
		steps := prog.Steps()
		for id := uint32(0); id < prog.StepCount(); {
			s := bytecode.DecodeStep(steps, id)
			if s.Op == bytecode.OpCall {
				n++
			}
			id += s.Units
		}
		return n
	}

	inlined := compile(t, "pub A = (outer (B))\nB = (leaf)")
	assert.Zero(t, countCalls(inlined))

	recursive := compile(t, "pub A = [ (leaf) (wrap (A)) ]")
	assert.Greater(t, countCalls(recursive), 0)
}

// Pre effects from wrapping epsilons fold onto the first match.
func TestEpsilonFolding(t *testing.T) {
	prog := compile(t, `pub P = (pair (key) @k)`)
	steps := prog.Steps()
	epsWithEffects := 0
	for id := uint32(0); id < prog.StepCount(); {
		s := bytecode.DecodeStep(steps, id)
		if s.IsEpsilon() && (len(s.Pre) > 0 || len(s.Post) > 0) {
			epsWithEffects++
		}
		id += s.Units
	}
	// the struct open/close both fold onto adjacent matches
	assert.Zero(t, epsWithEffects, "effect-bearing epsilons should have folded")
}

func TestUnlinkedSlotsHoldStringIDs(t *testing.T) {
	prog := compile(t, `pub P = (pair key: (id) @k)`)
	require.False(t, prog.Linked())
	found := false
	steps := prog.Steps()
	for id := uint32(0); id < prog.StepCount(); {
		s := bytecode.DecodeStep(steps, id)
		if s.Type != 0 && s.KindClass == bytecode.KCExact && s.Op != bytecode.OpCall {
			if prog.String(uint32(s.Type)) == "pair" {
				found = true
			}
		}
		id += s.Units
	}
	assert.True(t, found, "expected a transition whose type slot names 'pair'")
}
