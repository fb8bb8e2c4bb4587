package bytecode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/runtime"
)

func sampleProgram(t *testing.T) *Program {
	t.Helper()
	b := NewBuilder()
	table := infer.NewTable()
	row := table.Struct("FuncRow", []infer.Member{
		{Name: "name", Type: infer.TypeNode},
		{Name: "retval", Type: infer.TypeNode},
	})
	b.SetTypes(table)
	require.NoError(t, b.Trivia("comment"))

	kind, err := b.NodeType("function_declaration", true)
	require.NoError(t, err)
	field, err := b.Field("name")
	require.NoError(t, err)
	rx, err := b.Regex("^test_")
	require.NoError(t, err)

	buf := make([]byte, 8*StepSize)
	(&Step{Op: OpAccept}).Emit(buf, 0)
	(&Step{Op: OpTrampoline}).Emit(buf, 1)
	(&Step{
		Op: OpMatchN, Nav: NavStay, Type: kind, Field: field,
		Post:    []uint16{PackEffect(runtime.EffNode, 0), PackEffect(runtime.EffSet, b.GlobalMember(row, 0))},
		Succ:    []uint16{5},
		HasPred: true, PredOp: PredRegex, PredArg: rx,
	}).Emit(buf, 2)
	(&Step{Op: OpReturn}).Emit(buf, 5)
	b.SetTransitions(buf)

	b.SetEntrypoints([]Entrypoint{{Name: "Func", Step: 2, Type: uint32(row)}})
	prog, err := b.Finish()
	require.NoError(t, err)
	return prog
}

func TestRoundTrip(t *testing.T) {
	prog := sampleProgram(t)
	data := prog.Encode()
	back, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, prog.Steps(), back.Steps())
	require.Equal(t, prog.StringCount(), back.StringCount())
	for i := 0; i < prog.StringCount(); i++ {
		assert.Equal(t, prog.String(uint32(i)), back.String(uint32(i)))
	}
	require.Equal(t, prog.EntryCount(), back.EntryCount())
	name, step, typeID := back.EntryAt(0)
	assert.Equal(t, "Func", name)
	assert.Equal(t, uint32(2), step)
	assert.NotZero(t, typeID)
	assert.Equal(t, prog.TypeCount(), back.TypeCount())
	assert.Equal(t, prog.TriviaKinds(), back.TriviaKinds())
}

func TestChecksumRejectsTampering(t *testing.T) {
	data := sampleProgram(t).Encode()
	data[len(data)-1] ^= 0xFF
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestBadMagicAndVersion(t *testing.T) {
	data := sampleProgram(t).Encode()
	bad := append([]byte{}, data...)
	copy(bad, "NOPE")
	_, err := Decode(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	bad = append([]byte{}, data...)
	binary.LittleEndian.PutUint16(bad[4:], Version+1)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrBadVersion)

	_, err = Decode(data[:10])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBufferAlignment(t *testing.T) {
	for _, size := range []int{0, 1, 63, 64, 65, 4096} {
		buf := alignedBuf(size)
		assert.Len(t, buf, size)
	}
}

func TestStepCodecRoundTrip(t *testing.T) {
	steps := []Step{
		{Op: OpAccept, Units: 1},
		{Op: OpReturn, Units: 1},
		{Op: OpTrampoline, Units: 1},
		{Op: OpCall, Units: 2, Nav: NavStay, Field: 7, Target: 40, Ret: 40, Ref: 3},
		{
			Op: OpMatchN, Nav: MakeNav(NavDown, PolicyTrivia, 0),
			Type: 9, Field: 2, KindClass: KCExact,
			Pre:  []uint16{PackEffect(runtime.EffStartObj, 0)},
			Post: []uint16{PackEffect(runtime.EffSet, 5)},
			Neg:  []uint16{11},
			Succ: []uint16{1, 2, 3},
		},
		{
			Op: OpMatchN, Nav: MakeNav(NavUp, PolicyExact, 2),
			KindClass: KCAnyNamed, Succ: []uint16{1},
		},
	}
	for _, s := range steps {
		s := s
		units := s.SizeUnits()
		buf := make([]byte, int(units)*StepSize)
		s.Emit(buf, 0)
		got := DecodeStep(buf, 0)
		assert.Equal(t, units, got.Units)
		assert.Equal(t, s.Succ, got.Succ)
		if s.Op == OpMatchN && !got.Fits8() {
			assert.Equal(t, s.Pre, got.Pre)
			assert.Equal(t, s.Post, got.Post)
			assert.Equal(t, s.Neg, got.Neg)
			assert.Equal(t, s.KindClass, got.KindClass)
		}
		if s.Op == OpCall {
			assert.Equal(t, s.Target, got.Target)
			assert.Equal(t, s.Ret, got.Ret)
			assert.Equal(t, s.Ref, got.Ref)
		}
	}
}

func TestMatch8Degeneration(t *testing.T) {
	s := Step{Op: OpMatchN, Nav: MakeNav(NavNext, PolicyAny, 0), Type: 5, Field: 3, Succ: []uint16{9}}
	require.True(t, s.Fits8())
	assert.Equal(t, uint32(1), s.SizeUnits())
	buf := make([]byte, StepSize)
	s.Emit(buf, 0)
	got := DecodeStep(buf, 0)
	assert.Equal(t, uint8(OpMatch8), got.Op)
	assert.Equal(t, uint16(5), got.Type)
	assert.Equal(t, []uint16{9}, got.Succ)
}

func TestEffectPacking(t *testing.T) {
	slot := PackEffect(runtime.EffSet, 0x0ABC)
	op, arg := UnpackEffect(slot)
	assert.Equal(t, runtime.EffSet, op)
	assert.Equal(t, uint32(0x0ABC), arg)
}

func TestNavByte(t *testing.T) {
	n := MakeNav(NavUp, PolicyTrivia, 3)
	assert.Equal(t, NavUp, n.Mode())
	assert.Equal(t, PolicyTrivia, n.Policy())
	assert.Equal(t, uint8(3), n.Levels())
	assert.True(t, NavEpsilon.IsEpsilon())
	assert.False(t, NavStay.IsEpsilon())
}

func TestEntryLookup(t *testing.T) {
	prog := sampleProgram(t)
	step, _, err := prog.Entry("Func")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), step)

	// single entrypoint is the default
	step, _, err = prog.Entry("")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), step)

	_, _, err = prog.Entry("Nope")
	assert.ErrorIs(t, err, ErrNoEntry)
}
