package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhq/plotnik/internal/analyzer"
	"github.com/oxhq/plotnik/internal/compiler"
	"github.com/oxhq/plotnik/internal/infer"
	"github.com/oxhq/plotnik/internal/syntax"
)

const sampleQuery = `pub Func = (function_declaration name: (identifier) @name)`

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "plotnik", "cache.db"), false)
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTemp(t)
	q := analyzer.Analyze(syntax.Parse(sampleQuery))
	info := infer.Run(q)
	prog, err := compiler.Compile(q, info, compiler.Options{})
	require.NoError(t, err)

	require.NoError(t, store.Put(sampleQuery, "go", prog))

	got, err := store.Get(sampleQuery, "go")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, prog.Steps(), got.Steps())
	assert.Equal(t, prog.EntryCount(), got.EntryCount())
}

func TestGetMisses(t *testing.T) {
	store := openTemp(t)
	got, err := store.Get("Nope = (x)", "go")
	require.NoError(t, err)
	assert.Nil(t, got)

	// same source under a different grammar is a distinct key
	q := analyzer.Analyze(syntax.Parse(sampleQuery))
	info := infer.Run(q)
	prog, err := compiler.Compile(q, info, compiler.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Put(sampleQuery, "go", prog))
	got, err = store.Get(sampleQuery, "javascript")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDigestStability(t *testing.T) {
	a := Digest("pub A = (a)")
	b := Digest("pub A = (a)")
	c := Digest("pub A = (b)")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestGCRetention(t *testing.T) {
	store := openTemp(t)
	sources := []string{
		"pub A = (a) @x",
		"pub B = (b) @x",
		"pub C = (c) @x",
	}
	for _, src := range sources {
		q := analyzer.Analyze(syntax.Parse(src))
		info := infer.Run(q)
		prog, err := compiler.Compile(q, info, compiler.Options{})
		require.NoError(t, err)
		require.NoError(t, store.Put(src, "go", prog))
	}
	removed, err := store.GC(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Queries)
}
