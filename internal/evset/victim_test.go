package evset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareVictim(t *testing.T) {
	g := testGeomVirtual(t)
	alloc := newScriptedAlloc(4096, []int{0})

	v, err := PrepareVictim(g, 5, Config{Alloc: alloc, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, uint32(5), v.Set())
	assert.NotZero(t, v.Addr())

	// the victim line is detached into a one-element ring
	assert.Same(t, v.line, v.line.next)
	assert.Same(t, v.line, v.line.prev)

	v.Access()
	v.Flush()
	_ = v.Time()
	_ = v.AccessUntilCached(4)

	require.NoError(t, v.Release())
	assert.Equal(t, 1, alloc.frees)
	require.NoError(t, v.Release())
	assert.Equal(t, 1, alloc.frees)
}

func TestPrepareVictimBadSet(t *testing.T) {
	g := testGeomVirtual(t)

	_, err := PrepareVictim(g, g.Sets, Config{Alloc: newScriptedAlloc(4096, []int{0})})
	assert.Error(t, err)
}

func TestClearCache(t *testing.T) {
	ClearCache(testGeomVirtual(t))
}
