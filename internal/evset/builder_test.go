package evset

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setprobe/setprobe/internal/geometry"
)

// scriptedAlloc hands out 256-byte-aligned chunks from one backing array
// and remembers which synthetic page group each chunk belongs to, so tests
// have ground truth to check classification against.
type scriptedAlloc struct {
	backing []byte
	off     int
	groups  []int
	chunks  map[uintptr]int
	allocs  int
	frees   int
}

func newScriptedAlloc(total int, groups []int) *scriptedAlloc {
	b := make([]byte, total+256)
	base := uintptr(unsafe.Pointer(&b[0]))
	pad := int((256 - base%256) % 256)
	return &scriptedAlloc{
		backing: b[pad:],
		groups:  groups,
		chunks:  make(map[uintptr]int),
	}
}

func (a *scriptedAlloc) Alloc(size int) ([]byte, error) {
	if a.allocs >= len(a.groups) {
		return nil, errors.New("allocation script exhausted")
	}
	if a.off+size > len(a.backing) {
		return nil, errors.New("backing array exhausted")
	}
	chunk := a.backing[a.off : a.off+size : a.off+size]
	a.off += size
	a.chunks[uintptr(unsafe.Pointer(&chunk[0]))] = a.groups[a.allocs]
	a.allocs++
	return chunk, nil
}

func (a *scriptedAlloc) Free([]byte) error {
	a.frees++
	return nil
}

// trueSet computes the ground-truth physical set of a line from the
// scripted group of its chunk.
func (a *scriptedAlloc) trueSet(g geometry.Geometry, l *Line) uint32 {
	addr := lineAddr(l)
	grp, ok := a.chunks[addr&^255]
	if !ok {
		panic("line outside any scripted chunk")
	}
	return uint32(grp)*g.GroupSize + g.GroupSlot(addr)
}

// scriptedTranslator maps each chunk to the physical page its scripted
// group implies.
type scriptedTranslator struct {
	alloc *scriptedAlloc
	g     geometry.Geometry
}

func (t scriptedTranslator) Translate(vaddr uintptr) (uintptr, error) {
	grp, ok := t.alloc.chunks[vaddr&^255]
	if !ok {
		// CanTranslate probes with a stack address.
		return vaddr, nil
	}
	return uintptr(grp)*uintptr(t.g.PageSize) + vaddr%256, nil
}

func testGeomVirtual(t *testing.T) geometry.Geometry {
	t.Helper()
	g, err := geometry.NewCustom(geometry.L1, geometry.Virtual, 8, 2, 4, 256)
	require.NoError(t, err)
	return g
}

func testGeomPhysical(t *testing.T) geometry.Geometry {
	t.Helper()
	g, err := geometry.NewCustom(geometry.L2, geometry.Physical, 8, 2, 12, 256)
	require.NoError(t, err)
	return g
}

func checkRingIntegrity(t *testing.T, st *Structure) {
	t.Helper()
	g := st.Geometry()
	counts := make(map[uint32]uint32)
	cl := st.Head()
	for {
		require.Same(t, cl, cl.next.prev)
		require.Same(t, cl, cl.prev.next)
		counts[cl.Set()]++
		cl = cl.next
		if cl == st.Head() {
			break
		}
	}
	for set, n := range counts {
		assert.Equal(t, g.Ways, n, "set %d", set)
	}
}

func TestBuildVirtual(t *testing.T) {
	g := testGeomVirtual(t)
	alloc := newScriptedAlloc(4096, []int{0})

	st, err := Build(g, Config{Alloc: alloc, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, int(g.Lines), st.Len())
	checkRingIntegrity(t, st)

	order := SetOrder(st)
	require.Len(t, order, int(g.Sets))
	seen := make(map[uint32]bool)
	for _, s := range order {
		require.False(t, seen[s], "set %d listed twice", s)
		seen[s] = true
	}

	require.NoError(t, st.Release())
	assert.Equal(t, 1, alloc.frees)
	// second release is a no-op
	require.NoError(t, st.Release())
	assert.Equal(t, 1, alloc.frees)
}

func TestBuildSeedReproducibility(t *testing.T) {
	g := testGeomVirtual(t)

	layout := func(seed uint64) []uint32 {
		st, err := Build(g, Config{Alloc: newScriptedAlloc(4096, []int{0}), Seed: seed})
		require.NoError(t, err)
		defer st.Release()
		return SetOrder(st)
	}

	assert.Equal(t, layout(7), layout(7))
}

func TestBuildPhysicalPrivileged(t *testing.T) {
	g := testGeomPhysical(t)
	// third group-0 page must be rejected: both its sets are full
	alloc := newScriptedAlloc(4096, []int{0, 0, 1, 0, 1})
	tr := scriptedTranslator{alloc: alloc, g: g}

	st, err := Build(g, Config{Alloc: alloc, Translator: tr, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, int(g.Lines), st.Len())
	checkRingIntegrity(t, st)

	cl := st.Head()
	for {
		assert.Equal(t, alloc.trueSet(g, cl), cl.Set())
		cl = cl.next
		if cl == st.Head() {
			break
		}
	}

	assert.Equal(t, 5, alloc.allocs)
	assert.Equal(t, 1, alloc.frees) // the rejected page

	require.NoError(t, st.Release())
	assert.Equal(t, 5, alloc.frees)
}

func TestBuildPhysicalExhaustsRejects(t *testing.T) {
	g := testGeomPhysical(t)
	// nothing but group-0 pages: group 1 can never fill
	groups := make([]int, 4096)
	alloc := newScriptedAlloc(64*4096, groups)
	tr := scriptedTranslator{alloc: alloc, g: g}

	_, err := Build(g, Config{Alloc: alloc, Translator: tr, Seed: 1})
	require.ErrorIs(t, err, ErrMalformedEvictionSet)
	// every allocation handed back, accepted and rejected alike
	assert.Equal(t, alloc.allocs, alloc.frees)
}

func TestBuildSubset(t *testing.T) {
	g := testGeomVirtual(t)
	alloc := newScriptedAlloc(4096, []int{0})

	st, err := BuildSubset(g, []uint32{2, 5, 7}, Config{Alloc: alloc, Seed: 1})
	require.NoError(t, err)
	defer st.Release()

	assert.Equal(t, 3*int(g.Ways), st.Len())
	assert.Equal(t, uint32(2), st.Head().Set())

	// cyclic order of the requested sets survives the splice
	assert.Equal(t, []uint32{2, 5, 7}, SetOrder(st))

	cl := st.Head()
	for {
		require.Same(t, cl, cl.next.prev)
		cl = cl.next
		if cl == st.Head() {
			break
		}
	}
}

func TestBuildSubsetDirectMapped(t *testing.T) {
	// one way per set: the only line of a set is first and tail at once
	g, err := geometry.NewCustom(geometry.L1, geometry.Virtual, 8, 1, 4, 256)
	require.NoError(t, err)
	alloc := newScriptedAlloc(4096, []int{0})

	st, err := BuildSubset(g, []uint32{2, 5}, Config{Alloc: alloc, Seed: 1})
	require.NoError(t, err)
	defer st.Release()

	assert.Equal(t, 2, st.Len())
	assert.Equal(t, []uint32{2, 5}, SetOrder(st))
	checkRingIntegrity(t, st)
}

func TestBuildSubsetValidation(t *testing.T) {
	g := testGeomVirtual(t)

	_, err := BuildSubset(g, nil, Config{Alloc: newScriptedAlloc(4096, []int{0})})
	assert.Error(t, err)

	_, err = BuildSubset(g, []uint32{9}, Config{Alloc: newScriptedAlloc(4096, []int{0})})
	assert.Error(t, err)

	_, err = BuildSubset(g, []uint32{1, 1}, Config{Alloc: newScriptedAlloc(4096, []int{0})})
	assert.Error(t, err)
}

func TestBuildSubsetPhysicalFreesUnusedPages(t *testing.T) {
	g := testGeomPhysical(t)
	alloc := newScriptedAlloc(4096, []int{0, 1, 0, 1})
	tr := scriptedTranslator{alloc: alloc, g: g}

	// sets 0-3 live on group-0 pages; both group-1 pages can go
	st, err := BuildSubset(g, []uint32{0, 3}, Config{Alloc: alloc, Translator: tr, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, alloc.frees)
	assert.Equal(t, 2*int(g.Ways), st.Len())

	require.NoError(t, st.Release())
	assert.Equal(t, 4, alloc.frees)
}

func TestPrimeProbeRoundTrip(t *testing.T) {
	g, err := geometry.NewCustom(geometry.L1, geometry.Virtual, 8, 2, 4, geometry.DefaultPageSize)
	require.NoError(t, err)

	st, err := Build(g, Config{Seed: 1})
	require.NoError(t, err)
	defer st.Release()

	pos := Prime(st.Head())
	require.Same(t, st.Head().prev, pos)

	head := Probe(g.Ways, pos)
	require.Same(t, st.Head(), head)

	res := CollectPerSet(st)
	assert.Len(t, res, int(g.Sets))

	row := make([]uint32, g.Sets)
	FillPerSet(st, row)
	assert.Equal(t, resAsSetIndexed(st, res), row)
}

func TestRoundHeadChaining(t *testing.T) {
	g, err := geometry.NewCustom(geometry.L1, geometry.Virtual, 8, 2, 4, geometry.DefaultPageSize)
	require.NoError(t, err)

	st, err := Build(g, Config{Seed: 1})
	require.NoError(t, err)
	defer st.Release()

	// a measurement campaign re-primes every round from the head the
	// previous probe handed back; the chain must stay on the ring entry
	// in both prime directions
	head := st.Head()
	for i := 0; i < 4; i++ {
		pos := Prime(head)
		require.Same(t, head.prev, pos)
		head = Probe(g.Ways, pos)
		require.Same(t, st.Head(), head)
	}
	for i := 0; i < 4; i++ {
		pos := PrimeRev(head)
		require.Same(t, head.prev, pos)
		head = Probe(g.Ways, pos)
		require.Same(t, st.Head(), head)
	}
}

// resAsSetIndexed reorders ring-ordered per-set values by set number.
func resAsSetIndexed(st *Structure, res []uint32) []uint32 {
	order := SetOrder(st)
	out := make([]uint32, len(res))
	for i, set := range order {
		out[set] = res[i]
	}
	return out
}
