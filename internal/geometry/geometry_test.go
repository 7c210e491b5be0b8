package geometry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	g, err := New(L1)
	require.NoError(t, err)
	assert.Equal(t, Virtual, g.Addressing)
	assert.Equal(t, uint32(64), g.Sets)
	assert.Equal(t, uint32(8), g.Ways)
	assert.Equal(t, uint32(512), g.Lines)
	assert.Equal(t, uint32(512), g.SetSize)
	assert.Equal(t, uint32(32768), g.Size)
	assert.Equal(t, uint32(64), g.GroupSize)
	assert.Equal(t, uint32(1), g.Groups())

	g2, err := New(L2)
	require.NoError(t, err)
	assert.Equal(t, Physical, g2.Addressing)
	assert.Equal(t, uint32(512), g2.Sets)
	assert.Equal(t, uint32(8), g2.Groups())
}

func TestNewUnsupportedLevel(t *testing.T) {
	_, err := New(Level(3))
	require.ErrorIs(t, err, ErrUnsupportedLevel)
}

func TestNewCustomValidation(t *testing.T) {
	tests := []struct {
		name     string
		sets     uint32
		pageSize uint32
		wantErr  bool
	}{
		{"valid", 64, 4096, false},
		{"small page", 8, 256, false},
		{"zero sets", 0, 4096, true},
		{"sets not power of two", 48, 4096, true},
		{"zero page", 64, 0, true},
		{"page not power of two", 64, 3000, true},
		{"page smaller than line", 64, 32, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCustom(L1, Virtual, tc.sets, 8, 4, tc.pageSize)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVirtualSet(t *testing.T) {
	g, err := NewCustom(L1, Virtual, 64, 8, 4, 4096)
	require.NoError(t, err)

	tests := []struct {
		addr uintptr
		want uint32
	}{
		{0, 0},
		{63, 0},   // offset inside the line
		{64, 1},
		{65, 1},
		{63 * 64, 63},
		{64 * 64, 0}, // wraps at the set period
		{65*64 + 7, 1},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%#x", tc.addr), func(t *testing.T) {
			assert.Equal(t, tc.want, g.VirtualSet(tc.addr))
		})
	}
}

func TestGroupSlot(t *testing.T) {
	g, err := NewCustom(L2, Physical, 512, 8, 12, 4096)
	require.NoError(t, err)

	// 512 sets span 8 page groups of 64 slots each; the slot is the set
	// index modulo the group size.
	assert.Equal(t, uint32(6), g.GroupSlot(70*64))
	assert.Equal(t, uint32(0), g.GroupSlot(0))
	assert.Equal(t, uint32(63), g.GroupSlot(63*64))
	assert.Equal(t, uint32(0), g.GroupSlot(4096))
}

type fakeTranslator struct {
	delta uintptr
	err   error
}

func (f fakeTranslator) Translate(v uintptr) (uintptr, error) {
	if f.err != nil {
		return 0, f.err
	}
	return v + f.delta, nil
}

func TestPhysicalSet(t *testing.T) {
	g, err := NewCustom(L2, Physical, 512, 8, 12, 4096)
	require.NoError(t, err)

	// Translation shifts the address by five pages: the page offset is
	// preserved, the page-number bits of the set index move.
	tr := fakeTranslator{delta: 5 * 4096}
	set, err := g.PhysicalSet(0, tr)
	require.NoError(t, err)
	assert.Equal(t, uint32(5*64%512), set)

	set, err = g.PhysicalSet(70*64, tr)
	require.NoError(t, err)
	assert.Equal(t, uint32((5*64+70)%512), set)

	_, err = g.PhysicalSet(0, fakeTranslator{err: ErrTranslationUnavailable})
	require.ErrorIs(t, err, ErrTranslationUnavailable)
}

func TestSetIndex(t *testing.T) {
	gv, err := NewCustom(L1, Virtual, 64, 8, 4, 4096)
	require.NoError(t, err)
	set, err := gv.SetIndex(3*64, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), set)

	gp, err := NewCustom(L2, Physical, 512, 8, 12, 4096)
	require.NoError(t, err)
	set, err = gp.SetIndex(3*64, fakeTranslator{delta: 4096})
	require.NoError(t, err)
	assert.Equal(t, uint32(64+3), set)
}

func TestCanTranslate(t *testing.T) {
	assert.False(t, CanTranslate(nil))
	assert.False(t, CanTranslate(fakeTranslator{err: errors.New("denied")}))
	assert.True(t, CanTranslate(fakeTranslator{}))
}
