package evset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPerSetSums(t *testing.T) {
	sums := PerSetSums([][]uint32{{1, 2, 3}, {4, 5, 6}, {0, 0, 1}})
	assert.Equal(t, []uint64{5, 7, 10}, sums)
}

func TestPerSetSumsEmpty(t *testing.T) {
	assert.Nil(t, PerSetSums(nil))
	assert.Nil(t, PerSetSums([][]uint32{}))
}

func TestPerSetSumsRagged(t *testing.T) {
	sums := PerSetSums([][]uint32{{1, 2}, {3}})
	assert.Equal(t, []uint64{4, 2}, sums)
}
