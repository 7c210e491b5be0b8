// Package workload generates the randomized inputs the attack consumes:
// uniform permutations for eviction-set ring layout and random bytes for
// synthetic victim data.
package workload

import "math/rand/v2"

// NewRNG returns a seeded PCG source. The same seed reproduces the same
// ring layout, which matters when comparing measurement campaigns.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

// Perm shuffles arr in place with a Fisher-Yates pass.
func Perm(rng *rand.Rand, arr []uint32) {
	for i := len(arr) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		arr[i], arr[j] = arr[j], arr[i]
	}
}

// Indices returns a uniform random permutation of 0, 1, ..., n-1.
func Indices(rng *rand.Rand, n int) []uint32 {
	arr := make([]uint32, n)
	for i := range arr {
		arr[i] = uint32(i)
	}
	Perm(rng, arr)
	return arr
}

// RandBytes fills a fresh slice of length n with random bytes.
func RandBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return b
}
