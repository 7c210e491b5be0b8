package evset

// Allocator hands out page-aligned, zeroed, already-faulted-in memory.
// The builder frees nothing until a block is provably unreachable from the
// structure; tests substitute a counting allocator to verify that every
// allocation is freed exactly once.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	// Free releases a block previously returned by Alloc, passed back
	// unsliced.
	Free(b []byte) error
}
