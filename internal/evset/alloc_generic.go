//go:build !unix

package evset

import (
	"fmt"
	"os"
	"unsafe"
)

// heapAllocator over-allocates from the Go heap and slices to page
// alignment. The backing arrays are retained so the blocks are never
// collected while lines still point into them.
type heapAllocator struct {
	backing map[uintptr][]byte
}

func (a *heapAllocator) Alloc(size int) ([]byte, error) {
	if a.backing == nil {
		a.backing = make(map[uintptr][]byte)
	}
	align := os.Getpagesize()
	raw := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	b := raw[off : off+size : off+size]
	a.backing[uintptr(unsafe.Pointer(&b[0]))] = raw
	return b, nil
}

func (a *heapAllocator) Free(b []byte) error {
	if b == nil {
		return nil
	}
	key := uintptr(unsafe.Pointer(&b[0]))
	if _, ok := a.backing[key]; !ok {
		return fmt.Errorf("free of unknown block %#x", key)
	}
	delete(a.backing, key)
	return nil
}

func defaultAllocator() Allocator { return &heapAllocator{} }
