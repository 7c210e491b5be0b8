//go:build !amd64

package timing

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Fallback primitives for architectures without the assembly bracket.
// Cycle counts degrade to nanoseconds; fences and flushes degrade to
// compiler-level ordering. Good enough to exercise the structural code,
// useless for a real attack.

func AccessTime(p unsafe.Pointer) uint32 {
	start := time.Now()
	atomic.AddUint64((*uint64)(p), 1)
	d := time.Since(start)
	atomic.AddUint64((*uint64)(p), ^uint64(0))
	return uint32(d.Nanoseconds()) + 1
}

func Overhead() uint32 {
	start := time.Now()
	return uint32(time.Since(start).Nanoseconds())
}

func Flush(unsafe.Pointer) {}

func Read(p unsafe.Pointer) {
	atomic.LoadUint64((*uint64)(p))
}

func Touch(p unsafe.Pointer) {
	atomic.AddUint64((*uint64)(p), 1)
}

func Fence() {}

func Serialize() {}

func Cycles() uint32 {
	return uint32(time.Now().UnixNano()) //nolint:gosec // wraparound is fine for a counter
}
