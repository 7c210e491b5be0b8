//go:build amd64

package timing

import "unsafe"

// These are implemented in timing_amd64.s. They must stay free of any Go
// control flow on the measured path; the assembly is the measurement.

// AccessTime returns the serialized cycle count of one read-modify access
// to p. CPUID/RDTSC before, RDTSCP/CPUID after.
func AccessTime(p unsafe.Pointer) uint32

// Overhead returns the fixed cost of the AccessTime bracket itself
// (serialize, start timer, stop timer, no memory access).
func Overhead() uint32

// Flush evicts the cache line at p from every cache level.
func Flush(p unsafe.Pointer)

// Read performs one 8-byte load from p without timing it.
func Read(p unsafe.Pointer)

// Touch performs one read-modify-write of the quadword at p.
func Touch(p unsafe.Pointer)

// Fence orders all prior loads and stores (MFENCE).
func Fence()

// Serialize drains the pipeline (CPUID).
func Serialize()

// Cycles reads the low half of the timestamp counter.
func Cycles() uint32
