// Package evset builds and operates the eviction-set data structure for
// Prime+Probe measurements: a circular doubly-linked list of cache sets,
// each set a circular list of exactly associativity-many 64-byte lines.
//
// Lines live in page-aligned raw memory, never on the Go heap, so their
// addresses are stable and their physical placement is under our control.
// The next/prev links sit at fixed offsets because the assembly chase
// routines walk them directly.
package evset

import (
	"errors"
	"unsafe"

	"github.com/setprobe/setprobe/internal/geometry"
)

var (
	// ErrMalformedEvictionSet reports a broken construction invariant:
	// some set index does not occur exactly associativity times. Fatal;
	// measuring over a malformed structure yields silently-wrong data.
	ErrMalformedEvictionSet = errors.New("malformed eviction set")

	// ErrAllocationFailure reports that page-aligned memory could not be
	// obtained. Fatal.
	ErrAllocationFailure = errors.New("cannot obtain page-aligned memory")
)

// Line states. A line starts unclassified; the unprivileged builder marks
// it classified once its physical set group is identified; ring assembly
// assigns the traversal roles.
const (
	stateUnclassified uint16 = iota
	stateClassified
	stateInterior
	stateFirst
	stateLast
)

// Line is one cache-line-sized node of the eviction-set structure.
//
// Layout is load-bearing: next at offset 0, prev at offset 8, cycles at
// offset 20, total size exactly 64 bytes. The assembly in chase_amd64.s
// hardcodes these offsets.
type Line struct {
	next *Line
	prev *Line

	set    uint16
	state  uint16
	cycles uint32

	_ [40]byte // pad to the hardware line size
}

// Set returns the cache-set index assigned to the line.
func (l *Line) Set() uint32 { return uint32(l.set) }

// Cycles returns the last probe measurement recorded on the line. Only
// meaningful on first-in-set lines after a Probe.
func (l *Line) Cycles() uint32 { return l.cycles }

// Next and Prev expose the ring links for read-only traversal.
func (l *Line) Next() *Line { return l.next }
func (l *Line) Prev() *Line { return l.prev }

func (l *Line) ptr() unsafe.Pointer { return unsafe.Pointer(l) }

func lineAddr(l *Line) uintptr { return uintptr(unsafe.Pointer(l)) }

// lineAt overlays a Line on the i-th line-sized slot of raw memory.
func lineAt(b []byte, i int) *Line {
	return (*Line)(unsafe.Pointer(&b[i*geometry.LineSize]))
}

// pageBase masks the page-offset bits off a line's address.
func pageBase(l *Line, pageSize uint32) uintptr {
	return lineAddr(l) &^ (uintptr(pageSize) - 1)
}

// clInsert links nl into the ring after last. A nil last starts a new
// one-element ring.
func clInsert(last, nl *Line) {
	if last == nil {
		nl.next = nl
		nl.prev = nl
		return
	}
	nl.next = last.next
	nl.prev = last
	last.next.prev = nl
	last.next = nl
}

// clReplace swaps nl into the ring position currently held by old. old
// keeps its (now dangling) links so it can be swapped back.
func clReplace(nl, old *Line) {
	old.next.prev = nl
	old.prev.next = nl
	nl.next = old.next
	nl.prev = old.prev
}

// clRemove unlinks cl from its ring.
func clRemove(cl *Line) {
	if cl.prev != nil {
		cl.prev.next = cl.next
	}
	if cl.next != nil {
		cl.next.prev = cl.prev
	}
}

// ringLen counts the lines reachable from cl.
func ringLen(cl *Line) int {
	if cl == nil {
		return 0
	}
	n := 0
	curr := cl
	for {
		n++
		curr = curr.prev
		if curr == cl {
			return n
		}
	}
}
