package evset

import (
	"fmt"

	"github.com/setprobe/setprobe/internal/geometry"
)

// Structure is an assembled eviction-set data structure. It exclusively
// owns its lines and the raw memory behind them. Not safe for concurrent
// use: one measurement session, one core, one owner.
type Structure struct {
	geom geometry.Geometry
	head *Line

	// Exactly one of the two is populated. Virtual addressing uses one
	// contiguous block; physical addressing holds individually allocated
	// page units, some shared by lines of several sets.
	block []byte
	pages [][]byte

	alloc    Allocator
	released bool
}

// Head returns the entry line of the global ring, a first-in-set line.
func (s *Structure) Head() *Line { return s.head }

// Geometry returns the cache geometry the structure was built for.
func (s *Structure) Geometry() geometry.Geometry { return s.geom }

// Len counts the lines reachable from the head.
func (s *Structure) Len() int { return ringLen(s.head) }

// Release frees every allocation behind the structure. Safe to call more
// than once; the page inventory is the single ownership record, so no page
// is ever freed twice even when several classified lines share it.
func (s *Structure) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.head = nil

	if s.block != nil {
		b := s.block
		s.block = nil
		if err := s.alloc.Free(b); err != nil {
			return fmt.Errorf("release virtual block: %w", err)
		}
		return nil
	}

	pages := s.pages
	s.pages = nil
	for _, p := range pages {
		if err := s.alloc.Free(p); err != nil {
			return fmt.Errorf("release page unit: %w", err)
		}
	}
	return nil
}

// sanityCheck walks the full ring and verifies that every set index in
// [0, sets) occurs exactly associativity times.
func sanityCheck(g geometry.Geometry, head *Line) error {
	counts := make([]uint32, g.Sets)
	curr := head
	for {
		curr = curr.next
		if uint32(curr.set) >= g.Sets {
			return fmt.Errorf("%w: line carries set %d outside [0, %d)",
				ErrMalformedEvictionSet, curr.set, g.Sets)
		}
		counts[curr.set]++
		if curr == head {
			break
		}
	}
	for set, n := range counts {
		if n != g.Ways {
			return fmt.Errorf("%w: set %d holds %d lines, want %d",
				ErrMalformedEvictionSet, set, n, g.Ways)
		}
	}
	return nil
}

// pageHoldsSet reports whether any line inside the page unit carries one
// of the wanted set indices.
func pageHoldsSet(page []byte, g geometry.Geometry, wanted map[uint32]bool) bool {
	n := len(page) / int(g.LineSize)
	if n > int(g.GroupSize) {
		// Double-page units keep candidate lines only in their first page.
		n = int(g.GroupSize)
	}
	for i := 0; i < n; i++ {
		if wanted[lineAt(page, i).Set()] {
			return true
		}
	}
	return false
}
