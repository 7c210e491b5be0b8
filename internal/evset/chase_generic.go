//go:build !amd64

package evset

import "github.com/setprobe/setprobe/internal/timing"

// Portable traversals. Same shape as the assembly, measured with the
// monotonic-clock fallback, so structural code and tests run anywhere.

func primeChase(head *Line) *Line {
	cl := head
	for {
		timing.Fence()
		cl = cl.next
		if cl == head {
			break
		}
	}
	return head.prev
}

func primeRevChase(head *Line) *Line {
	cl := head
	for {
		timing.Fence()
		cl = cl.prev
		if cl == head {
			break
		}
	}
	return head.prev
}

func probeChase(ways uint32, pos *Line) *Line {
	cl := pos
	for {
		start := timing.Cycles()
		for i := uint32(0); i < ways; i++ {
			cl = cl.prev
		}
		cl.next.cycles = timing.Cycles() - start
		if cl == pos {
			break
		}
	}
	return pos.next
}

func probeRingChase(head *Line) uint32 {
	start := timing.Cycles()
	cl := head
	for {
		cl = cl.prev
		if cl == head {
			break
		}
	}
	return timing.Cycles() - start
}
