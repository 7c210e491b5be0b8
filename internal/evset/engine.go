package evset

import "github.com/setprobe/setprobe/internal/geometry"

// Prime loads every line of the ring in forward order, fenced so the
// walk cannot be reordered, and returns the line preceding head: the
// position a subsequent Probe starts from.
func Prime(head *Line) *Line { return primeChase(head) }

// PrimeRev loads every line in reverse order. Priming and probing in
// opposite directions defeats the stride prefetcher.
func PrimeRev(head *Line) *Line { return primeRevChase(head) }

// Probe walks the ring backward from pos in chunks of ways lines, so each
// chunk traverses exactly one cache set. The timed duration of a chunk is
// recorded on the first-in-set line the chunk ends on; CollectPerSet and
// FillPerSet read it back. Returns the line after pos, which is the ring
// head Prime was called with.
func Probe(ways uint32, pos *Line) *Line { return probeChase(ways, pos) }

// ProbeRing times one full backward traversal of the ring as a single
// value. The collision protocol is built on it.
func ProbeRing(head *Line) uint32 { return probeRingChase(head) }

// SetOrder returns the cache-set indexes in ring traversal order.
func SetOrder(st *Structure) []uint32 {
	var order []uint32
	cl := st.head
	for {
		if cl.state == stateFirst {
			order = append(order, cl.Set())
		}
		cl = cl.next
		if cl == st.head {
			break
		}
	}
	return order
}

// CollectPerSet returns the probe durations recorded by the most recent
// Probe, one per set, in ring traversal order (the order SetOrder
// reports).
func CollectPerSet(st *Structure) []uint32 {
	var res []uint32
	cl := st.head
	for {
		if cl.state == stateFirst {
			res = append(res, cl.cycles)
		}
		cl = cl.next
		if cl == st.head {
			break
		}
	}
	return res
}

// FillPerSet writes each set's recorded probe duration into res indexed
// by set number. Sets absent from the ring leave their slot untouched, so
// subset structures fill only their own entries.
func FillPerSet(st *Structure, res []uint32) {
	cl := st.head
	for {
		if cl.state == stateFirst {
			if s := int(cl.Set()); s < len(res) {
				res[s] = cl.cycles
			}
		}
		cl = cl.next
		if cl == st.head {
			break
		}
	}
}

// PerSetSums accumulates per-set probe durations across sample rows.
// Rows shorter than the first are tolerated; missing entries count zero.
func PerSetSums(samples [][]uint32) []uint64 {
	if len(samples) == 0 {
		return nil
	}
	sums := make([]uint64, len(samples[0]))
	for _, row := range samples {
		for i, v := range row {
			if i < len(sums) {
				sums[i] += uint64(v)
			}
		}
	}
	return sums
}

// ClearCache displaces the attacked cache's contents by walking a scratch
// buffer twice its size. Coarse, but enough to reset state between
// measurement rounds.
func ClearCache(g geometry.Geometry) {
	buf := make([]byte, 2*int(g.Size))
	for i := 0; i < len(buf); i += int(g.LineSize) {
		buf[i]++
	}
}
