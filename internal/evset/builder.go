package evset

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/setprobe/setprobe/internal/geometry"
	"github.com/setprobe/setprobe/internal/workload"
)

// Config tunes eviction-set construction. The zero value is usable: a
// time-seeded RNG, the mmap allocator, hardware timing, and the default
// collision threshold.
type Config struct {
	// Translator resolves virtual to physical addresses for physically
	// indexed caches. When translation is unavailable (the common
	// unprivileged case) construction falls back to timing-based
	// collision detection; that fallback is not an error.
	Translator geometry.Translator

	// Alloc substitutes the page allocator, mainly for tests.
	Alloc Allocator

	// Seed seeds the ring-randomization RNG; 0 means time-seeded.
	Seed uint64
	// RNG overrides Seed entirely when non-nil.
	RNG *rand.Rand

	// Reps is the measurement repeat count per collision decision.
	Reps int

	// ProbeGap is the collision threshold in cycles: the latency gap
	// between the two cache levels adjacent to the attacked one. It is
	// hardware-specific; the default derives from the static latency
	// table and should be tuned on real targets.
	ProbeGap uint32

	// MaxIdentifyPages caps the extra pages the unprivileged path may
	// burn while finishing group identification. Exceeding it fails the
	// build instead of looping forever.
	MaxIdentifyPages int

	// Oracle substitutes the timing oracle for the collision protocol,
	// for deterministic tests.
	Oracle Oracle

	Log logrus.FieldLogger
}

const defaultReps = 100

func (c Config) withDefaults(g geometry.Geometry) Config {
	if c.Alloc == nil {
		c.Alloc = defaultAllocator()
	}
	if c.RNG == nil {
		seed := c.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		c.RNG = workload.NewRNG(seed)
	}
	if c.Reps == 0 {
		c.Reps = defaultReps
	}
	if c.ProbeGap == 0 && geometry.L3AccessTime > g.AccessTime {
		c.ProbeGap = geometry.L3AccessTime - g.AccessTime
	}
	if c.MaxIdentifyPages == 0 {
		c.MaxIdentifyPages = 64 * int(g.Groups()+1)
	}
	if c.Oracle == nil {
		c.Oracle = hwOracle{}
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}

// Build allocates and assembles the full eviction-set structure for g:
// associativity lines for every set, chained into randomized per-set rings
// that are stitched together in randomized set order.
func Build(g geometry.Geometry, cfg Config) (*Structure, error) {
	cfg = cfg.withDefaults(g)

	st, lines, err := allocate(g, cfg)
	if err != nil {
		return nil, err
	}

	st.head = buildRing(g, cfg.RNG, lines)
	if err := sanityCheck(g, st.head); err != nil {
		_ = st.Release()
		return nil, err
	}
	return st, nil
}

// BuildSubset builds a structure containing only the requested sets, still
// circularly linked among themselves in the requested cyclic order. For
// physical addressing, pages holding no requested line are freed right
// away; a page holding any requested line is retained whole ("free at page
// granularity", never partial reuse).
func BuildSubset(g geometry.Geometry, sets []uint32, cfg Config) (*Structure, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("subset: no sets requested")
	}
	seen := make(map[uint32]bool, len(sets))
	for _, s := range sets {
		if s >= g.Sets {
			return nil, fmt.Errorf("subset: set %d outside [0, %d)", s, g.Sets)
		}
		if seen[s] {
			return nil, fmt.Errorf("subset: set %d requested twice", s)
		}
		seen[s] = true
	}

	st, err := Build(g, cfg)
	if err != nil {
		return nil, err
	}

	firsts := make([]*Line, g.Sets)
	lasts := make([]*Line, g.Sets)
	curr := st.head
	for {
		switch curr.state {
		case stateFirst:
			firsts[curr.set] = curr
		case stateLast:
			lasts[curr.set] = curr
		}
		curr = curr.next
		if curr == st.head {
			break
		}
	}

	// Splice the requested sets into their own ring. In a direct-mapped
	// geometry the single line of a set carries only the first role, so
	// it doubles as the set's tail.
	for i, s := range sets {
		last := lasts[s]
		if last == nil {
			last = firsts[s]
		}
		next := firsts[sets[(i+1)%len(sets)]]
		last.next = next
		next.prev = last
	}
	st.head = firsts[sets[0]]

	if g.Addressing == geometry.Physical {
		kept := st.pages[:0]
		for _, p := range st.pages {
			if pageHoldsSet(p, g, seen) {
				kept = append(kept, p)
				continue
			}
			if err := st.alloc.Free(p); err != nil {
				return nil, fmt.Errorf("subset: free unused page: %w", err)
			}
		}
		st.pages = kept
	}

	return st, nil
}

// allocate obtains the raw lines and classifies each with its set index,
// per the geometry's addressing mode.
func allocate(g geometry.Geometry, cfg Config) (*Structure, []*Line, error) {
	st := &Structure{geom: g, alloc: cfg.Alloc}

	switch g.Addressing {
	case geometry.Virtual:
		lines, err := allocateVirtual(g, st)
		return st, lines, maybeRelease(st, err)

	case geometry.Physical:
		if g.Sets%g.GroupSize != 0 {
			return nil, nil, fmt.Errorf("physical geometry: %d sets not a multiple of the %d-line page group",
				g.Sets, g.GroupSize)
		}
		if geometry.CanTranslate(cfg.Translator) {
			lines, err := allocatePhysPriv(g, cfg, st)
			return st, lines, maybeRelease(st, err)
		}
		cfg.Log.WithField("level", g.Level).Info(
			"address translation unavailable, classifying sets by timing collisions")
		lines, err := allocatePhysUnpriv(g, cfg, st)
		return st, lines, maybeRelease(st, err)

	default:
		return nil, nil, fmt.Errorf("unknown addressing mode %d", g.Addressing)
	}
}

func maybeRelease(st *Structure, err error) error {
	if err != nil {
		_ = st.Release()
	}
	return err
}

// allocateVirtual grabs one contiguous page-aligned block; under virtual
// indexing the set of each line follows directly from its address bits.
func allocateVirtual(g geometry.Geometry, st *Structure) ([]*Line, error) {
	size := int(g.Size)
	if ps := int(g.PageSize); size%ps != 0 {
		size += ps - size%ps
	}
	block, err := st.alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	st.block = block

	lines := make([]*Line, g.Lines)
	for i := range lines {
		cl := lineAt(block, i)
		cl.set = uint16(g.VirtualSet(lineAddr(cl)))
		lines[i] = cl
	}
	return lines, nil
}

// allocatePhysPriv fills the per-set quotas by allocating one page group at
// a time and classifying every line through the translator. A group is
// accepted only if none of its lines lands in an already-full set;
// rejected groups are queued and freed in one sweep at the end, never
// touched again before that.
func allocatePhysPriv(g geometry.Geometry, cfg Config, st *Structure) ([]*Line, error) {
	group := int(g.GroupSize)
	counts := make([]uint32, g.Sets)
	sets := make([]uint32, group)
	lines := make([]*Line, 0, g.Lines)

	var deferred [][]byte
	defer func() {
		for _, p := range deferred {
			_ = st.alloc.Free(p)
		}
	}()

	maxRejects := 64 * int(g.Sets)

	for len(lines) < int(g.Lines) {
		page, err := st.alloc.Alloc(int(g.PageSize))
		if err != nil {
			return nil, err
		}

		accept := true
		for i := 0; i < group; i++ {
			set, err := g.PhysicalSet(lineAddr(lineAt(page, i)), cfg.Translator)
			if err != nil {
				deferred = append(deferred, page)
				return nil, fmt.Errorf("classify candidate page: %w", err)
			}
			sets[i] = set
			if counts[set] >= g.Ways {
				accept = false
			}
		}

		if !accept {
			deferred = append(deferred, page)
			if len(deferred) > maxRejects {
				return nil, fmt.Errorf("%w: sets still unfilled after %d rejected page groups",
					ErrMalformedEvictionSet, maxRejects)
			}
			continue
		}

		st.pages = append(st.pages, page)
		for i := 0; i < group; i++ {
			cl := lineAt(page, i)
			cl.set = uint16(sets[i])
			counts[sets[i]]++
			lines = append(lines, cl)
		}
	}

	cfg.Log.WithFields(logrus.Fields{
		"pages":    len(st.pages),
		"rejected": len(deferred),
	}).Debug("privileged physical allocation complete")

	return lines, nil
}

// buildRing assembles the randomized structure: per-set rings from a
// Fisher-Yates permutation of each set's lines, stitched together in a
// uniformly random set order so traversal never follows a fixed, learnable
// pattern and consecutive accesses spread across unrelated regions.
func buildRing(g geometry.Geometry, rng *rand.Rand, lines []*Line) *Line {
	ways := int(g.Ways)

	sorted := make([]*Line, len(lines))
	fill := make([]uint32, g.Sets)
	for _, cl := range lines {
		off := uint32(cl.set)*g.Ways + fill[cl.set]
		sorted[off] = cl
		fill[cl.set]++
	}

	for set := 0; set < int(g.Sets); set++ {
		randomizeSetRing(rng, sorted[set*ways:(set+1)*ways])
	}

	order := workload.Indices(rng, int(g.Sets))
	curr := sorted[order[0]*g.Ways].prev
	for i := 0; i < int(g.Sets); i++ {
		next := sorted[order[(i+1)%len(order)]*g.Ways]
		nextTail := next.prev
		curr.next = next
		next.prev = curr
		curr = nextTail
	}

	return sorted[order[0]*g.Ways]
}

// randomizeSetRing links one set's lines into a ring following a random
// permutation. arr[0] stays the designated head: it gets the first role,
// its ring predecessor the last role.
func randomizeSetRing(rng *rand.Rand, arr []*Line) {
	perm := workload.Indices(rng, len(arr))

	for i := range arr {
		curr := arr[perm[i]]
		curr.next = arr[perm[(i+1)%len(arr)]]
		curr.prev = arr[perm[(len(arr)-1+i)%len(arr)]]
		curr.cycles = 0
		curr.state = stateInterior
	}

	arr[0].prev.state = stateLast
	arr[0].state = stateFirst
}
