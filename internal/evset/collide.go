package evset

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/setprobe/setprobe/internal/geometry"
	"github.com/setprobe/setprobe/internal/timing"
)

// Oracle is the timing interface the collision protocol measures through.
// It is a noisy oracle: repeated calls with identical inputs may disagree,
// and the protocol must never assume otherwise. Tests substitute a
// deterministic fake.
type Oracle interface {
	// Read performs one untimed load of the line.
	Read(cl *Line)
	// PrimeRev primes the ring in reverse traversal order.
	PrimeRev(head *Line) *Line
	// ProbeRing measures one full backward traversal of the ring as a
	// single elapsed-cycle value.
	ProbeRing(head *Line) uint32
}

// hwOracle measures against the real hardware.
type hwOracle struct{}

func (hwOracle) Read(cl *Line)               { timing.Read(cl.ptr()) }
func (hwOracle) PrimeRev(head *Line) *Line   { return PrimeRev(head) }
func (hwOracle) ProbeRing(head *Line) uint32 { return ProbeRing(head) }

// collider drives unprivileged classification: grouping candidate lines
// into physical cache sets using only timing collisions.
type collider struct {
	g   geometry.Geometry
	cfg Config
	st  *Structure

	// One candidate ring per page-relative set slot; more than
	// associativity lines of one physical set cannot be cache-resident
	// together, which is the collision signal.
	slotRings []*Line
	slotLens  []uint32

	group    uint32 // next physical group number to assign
	times    []uint32
	deferred [][]byte
}

// allocatePhysUnpriv classifies candidate lines into physical sets with
// Prime+Probe collision detection. Lines of the same page group keep their
// page-relative slot; the protocol only has to tell apart the groups that
// alias onto the same slot across page periods.
func allocatePhysUnpriv(g geometry.Geometry, cfg Config, st *Structure) ([]*Line, error) {
	c := &collider{
		g:         g,
		cfg:       cfg,
		st:        st,
		slotRings: make([]*Line, g.GroupSize),
		slotLens:  make([]uint32, g.GroupSize),
		times:     make([]uint32, cfg.Reps),
	}
	defer func() {
		for _, p := range c.deferred {
			_ = st.alloc.Free(p)
		}
	}()

	lines := make([]*Line, 0, g.Lines)
	groupSize := int(g.GroupSize)
	repeatedCollisions := 0

	for len(lines) < int(g.Lines) {
		// Allocators sometimes settle into returning only even (or only
		// odd) page frames, so after a few back-to-back full-page
		// collisions we allocate a double page to break the pattern.
		size := int(g.PageSize)
		if repeatedCollisions >= 3 {
			size = 2 * int(g.PageSize)
			repeatedCollisions = 0
		}
		page, err := st.alloc.Alloc(size)
		if err != nil {
			return nil, err
		}

		collisions := c.findCollisions(page)

		if collisions == groupSize {
			// Every slot of this page already has its physical set
			// represented in full: use the confirmed collision to name
			// the lines sharing that set.
			repeatedCollisions++
			c.identifySets(lineAt(page, 0), c.slotRings[0], c.slotLens[0])
			c.deferred = append(c.deferred, page)
			continue
		}

		repeatedCollisions = 0
		st.pages = append(st.pages, page)
		for i := 0; i < groupSize; i++ {
			cl := lineAt(page, i)
			slot := cl.Set()
			if c.slotRings[slot] == nil {
				clInsert(nil, cl)
				c.slotRings[slot] = cl
			} else {
				clInsert(c.slotRings[slot].prev, cl)
			}
			c.slotLens[slot]++
			lines = append(lines, cl)
		}
	}

	if err := c.finishIdentifying(); err != nil {
		return nil, err
	}

	c.cfg.Log.WithFields(logrus.Fields{
		"pages":  len(st.pages),
		"groups": c.group,
	}).Debug("unprivileged physical classification complete")

	return lines, nil
}

// findCollisions tags each candidate line of the page with its page
// relative slot and counts how many of them collide with an already-full
// physical set on that slot.
func (c *collider) findCollisions(page []byte) int {
	collisions := 0
	for i := 0; i < int(c.g.GroupSize); i++ {
		cl := lineAt(page, i)
		// The page offset survives translation, so the slot computed
		// from the virtual address is the physical one too.
		slot := c.g.GroupSlot(lineAddr(cl))
		cl.set = uint16(slot)

		// With at most associativity lines on the slot there trivially
		// cannot be a collision yet.
		if c.slotLens[slot] > c.g.Ways &&
			c.hasCollision(cl, c.slotRings[slot], c.slotLens[slot]) {
			collisions++
		}
	}
	return collisions
}

// hasCollision decides whether candidate maps to a physical set that is
// already fully represented in the ring. Every rotation of the ring is
// tried as a starting point, because measured latency depends on where the
// traversal starts (buffering effects). Per rotation: a repeated baseline
// of the untouched ring, then the candidate swapped in for the rotation
// head and re-measured; the rotation votes collision when the averaged
// probe time exceeds the best baseline by the configured gap. The
// candidate is judged colliding when at least ringLen-associativity
// rotations vote yes, which is exactly the margin a full aliased set
// produces and one outlier rotation cannot.
func (c *collider) hasCollision(candidate, ring *Line, ringLen uint32) bool {
	votes := uint32(0)
	head := ring

	for {
		for i := range c.times {
			c.cfg.Oracle.Read(candidate)
			c.cfg.Oracle.PrimeRev(head)
			c.times[i] = c.cfg.Oracle.ProbeRing(head)
		}
		baseline := minU32(c.times)

		clReplace(candidate, head)
		for i := range c.times {
			c.cfg.Oracle.PrimeRev(candidate)
			c.times[i] = c.cfg.Oracle.ProbeRing(candidate)
		}
		if avgU32(c.times) >= float64(baseline)+float64(c.cfg.ProbeGap) {
			votes++
		}
		clReplace(head, candidate)

		head = head.next
		if head == ring {
			break
		}
	}

	return votes >= ringLen-c.g.Ways
}

// identifySets uses a line with a confirmed collision to find which lines
// of the slot ring share its physical set: each unclassified line is
// temporarily swapped out for the colliding line and itself tested as the
// candidate; a positive vote proves same-set membership. Only when exactly
// associativity lines respond is the group considered identified, and all
// lines on the identified pages get their final set index.
func (c *collider) identifySets(colliding, ring *Line, ringLen uint32) {
	if ring == nil {
		return
	}

	identified := make([]*Line, 0, c.g.Ways)
	found := uint32(0)

	curr := ring
	entry := colliding // curr==ring is replaced on the first turn
	for {
		if curr.state != stateClassified {
			clReplace(colliding, curr)
			hit := c.hasCollision(curr, entry, ringLen)
			clReplace(curr, colliding)

			if hit {
				if found < c.g.Ways {
					identified = append(identified, curr)
				}
				found++
			}
		}
		curr = curr.next
		entry = ring
		if curr == ring {
			break
		}
	}

	if found != c.g.Ways {
		// Noise: ambiguous result, try again with a later collision.
		c.cfg.Log.WithFields(logrus.Fields{
			"found": found,
			"want":  c.g.Ways,
		}).Debug("collision identification inconclusive")
		return
	}

	for _, cl := range identified {
		base := pageBase(cl, c.g.PageSize)
		page := c.pageFor(base)
		for j := 0; j < int(c.g.GroupSize); j++ {
			member := lineAt(page, j)
			member.set = uint16(c.group*c.g.GroupSize + c.g.GroupSlot(lineAddr(member)))
			member.state = stateClassified
		}
	}
	c.group++
}

// finishIdentifying keeps allocating fresh candidate pages until every
// page group has been identified, bounded so noise cannot spin it forever.
func (c *collider) finishIdentifying() error {
	attempts := 0
	for c.group < c.g.Groups() {
		if attempts >= c.cfg.MaxIdentifyPages {
			return fmt.Errorf("%w: %d of %d page groups identified after %d extra pages",
				ErrMalformedEvictionSet, c.group, c.g.Groups(), attempts)
		}
		attempts++

		page, err := c.st.alloc.Alloc(int(c.g.PageSize))
		if err != nil {
			return err
		}
		c.deferred = append(c.deferred, page)

		cand := lineAt(page, 0)
		slot := c.g.GroupSlot(lineAddr(cand))
		c.identifySets(cand, c.slotRings[slot], c.slotLens[slot])
	}
	return nil
}

// pageFor maps a page base address back to its allocation unit.
func (c *collider) pageFor(base uintptr) []byte {
	for _, p := range c.st.pages {
		start := lineAddr(lineAt(p, 0))
		if base >= start && base < start+uintptr(len(p)) {
			return p[base-start:]
		}
	}
	// Unreachable for lines that entered the slot rings.
	panic(fmt.Sprintf("evset: no page unit covers %#x", base))
}

func minU32(arr []uint32) uint32 {
	m := arr[0]
	for _, v := range arr[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// avgU32 computes a running mean to dodge overflow on long sample runs.
func avgU32(arr []uint32) float64 {
	avg := 0.0
	for i, v := range arr {
		avg = (float64(i)*avg + float64(v)) / float64(i+1)
	}
	return avg
}
