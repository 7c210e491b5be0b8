package evset

import (
	"unsafe"

	"github.com/setprobe/setprobe/internal/geometry"
	"github.com/setprobe/setprobe/internal/timing"
)

// Victim is a single cache line known to map to one chosen cache set. It
// is the measurement target: access it, prime and probe the set, and the
// set's probe time tells whether the access evicted the attacker's lines.
type Victim struct {
	g    geometry.Geometry
	set  uint32
	line *Line
	st   *Structure
}

// PrepareVictim allocates a line mapping to the given set. Classification
// goes through the same paths as eviction-set construction, so it works
// on physically indexed caches too; the backing pages that classification
// had to retain are released together with the victim.
func PrepareVictim(g geometry.Geometry, set uint32, cfg Config) (*Victim, error) {
	st, err := BuildSubset(g, []uint32{set}, cfg)
	if err != nil {
		return nil, err
	}
	line := st.head
	// Self-ring the chosen line so a stray traversal cannot wander into
	// the siblings that share its set.
	clInsert(nil, line)
	st.head = line
	return &Victim{g: g, set: set, line: line, st: st}, nil
}

// Set returns the cache set the victim maps to.
func (v *Victim) Set() uint32 { return v.set }

// Addr returns the victim line's address, for diagnostics only.
func (v *Victim) Addr() uintptr { return lineAddr(v.line) }

// Access loads the victim line once, fenced so the load has retired when
// Access returns.
func (v *Victim) Access() {
	timing.Read(v.line.ptr())
	timing.Fence()
}

// AccessUntilCached accesses the victim repeatedly until a timed re-read
// hits in the attacked cache level, up to maxTries. Reports whether the
// line ended up cached. Under heavy noise a single access is not enough,
// the line can be evicted again before the attacker probes.
func (v *Victim) AccessUntilCached(maxTries int) bool {
	for i := 0; i < maxTries; i++ {
		v.Access()
		if timing.IsCached(v.g, v.line.ptr()) {
			return true
		}
	}
	return false
}

// Flush evicts the victim line from the whole hierarchy.
func (v *Victim) Flush() {
	timing.Flush(v.line.ptr())
	timing.Fence()
}

// Time measures one access to the victim line, overhead-corrected.
func (v *Victim) Time() uint32 {
	return timing.AccessDiff(v.line.ptr())
}

// Ptr exposes the line for code that needs the raw pointer, such as
// handing the victim to another goroutine acting as the spy's target.
func (v *Victim) Ptr() unsafe.Pointer { return v.line.ptr() }

// Release frees the victim's backing memory. Safe to call twice.
func (v *Victim) Release() error {
	if v.st == nil {
		return nil
	}
	err := v.st.Release()
	v.st = nil
	return err
}
