package geometry

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrTranslationUnavailable reports that the OS denied a virtual-to-physical
// translation, or answered with an unmapped/zero frame. Callers fall back to
// the timing-based construction path; this is never fatal on its own.
var ErrTranslationUnavailable = errors.New("address translation unavailable")

// Translator resolves a virtual address of this process to its physical
// address. Implementations return an error wrapping
// ErrTranslationUnavailable when the OS refuses the query.
type Translator interface {
	Translate(vaddr uintptr) (uintptr, error)
}

// VirtualSet maps an address to its set index under virtual indexing.
// Pure arithmetic on the set-selecting address bits; never fails.
func (g Geometry) VirtualSet(p uintptr) uint32 {
	return uint32((p & setMask(g.Sets)) / LineSize)
}

// GroupSlot is the page-relative set slot of an address, i.e. the set index
// modulo the page group size. Identical for virtual and physical indexing
// because the low page-offset bits survive translation.
func (g Geometry) GroupSlot(p uintptr) uint32 {
	return g.VirtualSet(p) % g.GroupSize
}

// PhysicalSet maps an address to its set index under physical indexing,
// translating through tr first.
func (g Geometry) PhysicalSet(p uintptr, tr Translator) (uint32, error) {
	paddr, err := tr.Translate(p)
	if err != nil {
		return 0, fmt.Errorf("classify %#x: %w", p, err)
	}
	return uint32((paddr & setMask(g.Sets)) / LineSize), nil
}

// SetIndex maps an address to its set index according to the geometry's
// addressing mode.
func (g Geometry) SetIndex(p uintptr, tr Translator) (uint32, error) {
	switch g.Addressing {
	case Virtual:
		return g.VirtualSet(p), nil
	case Physical:
		return g.PhysicalSet(p, tr)
	default:
		return 0, fmt.Errorf("geometry: unknown addressing mode %d", g.Addressing)
	}
}

// CanTranslate probes tr with a single translation and reports whether the
// privileged classification path is usable. Run once per session to pick
// the construction strategy.
func CanTranslate(tr Translator) bool {
	if tr == nil {
		return false
	}
	var probe uint64
	_, err := tr.Translate(uintptr(unsafe.Pointer(&probe)))
	return err == nil
}
