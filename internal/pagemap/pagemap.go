// Package pagemap translates virtual addresses of this process to physical
// addresses by reading the per-process frame map the kernel exposes at
// /proc/self/pagemap. Without CAP_SYS_ADMIN the kernel reports a zero frame
// number, which surfaces as geometry.ErrTranslationUnavailable.
package pagemap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/setprobe/setprobe/internal/geometry"
)

const entrySize = 8

// Entry is one decoded pagemap record.
// Format: https://www.kernel.org/doc/Documentation/vm/pagemap.txt
type Entry struct {
	PFN       uint64 // physical frame number, bits 0-53
	SoftDirty bool   // bit 54
	FilePage  bool   // bit 61
	Swapped   bool   // bit 62
	Present   bool   // bit 63
}

// DecodeEntry unpacks a raw 64-bit pagemap word.
func DecodeEntry(raw uint64) Entry {
	return Entry{
		PFN:       raw & (1<<54 - 1),
		SoftDirty: raw>>54&1 == 1,
		FilePage:  raw>>61&1 == 1,
		Swapped:   raw>>62&1 == 1,
		Present:   raw>>63&1 == 1,
	}
}

// Pagemap implements geometry.Translator over a pagemap file.
type Pagemap struct {
	r        io.ReaderAt
	pageSize uintptr
	closer   io.Closer
}

// Open opens /proc/self/pagemap. The file opens even without privileges;
// translations then fail per address with ErrTranslationUnavailable.
func Open() (*Pagemap, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/pagemap", os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w: %w", geometry.ErrTranslationUnavailable, err)
	}
	return &Pagemap{r: f, pageSize: uintptr(os.Getpagesize()), closer: f}, nil
}

// NewReader builds a Pagemap over an arbitrary entry source, for tests.
func NewReader(r io.ReaderAt, pageSize uintptr) *Pagemap {
	return &Pagemap{r: r, pageSize: pageSize}
}

// Entry reads and decodes the pagemap record covering vaddr.
func (pm *Pagemap) Entry(vaddr uintptr) (Entry, error) {
	vpn := vaddr / pm.pageSize
	var buf [entrySize]byte
	if _, err := pm.r.ReadAt(buf[:], int64(vpn)*entrySize); err != nil {
		return Entry{}, fmt.Errorf("read pagemap entry for %#x: %w: %w",
			vaddr, geometry.ErrTranslationUnavailable, err)
	}
	return DecodeEntry(binary.LittleEndian.Uint64(buf[:])), nil
}

// Translate resolves vaddr to its physical address. A zero frame number is
// ambiguous (unmapped page, or the kernel hiding the frame from an
// unprivileged reader) and is reported as unavailable.
func (pm *Pagemap) Translate(vaddr uintptr) (uintptr, error) {
	e, err := pm.Entry(vaddr)
	if err != nil {
		return 0, err
	}
	if e.PFN == 0 {
		return 0, fmt.Errorf("zero frame for %#x: %w", vaddr, geometry.ErrTranslationUnavailable)
	}
	return uintptr(e.PFN)*pm.pageSize + vaddr%pm.pageSize, nil
}

// Close releases the underlying file, if any.
func (pm *Pagemap) Close() error {
	if pm.closer == nil {
		return nil
	}
	return pm.closer.Close()
}
