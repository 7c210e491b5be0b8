// Package geometry models set-associative CPU caches and maps addresses
// to the cache set they occupy.
package geometry

import (
	"errors"
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// Level identifies a cache level that can be attacked.
type Level int

const (
	L1 Level = iota + 1
	L2
)

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Addressing is the set-indexing mode of a cache level.
type Addressing int

const (
	Virtual Addressing = iota
	Physical
)

func (a Addressing) String() string {
	if a == Virtual {
		return "virtual"
	}
	return "physical"
}

// LineSize is the hardware cache line size in bytes. Fixed on every
// supported microarchitecture.
const LineSize = 64

// DefaultPageSize matches the x86-64 base page size. Geometries built for
// tests may use smaller power-of-two values.
const DefaultPageSize = 4096

// ErrUnsupportedLevel is returned for cache levels this package has no
// parameters for.
var ErrUnsupportedLevel = errors.New("unsupported cache level")

// Geometry is the immutable description of one cache level. Create it via
// New, Detect or NewCustom; it is read-only afterwards.
type Geometry struct {
	Level      Level
	Addressing Addressing

	Sets       uint32
	Ways       uint32
	AccessTime uint32 // nominal hit latency in cycles

	LineSize uint32
	PageSize uint32

	// Derived, always Sets*Ways consistent.
	Lines     uint32 // Sets * Ways
	SetSize   uint32 // Ways * LineSize
	Size      uint32 // Sets * SetSize
	GroupSize uint32 // PageSize / LineSize, lines per page group
}

// Per-level defaults. These mirror a common Intel client part and should be
// tuned to the target machine with NewCustom when they do not fit.
var levelDefaults = map[Level]Geometry{
	L1: {Level: L1, Addressing: Virtual, Sets: 64, Ways: 8, AccessTime: 4},
	L2: {Level: L2, Addressing: Physical, Sets: 512, Ways: 8, AccessTime: 12},
}

// L3AccessTime is the nominal last-level hit latency. It is only used as
// the default collision threshold gap (L3 - L2) and is not attackable.
const L3AccessTime = 30

// New returns the static geometry for the given level.
func New(level Level) (Geometry, error) {
	g, ok := levelDefaults[level]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: %d", ErrUnsupportedLevel, int(level))
	}
	g.LineSize = LineSize
	g.PageSize = DefaultPageSize
	g.derive()
	return g, nil
}

// NewCustom builds a geometry with explicit dimensions. sets, ways and
// pageSize must be powers of two; pageSize must be a multiple of LineSize.
func NewCustom(level Level, addressing Addressing, sets, ways, accessTime, pageSize uint32) (Geometry, error) {
	if sets == 0 || ways == 0 || sets&(sets-1) != 0 {
		return Geometry{}, fmt.Errorf("geometry: sets must be a nonzero power of two, got %d", sets)
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 || pageSize%LineSize != 0 {
		return Geometry{}, fmt.Errorf("geometry: bad page size %d", pageSize)
	}
	g := Geometry{
		Level:      level,
		Addressing: addressing,
		Sets:       sets,
		Ways:       ways,
		AccessTime: accessTime,
		LineSize:   LineSize,
		PageSize:   pageSize,
	}
	g.derive()
	return g, nil
}

// Detect returns the geometry for the given level, refining the static
// set count with the cache sizes the CPU reports via CPUID. Associativity
// and latency stay at their static defaults; CPUID does not expose them
// uniformly.
func Detect(level Level) (Geometry, error) {
	g, err := New(level)
	if err != nil {
		return Geometry{}, err
	}

	var size int
	switch level {
	case L1:
		size = cpuid.CPU.Cache.L1D
	case L2:
		size = cpuid.CPU.Cache.L2
	}
	if size > 0 && uint32(size)%(g.Ways*LineSize) == 0 {
		sets := uint32(size) / (g.Ways * LineSize)
		if sets&(sets-1) == 0 {
			g.Sets = sets
		}
	}
	g.derive()
	return g, nil
}

func (g *Geometry) derive() {
	g.Lines = g.Sets * g.Ways
	g.SetSize = g.Ways * g.LineSize
	g.Size = g.Sets * g.SetSize
	g.GroupSize = g.PageSize / g.LineSize
}

// setMask selects the set-index bits of an address for the given set count.
func setMask(sets uint32) uintptr {
	return (uintptr(sets)*LineSize - 1) &^ (LineSize - 1)
}

// Groups is the number of page groups the cache spans.
func (g Geometry) Groups() uint32 {
	return g.Sets / g.GroupSize
}

func (g Geometry) String() string {
	return fmt.Sprintf("%s %s: %d sets x %d ways, %dB, %d cycle hits",
		g.Level, g.Addressing, g.Sets, g.Ways, g.Size, g.AccessTime)
}
