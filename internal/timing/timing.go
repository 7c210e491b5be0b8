// Package timing provides serialized cycle-accurate memory access timing.
// On amd64 the primitives are hand-written assembly: the measured access is
// bracketed by a full pipeline serialization (CPUID) before and after, per
// Intel's "How to Benchmark Code Execution Times" guidance, so out-of-order
// execution cannot skew the delta. Other architectures get a monotonic-clock
// fallback that keeps the package buildable and the structural code testable.
package timing

import (
	"unsafe"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"

	"github.com/setprobe/setprobe/internal/geometry"
)

// fallbackFreqHz is used when the OS will not report a CPU frequency.
const fallbackFreqHz = 2_900_000_000

// warmUpSeconds is how long WarmUp spins to let frequency scaling settle.
const warmUpSeconds = 2

// AccessDiff measures one access to p and subtracts the fixed cost of the
// measurement itself.
func AccessDiff(p unsafe.Pointer) uint32 {
	t := AccessTime(p)
	o := Overhead()
	if t < o {
		return 0
	}
	return t - o
}

// IsCached reports whether p currently hits in the cache level described
// by g, judged against its nominal access latency.
func IsCached(g geometry.Geometry, p unsafe.Pointer) bool {
	return AccessDiff(p) <= g.AccessTime
}

// WarmUp spins for roughly two seconds to coax dynamic frequency scaling
// onto a stable operating point, samples the cycle counter a few times to
// shed first-call skew, and serializes once so earlier work has retired.
// This is a deliberate CPU-bound busy-wait, not a sleep, and only a
// heuristic: it cannot pin the frequency.
func WarmUp() {
	freq := cpuFreqHz()
	logrus.WithField("freq_hz", freq).Debug("warming up for measurement")

	for i := uint64(0); i < warmUpSeconds*freq; i++ { //nolint:revive // deliberate spin
	}

	// The first counter reads after a long spin come back slow.
	for i := 0; i < 200; i++ {
		Cycles()
	}

	Serialize()
}

// cpuFreqHz asks the OS for the nominal CPU frequency and falls back to a
// constant when it cannot answer.
func cpuFreqHz() uint64 {
	infos, err := cpu.Info()
	if err != nil || len(infos) == 0 || infos[0].Mhz <= 0 {
		logrus.WithError(err).Debug("cpu frequency unavailable, using fallback")
		return fallbackFreqHz
	}
	return uint64(infos[0].Mhz * 1e6)
}
