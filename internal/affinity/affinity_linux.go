// Package affinity pins the process to one CPU core. Timing measurements
// are meaningless if the scheduler migrates the process mid-campaign, so a
// failed pin is an error the caller must surface, never ignore.
package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pin restricts the calling process (all threads) to the given core.
func Pin(core int) error {
	if core < 0 {
		return fmt.Errorf("pin to core %d: negative core id", core)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to core %d: %w", core, err)
	}
	return nil
}
