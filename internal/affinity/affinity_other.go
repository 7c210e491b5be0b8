//go:build !linux

package affinity

import (
	"fmt"
	"runtime"
)

// Pin fails on platforms without sched_setaffinity. Callers that can run
// unpinned must opt into that explicitly rather than silently measuring a
// migrating process.
func Pin(core int) error {
	return fmt.Errorf("pin to core %d: not supported on %s", core, runtime.GOOS)
}
