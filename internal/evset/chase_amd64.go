//go:build amd64

package evset

// Implemented in chase_amd64.s. The pointer chases must not touch any
// memory besides the lines themselves, which rules out writing them in Go.

func primeChase(head *Line) *Line

func primeRevChase(head *Line) *Line

func probeChase(ways uint32, pos *Line) *Line

func probeRingChase(head *Line) uint32
