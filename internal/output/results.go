// Package output renders measurement results for the terminal and records
// full runs to disk for offline analysis.
package output

import (
	"fmt"
	"io"
)

// PrintResults writes one block per sample: a numbered header line, then
// every per-set probe time as a fixed-width column. The layout is stable
// so downstream scripts can parse it.
func PrintResults(w io.Writer, samples [][]uint32) {
	for i, sample := range samples {
		fmt.Fprintf(w, "#### Sample number %d:\n", i)
		for _, v := range sample {
			fmt.Fprintf(w, "%3d ", v)
		}
		fmt.Fprintln(w)
	}
}

// Banner writes a one-line run description.
func Banner(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
	fmt.Fprintln(w)
}

// Linef writes one annotation line in the same `#### ` convention the
// sample headers use, so annotations interleave cleanly with results.
func Linef(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "#### "+format+"\n", args...)
}
