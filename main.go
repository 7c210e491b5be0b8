// setprobe mounts a Prime+Probe measurement campaign against one cache
// set: it builds an eviction set covering the whole cache, places a victim
// line in the chosen set, and records how long each set takes to probe
// after every victim access. The victim's set stands out in the output.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/setprobe/setprobe/internal/affinity"
	"github.com/setprobe/setprobe/internal/evset"
	"github.com/setprobe/setprobe/internal/geometry"
	"github.com/setprobe/setprobe/internal/output"
	"github.com/setprobe/setprobe/internal/pagemap"
	"github.com/setprobe/setprobe/internal/timing"
)

func main() {
	level := flag.Int("level", 1, "Cache level to attack: 1 (virtually indexed) or 2 (physically indexed)")
	set := flag.Int("set", 0, "Cache set the victim maps to")
	samples := flag.Int("samples", 100, "Number of prime+probe rounds to record")
	cpu := flag.Int("cpu", 0, "CPU core to pin the process to")
	seed := flag.Uint64("seed", 0, "Ring randomization seed (0 = time-seeded)")
	gap := flag.Uint("gap", 0, "Collision threshold in cycles (0 = derived from latency defaults)")
	reps := flag.Int("reps", 0, "Measurement repeats per collision decision (0 = default)")
	record := flag.String("record", "", "Record the run to this file (zstd-compressed JSON)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	g, err := geometry.Detect(geometry.Level(*level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *set < 0 || uint32(*set) >= g.Sets {
		fmt.Fprintf(os.Stderr, "Error: set %d outside [0, %d)\n", *set, g.Sets)
		os.Exit(1)
	}

	if err := affinity.Pin(*cpu); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	timing.WarmUp()

	cfg := evset.Config{
		Seed:     *seed,
		ProbeGap: uint32(*gap),
		Reps:     *reps,
	}
	if g.Addressing == geometry.Physical {
		if pm, err := pagemap.Open(); err == nil {
			cfg.Translator = pm
			defer pm.Close()
		} else {
			logrus.WithError(err).Debug("pagemap unavailable")
		}
	}

	output.Banner(os.Stdout, "%s, set %d, %d samples", g, *set, *samples)

	st, err := evset.Build(g, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building eviction set: %v\n", err)
		os.Exit(1)
	}
	defer st.Release()

	vic, err := evset.PrepareVictim(g, uint32(*set), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing victim: %v\n", err)
		os.Exit(1)
	}
	defer vic.Release()

	output.Linef(os.Stdout, "Baseline, no victim activity:")
	baseline := rounds(st, g, nil, *samples)
	output.PrintResults(os.Stdout, baseline)

	output.Linef(os.Stdout, "Victim accessing set %d each round:", *set)
	res := rounds(st, g, vic, *samples)
	output.PrintResults(os.Stdout, res)

	if *record != "" {
		run := output.Run{
			MachineInfo: output.CollectMachineInfo(),
			Level:       g.Level.String(),
			Sets:        g.Sets,
			Ways:        g.Ways,
			Seed:        *seed,
			Victim:      int64(*set),
			Baseline:    baseline,
			Samples:     res,
		}
		if err := output.WriteRun(*record, run); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording run: %v\n", err)
			os.Exit(1)
		}
		logrus.WithField("file", *record).Info("run recorded")
	}
}

// rounds runs prime+probe rounds over the full structure, touching the
// victim between prime and probe when one is given. Each round re-primes
// from the head the previous probe returned; L2 primes in reverse so the
// prefetcher cannot hide the eviction signal.
func rounds(st *evset.Structure, g geometry.Geometry, vic *evset.Victim, n int) [][]uint32 {
	prime := evset.Prime
	if g.Level == geometry.L2 {
		prime = evset.PrimeRev
	}

	res := make([][]uint32, n)
	head := st.Head()
	for i := range res {
		pos := prime(head)
		if vic != nil {
			vic.Access()
		}
		head = evset.Probe(g.Ways, pos)
		row := make([]uint32, g.Sets)
		evset.FillPerSet(st, row)
		res[i] = row
	}
	return res
}
