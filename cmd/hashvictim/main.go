// hashvictim profiles the cache footprint of a memory-walking hash
// workload. In the default solo mode each round primes the attacked cache,
// hashes a buffer with xxh3, and probes every set. The halves also run as
// separate processes: -role victim hashes in a loop until killed, and
// -role spy runs the probe rounds with no workload of its own, picking up
// whatever a victim pinned to the same core does to the cache.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/setprobe/setprobe/internal/affinity"
	"github.com/setprobe/setprobe/internal/evset"
	"github.com/setprobe/setprobe/internal/geometry"
	"github.com/setprobe/setprobe/internal/output"
	"github.com/setprobe/setprobe/internal/pagemap"
	"github.com/setprobe/setprobe/internal/timing"
	"github.com/setprobe/setprobe/internal/workload"
)

var sink uint64

func main() {
	role := flag.String("role", "solo", "solo (hash in-process), victim (hash until killed), spy (probe only)")
	level := flag.Int("level", 1, "Cache level to attack")
	samples := flag.Int("samples", 100, "Number of prime+hash+probe rounds")
	size := flag.Int("size", 4096, "Buffer bytes hashed per round")
	cpu := flag.Int("cpu", 0, "CPU core to pin the process to")
	seed := flag.Uint64("seed", 0, "Ring randomization seed (0 = time-seeded)")
	record := flag.String("record", "", "Record the run to this file (zstd-compressed JSON)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *role != "solo" && *role != "victim" && *role != "spy" {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", *role)
		os.Exit(1)
	}

	if err := affinity.Pin(*cpu); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rng := workload.NewRNG(*seed + 1)
	buf := workload.RandBytes(rng, *size)

	if *role == "victim" {
		logrus.WithFields(logrus.Fields{
			"pid":  os.Getpid(),
			"cpu":  *cpu,
			"size": len(buf),
		}).Info("hashing until killed; run the spy on the same core")
		for {
			sink = xxh3.Hash(buf)
		}
	}

	g, err := geometry.Detect(geometry.Level(*level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	timing.WarmUp()

	cfg := evset.Config{Seed: *seed}
	if g.Addressing == geometry.Physical {
		if pm, err := pagemap.Open(); err == nil {
			cfg.Translator = pm
			defer pm.Close()
		}
	}

	st, err := evset.Build(g, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building eviction set: %v\n", err)
		os.Exit(1)
	}
	defer st.Release()

	if *role == "spy" {
		output.Banner(os.Stdout, "%s, spying, %d samples", g, *samples)
	} else {
		output.Banner(os.Stdout, "%s, xxh3 over %d bytes, %d samples", g, len(buf), *samples)
	}

	prime := evset.Prime
	if g.Level == geometry.L2 {
		prime = evset.PrimeRev
	}

	res := make([][]uint32, *samples)
	head := st.Head()
	for i := range res {
		pos := prime(head)
		if *role != "spy" {
			sink = xxh3.Hash(buf)
		}
		head = evset.Probe(g.Ways, pos)
		row := make([]uint32, g.Sets)
		evset.FillPerSet(st, row)
		res[i] = row
	}

	output.PrintResults(os.Stdout, res)

	if *record != "" {
		run := output.Run{
			MachineInfo: output.CollectMachineInfo(),
			Level:       g.Level.String(),
			Sets:        g.Sets,
			Ways:        g.Ways,
			Seed:        *seed,
			Victim:      -1,
			Samples:     res,
		}
		if err := output.WriteRun(*record, run); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording run: %v\n", err)
			os.Exit(1)
		}
	}
}
