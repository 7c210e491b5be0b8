// aescbc profiles the cache footprint of AES-CBC encryption. Each round
// primes the attacked cache, encrypts a buffer, and probes every set; the
// sets backing the cipher's tables and round state show elevated probe
// times, which is the signal key-recovery attacks build on.
package main

import (
	"crypto/aes"
	"crypto/cipher"
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
	"github.com/setprobe/setprobe/internal/workload"
)

func main() {
	level := flag.Int("level", 1, "Cache level to attack")
	samples := flag.Int("samples", 100, "Number of prime+encrypt+probe rounds")
	size := flag.Int("size", 1024, "Plaintext bytes encrypted per round")
	cpu := flag.Int("cpu", 0, "CPU core to pin the process to")
	seed := flag.Uint64("seed", 0, "Ring randomization seed (0 = time-seeded)")
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
	if err := affinity.Pin(*cpu); err != nil {
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

	rng := workload.NewRNG(*seed + 1)
	block, err := aes.NewCipher(workload.RandBytes(rng, 32))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	mode := cipher.NewCBCEncrypter(block, workload.RandBytes(rng, aes.BlockSize))

	n := *size - *size%aes.BlockSize
	if n == 0 {
		n = aes.BlockSize
	}
	pt := workload.RandBytes(rng, n)
	ct := make([]byte, n)

	output.Banner(os.Stdout, "%s, AES-CBC over %d bytes, %d samples", g, n, *samples)

	prime := evset.Prime
	if g.Level == geometry.L2 {
		prime = evset.PrimeRev
	}

	res := make([][]uint32, *samples)
	head := st.Head()
	for i := range res {
		pos := prime(head)
		mode.CryptBlocks(ct, pt)
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
