package output

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// Run is a full recorded measurement run. Raw samples compress extremely
// well, so the record is written zstd-compressed.
type Run struct {
	Timestamp   string      `json:"timestamp"`
	MachineInfo MachineInfo `json:"machine_info"`

	Level  string `json:"level"`
	Sets   uint32 `json:"sets"`
	Ways   uint32 `json:"ways"`
	Seed   uint64 `json:"seed"`
	Victim int64  `json:"victim_set"` // -1 when no victim was used

	// Baseline holds probe rounds recorded without any victim access,
	// Samples the rounds with it.
	Baseline [][]uint32 `json:"baseline,omitempty"`
	Samples  [][]uint32 `json:"samples"`
}

// MachineInfo describes the environment a run was recorded on.
type MachineInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	NumCPU      int    `json:"num_cpu"`
	GoVersion   string `json:"go_version"`
	CPUModel    string `json:"cpu_model"`
	Hostname    string `json:"hostname"`
	Kernel      string `json:"kernel"`
	CommandLine string `json:"command_line"`
}

// CollectMachineInfo gathers environment details; fields the OS will not
// report are left empty rather than failing the run.
func CollectMachineInfo() MachineInfo {
	mi := MachineInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		NumCPU:      runtime.NumCPU(),
		GoVersion:   runtime.Version(),
		CommandLine: strings.Join(os.Args, " "),
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		mi.CPUModel = infos[0].ModelName
	}
	if hi, err := host.Info(); err == nil {
		mi.Hostname = hi.Hostname
		mi.Kernel = hi.KernelVersion
	}
	return mi
}

// WriteJSON writes the run as plain indented JSON.
func WriteJSON(filename string, run Run) error {
	run.Timestamp = time.Now().Format(time.RFC3339)

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

// WriteRun writes the run as zstd-compressed JSON.
func WriteRun(filename string, run Run) error {
	run.Timestamp = time.Now().Format(time.RFC3339)

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}

	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadRun loads a run recorded by WriteRun.
func ReadRun(filename string) (Run, error) {
	var run Run

	f, err := os.Open(filename)
	if err != nil {
		return run, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return run, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(&run); err != nil {
		return run, err
	}
	return run, nil
}
