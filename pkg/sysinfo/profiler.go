// Package sysinfo measures host resources and derives the optimization
// level and tuning parameters consumed by the installation phases.
package sysinfo

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

// Level is a coarse resource tier derived from the host profile.
type Level string

const (
	// LevelLow is the floor tier; it is always reachable regardless of
	// how little the host offers.
	LevelLow Level = "low"

	// LevelStandard is the balanced tier.
	LevelStandard Level = "standard"

	// LevelHigh is the maximum tier.
	LevelHigh Level = "high"
)

// Rank returns the ordering of a level; higher rank means more resources.
func (l Level) Rank() int {
	switch l {
	case LevelHigh:
		return 2
	case LevelStandard:
		return 1
	default:
		return 0
	}
}

// Validate checks if the level is one of the known tiers.
func (l Level) Validate() error {
	switch l {
	case LevelLow, LevelStandard, LevelHigh:
		return nil
	default:
		return fmt.Errorf("invalid optimization level: %s", l)
	}
}

// Profile is an immutable snapshot of measured host resources.
type Profile struct {
	// CPUCores is the number of logical CPU cores.
	CPUCores int `json:"cpu_cores"`

	// MemoryGB is the total system memory in gigabytes.
	MemoryGB float64 `json:"memory_gb"`

	// DiskFreeGB is the free disk space in gigabytes at the install root.
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// Tuning holds the parameters derived from a profile and level. They are
// opaque inputs to the phases; this package does not interpret them further.
type Tuning struct {
	// ThreadPoolSize bounds worker pools used for phase-internal parallelism.
	ThreadPoolSize int `json:"thread_pool_size"`

	// CompressionLevel is the gzip level used for backup archives.
	CompressionLevel int `json:"compression_level"`

	// KEMVariant names the key-encapsulation parameter set for downstream
	// cryptographic collaborators.
	KEMVariant string `json:"kem_variant"`

	// ShardCount is the number of secret shares to generate.
	ShardCount int `json:"shard_count"`

	// ThresholdCount is the number of shares required for reconstruction.
	ThresholdCount int `json:"threshold_count"`

	// ParallelAllowed gates phase-internal parallelism.
	ParallelAllowed bool `json:"parallel_allowed"`
}

// levelRequirements is the ordered qualification table, highest tier first.
// A profile qualifies for a tier only if it meets all three thresholds.
var levelRequirements = []struct {
	level   Level
	cores   int
	memGB   float64
	diskGB  float64
}{
	{LevelHigh, 8, 8, 50},
	{LevelStandard, 4, 4, 30},
	{LevelLow, 2, 2, 20},
}

// Profiler measures local host resources.
type Profiler struct {
	log *telemetry.Logger

	// root is the directory probed for free disk space.
	root string

	// procRoot allows tests to point at a fake /proc tree.
	procRoot string
}

// NewProfiler creates a profiler that probes free space under root.
func NewProfiler(root string, log *telemetry.Logger) *Profiler {
	return &Profiler{
		log:      log.NewComponentLogger("sysinfo"),
		root:     root,
		procRoot: "/proc",
	}
}

// Scan measures CPU, memory, and free disk. It is a pure measurement and
// never fails: any unreadable metric falls back to a conservative default
// of 1 core / 1 GB / 1 GB with a warning.
func (p *Profiler) Scan() Profile {
	profile := Profile{CPUCores: 1, MemoryGB: 1, DiskFreeGB: 1}

	if cores, err := p.readCPUCores(); err != nil {
		p.log.WithError(err).Warn("Could not read CPU core count, assuming 1 core")
	} else {
		profile.CPUCores = cores
	}

	if memGB, err := p.readMemoryGB(); err != nil {
		p.log.WithError(err).Warn("Could not read memory size, assuming 1 GB")
	} else {
		profile.MemoryGB = memGB
	}

	if freeGB, err := p.readDiskFreeGB(); err != nil {
		p.log.WithError(err).Warn("Could not read free disk space, assuming 1 GB")
	} else {
		profile.DiskFreeGB = freeGB
	}

	p.log.Infof("Host profile: %d cores, %.1f GB memory, %.1f GB free disk",
		profile.CPUCores, profile.MemoryGB, profile.DiskFreeGB)

	return profile
}

// readCPUCores counts processor entries in /proc/cpuinfo, falling back to
// the runtime's view when the file is unreadable.
func (p *Profiler) readCPUCores() (int, error) {
	data, err := os.ReadFile(p.procRoot + "/cpuinfo")
	if err != nil {
		if n := runtime.NumCPU(); n > 0 {
			return n, nil
		}
		return 0, err
	}

	cores := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "processor") {
			cores++
		}
	}
	if cores == 0 {
		return 0, fmt.Errorf("no processor entries in cpuinfo")
	}
	return cores, nil
}

// readMemoryGB parses MemTotal from /proc/meminfo.
func (p *Profiler) readMemoryGB() (float64, error) {
	data, err := os.ReadFile(p.procRoot + "/meminfo")
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed MemTotal: %w", err)
		}
		return float64(kb) / (1024 * 1024), nil
	}

	return 0, fmt.Errorf("MemTotal not found in meminfo")
}

// readDiskFreeGB reports the free space of the filesystem holding root.
func (p *Profiler) readDiskFreeGB() (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.root, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", p.root, err)
	}
	free := float64(stat.Bavail) * float64(stat.Bsize)
	return free / (1024 * 1024 * 1024), nil
}

// DetermineLevel evaluates a profile against the ordered qualification
// table and returns the highest tier for which all thresholds are met.
// LevelLow is the floor: it is returned even below its own thresholds.
func DetermineLevel(p Profile) Level {
	for _, req := range levelRequirements {
		if p.CPUCores >= req.cores && p.MemoryGB >= req.memGB && p.DiskFreeGB >= req.diskGB {
			return req.level
		}
	}
	return LevelLow
}

// Reconcile resolves the user-requested level against the detected one.
// The effective level is never upgraded: requesting more than the host
// qualifies for downgrades to the detected level with a warning.
func Reconcile(requested, detected Level, log *telemetry.Logger) Level {
	if requested.Rank() > detected.Rank() {
		log.Warnf("Requested optimization level %q is too high for this system, downgrading to %q",
			requested, detected)
		return detected
	}
	return requested
}

// DeriveTuning computes the tuning parameters for a profile and effective
// level. The function is deterministic.
func DeriveTuning(p Profile, level Level) Tuning {
	t := Tuning{
		ThreadPoolSize:   clamp(p.CPUCores-1, 2, 8),
		CompressionLevel: 1,
		ParallelAllowed:  p.CPUCores >= 4,
	}

	if p.DiskFreeGB > 20 {
		t.CompressionLevel = 9
	}

	switch level {
	case LevelHigh:
		t.KEMVariant = "kyber-1024"
	case LevelStandard:
		t.KEMVariant = "kyber-768"
	default:
		t.KEMVariant = "kyber-512"
	}

	switch {
	case p.MemoryGB >= 16:
		t.ShardCount, t.ThresholdCount = 7, 4
	case p.MemoryGB >= 8:
		t.ShardCount, t.ThresholdCount = 5, 3
	default:
		t.ShardCount, t.ThresholdCount = 3, 2
	}

	return t
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
