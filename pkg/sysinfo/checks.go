package sysinfo

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

// CheckResult is the outcome of a single pre-flight check.
type CheckResult struct {
	// Name identifies the check.
	Name string `json:"name"`

	// Passed indicates whether the check succeeded.
	Passed bool `json:"passed"`

	// Message is a human-readable summary of the outcome.
	Message string `json:"message"`
}

// Checker performs pre-flight system requirement checks before any phase
// is allowed to run.
type Checker struct {
	log      *telemetry.Logger
	profiler *Profiler

	// RequiredPorts are the TCP ports the server stack will bind.
	RequiredPorts []int

	// dial allows tests to stub out network probes.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	// lookPath allows tests to stub out binary discovery.
	lookPath func(file string) (string, error)
}

// NewChecker creates a checker probing the given install root.
func NewChecker(root string, log *telemetry.Logger) *Checker {
	return &Checker{
		log:           log.NewComponentLogger("checks"),
		profiler:      NewProfiler(root, log),
		RequiredPorts: []int{80, 443, 3478, 5349},
		dial:          net.DialTimeout,
		lookPath:      exec.LookPath,
	}
}

// CheckAll runs every pre-flight check and returns the individual results.
// The second return value is true only if all checks passed.
func (c *Checker) CheckAll() ([]CheckResult, bool) {
	profile := c.profiler.Scan()

	results := []CheckResult{
		c.checkOS(),
		c.checkCPU(profile),
		c.checkMemory(profile),
		c.checkDisk(profile),
		c.checkInternet(),
		c.checkDocker(),
		c.checkPorts(),
	}

	ok := true
	for _, r := range results {
		if r.Passed {
			c.log.Infof("check %s: %s", r.Name, r.Message)
		} else {
			c.log.Warnf("check %s failed: %s", r.Name, r.Message)
			ok = false
		}
	}
	return results, ok
}

func (c *Checker) checkOS() CheckResult {
	r := CheckResult{Name: "os"}
	switch runtime.GOOS {
	case "linux":
		r.Passed = true
		r.Message = "linux detected"
	case "darwin":
		// Supported for development only.
		r.Passed = true
		r.Message = "macOS detected, supported for development only"
	default:
		r.Message = fmt.Sprintf("unsupported operating system %q", runtime.GOOS)
	}
	return r
}

func (c *Checker) checkCPU(p Profile) CheckResult {
	r := CheckResult{Name: "cpu"}
	min := levelRequirements[len(levelRequirements)-1].cores
	if p.CPUCores >= min {
		r.Passed = true
		r.Message = fmt.Sprintf("%d cores available (minimum %d)", p.CPUCores, min)
	} else {
		r.Message = fmt.Sprintf("only %d cores available, %d+ required", p.CPUCores, min)
	}
	return r
}

func (c *Checker) checkMemory(p Profile) CheckResult {
	r := CheckResult{Name: "memory"}
	min := levelRequirements[len(levelRequirements)-1].memGB
	if p.MemoryGB >= min {
		r.Passed = true
		r.Message = fmt.Sprintf("%.1f GB available (minimum %.0f GB)", p.MemoryGB, min)
	} else {
		r.Message = fmt.Sprintf("only %.1f GB available, %.0f+ GB required", p.MemoryGB, min)
	}
	return r
}

func (c *Checker) checkDisk(p Profile) CheckResult {
	r := CheckResult{Name: "disk"}
	min := levelRequirements[len(levelRequirements)-1].diskGB
	if p.DiskFreeGB >= min {
		r.Passed = true
		r.Message = fmt.Sprintf("%.1f GB free (minimum %.0f GB)", p.DiskFreeGB, min)
	} else {
		r.Message = fmt.Sprintf("only %.1f GB free, %.0f+ GB required", p.DiskFreeGB, min)
	}
	return r
}

func (c *Checker) checkInternet() CheckResult {
	r := CheckResult{Name: "network"}
	conn, err := c.dial("tcp", "8.8.8.8:53", 3*time.Second)
	if err != nil {
		r.Message = "no internet connection"
		return r
	}
	_ = conn.Close()
	r.Passed = true
	r.Message = "internet connection available"
	return r
}

func (c *Checker) checkDocker() CheckResult {
	r := CheckResult{Name: "docker"}
	if _, err := c.lookPath("docker"); err == nil {
		r.Passed = true
		r.Message = "docker already installed"
		return r
	}

	// Docker can be installed by the container runtime phase as long as a
	// supported package manager is present.
	for _, mgr := range []string{"apt-get", "dnf", "yum"} {
		if _, err := c.lookPath(mgr); err == nil {
			r.Passed = true
			r.Message = fmt.Sprintf("docker not installed, will install via %s", mgr)
			return r
		}
	}

	r.Message = "docker not installed and no supported package manager found"
	return r
}

func (c *Checker) checkPorts() CheckResult {
	r := CheckResult{Name: "ports"}
	var busy []int
	for _, port := range c.RequiredPorts {
		addr := fmt.Sprintf("localhost:%d", port)
		conn, err := c.dial("tcp", addr, time.Second)
		if err == nil {
			// Something is listening.
			_ = conn.Close()
			busy = append(busy, port)
		}
	}
	if len(busy) > 0 {
		r.Message = fmt.Sprintf("ports already in use: %v", busy)
		return r
	}
	r.Passed = true
	r.Message = fmt.Sprintf("all required ports available: %v", c.RequiredPorts)
	return r
}
