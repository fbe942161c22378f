package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
)

// PrerequisitesPhase verifies the host can carry the stack at all: OS,
// resources, connectivity, and port availability.
type PrerequisitesPhase struct {
	basePhase

	// newChecker allows tests to substitute the pre-flight checker.
	newChecker func(env *Env) prereqChecker
}

type prereqChecker interface {
	CheckAll() ([]sysinfo.CheckResult, bool)
}

// NewPrerequisitesPhase creates the phase.
func NewPrerequisitesPhase() *PrerequisitesPhase {
	return &PrerequisitesPhase{
		basePhase: basePhase{
			name:        "prerequisites",
			description: "Verify OS, resources, connectivity, and port availability",
			required:    true,
		},
		newChecker: func(env *Env) prereqChecker {
			return sysinfo.NewChecker(env.StateDir, env.Log)
		},
	}
}

// CheckPrerequisites always passes; this phase is itself the check.
func (p *PrerequisitesPhase) CheckPrerequisites(_ context.Context, _ *Env) error {
	return nil
}

// Execute runs every pre-flight check. Any failure is fatal: nothing later
// in the run can repair a host that fails these.
func (p *PrerequisitesPhase) Execute(_ context.Context, env *Env) Outcome {
	results, ok := p.newChecker(env).CheckAll()
	if ok {
		return Success()
	}

	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s (%s)", r.Name, r.Message))
		}
	}
	return Fatal(NewPrereqError(
		fmt.Sprintf("pre-flight checks failed: %s", strings.Join(failed, "; ")), nil))
}
