// Package phases defines the installation phases and the orchestrator that
// drives them through their prerequisite, execute, rollback, and cleanup
// lifecycle.
package phases

import (
	"context"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/audit"
	"github.com/pqmatrix/pqmatrix/pkg/config"
	"github.com/pqmatrix/pqmatrix/pkg/runner"
	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

// Env bundles the collaborators a phase operates on. It is assembled once
// per run and shared read-only across phases; phases communicate through
// the configuration store, not through Env mutation.
type Env struct {
	// Config is the live configuration store.
	Config *config.Store

	// Profile is the measured host profile for the run.
	Profile sysinfo.Profile

	// Level is the effective optimization level after reconciliation.
	Level sysinfo.Level

	// Tuning holds the derived tuning parameters.
	Tuning sysinfo.Tuning

	// Log is the run-scoped logger.
	Log *telemetry.Logger

	// Runner executes local commands.
	Runner runner.Runner

	// Audit records the human-readable action trail.
	Audit *audit.Trail

	// StateDir is the installer state directory.
	StateDir string

	// NonInteractive disables prompting inside phases.
	NonInteractive bool
}

// outcomeKind discriminates the Outcome variants.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRecoverable
	outcomeFatal
)

// Outcome is the discriminated result of a phase execution. It is one of
// Success, RecoverableFailure, or Fatal; there is no ambiguous in-between.
type Outcome struct {
	kind   outcomeKind
	reason string
	err    error
}

// Success indicates the phase completed its work.
func Success() Outcome {
	return Outcome{kind: outcomeSuccess}
}

// RecoverableFailure indicates the phase failed but the run may continue
// when the phase is optional.
func RecoverableFailure(reason string) Outcome {
	return Outcome{kind: outcomeRecoverable, reason: reason}
}

// Fatal indicates a failure that must abort the run regardless of whether
// the phase is optional.
func Fatal(err error) Outcome {
	return Outcome{kind: outcomeFatal, err: err}
}

// IsSuccess reports whether the outcome is Success.
func (o Outcome) IsSuccess() bool { return o.kind == outcomeSuccess }

// IsRecoverable reports whether the outcome is RecoverableFailure.
func (o Outcome) IsRecoverable() bool { return o.kind == outcomeRecoverable }

// IsFatal reports whether the outcome is Fatal.
func (o Outcome) IsFatal() bool { return o.kind == outcomeFatal }

// Reason returns the failure reason for RecoverableFailure outcomes.
func (o Outcome) Reason() string { return o.reason }

// Err returns the underlying error for Fatal outcomes.
func (o Outcome) Err() error { return o.err }

// Error converts a failed outcome into a classified error, nil for Success.
func (o Outcome) Error() error {
	switch o.kind {
	case outcomeRecoverable:
		return NewExecutionError(o.reason, nil)
	case outcomeFatal:
		return NewExecutionError("phase failed fatally", o.err)
	default:
		return nil
	}
}

// Phase is one unit of installation work.
type Phase interface {
	// Name is the stable, unique phase identifier.
	Name() string

	// Description is a one-line summary for listings.
	Description() string

	// Required reports whether a failure of this phase aborts the run.
	Required() bool

	// CheckPrerequisites verifies the phase can run. A non-nil error means
	// the prerequisite is unmet; the phase is then never entered.
	CheckPrerequisites(ctx context.Context, env *Env) error

	// Execute performs the phase's work.
	Execute(ctx context.Context, env *Env) Outcome

	// Rollback undoes this phase's own partial work after a failed Execute.
	// It is never asked to undo other phases.
	Rollback(ctx context.Context, env *Env) error

	// Cleanup releases transient resources. It runs after Execute whether
	// the phase succeeded or failed.
	Cleanup(ctx context.Context, env *Env) error
}

// State is the terminal (or current) state of a phase within a run.
type State string

const (
	// StatePending means the phase has not been considered yet.
	StatePending State = "pending"

	// StateRunning means Execute is in progress.
	StateRunning State = "running"

	// StateSucceeded means Execute completed successfully.
	StateSucceeded State = "succeeded"

	// StateFailed means Execute failed.
	StateFailed State = "failed"

	// StateSkipped means the phase was excluded by a filter. Only pending
	// phases can be skipped.
	StateSkipped State = "skipped"

	// StatePrereqFailed means the prerequisite check failed and the phase
	// was never entered.
	StatePrereqFailed State = "prereq_failed"

	// StateRolledBack means the phase failed and its rollback ran.
	StateRolledBack State = "rolled_back"
)

// Result records how a single phase fared within a run.
type Result struct {
	// Phase is the phase name.
	Phase string `json:"phase"`

	// State is the terminal state.
	State State `json:"state"`

	// Duration is the wall time spent in Execute, zero for phases that
	// never entered execution.
	Duration time.Duration `json:"duration"`

	// Err is the failure, nil for succeeded and skipped phases.
	Err error `json:"-"`

	// fatal marks failures that abort the run even for optional phases.
	fatal bool
}
