package phases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pqmatrix/pqmatrix/pkg/audit"
	"github.com/pqmatrix/pqmatrix/pkg/stores"
	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

// Orchestrator drives an ordered set of phases through their lifecycle.
type Orchestrator struct {
	phases  []Phase
	env     *Env
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// store persists run history. It is optional; a nil store disables
	// persistence and every store failure is non-fatal.
	store stores.Store
}

// Options configures an Orchestrator.
type Options struct {
	Phases  []Phase
	Env     *Env
	Log     *telemetry.Logger
	Metrics *telemetry.Metrics
	Store   stores.Store
}

// NewOrchestrator validates the phase registry and builds an orchestrator.
// Phase names must be unique; the given order is the execution order.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if len(opts.Phases) == 0 {
		return nil, fmt.Errorf("at least one phase is required")
	}
	if opts.Env == nil {
		return nil, fmt.Errorf("environment is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	seen := make(map[string]bool, len(opts.Phases))
	for _, p := range opts.Phases {
		name := normalizeName(p.Name())
		if name == "" {
			return nil, fmt.Errorf("phase with empty name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate phase name: %s", p.Name())
		}
		seen[name] = true
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	}

	return &Orchestrator{
		phases:  opts.Phases,
		env:     opts.Env,
		log:     opts.Log.NewComponentLogger("orchestrator"),
		metrics: metrics,
		store:   opts.Store,
	}, nil
}

// Phases returns the registered phases in execution order.
func (o *Orchestrator) Phases() []Phase {
	out := make([]Phase, len(o.phases))
	copy(out, o.phases)
	return out
}

// Summary is the aggregate result of a run.
type Summary struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Results lists the per-phase outcomes in execution order. Phases
	// after an abort point are absent.
	Results []Result `json:"results"`

	// Duration is the total wall time of the run.
	Duration time.Duration `json:"duration"`

	// Err is the error that aborted the run, nil for completed runs.
	Err error `json:"-"`
}

// Failed reports whether the run aborted.
func (s *Summary) Failed() bool { return s.Err != nil }

// RunAll executes every registered phase in order, honoring the skip set.
// Skip names are matched case-insensitively. The returned Summary is always
// non-nil; the error mirrors Summary.Err.
func (o *Orchestrator) RunAll(ctx context.Context, skip []string) (*Summary, error) {
	skipSet := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipSet[normalizeName(s)] = true
	}
	return o.run(ctx, o.phases, skipSet, "install")
}

// RunSingle executes exactly one phase by name, matched case-insensitively.
// An unknown name returns a config error listing the available phases.
func (o *Orchestrator) RunSingle(ctx context.Context, name string) (*Summary, error) {
	target := normalizeName(name)
	for _, p := range o.phases {
		if normalizeName(p.Name()) == target {
			return o.run(ctx, []Phase{p}, nil, "single-phase")
		}
	}

	names := make([]string, len(o.phases))
	for i, p := range o.phases {
		names[i] = p.Name()
	}
	err := NewConfigError(
		fmt.Sprintf("unknown phase %q, available phases: %s", name, strings.Join(names, ", ")), nil)
	return &Summary{Err: err}, err
}

func (o *Orchestrator) run(ctx context.Context, selected []Phase, skip map[string]bool, mode string) (*Summary, error) {
	runID := uuid.New().String()
	log := o.log.WithRunID(runID)
	summary := &Summary{RunID: runID}

	log.Infof("Starting %s run with %d phases at optimization level %q", mode, len(selected), o.env.Level)
	o.metrics.RecordRunStarted(mode)
	o.env.Audit.Record(audit.OutcomeSuccess, "run %s started (mode=%s, level=%s)", runID, mode, o.env.Level)
	o.persistRunStart(ctx, runID, mode)
	o.appendEvent(ctx, runID, "", stores.EventLevelInfo, "run started (mode=%s, level=%s)", mode, o.env.Level)

	start := time.Now()
	interrupted := false
	for i, p := range selected {
		if skip[normalizeName(p.Name())] {
			log.WithPhase(p.Name()).Info("Phase skipped by filter")
			o.record(ctx, summary, runID, i, Result{Phase: p.Name(), State: StateSkipped})
			o.appendEvent(ctx, runID, p.Name(), stores.EventLevelInfo, "phase skipped by filter")
			continue
		}

		if err := ctx.Err(); err != nil {
			interrupted = true
			summary.Err = NewExecutionError("run interrupted", err)
			break
		}

		result := o.executePhase(ctx, log, runID, p)
		o.record(ctx, summary, runID, i, result)

		if result.Err == nil {
			continue
		}
		if abortErr := o.shouldAbort(p, result); abortErr != nil {
			log.WithPhase(p.Name()).WithError(abortErr).Error("Aborting run")
			summary.Err = abortErr
			break
		}
		log.WithPhase(p.Name()).Warnf("Optional phase failed, continuing: %v", result.Err)
	}
	summary.Duration = time.Since(start)

	status := stores.RunStatusCompleted
	metricStatus := "completed"
	switch {
	case interrupted:
		status = stores.RunStatusCancelled
		metricStatus = "cancelled"
		o.env.Audit.Record(audit.OutcomeFailure, "run %s cancelled", runID)
		o.appendEvent(ctx, runID, "", stores.EventLevelWarn, "run cancelled")
		log.Warnf("Run cancelled after %s", summary.Duration.Round(time.Millisecond))
	case summary.Failed():
		status = stores.RunStatusFailed
		metricStatus = "failed"
		o.env.Audit.Record(audit.OutcomeFailure, "run %s failed: %v", runID, summary.Err)
		o.appendEvent(ctx, runID, "", stores.EventLevelError, "run failed: %v", summary.Err)
		log.WithError(summary.Err).Errorf("Run failed after %s", summary.Duration.Round(time.Millisecond))
	default:
		o.env.Audit.Record(audit.OutcomeSuccess, "run %s completed", runID)
		o.appendEvent(ctx, runID, "", stores.EventLevelInfo, "run completed")
		log.Infof("Run completed in %s", summary.Duration.Round(time.Millisecond))
	}
	o.metrics.RecordRunCompleted(metricStatus, summary.Duration)
	o.persistRunFinish(ctx, runID, status, summary.Err)

	return summary, summary.Err
}

// executePhase walks a single phase through its lifecycle and returns its
// terminal result.
func (o *Orchestrator) executePhase(ctx context.Context, log *telemetry.Logger, runID string, p Phase) Result {
	plog := log.WithPhase(p.Name())

	if err := p.CheckPrerequisites(ctx, o.env); err != nil {
		perr := NewPrereqError("prerequisite not met", err).WithPhase(p.Name())
		plog.WithError(err).Warn("Prerequisite check failed")
		o.env.Audit.Record(audit.OutcomeFailure, "phase %s prerequisite failed: %v", p.Name(), err)
		o.appendEvent(ctx, runID, p.Name(), stores.EventLevelWarn, "prerequisite failed: %v", err)
		o.metrics.RecordError(string(ErrorClassPrereq))
		return Result{Phase: p.Name(), State: StatePrereqFailed, Err: perr}
	}

	plog.Info("Phase started")
	o.env.Audit.Record(audit.OutcomeSuccess, "phase %s started", p.Name())
	o.appendEvent(ctx, runID, p.Name(), stores.EventLevelInfo, "phase started")

	start := time.Now()
	outcome := o.runExecute(ctx, p)
	duration := time.Since(start)

	result := Result{Phase: p.Name(), Duration: duration}
	if outcome.IsSuccess() {
		result.State = StateSucceeded
		plog.Infof("Phase completed in %s", duration.Round(time.Millisecond))
		o.env.Audit.Record(audit.OutcomeSuccess, "phase %s completed in %s", p.Name(), duration.Round(time.Millisecond))
		o.appendEvent(ctx, runID, p.Name(), stores.EventLevelInfo, "phase completed in %s", duration.Round(time.Millisecond))
	} else {
		result.State = StateFailed
		result.fatal = outcome.IsFatal()
		result.Err = o.classify(outcome, p.Name())
		plog.WithError(result.Err).Error("Phase failed")
		o.env.Audit.Record(audit.OutcomeFailure, "phase %s failed: %v", p.Name(), result.Err)
		o.appendEvent(ctx, runID, p.Name(), stores.EventLevelError, "phase failed: %v", result.Err)
		o.metrics.RecordError(string(errClass(result.Err)))

		// Roll back this phase's own partial work, exactly once. Earlier
		// phases keep their results.
		if rerr := p.Rollback(ctx, o.env); rerr != nil {
			plog.WithError(rerr).Warn("Rollback failed")
			o.appendEvent(ctx, runID, p.Name(), stores.EventLevelWarn, "rollback failed: %v", rerr)
		} else {
			result.State = StateRolledBack
			plog.Info("Phase rolled back")
			o.env.Audit.Record(audit.OutcomeSuccess, "phase %s rolled back", p.Name())
			o.appendEvent(ctx, runID, p.Name(), stores.EventLevelInfo, "phase rolled back")
		}
		o.metrics.RecordPhaseRollback(p.Name())
	}

	if cerr := p.Cleanup(ctx, o.env); cerr != nil {
		plog.WithError(cerr).Warn("Cleanup failed")
	}

	o.metrics.RecordPhaseExecution(p.Name(), string(result.State), duration)
	return result
}

// runExecute invokes Execute with panic recovery so a misbehaving phase
// surfaces as a classified fatal outcome instead of crashing the run.
func (o *Orchestrator) runExecute(ctx context.Context, p Phase) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Fatal(NewUnexpectedError(fmt.Sprintf("panic: %v", r), nil))
		}
	}()
	return p.Execute(ctx, o.env)
}

func (o *Orchestrator) classify(outcome Outcome, phase string) error {
	if outcome.IsFatal() {
		if ierr, ok := outcome.Err().(*InstallError); ok {
			if ierr.Phase == "" {
				ierr.Phase = phase
			}
			return ierr
		}
		return NewExecutionError("phase failed", outcome.Err()).WithPhase(phase)
	}
	return NewExecutionError(outcome.Reason(), nil).WithPhase(phase)
}

// shouldAbort decides whether a failed phase ends the run. Fatal outcomes
// and required phases abort; optional recoverable failures do not.
func (o *Orchestrator) shouldAbort(p Phase, result Result) error {
	if p.Required() || result.fatal {
		return result.Err
	}
	return nil
}

func errClass(err error) ErrorClass {
	if e, ok := err.(*InstallError); ok {
		return e.Class
	}
	return ErrorClassUnexpected
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (o *Orchestrator) record(ctx context.Context, summary *Summary, runID string, position int, result Result) {
	summary.Results = append(summary.Results, result)
	if o.store == nil {
		return
	}

	var errMsg *string
	if result.Err != nil {
		msg := result.Err.Error()
		errMsg = &msg
	}
	pr := &stores.PhaseResult{
		ID:         uuid.New().String(),
		RunID:      runID,
		Phase:      result.Phase,
		Position:   position,
		State:      stores.PhaseState(result.State),
		DurationMS: result.Duration.Milliseconds(),
		Error:      errMsg,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.CreatePhaseResult(ctx, pr); err != nil {
		o.log.WithError(err).Warn("Failed to persist phase result")
	}
}

// appendEvent writes one structured run event, best-effort like the rest of
// the history persistence.
func (o *Orchestrator) appendEvent(ctx context.Context, runID, phase string, level stores.EventLevel, format string, args ...any) {
	if o.store == nil {
		return
	}
	ev := &stores.Event{
		RunID:     runID,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}
	if phase != "" {
		ev.Phase = &phase
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		o.log.WithError(err).Warn("Failed to persist run event")
	}
}

func (o *Orchestrator) persistRunStart(ctx context.Context, runID, mode string) {
	if o.store == nil {
		return
	}
	run := &stores.Run{
		ID:                runID,
		Mode:              mode,
		OptimizationLevel: string(o.env.Level),
		Status:            stores.RunStatusRunning,
		StartedAt:         time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.log.WithError(err).Warn("Failed to persist run")
	}
}

func (o *Orchestrator) persistRunFinish(ctx context.Context, runID string, status stores.RunStatus, runErr error) {
	if o.store == nil {
		return
	}
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := o.store.FinishRun(ctx, runID, status, errMsg); err != nil {
		o.log.WithError(err).Warn("Failed to persist run completion")
	}
}
