package stores

import (
	"context"
	"time"
)

// RunStatus represents the lifecycle state of an installation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing phases.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates every selected phase finished.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run aborted on a required phase.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was interrupted.
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one invocation of the installer.
type Run struct {
	// ID is the unique run identifier (UUID).
	ID string `json:"id"`

	// Mode records how the run was started (install, single-phase).
	Mode string `json:"mode"`

	// OptimizationLevel is the effective level the run executed with.
	OptimizationLevel string `json:"optimization_level"`

	// Status is the current run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished, nil while running.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the failure message for failed runs.
	Error *string `json:"error,omitempty"`
}

// PhaseState mirrors the orchestrator's view of a phase.
type PhaseState string

const (
	PhaseStateSucceeded    PhaseState = "succeeded"
	PhaseStateFailed       PhaseState = "failed"
	PhaseStateSkipped      PhaseState = "skipped"
	PhaseStatePrereqFailed PhaseState = "prereq_failed"
	PhaseStateRolledBack   PhaseState = "rolled_back"
)

// PhaseResult records the outcome of a single phase within a run.
type PhaseResult struct {
	// ID is the unique result identifier (UUID).
	ID string `json:"id"`

	// RunID references the owning run.
	RunID string `json:"run_id"`

	// Phase is the phase name.
	Phase string `json:"phase"`

	// Position is the phase's index in the execution order.
	Position int `json:"position"`

	// State is the terminal state the phase reached.
	State PhaseState `json:"state"`

	// DurationMS is the execution time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Error holds the failure message for failed phases.
	Error *string `json:"error,omitempty"`

	// CreatedAt is when the result was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// EventLevel classifies the severity of an event.
type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Event is a structured log line attached to a run.
type Event struct {
	// ID is auto-assigned on insert.
	ID int64 `json:"id"`

	// RunID references the owning run.
	RunID string `json:"run_id"`

	// Phase names the phase the event belongs to, nil for run-level events.
	Phase *string `json:"phase,omitempty"`

	// Level is the event severity.
	Level EventLevel `json:"level"`

	// Message is the event text.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry is the durable mirror of the file-based audit trail.
type AuditEntry struct {
	// ID is auto-assigned on insert.
	ID int64 `json:"id"`

	// Actor is the OS user that performed the action.
	Actor string `json:"actor"`

	// Outcome is "success" or "failure".
	Outcome string `json:"outcome"`

	// Message describes the action.
	Message string `json:"message"`

	// Timestamp is when the action occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the persistence interface for run history.
type Store interface {
	// Init initializes the store and verifies connectivity.
	Init(ctx context.Context) error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Phase result operations
	CreatePhaseResult(ctx context.Context, result *PhaseResult) error
	ListPhaseResultsByRun(ctx context.Context, runID string) ([]*PhaseResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEventsByRun(ctx context.Context, runID string, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, limit, offset int) ([]*AuditEntry, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
