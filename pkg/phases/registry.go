package phases

import "context"

// basePhase carries the static identity of a phase and provides no-op
// rollback and cleanup for phases that have nothing to undo.
type basePhase struct {
	name        string
	description string
	required    bool
}

func (b basePhase) Name() string        { return b.name }
func (b basePhase) Description() string { return b.description }
func (b basePhase) Required() bool      { return b.required }

func (b basePhase) Rollback(_ context.Context, _ *Env) error { return nil }
func (b basePhase) Cleanup(_ context.Context, _ *Env) error  { return nil }

// DefaultRegistry returns the installation phases in their fixed execution
// order. The order is part of the product contract: every phase may rely on
// the phases before it having run.
func DefaultRegistry() []Phase {
	return []Phase{
		NewPrerequisitesPhase(),
		NewDockerPhase(),
		NewNetworkPhase(),
		NewMatrixPhase(),
		NewSecurityPhase(),
		NewBackupPhase(),
		NewFinalizePhase(),
	}
}
