package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pqmatrix/pqmatrix/pkg/vault"
)

// SecurityPhase seals the installer's secrets into the sharded vault and
// records the registration shared secret for Synapse.
type SecurityPhase struct {
	basePhase

	// createdVault marks that this run initialized the vault, so rollback
	// knows it may remove it.
	createdVault bool
}

// NewSecurityPhase creates the phase.
func NewSecurityPhase() *SecurityPhase {
	return &SecurityPhase{
		basePhase: basePhase{
			name:        "security",
			description: "Seal secrets into the sharded vault",
			required:    true,
		},
	}
}

// CheckPrerequisites requires the TURN secret to exist; it is the anchor
// secret every deployment has.
func (p *SecurityPhase) CheckPrerequisites(_ context.Context, env *Env) error {
	if env.Config.GetString("turn.secret", "") == "" {
		return fmt.Errorf("turn.secret is not configured")
	}
	return nil
}

func (p *SecurityPhase) Execute(ctx context.Context, env *Env) Outcome {
	v := vault.New(p.vaultDir(env), env.Tuning, env.Log)

	if !v.Initialized() {
		if err := v.Initialize(); err != nil {
			return Fatal(NewIOError("initializing vault", err))
		}
		p.createdVault = true
	}

	regSecret := env.Config.GetString("registration.shared_secret", "")
	if regSecret == "" {
		generated, err := randomHex(32)
		if err != nil {
			return Fatal(NewUnexpectedError("generating registration secret", err))
		}
		regSecret = generated
		if err := env.Config.Set("registration.shared_secret", regSecret); err != nil {
			return Fatal(NewIOError("persisting registration secret", err))
		}
	}

	secrets := map[string]string{
		"turn_secret":         env.Config.GetString("turn.secret", ""),
		"registration_secret": regSecret,
		"postgres_password":   env.Config.GetString("postgres.password", ""),
	}
	if token := env.Config.GetString("cloudflare.api_token", ""); token != "" {
		secrets["cloudflare_api_token"] = token
	}
	for name, value := range secrets {
		if value == "" {
			delete(secrets, name)
		}
	}

	if err := v.SealAll(ctx, secrets); err != nil {
		return Fatal(NewIOError("sealing secrets", err))
	}
	return Success()
}

// Rollback removes the vault only when this run created it. A pre-existing
// vault is never touched.
func (p *SecurityPhase) Rollback(_ context.Context, env *Env) error {
	if !p.createdVault {
		return nil
	}
	if err := os.RemoveAll(p.vaultDir(env)); err != nil {
		return fmt.Errorf("removing vault: %w", err)
	}
	return nil
}

func (p *SecurityPhase) vaultDir(env *Env) string {
	return filepath.Join(env.StateDir, "vault")
}
