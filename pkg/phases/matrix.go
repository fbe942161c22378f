package phases

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/pqmatrix/pqmatrix/pkg/runner"
)

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// composeTemplate is the deployed stack: Synapse plus its PostgreSQL
// database and the coturn relay.
const composeTemplate = `services:
  postgres:
    image: postgres:16-alpine
    restart: unless-stopped
    environment:
      POSTGRES_USER: synapse
      POSTGRES_PASSWORD: {{ .PostgresPassword }}
      POSTGRES_DB: synapse
      POSTGRES_INITDB_ARGS: --encoding=UTF8 --locale=C
    volumes:
      - postgres-data:/var/lib/postgresql/data

  synapse:
    image: matrixdotorg/synapse:latest
    restart: unless-stopped
    depends_on:
      - postgres
    environment:
      SYNAPSE_SERVER_NAME: {{ .ServerName }}
      SYNAPSE_REPORT_STATS: "no"
    volumes:
      - synapse-data:/data
    ports:
      - "8008:8008"

  coturn:
    image: coturn/coturn:latest
    restart: unless-stopped
    network_mode: host
    command:
      - --use-auth-secret
      - --static-auth-secret={{ .TurnSecret }}
      - --realm={{ .Domain }}

volumes:
  postgres-data:
  synapse-data:
`

type composeParams struct {
	ServerName       string
	Domain           string
	TurnSecret       string
	PostgresPassword string
}

// MatrixPhase renders the compose file and brings the stack up.
type MatrixPhase struct {
	basePhase

	// lookPath allows tests to stub out binary discovery.
	lookPath func(file string) (string, error)

	// wroteCompose marks that this run created the compose file, so
	// rollback knows what to undo.
	wroteCompose bool
}

// NewMatrixPhase creates the phase.
func NewMatrixPhase() *MatrixPhase {
	return &MatrixPhase{
		basePhase: basePhase{
			name:        "matrix",
			description: "Deploy the Synapse, PostgreSQL, and coturn stack",
			required:    true,
		},
		lookPath: exec.LookPath,
	}
}

// CheckPrerequisites requires docker and the TURN secret.
func (p *MatrixPhase) CheckPrerequisites(_ context.Context, env *Env) error {
	if _, err := p.lookPath("docker"); err != nil {
		return fmt.Errorf("docker is not installed")
	}
	if env.Config.GetString("turn.secret", "") == "" {
		return fmt.Errorf("turn.secret is not configured")
	}
	return nil
}

func (p *MatrixPhase) Execute(ctx context.Context, env *Env) Outcome {
	dir := p.stackDir(env)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Fatal(NewIOError("creating stack directory", err))
	}

	params := composeParams{
		ServerName:       env.Config.GetString("matrix_server_name", ""),
		Domain:           env.Config.GetString("matrix_domain", ""),
		TurnSecret:       env.Config.GetString("turn.secret", ""),
		PostgresPassword: env.Config.GetString("postgres.password", ""),
	}
	if params.PostgresPassword == "" {
		// First run: generate the database password once and keep it.
		pw, err := randomHex(16)
		if err != nil {
			return Fatal(NewUnexpectedError("generating database password", err))
		}
		params.PostgresPassword = pw
		if err := env.Config.Set("postgres.password", pw); err != nil {
			return Fatal(NewIOError("persisting database password", err))
		}
	}

	tmpl, err := template.New("compose").Parse(composeTemplate)
	if err != nil {
		return Fatal(NewUnexpectedError("parsing compose template", err))
	}
	f, err := os.OpenFile(p.composePath(env), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return Fatal(NewIOError("writing compose file", err))
	}
	if err := tmpl.Execute(f, params); err != nil {
		_ = f.Close()
		return Fatal(NewIOError("rendering compose file", err))
	}
	if err := f.Close(); err != nil {
		return Fatal(NewIOError("writing compose file", err))
	}
	p.wroteCompose = true

	env.Log.Info("Starting the Matrix stack")
	if _, err := runner.RunOK(ctx, env.Runner, runner.Request{
		Command: "docker",
		Args:    []string{"compose", "up", "-d"},
		WorkDir: dir,
		UseSudo: true,
	}); err != nil {
		return Fatal(NewExecutionError("starting the stack failed", err))
	}
	return Success()
}

// Rollback tears down any containers this run started and removes the
// rendered compose file. Volumes are kept; user data is never deleted here.
func (p *MatrixPhase) Rollback(ctx context.Context, env *Env) error {
	if !p.wroteCompose {
		return nil
	}
	if _, err := env.Runner.Run(ctx, runner.Request{
		Command: "docker",
		Args:    []string{"compose", "down"},
		WorkDir: p.stackDir(env),
		UseSudo: true,
	}); err != nil {
		return fmt.Errorf("stopping the stack: %w", err)
	}
	if err := os.Remove(p.composePath(env)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing compose file: %w", err)
	}
	return nil
}

func (p *MatrixPhase) stackDir(env *Env) string {
	return filepath.Join(env.StateDir, "matrix")
}

func (p *MatrixPhase) composePath(env *Env) string {
	return filepath.Join(p.stackDir(env), "docker-compose.yml")
}
