package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/runner"
	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
)

// FinalizePhase verifies the deployed stack is healthy and writes the
// installation report.
type FinalizePhase struct {
	basePhase

	// healthURL is probed for Synapse liveness.
	healthURL string

	// httpClient allows tests to substitute a transport.
	httpClient *http.Client
}

// NewFinalizePhase creates the phase.
func NewFinalizePhase() *FinalizePhase {
	return &FinalizePhase{
		basePhase: basePhase{
			name:        "finalize",
			description: "Verify stack health and write the installation report",
			required:    false,
		},
		healthURL:  "http://localhost:8008/health",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// CheckPrerequisites always passes; the phase reports on whatever state the
// run reached.
func (p *FinalizePhase) CheckPrerequisites(_ context.Context, _ *Env) error {
	return nil
}

// installReport is the JSON summary written at the end of a run.
type installReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	ServerName  string          `json:"server_name"`
	Domain      string          `json:"domain"`
	Level       sysinfo.Level   `json:"optimization_level"`
	Profile     sysinfo.Profile `json:"profile"`
	Tuning      sysinfo.Tuning  `json:"tuning"`
	Healthy     bool            `json:"healthy"`
	Containers  string          `json:"containers,omitempty"`
}

func (p *FinalizePhase) Execute(ctx context.Context, env *Env) Outcome {
	report := installReport{
		GeneratedAt: time.Now().UTC(),
		ServerName:  env.Config.GetString("matrix_server_name", ""),
		Domain:      env.Config.GetString("matrix_domain", ""),
		Level:       env.Level,
		Profile:     env.Profile,
		Tuning:      env.Tuning,
		Healthy:     p.checkHealth(ctx),
	}

	if res, err := env.Runner.Run(ctx, runner.Request{
		Command: "docker",
		Args:    []string{"compose", "ps", "--format", "json"},
		WorkDir: filepath.Join(env.StateDir, "matrix"),
	}); err == nil && res.ExitCode == 0 {
		report.Containers = res.Stdout
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Fatal(NewUnexpectedError("encoding installation report", err))
	}
	reportPath := filepath.Join(env.StateDir, "install-report.json")
	if err := os.WriteFile(reportPath, data, 0o600); err != nil {
		return RecoverableFailure(fmt.Sprintf("writing installation report: %v", err))
	}
	env.Log.Infof("Installation report written to %s", reportPath)

	if !report.Healthy {
		return RecoverableFailure("synapse health endpoint did not respond")
	}
	return Success()
}

func (p *FinalizePhase) checkHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
