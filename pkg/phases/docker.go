package phases

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/pqmatrix/pqmatrix/pkg/runner"
)

// DockerPhase ensures a working container runtime: Docker Engine with the
// compose plugin, started and enabled.
type DockerPhase struct {
	basePhase

	// lookPath allows tests to stub out binary discovery.
	lookPath func(file string) (string, error)
}

// NewDockerPhase creates the phase.
func NewDockerPhase() *DockerPhase {
	return &DockerPhase{
		basePhase: basePhase{
			name:        "docker",
			description: "Install and start the Docker container runtime",
			required:    true,
		},
		lookPath: exec.LookPath,
	}
}

// CheckPrerequisites requires either an existing docker binary or a package
// manager that can install one.
func (p *DockerPhase) CheckPrerequisites(_ context.Context, _ *Env) error {
	if _, err := p.lookPath("docker"); err == nil {
		return nil
	}
	for _, mgr := range []string{"apt-get", "dnf", "yum"} {
		if _, err := p.lookPath(mgr); err == nil {
			return nil
		}
	}
	return fmt.Errorf("docker is not installed and no supported package manager was found")
}

func (p *DockerPhase) Execute(ctx context.Context, env *Env) Outcome {
	if _, err := p.lookPath("docker"); err != nil {
		env.Log.Info("Installing Docker Engine")
		if _, err := runner.RunOK(ctx, env.Runner, runner.Request{
			Command: "curl -fsSL https://get.docker.com | sh",
			UseSudo: true,
		}); err != nil {
			return Fatal(NewExecutionError("docker installation failed", err))
		}
	}

	if _, err := runner.RunOK(ctx, env.Runner, runner.Request{
		Command: "systemctl",
		Args:    []string{"enable", "--now", "docker"},
		UseSudo: true,
	}); err != nil {
		return Fatal(NewExecutionError("failed to start docker service", err))
	}

	// The stack is deployed with the compose v2 plugin.
	if _, err := runner.RunOK(ctx, env.Runner, runner.Request{
		Command: "docker",
		Args:    []string{"compose", "version"},
	}); err != nil {
		return Fatal(NewExecutionError("docker compose plugin is not available", err))
	}

	return Success()
}
