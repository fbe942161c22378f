// Package runner executes local shell commands on behalf of the
// installation phases, with optional sudo and captured output.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

// Request describes a command to execute.
type Request struct {
	// Command is the binary or, when Args is empty, a shell command line.
	Command string

	// Args are passed verbatim. When empty, Command runs through the shell.
	Args []string

	// Shell is the interpreter for shell command lines. Defaults to /bin/sh.
	Shell string

	// UseSudo runs the command under passwordless sudo.
	UseSudo bool

	// WorkDir sets the working directory.
	WorkDir string

	// Env adds environment variables on top of the inherited environment.
	Env map[string]string

	// Timeout bounds the execution. Zero means no extra bound beyond ctx.
	Timeout time.Duration
}

// Result holds the captured outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. Phases depend on this interface so tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// LocalRunner executes commands on the local host.
type LocalRunner struct {
	log *telemetry.Logger
}

// NewLocalRunner creates a runner for the local host.
func NewLocalRunner(log *telemetry.Logger) *LocalRunner {
	return &LocalRunner{log: log.NewComponentLogger("runner")}
}

// Run executes the request. A non-zero exit code is reported in the Result,
// not as an error; errors are reserved for failures to start the command.
func (r *LocalRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	shell := req.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	switch {
	case req.UseSudo && len(req.Args) > 0:
		cmd = exec.CommandContext(ctx, "sudo", append([]string{req.Command}, req.Args...)...)
	case req.UseSudo:
		cmd = exec.CommandContext(ctx, "sudo", shell, "-c", req.Command)
	case len(req.Args) > 0:
		cmd = exec.CommandContext(ctx, req.Command, req.Args...)
	default:
		cmd = exec.CommandContext(ctx, shell, "-c", req.Command)
	}

	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	if len(req.Env) > 0 {
		env := cmd.Environ()
		for k, v := range req.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debugf("Executing: %s", req.Command)
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute %s: %w", req.Command, err)
		}
	}

	r.log.Debugf("Command %s finished with exit code %d in %s", req.Command, result.ExitCode, duration)
	return result, nil
}

// RunOK executes the request and converts a non-zero exit code into an error
// carrying the captured stderr.
func RunOK(ctx context.Context, r Runner, req Request) (*Result, error) {
	result, err := r.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("%s exited with code %d: %s", req.Command, result.ExitCode, result.Stderr)
	}
	return result, nil
}
