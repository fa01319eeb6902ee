package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"jobsengine/internal/job"
)

// VenvConfig is the payload of a venv build job. Derived builds inherit the
// base template's package list via materialization; a child entry pinning a
// package the base already lists replaces the base pin.
type VenvConfig struct {
	Path     string   `json:"path"`
	Python   string   `json:"python,omitempty"`
	Packages []string `json:"packages,omitempty"`
}

// CommandRunner runs one external command and exposes its combined output
// as a stream. The default implementation shells out; tests substitute a
// canned runner.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// ExecRunner is the os/exec backed CommandRunner.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return pr, nil
}

// Venv builds Python virtual environments.
type Venv struct {
	resolver ConfigMaterializer
	runner   CommandRunner
}

// NewVenv creates a venv build executor.
func NewVenv(resolver ConfigMaterializer, runner CommandRunner) *Venv {
	return &Venv{resolver: resolver, runner: runner}
}

// Execute implements Executor.
func (v *Venv) Execute(ctx context.Context, j *job.Job, sink Sink) (string, error) {
	raw, err := v.resolver.Materialize(ctx, j)
	if err != nil {
		return "", fmt.Errorf("materialize config: %w", err)
	}
	var cfg VenvConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", fmt.Errorf("decode venv config: %w", err)
	}
	if cfg.Path == "" {
		return "", fmt.Errorf("venv config has no path")
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}

	sink.Task(ctx, job.LogTaskStart, "create", 0, fmt.Sprintf("creating venv at %s with %s", cfg.Path, cfg.Python))
	if err := v.run(ctx, sink, cfg.Python, "-m", "venv", cfg.Path); err != nil {
		return "", fmt.Errorf("create venv: %w", err)
	}
	sink.Task(ctx, job.LogTaskResult, "create", 0, "venv created")

	if len(cfg.Packages) > 0 {
		sink.Task(ctx, job.LogTaskStart, "install", 1, fmt.Sprintf("installing %d packages", len(cfg.Packages)))
		pip := cfg.Path + "/bin/pip"
		args := append([]string{"install", "--no-input"}, cfg.Packages...)
		if err := v.run(ctx, sink, pip, args...); err != nil {
			return "", fmt.Errorf("install packages: %w", err)
		}
		sink.Task(ctx, job.LogTaskResult, "install", 1, "packages installed")
	}

	return fmt.Sprintf("venv %s ready (%d packages)", cfg.Path, len(cfg.Packages)), nil
}

// run executes one command and streams its output into the job log.
func (v *Venv) run(ctx context.Context, sink Sink, name string, args ...string) error {
	out, err := v.runner.Run(ctx, name, args...)
	if err != nil {
		return err
	}
	defer out.Close()
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Log(ctx, job.LogStdout, scanner.Text())
	}
	return scanner.Err()
}
