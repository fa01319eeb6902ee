package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"jobsengine/internal/job"
)

// MirrorConfig is the payload of a model mirror job.
type MirrorConfig struct {
	SourceModelID string `json:"sourceModelId"`
	TargetRepo    string `json:"targetRepo"`
	Revision      string `json:"revision,omitempty"`
}

// ModelTransport moves model artifacts between registries. The actual
// transfer mechanics (hub client, object storage) live behind this
// interface; the executor sequences and narrates them.
type ModelTransport interface {
	Pull(ctx context.Context, modelID, revision string, progress func(string)) (digest string, err error)
	Verify(ctx context.Context, digest string) error
	Push(ctx context.Context, targetRepo, digest string, progress func(string)) error
}

// Mirror executes model mirror jobs: pull, verify, push.
type Mirror struct {
	transport ModelTransport
}

// NewMirror creates a model mirror executor.
func NewMirror(transport ModelTransport) *Mirror {
	return &Mirror{transport: transport}
}

// Execute implements Executor.
func (m *Mirror) Execute(ctx context.Context, j *job.Job, sink Sink) (string, error) {
	var cfg MirrorConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return "", fmt.Errorf("decode mirror config: %w", err)
	}
	if cfg.SourceModelID == "" || cfg.TargetRepo == "" {
		return "", fmt.Errorf("mirror config needs sourceModelId and targetRepo")
	}

	progress := func(line string) {
		sink.Log(ctx, job.LogStdout, line)
	}

	sink.Task(ctx, job.LogTaskStart, "pull", 0, "pulling "+cfg.SourceModelID)
	digest, err := m.transport.Pull(ctx, cfg.SourceModelID, cfg.Revision, progress)
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", cfg.SourceModelID, err)
	}
	sink.Task(ctx, job.LogTaskResult, "pull", 0, "pulled "+digest)

	sink.Task(ctx, job.LogTaskStart, "verify", 1, "verifying "+digest)
	if err := m.transport.Verify(ctx, digest); err != nil {
		return "", fmt.Errorf("verify %s: %w", digest, err)
	}
	sink.Task(ctx, job.LogTaskResult, "verify", 1, "checksum ok")

	sink.Task(ctx, job.LogTaskStart, "push", 2, "pushing to "+cfg.TargetRepo)
	if err := m.transport.Push(ctx, cfg.TargetRepo, digest, progress); err != nil {
		return "", fmt.Errorf("push to %s: %w", cfg.TargetRepo, err)
	}
	sink.Task(ctx, job.LogTaskResult, "push", 2, "mirror complete")

	return fmt.Sprintf("mirrored %s to %s", cfg.SourceModelID, cfg.TargetRepo), nil
}
