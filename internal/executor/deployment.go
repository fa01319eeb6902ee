package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"jobsengine/internal/job"
)

// DeploymentConfig is the payload of a deployment job.
type DeploymentConfig struct {
	TemplateURL string            `json:"templateUrl"`
	Variables   map[string]string `json:"variables,omitempty"`
	Namespace   string            `json:"namespace,omitempty"`
}

// ResourceApplier is the narrow interface to whatever renders and applies
// cluster resources. Rendering and the cluster API are external
// collaborators; the executor only sequences them.
type ResourceApplier interface {
	// Render fetches the template and substitutes variables, returning the
	// manifests to apply.
	Render(ctx context.Context, templateURL string, variables map[string]string) ([]string, error)
	// Apply submits one manifest to the cluster.
	Apply(ctx context.Context, namespace, manifest string) (name string, err error)
	// WaitReady blocks until the applied resource reports ready.
	WaitReady(ctx context.Context, namespace, name string) error
}

// Deployment executes deployment jobs by rendering an application template
// and applying its resources in order.
type Deployment struct {
	applier ResourceApplier
}

// NewDeployment creates a deployment executor.
func NewDeployment(applier ResourceApplier) *Deployment {
	return &Deployment{applier: applier}
}

// Execute implements Executor.
func (d *Deployment) Execute(ctx context.Context, j *job.Job, sink Sink) (string, error) {
	var cfg DeploymentConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return "", fmt.Errorf("decode deployment config: %w", err)
	}
	if cfg.TemplateURL == "" {
		return "", fmt.Errorf("deployment config has no templateUrl")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	sink.Task(ctx, job.LogTaskStart, "render", 0, "rendering template "+cfg.TemplateURL)
	manifests, err := d.applier.Render(ctx, cfg.TemplateURL, cfg.Variables)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	sink.Task(ctx, job.LogTaskResult, "render", 0, fmt.Sprintf("rendered %d manifests", len(manifests)))

	var applied []string
	for i, manifest := range manifests {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		taskIndex := i + 1
		sink.Task(ctx, job.LogTaskStart, "apply", taskIndex, fmt.Sprintf("applying manifest %d/%d", taskIndex, len(manifests)))
		name, err := d.applier.Apply(ctx, cfg.Namespace, manifest)
		if err != nil {
			return "", fmt.Errorf("apply manifest %d: %w", taskIndex, err)
		}
		applied = append(applied, name)
		sink.Task(ctx, job.LogTaskResult, "apply", taskIndex, "applied "+name)
	}

	waitIndex := len(manifests) + 1
	sink.Task(ctx, job.LogTaskStart, "rollout", waitIndex, "waiting for resources to become ready")
	for _, name := range applied {
		if err := d.applier.WaitReady(ctx, cfg.Namespace, name); err != nil {
			return "", fmt.Errorf("wait for %s: %w", name, err)
		}
		sink.Log(ctx, job.LogInfo, name+" ready")
	}
	sink.Task(ctx, job.LogTaskResult, "rollout", waitIndex, "all resources ready")

	return fmt.Sprintf("deployed %d resources to %s", len(applied), cfg.Namespace), nil
}
