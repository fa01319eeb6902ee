package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"

	"jobsengine/internal/job"
)

// ImageBuildConfig is the payload of an image build job. Template builds
// carry the base fields; derived builds are materialized against their
// parent before the build starts.
type ImageBuildConfig struct {
	ContextDir string            `json:"contextDir"`
	Dockerfile string            `json:"dockerfile,omitempty"`
	Tag        string            `json:"tag"`
	BuildArgs  map[string]string `json:"buildArgs,omitempty"`
}

// ConfigMaterializer resolves a job's effective config, merging template
// parents into derived builds.
type ConfigMaterializer interface {
	Materialize(ctx context.Context, j *job.Job) (json.RawMessage, error)
}

// ContextArchiver produces the tar stream of a build context directory.
// Kept narrow so tests can feed a canned archive.
type ContextArchiver interface {
	Archive(ctx context.Context, dir string) (io.ReadCloser, error)
}

// ImageBuild executes image build jobs against the Docker daemon and
// streams the daemon's build output into the job log.
type ImageBuild struct {
	client   client.ImageAPIClient
	resolver ConfigMaterializer
	archiver ContextArchiver
}

// NewImageBuild creates an image build executor. The client is typically
// client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()).
func NewImageBuild(cli client.ImageAPIClient, resolver ConfigMaterializer, archiver ContextArchiver) *ImageBuild {
	return &ImageBuild{client: cli, resolver: resolver, archiver: archiver}
}

// Execute implements Executor.
func (b *ImageBuild) Execute(ctx context.Context, j *job.Job, sink Sink) (string, error) {
	raw, err := b.resolver.Materialize(ctx, j)
	if err != nil {
		return "", fmt.Errorf("materialize config: %w", err)
	}
	var cfg ImageBuildConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", fmt.Errorf("decode image build config: %w", err)
	}
	if cfg.Tag == "" {
		return "", fmt.Errorf("image build config has no tag")
	}
	if cfg.Dockerfile == "" {
		cfg.Dockerfile = "Dockerfile"
	}

	sink.Task(ctx, job.LogTaskStart, "context", 0, "archiving build context "+cfg.ContextDir)
	buildContext, err := b.archiver.Archive(ctx, cfg.ContextDir)
	if err != nil {
		return "", fmt.Errorf("archive build context: %w", err)
	}
	defer buildContext.Close()
	sink.Task(ctx, job.LogTaskResult, "context", 0, "build context ready")

	args := make(map[string]*string, len(cfg.BuildArgs))
	for k, v := range cfg.BuildArgs {
		args[k] = &v
	}

	sink.Task(ctx, job.LogTaskStart, "build", 1, "building "+cfg.Tag)
	resp, err := b.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       []string{cfg.Tag},
		Dockerfile: cfg.Dockerfile,
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("start build: %w", err)
	}
	defer resp.Body.Close()

	if err := b.streamBuildOutput(ctx, resp.Body, sink); err != nil {
		return "", err
	}
	sink.Task(ctx, job.LogTaskResult, "build", 1, "image built: "+cfg.Tag)

	return "built image " + cfg.Tag, nil
}

// buildMessage is one JSON line of the daemon's build output stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// streamBuildOutput forwards the daemon's build output line by line. A build
// error arrives in-band as an error message rather than an HTTP failure.
func (b *ImageBuild) streamBuildOutput(ctx context.Context, body io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg buildMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			sink.Log(ctx, job.LogStderr, msg.Error)
			return fmt.Errorf("build failed: %s", msg.Error)
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
			sink.Log(ctx, job.LogStdout, line)
		}
	}
	return scanner.Err()
}
