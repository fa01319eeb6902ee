// Package executor defines the uniform contract for job bodies and the
// concrete executors for each job kind. The worker pool runs bodies without
// knowing what they do; a body reports its narrative through the sink and
// its outcome through the returned summary and error.
package executor

import (
	"context"
	"fmt"

	"jobsengine/internal/job"
)

// Sink receives the execution narrative of a single job. Implementations
// persist and fan out each entry; emitting never blocks on slow observers.
// Task entries double as pipeline stage markers: a task-start entry moves
// the stage named taskName to running, a task-result entry to succeeded.
type Sink interface {
	Log(ctx context.Context, kind job.LogKind, message string)
	Task(ctx context.Context, kind job.LogKind, taskName string, taskIndex int, message string)
}

// Executor runs the body of one job kind. Execute must honor ctx
// cancellation promptly; a cancelled context means the job is being
// cancelled and the body should stop where it is. On success the returned
// summary becomes the job's closing message.
type Executor interface {
	Execute(ctx context.Context, j *job.Job, sink Sink) (summary string, err error)
}

// Registry maps job kinds to their executors.
type Registry struct {
	executors map[job.Kind]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[job.Kind]Executor)}
}

// Register binds an executor to a kind, replacing any previous binding.
func (r *Registry) Register(kind job.Kind, e Executor) {
	r.executors[kind] = e
}

// Lookup returns the executor for a kind.
func (r *Registry) Lookup(kind job.Kind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %q", kind)
	}
	return e, nil
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, j *job.Job, sink Sink) (string, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, j *job.Job, sink Sink) (string, error) {
	return f(ctx, j, sink)
}
