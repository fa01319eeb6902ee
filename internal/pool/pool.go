// Package pool runs job bodies on a bounded set of execution slots. The
// pool owns the full dispatch path: parent ordering, the pending -> running
// transition, fault isolation, cancellation with a grace period, and the
// terminal bookkeeping (lease release, stream close, child cascade).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/broadcast"
	"jobsengine/internal/executor"
	"jobsengine/internal/job"
	"jobsengine/internal/registry"
	"jobsengine/pkg/backoff"
)

// Store is the slice of the job store the pool depends on.
type Store interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	Transition(ctx context.Context, id string, to job.Status, summary string) (*job.Job, error)
	TransitionStageByName(ctx context.Context, jobID, name string, to job.Status) error
	CloseStages(ctx context.Context, jobID string, terminal job.Status) error
	NonTerminal(ctx context.Context) ([]*job.Job, error)
	PendingChildren(ctx context.Context, parentID string) ([]*job.Job, error)
}

// Notifier receives lifecycle notifications for jobs that asked for them.
type Notifier interface {
	JobStarted(j *job.Job)
	JobFinished(j *job.Job)
}

// MetricsRecorder is an optional hook for pool metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, kind string)
	RecordJobFinished(ctx context.Context, kind string, status string, durationSeconds float64)
	RecordQueueDepth(ctx context.Context, depth int64)
}

// Config holds pool settings.
type Config struct {
	Slots       int           // concurrent execution slots (default 4)
	QueueSize   int           // pending queue capacity (default 128)
	GracePeriod time.Duration // cancellation grace before force-fail (default 30s)
	ParentRetry backoff.Config
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.ParentRetry.Initial == 0 {
		c.ParentRetry = backoff.Config{Initial: 250 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2}
	}
	return c
}

type queueItem struct {
	jobID   string
	attempt int // parent-wait requeue count
}

// Pool is the worker pool.
type Pool struct {
	store     Store
	reg       *registry.Registry
	bcast     *broadcast.Broadcaster
	executors *executor.Registry
	notifier  Notifier
	metrics   MetricsRecorder
	config    Config
	logger    *slog.Logger

	queue    chan queueItem
	sem      *semaphore.Weighted
	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a pool. Call Start to begin dispatching.
func New(store Store, reg *registry.Registry, bcast *broadcast.Broadcaster, executors *executor.Registry, notifier Notifier, metrics MetricsRecorder, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		store:     store,
		reg:       reg,
		bcast:     bcast,
		executors: executors,
		notifier:  notifier,
		metrics:   metrics,
		config:    cfg,
		logger:    slog.With("component", "pool"),
		queue:     make(chan queueItem, cfg.QueueSize),
		sem:       semaphore.NewWeighted(int64(cfg.Slots)),
		shutdown:  make(chan struct{}),
	}
}

// Enqueue queues a pending job for execution. Non-blocking; submissions
// beyond queue capacity are rejected rather than blocking the caller.
func (p *Pool) Enqueue(jobID string) error {
	select {
	case p.queue <- queueItem{jobID: jobID}:
		if p.metrics != nil {
			p.metrics.RecordQueueDepth(context.Background(), int64(len(p.queue)))
		}
		return nil
	default:
		return apperrors.Internal("pool.enqueue", errors.New("pending queue full"))
	}
}

// Start begins the dispatch loop.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool started", "slots", p.config.Slots, "queue", p.config.QueueSize)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.shutdown:
				return
			case item := <-p.queue:
				if err := p.sem.Acquire(ctx, 1); err != nil {
					return
				}
				p.wg.Add(1)
				go func(item queueItem) {
					defer p.wg.Done()
					defer p.sem.Release(1)
					p.dispatch(ctx, item)
				}(item)
			}
		}
	}()
}

// Stop shuts the pool down: the dispatch loop halts and in-flight slots
// get until the context deadline to finish and record their results.
// Bodies are not cancelled here; one that outlives the deadline is failed
// by the next startup's recovery pass.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.shutdown) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// dispatch runs the checks a job must pass before execution, then executes.
func (p *Pool) dispatch(ctx context.Context, item queueItem) {
	// The pool context only stops the dispatch loop. Once a job is on a
	// slot its store writes and terminal bookkeeping must outlive shutdown,
	// or a body finishing during the drain loses its result.
	ctx = context.WithoutCancel(ctx)

	j, err := p.store.Get(ctx, item.jobID)
	if err != nil {
		p.logger.Error("dequeued unknown job", "jobId", item.jobID, "error", err)
		return
	}
	if j.Status != job.StatusPending {
		// Cancelled (or cascade-failed) while waiting in the queue. The
		// winner did the terminal bookkeeping; drop any lease still held
		// under this job so the key does not wedge.
		p.reg.ReleaseJob(j.ID)
		return
	}

	switch state, err := p.reg.ResolveParent(ctx, j.ParentID); {
	case err != nil:
		p.finalize(ctx, j, job.StatusFailed, fmt.Sprintf("parent lookup failed: %v", err))
		return
	case state == registry.ParentWaiting:
		p.requeueLater(item)
		return
	case state == registry.ParentFailed:
		p.finalize(ctx, j, job.StatusFailed, apperrors.ParentFailed(j.ID, j.ParentID).Error())
		return
	}

	p.run(ctx, j)
}

// requeueLater re-queues a child whose parent template is still in flight.
func (p *Pool) requeueLater(item queueItem) {
	item.attempt++
	delay := backoff.Delay(item.attempt, &p.config.ParentRetry)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.shutdown:
		case <-time.After(delay):
			select {
			case p.queue <- item:
			case <-p.shutdown:
			}
		}
	}()
}

// run executes the job body on this slot with fault isolation and the
// cancellation grace period.
func (p *Pool) run(ctx context.Context, j *job.Job) {
	exec, err := p.executors.Lookup(j.Kind)
	if err != nil {
		p.finalize(ctx, j, job.StatusFailed, err.Error())
		return
	}

	running, err := p.store.Transition(ctx, j.ID, job.StatusRunning, "")
	if err != nil {
		// Lost the race with a cancellation; nothing to run.
		p.logger.Info("job not runnable", "jobId", j.ID, "error", err)
		return
	}
	j = running
	if p.metrics != nil {
		p.metrics.RecordJobStarted(ctx, string(j.Kind))
	}
	if p.notifier != nil {
		p.notifier.JobStarted(j)
	}
	p.logger.Info("job running", "jobId", j.ID, "kind", j.Kind, "resourceKey", j.ResourceKey)

	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.reg.TrackCancel(j.ID, cancel)

	sink := newLogSink(p.bcast, p.store, j.ID)

	type result struct {
		summary string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: apperrors.ExecutionFault(j.ID, fmt.Errorf("panic: %v", r))}
			}
		}()
		summary, err := exec.Execute(bodyCtx, j, sink)
		done <- result{summary: summary, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-bodyCtx.Done():
		// Cancellation requested; give the body the grace period to stop.
		select {
		case res = <-done:
		case <-time.After(p.config.GracePeriod):
			sink.Log(ctx, job.LogError, "worker did not stop within the cancellation grace period")
			p.finalize(ctx, j, job.StatusFailed,
				apperrors.Timeout(j.ID, fmt.Sprintf("cancellation timed out after %s", p.config.GracePeriod)).Error())
			return
		}
	}

	switch {
	case res.err == nil:
		p.finalize(ctx, j, job.StatusSucceeded, res.summary)
	case bodyCtx.Err() != nil && errors.Is(res.err, context.Canceled):
		p.finalize(ctx, j, job.StatusCancelled, "cancelled by request")
	default:
		sink.Log(ctx, job.LogError, res.err.Error())
		p.finalize(ctx, j, job.StatusFailed, res.err.Error())
	}
}

// finalize takes a job to a terminal state and performs the bookkeeping
// that must happen exactly once afterwards: lease release, token untrack,
// stream close, child cascade, notification, metrics.
func (p *Pool) finalize(ctx context.Context, j *job.Job, to job.Status, summary string) {
	final, err := p.store.Transition(ctx, j.ID, to, summary)
	if err != nil {
		// Someone else already terminated it (e.g. a pending cancel racing
		// the dispatch loop). The winner does the bookkeeping.
		p.logger.Info("terminal transition lost race", "jobId", j.ID, "to", to, "error", err)
		return
	}
	p.Cleanup(ctx, final)
}

// Cleanup releases transient state for a job that just went terminal and
// cascade-fails its pending children. Also used by the service for pending
// cancellations, which never pass through a pool slot.
func (p *Pool) Cleanup(ctx context.Context, final *job.Job) {
	p.reg.Untrack(final.ID)
	p.reg.ReleaseJob(final.ID)
	p.bcast.Finish(final.ID)

	if p.metrics != nil {
		p.metrics.RecordJobFinished(ctx, string(final.Kind), string(final.Status), final.Duration().Seconds())
	}
	if p.notifier != nil {
		p.notifier.JobFinished(final)
	}
	p.logger.Info("job finished", "jobId", final.ID, "status", final.Status, "summary", final.Summary)

	if final.Status != job.StatusSucceeded {
		if err := p.store.CloseStages(ctx, final.ID, final.Status); err != nil {
			p.logger.Error("closing stages failed", "jobId", final.ID, "error", err)
		}
		p.cascadeChildren(ctx, final.ID)
	}
}

// cascadeChildren fails every pending child of a parent that terminated
// without succeeding. The rule recurses so deeper chains, were they ever
// allowed, would cascade too.
func (p *Pool) cascadeChildren(ctx context.Context, parentID string) {
	children, err := p.store.PendingChildren(ctx, parentID)
	if err != nil {
		p.logger.Error("child cascade lookup failed", "parentId", parentID, "error", err)
		return
	}
	for _, child := range children {
		p.finalize(ctx, child, job.StatusFailed, apperrors.ParentFailed(child.ID, parentID).Error())
	}
}

// Recover rebuilds transient state from the store after a restart: jobs
// found running are failed (they cannot be resumed mid-execution), pending
// jobs are re-leased and re-queued.
func (p *Pool) Recover(ctx context.Context) error {
	jobs, err := p.store.NonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		switch j.Status {
		case job.StatusRunning:
			p.logger.Warn("failing job found running at startup", "jobId", j.ID)
			p.finalize(ctx, j, job.StatusFailed, "orchestrator restarted")
		case job.StatusPending:
			// Failing a running parent above cascade-fails its pending
			// children, so the snapshot row may be stale. Re-read before
			// leasing or a terminal job would hold the key forever.
			current, err := p.store.Get(ctx, j.ID)
			if err != nil {
				p.logger.Error("recovery lookup failed", "jobId", j.ID, "error", err)
				continue
			}
			if current.Status != job.StatusPending {
				continue
			}
			if _, err := p.reg.Acquire(j.Kind, j.ResourceKey, j.ID); err != nil {
				// Two pending jobs on one key cannot happen through the
				// submission path; fail the later one rather than wedge.
				p.finalize(ctx, j, job.StatusFailed, "duplicate pending job for resource key")
				continue
			}
			if err := p.Enqueue(j.ID); err != nil {
				p.finalize(ctx, j, job.StatusFailed, "pending queue full during recovery")
			}
		}
	}
	return nil
}
