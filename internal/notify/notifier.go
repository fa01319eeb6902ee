// Package notify delivers job lifecycle webhooks. Delivery is asynchronous:
// events are queued in a bounded buffer and sent by a small worker pool with
// retries, exponential backoff and a per-host circuit breaker. A full buffer
// drops the event rather than stalling the orchestrator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"jobsengine/internal/job"
	"jobsengine/pkg/backoff"
	"jobsengine/pkg/circuitbreaker"
	"jobsengine/pkg/cloudevent"
)

// Event types for job lifecycle webhooks.
const (
	EventJobStarted   = "jobs.job.started"
	EventJobCompleted = "jobs.job.completed"
)

const (
	maxRetries       = 3
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// event is one queued delivery.
type event struct {
	payload     *cloudevent.CloudEvent
	destination string
}

// MetricsRecorder is an optional hook for delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
}

// Stats holds notifier counters.
type Stats struct {
	QueueDepth int
	Queued     int64
	Delivered  int64
	Failed     int64
	Dropped    int64
}

// Notifier is the async webhook sender. It satisfies the pool's Notifier
// interface.
type Notifier struct {
	queue      chan *event
	sender     *cloudevent.Sender
	breakers   *circuitbreaker.Registry
	signingKey string
	source     string
	logger     *slog.Logger
	metrics    MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a notifier and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	n := &Notifier{
		queue:  make(chan *event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: breakerThreshold,
			Cooldown:  breakerCooldown,
		}),
		signingKey: cfg.SigningKey,
		source:     cfg.Source,
		logger:     slog.With("component", "notify"),
		metrics:    metrics,
		shutdown:   make(chan struct{}),
	}
	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	n.logger.Info("notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// JobStarted implements the pool's notifier hook.
func (n *Notifier) JobStarted(j *job.Job) {
	if j.CallbackURL == "" {
		return
	}
	n.enqueue(j.CallbackURL, n.build(EventJobStarted, j, map[string]any{
		"jobId":       j.ID,
		"kind":        string(j.Kind),
		"resourceKey": j.ResourceKey,
	}))
}

// JobFinished implements the pool's notifier hook.
func (n *Notifier) JobFinished(j *job.Job) {
	if j.CallbackURL == "" {
		return
	}
	n.enqueue(j.CallbackURL, n.build(EventJobCompleted, j, map[string]any{
		"jobId":           j.ID,
		"kind":            string(j.Kind),
		"resourceKey":     j.ResourceKey,
		"status":          string(j.Status),
		"outputSummary":   j.Summary,
		"durationSeconds": j.Duration().Seconds(),
	}))
}

func (n *Notifier) build(eventType string, j *job.Job, data map[string]any) *cloudevent.CloudEvent {
	id := fmt.Sprintf("%s-%d", j.ID, time.Now().UnixNano())
	return cloudevent.New(eventType, n.source, j.ID, id, data)
}

func (n *Notifier) enqueue(destination string, payload *cloudevent.CloudEvent) {
	if n.closed.Load() {
		return
	}
	select {
	case n.queue <- &event{payload: payload, destination: destination}:
		n.queued.Add(1)
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("webhook dropped, buffer full", "destination", extractHost(destination), "type", payload.Type)
	}
}

// Stats returns current counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth: len(n.queue),
		Queued:     n.queued.Load(),
		Delivered:  n.delivered.Load(),
		Failed:     n.failed.Load(),
		Dropped:    n.dropped.Load(),
	}
}

// Close stops the workers after draining what it can before the context
// deadline.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.logger.Info("notifier stopped", "delivered", n.delivered.Load(), "failed", n.failed.Load(), "dropped", n.dropped.Load())
		return nil
	case <-ctx.Done():
		n.logger.Warn("notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			// Drain whatever is still buffered.
			for {
				select {
				case ev := <-n.queue:
					n.deliver(ev)
				default:
					return
				}
			}
		case ev := <-n.queue:
			n.deliver(ev)
		}
	}
}

func (n *Notifier) deliver(ev *event) {
	host := extractHost(ev.destination)
	breaker := n.breakers.Get(host)
	if !breaker.Allow() {
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("webhook dropped, circuit open", "destination", host, "type", ev.payload.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, ev); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("webhook delivery failed", "destination", host, "type", ev.payload.Type, "error", err)
		return
	}
	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, ev *event) error {
	var lastErr error
	for attempt := range maxRetries + 1 {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Delay(attempt, nil)):
			}
		}
		lastErr = n.sender.Send(ctx, ev.destination, ev.payload, n.signingKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
