// Package broadcast fans out a job's log entries to live subscribers while
// keeping the store the source of truth: every entry is persisted first and
// forwarded in persisted order. Delivery never blocks the publisher; a
// subscriber that cannot keep up with its bounded buffer is dropped and must
// fall back to replaying history from the store.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"jobsengine/internal/job"
)

// LogAppender is the slice of the job store the broadcaster persists through.
type LogAppender interface {
	AppendLog(ctx context.Context, entry job.LogEntry) (job.LogEntry, error)
}

// MetricsRecorder is an optional hook for subscriber/entry metrics.
type MetricsRecorder interface {
	RecordLogPublished(ctx context.Context, kind string)
	RecordSubscriberDropped(ctx context.Context)
	RecordSubscribers(ctx context.Context, delta int64)
}

type subscriber struct {
	ch      chan job.LogEntry
	dropped bool
}

// Broadcaster is the per-job log fan-out.
type Broadcaster struct {
	store   LogAppender
	logger  *slog.Logger
	metrics MetricsRecorder
	bufSize int

	mu   sync.Mutex
	subs map[string][]*subscriber
}

// New creates a broadcaster. bufSize bounds each subscriber's buffer; a
// subscriber whose buffer overflows is closed.
func New(store LogAppender, bufSize int, metrics MetricsRecorder) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broadcaster{
		store:   store,
		logger:  slog.With("component", "broadcast"),
		metrics: metrics,
		bufSize: bufSize,
		subs:    make(map[string][]*subscriber),
	}
}

// Publish persists the entry and then forwards it, with its store-assigned
// sequence number, to every live subscriber of the job. The returned entry
// carries the assigned sequence.
func (b *Broadcaster) Publish(ctx context.Context, entry job.LogEntry) (job.LogEntry, error) {
	stored, err := b.store.AppendLog(ctx, entry)
	if err != nil {
		return entry, err
	}
	if b.metrics != nil {
		b.metrics.RecordLogPublished(ctx, string(stored.Kind))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[stored.JobID] {
		if sub.dropped {
			continue
		}
		select {
		case sub.ch <- stored:
		default:
			// Slow subscriber: close it rather than stall the job. It can
			// replay from the store using the last sequence it saw.
			sub.dropped = true
			close(sub.ch)
			if b.metrics != nil {
				b.metrics.RecordSubscriberDropped(ctx)
				b.metrics.RecordSubscribers(ctx, -1)
			}
			b.logger.Warn("subscriber buffer full, dropping subscriber",
				"jobId", stored.JobID, "seq", stored.Sequence)
		}
	}
	b.removeDropped(stored.JobID)
	return stored, nil
}

// Subscribe attaches a live tail to a job. The returned channel delivers
// entries in sequence order and is closed when the job reaches a terminal
// state, when the subscriber falls behind, or when the cancel function runs.
func (b *Broadcaster) Subscribe(jobID string) (<-chan job.LogEntry, func()) {
	sub := &subscriber{ch: make(chan job.LogEntry, b.bufSize)}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordSubscribers(context.Background(), 1)
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !sub.dropped {
			sub.dropped = true
			close(sub.ch)
			if b.metrics != nil {
				b.metrics.RecordSubscribers(context.Background(), -1)
			}
		}
		b.removeDropped(jobID)
	}
	return sub.ch, cancel
}

// Finish closes every live stream for a job. Entries already buffered stay
// readable on the closed channels. Called once when the job goes terminal;
// a later Subscribe on the same job yields an immediately closed stream
// through the service layer, which re-checks status after attaching.
func (b *Broadcaster) Finish(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[jobID] {
		if !sub.dropped {
			sub.dropped = true
			close(sub.ch)
			if b.metrics != nil {
				b.metrics.RecordSubscribers(context.Background(), -1)
			}
		}
	}
	delete(b.subs, jobID)
}

// Subscribers returns the live subscriber count for a job.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// removeDropped compacts the subscriber list. Caller holds b.mu.
func (b *Broadcaster) removeDropped(jobID string) {
	subs := b.subs[jobID]
	kept := subs[:0]
	for _, sub := range subs {
		if !sub.dropped {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, jobID)
		return
	}
	b.subs[jobID] = kept
}
