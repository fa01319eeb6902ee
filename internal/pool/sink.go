package pool

import (
	"context"
	"log/slog"

	"jobsengine/internal/broadcast"
	"jobsengine/internal/job"
)

// logSink feeds a running job's narrative into the broadcaster, which
// persists first and fans out second. Emitting a log line from a job body
// therefore never blocks on observers, only on the store write.
//
// Task entries also drive the job's pipeline stages: task-start moves the
// stage sharing the task's name to running, task-result to succeeded.
type logSink struct {
	bcast *broadcast.Broadcaster
	store Store
	jobID string
}

func newLogSink(bcast *broadcast.Broadcaster, store Store, jobID string) *logSink {
	return &logSink{bcast: bcast, store: store, jobID: jobID}
}

// Log implements executor.Sink.
func (s *logSink) Log(ctx context.Context, kind job.LogKind, message string) {
	s.publish(ctx, job.LogEntry{JobID: s.jobID, Kind: kind, Message: message})
}

// Task implements executor.Sink.
func (s *logSink) Task(ctx context.Context, kind job.LogKind, taskName string, taskIndex int, message string) {
	idx := taskIndex
	s.publish(ctx, job.LogEntry{
		JobID:     s.jobID,
		Kind:      kind,
		Message:   message,
		TaskName:  taskName,
		TaskIndex: &idx,
	})

	switch kind {
	case job.LogTaskStart:
		s.recordStage(ctx, taskName, job.StatusRunning)
	case job.LogTaskResult:
		s.recordStage(ctx, taskName, job.StatusSucceeded)
	}
}

func (s *logSink) recordStage(ctx context.Context, name string, to job.Status) {
	if err := s.store.TransitionStageByName(ctx, s.jobID, name, to); err != nil {
		slog.Error("stage transition failed", "jobId", s.jobID, "stage", name, "error", err)
	}
}

func (s *logSink) publish(ctx context.Context, entry job.LogEntry) {
	if _, err := s.bcast.Publish(ctx, entry); err != nil {
		// A lost log line must not abort the job body.
		slog.Error("log publish failed", "jobId", s.jobID, "error", err)
	}
}
