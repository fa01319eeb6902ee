// Package job defines the job envelope, log entry model and the shared
// lifecycle state machine applied to every job kind.
package job

import (
	"encoding/json"
	"time"
)

// Kind identifies the job body to run.
type Kind string

const (
	KindDeployment  Kind = "deployment"
	KindImageBuild  Kind = "image_build"
	KindVenvBuild   Kind = "venv_build"
	KindModelMirror Kind = "model_mirror"
)

// Kinds lists every known job kind.
var Kinds = []Kind{KindDeployment, KindImageBuild, KindVenvBuild, KindModelMirror}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeployment, KindImageBuild, KindVenvBuild, KindModelMirror:
		return true
	}
	return false
}

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusSkipped is only valid for pipeline stages, never for jobs.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Job is the shared envelope for every long-running unit of work.
// The config payload is opaque to the orchestrator; only the kind-specific
// executor interprets it.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	ResourceKey string          `json:"resourceKey"`
	Status      Status          `json:"status"`
	Config      json.RawMessage `json:"config,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	IsTemplate  bool            `json:"isTemplate,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Summary     string          `json:"outputSummary,omitempty"`
	CreatedBy   string          `json:"createdBy"`
	CallbackURL string          `json:"callbackUrl,omitempty"`
}

// Duration returns how long the job has run. For a running job this is the
// time since start; for a job that never started it is zero.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	if j.Status == StatusRunning {
		return time.Since(*j.StartedAt)
	}
	return 0
}

// LogKind classifies a log entry.
type LogKind string

const (
	LogTaskStart  LogKind = "task-start"
	LogTaskResult LogKind = "task-result"
	LogStdout     LogKind = "stdout"
	LogStderr     LogKind = "stderr"
	LogInfo       LogKind = "info"
	LogError      LogKind = "error"
)

// LogEntry is one line of a job's execution narrative. Sequence numbers are
// assigned by the store at append time and strictly increase per job.
type LogEntry struct {
	JobID     string    `json:"jobId"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Kind      LogKind   `json:"kind"`
	Message   string    `json:"message"`
	TaskName  string    `json:"taskName,omitempty"`
	TaskIndex *int      `json:"taskIndex,omitempty"`
}

// Filter narrows a job listing.
type Filter struct {
	Kind        Kind
	ResourceKey string
	Status      Status
	CreatedBy   string
	Limit       int
	Offset      int
}

// Submission is a request to create a new job.
type Submission struct {
	Kind        Kind            `json:"kind"`
	ResourceKey string          `json:"resourceKey"`
	Config      json.RawMessage `json:"config,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	IsTemplate  bool            `json:"isTemplate,omitempty"`
	CallbackURL string          `json:"callbackUrl,omitempty"`
	CreatedBy   string          `json:"-"` // set from the authenticated identity, never from the body
}
