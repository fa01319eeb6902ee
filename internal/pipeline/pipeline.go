// Package pipeline models the ordered stage breakdown of a job's execution
// and derives an aggregate status from the individual stages. Stages follow
// the same lifecycle discipline as jobs, with one extra state: a pending
// stage may be skipped instead of ever starting.
package pipeline

import (
	"time"

	"jobsengine/internal/job"
)

// Stage is one step of a job's execution. Stages may form a shallow tree:
// a stage with children acts as a group whose own status is derived.
type Stage struct {
	ID            string     `json:"id"`
	JobID         string     `json:"jobId"`
	ParentStageID string     `json:"parentStageId,omitempty"`
	Name          string     `json:"name"`
	Index         int        `json:"index"`
	Status        job.Status `json:"status"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Pipeline is the stage view of a single job.
type Pipeline struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
	Stages []Stage    `json:"stages"`
}

// AggregateStatus derives a pipeline-level status from its stages:
// failed if any stage failed; cancelled if any stage was cancelled and none
// failed; succeeded only if all stages succeeded or were skipped; running
// while any stage runs, or while work remains after some stage has started;
// pending otherwise.
func AggregateStatus(stages []Stage) job.Status {
	if len(stages) == 0 {
		return job.StatusPending
	}
	var anyFailed, anyCancelled, anyRunning, anyStarted, anyPending bool
	for _, st := range stages {
		switch st.Status {
		case job.StatusFailed:
			anyFailed = true
		case job.StatusCancelled:
			anyCancelled = true
		case job.StatusRunning:
			anyRunning = true
			anyStarted = true
		case job.StatusSucceeded:
			anyStarted = true
		case job.StatusPending:
			anyPending = true
		}
	}
	switch {
	case anyFailed:
		return job.StatusFailed
	case anyCancelled:
		return job.StatusCancelled
	case anyRunning, anyStarted && anyPending:
		return job.StatusRunning
	case anyPending:
		return job.StatusPending
	default:
		return job.StatusSucceeded
	}
}

// Tree returns the stages grouped by parent stage id. The root group is
// keyed by the empty string. Stage nesting is at most one level deep in
// practice; this helper does not assume that.
func Tree(stages []Stage) map[string][]Stage {
	out := make(map[string][]Stage)
	for _, st := range stages {
		out[st.ParentStageID] = append(out[st.ParentStageID], st)
	}
	return out
}
