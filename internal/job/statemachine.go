package job

import "jobsengine/internal/apperrors"

// transitions is the full set of legal lifecycle edges, identical for every
// job kind. pending -> failed exists for the parent-cascade and the
// crash-recovery path; a job taking it never ran.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransition error if the edge is illegal.
func CheckTransition(jobID string, from, to Status) error {
	if !CanTransition(from, to) {
		return apperrors.InvalidTransition(jobID, string(from), string(to))
	}
	return nil
}

// StageCanTransition extends the job edges with the stage-only skipped state.
// A stage may be skipped instead of ever starting.
func StageCanTransition(from, to Status) bool {
	if from == StatusPending && to == StatusSkipped {
		return true
	}
	return CanTransition(from, to)
}
