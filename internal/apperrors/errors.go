// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrParentFailed      = errors.New("parent build failed")
	ErrExecutionFault    = errors.New("execution fault")
	ErrTimeout           = errors.New("timeout")
	ErrInternal          = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "resourceKey")
	Resource string // For not found/conflict (e.g., "job")
	JobID    string // Job the error refers to; for Conflict, the id of the holder
	Op       string // Operation that failed (e.g., "store.appendLog")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		JobID:    id,
	}
}

// Conflict creates a conflict error carrying the id of the job that holds
// the contested resource key.
func Conflict(resource, holderID, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		JobID:    holderID,
	}
}

// InvalidTransition creates an error for an illegal state machine edge.
func InvalidTransition(jobID, from, to string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Message:  fmt.Sprintf("job %s: illegal transition %s -> %s", jobID, from, to),
		JobID:    jobID,
	}
}

// ParentFailed creates the cascade error recorded on a child build whose
// parent template terminated without succeeding.
func ParentFailed(jobID, parentID string) error {
	return &Error{
		Sentinel: ErrParentFailed,
		Message:  "parent build failed",
		JobID:    jobID,
		Resource: parentID,
	}
}

// ExecutionFault wraps an error raised by a job body. It is terminal for the
// job but never for the process.
func ExecutionFault(jobID string, cause error) error {
	return &Error{
		Sentinel: ErrExecutionFault,
		Message:  fmt.Sprintf("job body failed: %v", cause),
		JobID:    jobID,
		Cause:    cause,
	}
}

// Timeout creates an error for a cancellation grace period being exceeded.
func Timeout(jobID string, reason string) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  reason,
		JobID:    jobID,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ConflictingJobID extracts the holder job id from a Conflict error, if any.
func ConflictingJobID(err error) string {
	var e *Error
	if errors.As(err, &e) && errors.Is(err, ErrConflict) {
		return e.JobID
	}
	return ""
}
