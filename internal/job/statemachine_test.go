package job

import (
	"errors"
	"testing"

	"jobsengine/internal/apperrors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to succeeded", StatusPending, StatusSucceeded, false},
		{"running to succeeded", StatusRunning, StatusSucceeded, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"running to pending", StatusRunning, StatusPending, false},
		{"succeeded is terminal", StatusSucceeded, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusRunning, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
		{"cancelled to cancelled", StatusCancelled, StatusCancelled, false},
		{"jobs never skip", StatusPending, StatusSkipped, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckTransition(t *testing.T) {
	if err := CheckTransition("j-1", StatusPending, StatusRunning); err != nil {
		t.Fatalf("legal edge returned error: %v", err)
	}

	err := CheckTransition("j-1", StatusSucceeded, StatusRunning)
	if err == nil {
		t.Fatal("expected error for illegal edge")
	}
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStageCanTransition(t *testing.T) {
	if !StageCanTransition(StatusPending, StatusSkipped) {
		t.Error("stages must be skippable from pending")
	}
	if StageCanTransition(StatusRunning, StatusSkipped) {
		t.Error("running stages must not skip")
	}
	if !StageCanTransition(StatusPending, StatusRunning) {
		t.Error("stage edges must include the job edges")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("backup").Valid() {
		t.Error("unknown kind should be invalid")
	}
}
