package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/job"
)

type fakeStore struct {
	jobs map[string]*job.Job
}

func (f *fakeStore) Get(_ context.Context, id string) (*job.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

func TestAcquireConflict(t *testing.T) {
	r := New(&fakeStore{})

	lease, err := r.Acquire(job.KindImageBuild, "registry/app", "j-1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = r.Acquire(job.KindImageBuild, "registry/app", "j-2")
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, "j-1", apperrors.ConflictingJobID(err))

	// Same key under a different kind is independent.
	_, err = r.Acquire(job.KindDeployment, "registry/app", "j-3")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ActiveLeases())

	lease.Release()
	_, err = r.Acquire(job.KindImageBuild, "registry/app", "j-2")
	require.NoError(t, err)
}

func TestAcquireConcurrentSingleHolder(t *testing.T) {
	r := New(&fakeStore{})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Acquire(job.KindVenvBuild, "envs/ml", string(rune('a'+i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one acquirer must win the key")
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	r := New(&fakeStore{})

	lease, err := r.Acquire(job.KindModelMirror, "models/llama", "j-1")
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	r.ReleaseJob("j-1")
	assert.Equal(t, 0, r.ActiveLeases())

	// The key is claimable again by a later job, and the stale lease's
	// release must not free the new holder's slot.
	_, err = r.Acquire(job.KindModelMirror, "models/llama", "j-2")
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, "j-2", r.Holder(job.KindModelMirror, "models/llama"))
}

func TestReleaseJobUnknown(t *testing.T) {
	r := New(&fakeStore{})
	r.ReleaseJob("never-acquired")
	assert.Equal(t, 0, r.ActiveLeases())
}

func TestResolveParent(t *testing.T) {
	store := &fakeStore{jobs: map[string]*job.Job{
		"p-done":    {ID: "p-done", Status: job.StatusSucceeded},
		"p-running": {ID: "p-running", Status: job.StatusRunning},
		"p-pending": {ID: "p-pending", Status: job.StatusPending},
		"p-failed":  {ID: "p-failed", Status: job.StatusFailed},
		"p-gone":    {ID: "p-gone", Status: job.StatusCancelled},
	}}
	r := New(store)
	ctx := context.Background()

	tests := []struct {
		name     string
		parentID string
		want     ParentState
		wantErr  bool
	}{
		{"no parent", "", ParentNone, false},
		{"succeeded parent", "p-done", ParentReady, false},
		{"running parent", "p-running", ParentWaiting, false},
		{"pending parent", "p-pending", ParentWaiting, false},
		{"failed parent", "p-failed", ParentFailed, false},
		{"cancelled parent", "p-gone", ParentFailed, false},
		{"missing parent", "p-missing", ParentFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := r.ResolveParent(ctx, tt.parentID)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestCancelTokens(t *testing.T) {
	r := New(&fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	r.TrackCancel("j-1", cancel)

	require.True(t, r.Cancel("j-1"))
	<-ctx.Done()

	r.Untrack("j-1")
	assert.False(t, r.Cancel("j-1"))
	assert.False(t, r.Cancel("never-tracked"))
}
