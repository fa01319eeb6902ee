// Package registry tracks transient, process-lifetime job state: the
// per-resource-key concurrency leases and the cancellation tokens of active
// jobs. Nothing here survives a restart; the table is rebuilt from the job
// store during startup.
package registry

import (
	"context"
	"fmt"
	"sync"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/job"
)

// ParentState classifies a parent template for dispatch decisions.
type ParentState int

const (
	// ParentNone means the job has no parent and may run.
	ParentNone ParentState = iota
	// ParentReady means the parent succeeded and the child may run.
	ParentReady
	// ParentWaiting means the parent is still pending or running.
	ParentWaiting
	// ParentFailed means the parent terminated without succeeding; the
	// child must be cascade-failed without ever running.
	ParentFailed
)

// ParentReader is the slice of the job store the registry needs to resolve
// parent ordering.
type ParentReader interface {
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Lease is a held concurrency slot for a (kind, resourceKey) pair. Release
// is idempotent; it runs exactly once no matter how many paths call it.
type Lease struct {
	key     leaseKey
	jobID   string
	reg     *Registry
	release sync.Once
}

// Release frees the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.reg.mu.Lock()
		defer l.reg.mu.Unlock()
		if l.reg.leases[l.key] == l.jobID {
			delete(l.reg.leases, l.key)
		}
		if l.reg.byJob[l.jobID] == l {
			delete(l.reg.byJob, l.jobID)
		}
	})
}

type leaseKey struct {
	kind job.Kind
	key  string
}

// Registry is the in-memory lease and cancellation-token table.
type Registry struct {
	store ParentReader

	mu      sync.Mutex
	leases  map[leaseKey]string // -> holding job id
	byJob   map[string]*Lease
	cancels map[string]context.CancelFunc
}

// New creates an empty registry backed by the given store for parent lookups.
func New(store ParentReader) *Registry {
	return &Registry{
		store:   store,
		leases:  make(map[leaseKey]string),
		byJob:   make(map[string]*Lease),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Acquire claims the (kind, resourceKey) slot for jobID. If a non-terminal
// job already holds the key a Conflict error carrying its id is returned.
func (r *Registry) Acquire(kind job.Kind, resourceKey, jobID string) (*Lease, error) {
	k := leaseKey{kind: kind, key: resourceKey}
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, held := r.leases[k]; held {
		return nil, apperrors.Conflict("job", holder,
			fmt.Sprintf("an active %s job already holds %q (job %s)", kind, resourceKey, holder))
	}
	r.leases[k] = jobID
	l := &Lease{key: k, jobID: jobID, reg: r}
	r.byJob[jobID] = l
	return l, nil
}

// ReleaseJob releases the lease held by jobID, if any. Idempotent.
func (r *Registry) ReleaseJob(jobID string) {
	r.mu.Lock()
	l := r.byJob[jobID]
	delete(r.byJob, jobID)
	r.mu.Unlock()
	if l != nil {
		l.Release()
	}
}

// Holder returns the job id holding (kind, resourceKey), or "".
func (r *Registry) Holder(kind job.Kind, resourceKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases[leaseKey{kind: kind, key: resourceKey}]
}

// ResolveParent classifies the parent of a child build. parentID may be
// empty. The rule is general over chains of any depth: each link is resolved
// against the parent's own status only.
func (r *Registry) ResolveParent(ctx context.Context, parentID string) (ParentState, error) {
	if parentID == "" {
		return ParentNone, nil
	}
	parent, err := r.store.Get(ctx, parentID)
	if err != nil {
		return ParentFailed, err
	}
	switch parent.Status {
	case job.StatusSucceeded:
		return ParentReady, nil
	case job.StatusPending, job.StatusRunning:
		return ParentWaiting, nil
	default:
		return ParentFailed, nil
	}
}

// TrackCancel registers the cancellation token for a dispatched job.
func (r *Registry) TrackCancel(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

// Cancel fires the cancellation token for jobID, if one is tracked, and
// reports whether it was found.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Untrack drops the cancellation token for a terminated job.
func (r *Registry) Untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// ActiveLeases returns the number of held leases.
func (r *Registry) ActiveLeases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}
