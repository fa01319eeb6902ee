// Package orchestrator exposes the job lifecycle surface: submission with
// concurrency exclusion, cancellation, status and history queries, and live
// log subscription. It wires the store, registry, broadcaster and worker
// pool into one explicitly constructed instance; collaborators receive it
// by reference, there are no process-wide singletons.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/broadcast"
	"jobsengine/internal/job"
	"jobsengine/internal/pipeline"
	"jobsengine/internal/pool"
	"jobsengine/internal/registry"
	"jobsengine/internal/template"
)

// Validation limits
const (
	maxResourceKeyLength = 128
	maxConfigBytes       = 256 << 10 // 256 KB
	maxSummaryLength     = 1024
)

// resourceKeyPattern covers the names jobs act on: deployment names,
// image references, venv paths, model ids. Must start alphanumeric.
var resourceKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/-]*$`)

// Store is the full store surface the service depends on.
type Store interface {
	pool.Store
	Create(ctx context.Context, j *job.Job) error
	ActiveByKey(ctx context.Context, kind job.Kind, resourceKey string) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]*job.Job, error)
	Logs(ctx context.Context, jobID string, sinceSeq int64) ([]job.LogEntry, error)
	CreateStages(ctx context.Context, stages []pipeline.Stage) error
	Stages(ctx context.Context, jobID string) (*pipeline.Pipeline, error)
}

// Service is the orchestration facade consumed by the API layer.
type Service struct {
	store    Store
	reg      *registry.Registry
	bcast    *broadcast.Broadcaster
	pool     *pool.Pool
	resolver *template.Resolver
}

// NewService creates the orchestration service.
func NewService(store Store, reg *registry.Registry, bcast *broadcast.Broadcaster, p *pool.Pool, resolver *template.Resolver) *Service {
	return &Service{
		store:    store,
		reg:      reg,
		bcast:    bcast,
		pool:     p,
		resolver: resolver,
	}
}

// Submit validates a submission, claims the resource key and queues the job.
// It returns as soon as the job row exists; execution happens on the pool.
// A second submission for a key held by a non-terminal job gets a Conflict
// carrying the holder's id.
func (s *Service) Submit(ctx context.Context, sub job.Submission) (*job.Job, error) {
	if err := validate(&sub); err != nil {
		return nil, err
	}
	if err := s.resolver.ValidateParent(ctx, &sub); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:          uuid.NewString(),
		Kind:        sub.Kind,
		ResourceKey: sub.ResourceKey,
		Config:      sub.Config,
		ParentID:    sub.ParentID,
		IsTemplate:  sub.IsTemplate,
		CreatedAt:   nowUTC(),
		CreatedBy:   sub.CreatedBy,
		CallbackURL: sub.CallbackURL,
	}

	lease, err := s.reg.Acquire(j.Kind, j.ResourceKey, j.ID)
	if err != nil {
		return nil, err
	}

	// The lease table is process-local; the store is the durable record.
	// A second check there catches any active row the table lost track of.
	if active, err := s.store.ActiveByKey(ctx, j.Kind, j.ResourceKey); err != nil {
		lease.Release()
		return nil, err
	} else if active != nil {
		lease.Release()
		return nil, apperrors.Conflict("job", active.ID,
			fmt.Sprintf("an active %s job already holds %q (job %s)", j.Kind, j.ResourceKey, active.ID))
	}

	if err := s.store.Create(ctx, j); err != nil {
		lease.Release()
		return nil, err
	}
	if stages := stagePlan(j); len(stages) > 0 {
		if err := s.store.CreateStages(ctx, stages); err != nil {
			slog.Error("stage plan creation failed", "jobId", j.ID, "error", err)
		}
	}

	if err := s.pool.Enqueue(j.ID); err != nil {
		final, ferr := s.store.Transition(ctx, j.ID, job.StatusFailed, "pending queue full")
		if ferr == nil {
			s.pool.Cleanup(ctx, final)
		} else {
			lease.Release()
		}
		return nil, err
	}

	slog.Info("job submitted", "jobId", j.ID, "kind", j.Kind, "resourceKey", j.ResourceKey, "createdBy", j.CreatedBy)
	return j, nil
}

// Cancel requests cancellation of a job. A pending job is cancelled on the
// spot; a running job gets its cancellation token fired and the pool settles
// the terminal state, force-failing after the grace period if the body does
// not stop. Cancelling a terminal job is an InvalidTransition.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if j.Status == job.StatusPending {
		final, err := s.store.Transition(ctx, jobID, job.StatusCancelled, "cancelled before start")
		if err == nil {
			s.pool.Cleanup(ctx, final)
			return nil
		}
		// Raced with dispatch; fall through to the running path.
		j, err = s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
	}

	if j.Status == job.StatusRunning {
		if !s.reg.Cancel(jobID) {
			// Token not tracked (restart window); force the transition so
			// the lease cannot leak.
			final, err := s.store.Transition(ctx, jobID, job.StatusCancelled, "cancelled by request")
			if err != nil {
				return err
			}
			s.pool.Cleanup(ctx, final)
		}
		slog.Info("job cancellation requested", "jobId", jobID)
		return nil
	}

	return apperrors.InvalidTransition(jobID, string(j.Status), string(job.StatusCancelled))
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return s.store.Get(ctx, jobID)
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	return s.store.List(ctx, f)
}

// Logs replays a job's history from sinceSeq (exclusive).
func (s *Service) Logs(ctx context.Context, jobID string, sinceSeq int64) ([]job.LogEntry, error) {
	return s.store.Logs(ctx, jobID, sinceSeq)
}

// Pipeline returns the stage view of a job.
func (s *Service) Pipeline(ctx context.Context, jobID string) (*pipeline.Pipeline, error) {
	return s.store.Stages(ctx, jobID)
}

// Subscribe attaches a live log tail to a job. For a terminal job the
// returned channel is already closed; callers wanting history replay it
// through Logs instead. The subscription attaches before the status check:
// checking first leaves a window where the job goes terminal and its
// streams are finished between the two steps, and a channel attached in
// that window would never close.
func (s *Service) Subscribe(ctx context.Context, jobID string) (<-chan job.LogEntry, func(), error) {
	ch, cancel := s.bcast.Subscribe(jobID)
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if j.Status.Terminal() {
		cancel()
	}
	return ch, cancel, nil
}

// validate checks a submission the way the store never will: the store
// trusts the service to hand it well-formed rows.
func validate(sub *job.Submission) error {
	if !sub.Kind.Valid() {
		return apperrors.Validation("kind", fmt.Sprintf("unknown job kind %q", sub.Kind))
	}
	if sub.ResourceKey == "" {
		return apperrors.Validation("resourceKey", "resource key is required")
	}
	if len(sub.ResourceKey) > maxResourceKeyLength {
		return apperrors.Validation("resourceKey", fmt.Sprintf("resource key exceeds maximum length of %d", maxResourceKeyLength))
	}
	if !resourceKeyPattern.MatchString(sub.ResourceKey) {
		return apperrors.Validation("resourceKey", "resource key must be alphanumeric (dots, slashes, colons, hyphens and underscores allowed, cannot start with punctuation)")
	}
	if len(sub.Config) > maxConfigBytes {
		return apperrors.Validation("config", fmt.Sprintf("config exceeds maximum size of %d bytes", maxConfigBytes))
	}
	if sub.CreatedBy == "" {
		return apperrors.Validation("createdBy", "submitter identity is required")
	}
	if sub.IsTemplate && sub.Kind != job.KindImageBuild && sub.Kind != job.KindVenvBuild {
		return apperrors.Validation("isTemplate", "only image and venv builds can be templates")
	}
	if sub.CallbackURL != "" {
		if err := validateURL(sub.CallbackURL); err != nil {
			return apperrors.Validation("callbackUrl", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
