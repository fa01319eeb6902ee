// Package sqlite implements the durable job store on an embedded SQLite
// database. It is the source of truth for job status and log history; every
// transition is validated against the lifecycle state machine inside a
// transaction so that per-job ordering is total.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	resource_key  TEXT NOT NULL,
	status        TEXT NOT NULL,
	config        TEXT,
	parent_id     TEXT,
	is_template   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	summary       TEXT NOT NULL DEFAULT '',
	created_by    TEXT NOT NULL,
	callback_url  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs(kind, resource_key, status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_id);

CREATE TABLE IF NOT EXISTS job_logs (
	job_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	timestamp  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	task_name  TEXT NOT NULL DEFAULT '',
	task_index INTEGER,
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS pipeline_stages (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	parent_stage_id TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL,
	idx             INTEGER NOT NULL,
	status          TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_stages_job ON pipeline_stages(job_id, idx);
`

// Store is a SQLite-backed job store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
// Use ":memory:" for an in-process database in tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite allows one writer; a single connection serializes all
	// writes and makes per-job transition ordering total.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create persists a new job row. The job must already carry its id, kind,
// resource key, creation time and submitter; status is forced to pending.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	j.Status = job.StatusPending
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, resource_key, status, config, parent_id, is_template, created_at, summary, created_by, callback_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		j.ID, string(j.Kind), j.ResourceKey, string(j.Status), nullStr(string(j.Config)),
		nullStr(j.ParentID), boolInt(j.IsTemplate), fmtTime(j.CreatedAt), j.CreatedBy, j.CallbackURL)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	return nil
}

// Transition moves a job along one state machine edge. The current status is
// read and validated inside the same transaction that writes the new one, so
// concurrent callers cannot both take an edge out of the same state.
// started_at is set only on entry to running, completed_at and the output
// summary only on entry to a terminal state.
func (s *Store) Transition(ctx context.Context, id string, to job.Status, summary string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("store.transition", err)
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Internal("store.transition", err)
	}
	if err := job.CheckTransition(id, job.Status(cur), to); err != nil {
		return nil, err
	}

	now := fmtTime(time.Now().UTC())
	switch {
	case to == job.StatusRunning:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
			string(to), now, id)
	case to.Terminal():
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, completed_at = ?, summary = ? WHERE id = ?`,
			string(to), now, summary, id)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(to), id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.transition", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("store.transition", err)
	}
	return s.Get(ctx, id)
}

// Get returns a single job by id.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, resource_key, status, config, parent_id, is_template, created_at, started_at, completed_at, summary, created_by, callback_url
FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Internal("store.get", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := strings.Builder{}
	query.WriteString(`
SELECT id, kind, resource_key, status, config, parent_id, is_template, created_at, started_at, completed_at, summary, created_by, callback_url
FROM jobs WHERE 1=1`)
	args := []any{}
	addFilter(&query, &args, "kind", string(f.Kind))
	addFilter(&query, &args, "resource_key", f.ResourceKey)
	addFilter(&query, &args, "status", string(f.Status))
	addFilter(&query, &args, "created_by", f.CreatedBy)
	query.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		query.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.list", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ActiveByKey returns the non-terminal job holding (kind, resourceKey), or
// nil if the key is free.
func (s *Store) ActiveByKey(ctx context.Context, kind job.Kind, resourceKey string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, resource_key, status, config, parent_id, is_template, created_at, started_at, completed_at, summary, created_by, callback_url
FROM jobs WHERE kind = ? AND resource_key = ? AND status IN ('pending', 'running') LIMIT 1`,
		string(kind), resourceKey)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Internal("store.activeByKey", err)
	}
	return j, nil
}

// NonTerminal returns every pending or running job, oldest first. Used to
// rebuild the registry after a restart.
func (s *Store) NonTerminal(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, resource_key, status, config, parent_id, is_template, created_at, started_at, completed_at, summary, created_by, callback_url
FROM jobs WHERE status IN ('pending', 'running') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, apperrors.Internal("store.nonTerminal", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.nonTerminal", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PendingChildren returns pending jobs whose parent_id is the given job.
func (s *Store) PendingChildren(ctx context.Context, parentID string) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, resource_key, status, config, parent_id, is_template, created_at, started_at, completed_at, summary, created_by, callback_url
FROM jobs WHERE parent_id = ? AND status = 'pending'`, parentID)
	if err != nil {
		return nil, apperrors.Internal("store.pendingChildren", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.pendingChildren", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		kind        string
		status      string
		config      sql.NullString
		parentID    sql.NullString
		isTemplate  int
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&j.ID, &kind, &j.ResourceKey, &status, &config, &parentID, &isTemplate,
		&createdAt, &startedAt, &completedAt, &j.Summary, &j.CreatedBy, &j.CallbackURL)
	if err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	if config.Valid {
		j.Config = []byte(config.String)
	}
	if parentID.Valid {
		j.ParentID = parentID.String
	}
	j.IsTemplate = isTemplate != 0
	j.CreatedAt = parseTime(createdAt)
	if t := parseNullTime(startedAt); t != nil {
		j.StartedAt = t
	}
	if t := parseNullTime(completedAt); t != nil {
		j.CompletedAt = t
	}
	return &j, nil
}

func addFilter(query *strings.Builder, args *[]any, column, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(query, " AND %s = ?", column)
	*args = append(*args, value)
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
