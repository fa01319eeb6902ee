package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/job"
	"jobsengine/internal/pipeline"
)

// CreateStages persists the stage plan for a job. All stages start pending.
func (s *Store) CreateStages(ctx context.Context, stages []pipeline.Stage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.createStages", err)
	}
	defer tx.Rollback()

	for _, st := range stages {
		_, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_stages (id, job_id, parent_stage_id, name, idx, status)
VALUES (?, ?, ?, ?, ?, 'pending')`,
			st.ID, st.JobID, st.ParentStageID, st.Name, st.Index)
		if err != nil {
			return apperrors.Internal("store.createStages", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.createStages", err)
	}
	return nil
}

// TransitionStage moves a stage along one edge, with the same timestamp
// discipline as jobs. Skipping a pending stage sets neither timestamp.
func (s *Store) TransitionStage(ctx context.Context, stageID string, to job.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.transitionStage", err)
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM pipeline_stages WHERE id = ?`, stageID).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("stage", stageID)
		}
		return apperrors.Internal("store.transitionStage", err)
	}
	if !job.StageCanTransition(job.Status(cur), to) {
		return apperrors.InvalidTransition(stageID, cur, string(to))
	}

	now := fmtTime(time.Now().UTC())
	switch {
	case to == job.StatusRunning:
		_, err = tx.ExecContext(ctx, `UPDATE pipeline_stages SET status = ?, started_at = ? WHERE id = ?`,
			string(to), now, stageID)
	case to == job.StatusSkipped:
		_, err = tx.ExecContext(ctx, `UPDATE pipeline_stages SET status = ? WHERE id = ?`, string(to), stageID)
	case to.Terminal():
		_, err = tx.ExecContext(ctx, `UPDATE pipeline_stages SET status = ?, completed_at = ? WHERE id = ?`,
			string(to), now, stageID)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE pipeline_stages SET status = ? WHERE id = ?`, string(to), stageID)
	}
	if err != nil {
		return apperrors.Internal("store.transitionStage", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.transitionStage", err)
	}
	return nil
}

// TransitionStageByName moves the stage of a job identified by its name.
// Jobs without a stage plan, or narratives whose task names have no matching
// stage, are a no-op rather than an error.
func (s *Store) TransitionStageByName(ctx context.Context, jobID, name string, to job.Status) error {
	var stageID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM pipeline_stages WHERE job_id = ? AND name = ?`, jobID, name).Scan(&stageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperrors.Internal("store.transitionStageByName", err)
	}
	return s.TransitionStage(ctx, stageID, to)
}

// CloseStages settles the stage plan of a job that terminated without
// succeeding: running stages take the job's terminal status, pending stages
// are skipped.
func (s *Store) CloseStages(ctx context.Context, jobID string, terminal job.Status) error {
	now := fmtTime(time.Now().UTC())
	if _, err := s.db.ExecContext(ctx, `
UPDATE pipeline_stages SET status = ?, completed_at = ? WHERE job_id = ? AND status = 'running'`,
		string(terminal), now, jobID); err != nil {
		return apperrors.Internal("store.closeStages", err)
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE pipeline_stages SET status = 'skipped' WHERE job_id = ? AND status = 'pending'`, jobID); err != nil {
		return apperrors.Internal("store.closeStages", err)
	}
	return nil
}

// Stages returns the stage plan for a job in index order, with the derived
// aggregate status.
func (s *Store) Stages(ctx context.Context, jobID string) (*pipeline.Pipeline, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, parent_stage_id, name, idx, status, started_at, completed_at
FROM pipeline_stages WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, apperrors.Internal("store.stages", err)
	}
	defer rows.Close()

	p := &pipeline.Pipeline{JobID: jobID}
	for rows.Next() {
		var (
			st          pipeline.Stage
			status      string
			startedAt   sql.NullString
			completedAt sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.JobID, &st.ParentStageID, &st.Name, &st.Index, &status, &startedAt, &completedAt); err != nil {
			return nil, apperrors.Internal("store.stages", err)
		}
		st.Status = job.Status(status)
		st.StartedAt = parseNullTime(startedAt)
		st.CompletedAt = parseNullTime(completedAt)
		p.Stages = append(p.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	p.Status = pipeline.AggregateStatus(p.Stages)
	return p, nil
}
