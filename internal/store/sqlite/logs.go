package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/job"
)

// AppendLog persists a log entry, assigning the next sequence number for the
// job inside the same transaction. Two concurrent appenders on one job never
// receive the same sequence. The stored entry (with its sequence and a
// store-assigned timestamp if none was set) is returned.
func (s *Store) AppendLog(ctx context.Context, entry job.LogEntry) (job.LogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entry, apperrors.Internal("store.appendLog", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, entry.JobID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, apperrors.NotFound("job", entry.JobID)
		}
		return entry, apperrors.Internal("store.appendLog", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = ?`, entry.JobID).Scan(&next); err != nil {
		return entry, apperrors.Internal("store.appendLog", err)
	}
	entry.Sequence = next
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var taskIndex any
	if entry.TaskIndex != nil {
		taskIndex = *entry.TaskIndex
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_logs (job_id, seq, timestamp, kind, message, task_name, task_index)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Sequence, fmtTime(entry.Timestamp), string(entry.Kind),
		entry.Message, entry.TaskName, taskIndex)
	if err != nil {
		return entry, apperrors.Internal("store.appendLog", err)
	}
	if err := tx.Commit(); err != nil {
		return entry, apperrors.Internal("store.appendLog", err)
	}
	return entry, nil
}

// Logs returns the entries for a job with sequence > sinceSeq, in sequence
// order. Pass 0 to replay the full history.
func (s *Store) Logs(ctx context.Context, jobID string, sinceSeq int64) ([]job.LogEntry, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, seq, timestamp, kind, message, task_name, task_index
FROM job_logs WHERE job_id = ? AND seq > ? ORDER BY seq ASC`, jobID, sinceSeq)
	if err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	defer rows.Close()

	var out []job.LogEntry
	for rows.Next() {
		var (
			e         job.LogEntry
			kind      string
			timestamp string
			taskIndex sql.NullInt64
		)
		if err := rows.Scan(&e.JobID, &e.Sequence, &timestamp, &kind, &e.Message, &e.TaskName, &taskIndex); err != nil {
			return nil, apperrors.Internal("store.logs", err)
		}
		e.Kind = job.LogKind(kind)
		e.Timestamp = parseTime(timestamp)
		if taskIndex.Valid {
			idx := int(taskIndex.Int64)
			e.TaskIndex = &idx
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
