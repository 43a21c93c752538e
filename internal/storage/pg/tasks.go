package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, task *storage.Task) error {
	query := `
		INSERT INTO tasks (id, channel_id, name, kind, openclaw_cron_job_id, session_key, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.ChannelID, task.Name, task.Kind,
		task.OpenclawCronJobID, task.SessionKey, task.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("channel_id", task.ChannelID),
		slog.String("kind", task.Kind))
	return nil
}

// ListTasks returns the tasks in a channel, newest first.
func (s *Store) ListTasks(ctx context.Context, channelID string) ([]storage.Task, error) {
	query := `
		SELECT id, channel_id, name, kind, openclaw_cron_job_id, session_key, enabled, created_at, updated_at
		FROM tasks
		WHERE channel_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []storage.Task
	for rows.Next() {
		var t storage.Task
		if err := rows.Scan(&t.ID, &t.ChannelID, &t.Name, &t.Kind, &t.OpenclawCronJobID,
			&t.SessionKey, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// GetTask looks a task up by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*storage.Task, error) {
	query := `
		SELECT id, channel_id, name, kind, openclaw_cron_job_id, session_key, enabled, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var t storage.Task
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&t.ID, &t.ChannelID, &t.Name, &t.Kind, &t.OpenclawCronJobID,
		&t.SessionKey, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// UpdateTask updates mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, task *storage.Task) error {
	query := `
		UPDATE tasks
		SET name = $2, kind = $3, openclaw_cron_job_id = $4, session_key = $5, enabled = $6, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		task.ID, task.Name, task.Kind, task.OpenclawCronJobID, task.SessionKey, task.Enabled)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, errors.ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task row. Job history is kept.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, errors.ErrNotFound)
	}
	return nil
}

// UpsertJob creates a job on first running, replaces it on terminal
// transitions, and fails with ErrStateConflict when a terminal row would be
// overwritten with a non-terminal status. Terminal rows are write-once:
// repeated terminal updates are also rejected.
func (s *Store) UpsertJob(ctx context.Context, job *storage.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, job.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		insert := `
			INSERT INTO jobs (id, task_id, user_id, session_key, status, started_at, finished_at, duration_ms, summary)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), NULLIF($8, 0), $9)
		`
		if _, err := tx.ExecContext(ctx, insert,
			job.ID, job.TaskID, job.UserID, job.SessionKey, job.Status,
			job.StartedAt, job.FinishedAt, job.DurationMs, job.Summary); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read job status: %w", err)
	case storage.TerminalJobStatus(existing):
		return fmt.Errorf("job %s already %s: %w", job.ID, existing, errors.ErrStateConflict)
	default:
		update := `
			UPDATE jobs
			SET status = $2, finished_at = NULLIF($3, 0), duration_ms = NULLIF($4, 0),
			    summary = CASE WHEN LENGTH($5) >= LENGTH(summary) THEN $5 ELSE summary END
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, update,
			job.ID, job.Status, job.FinishedAt, job.DurationMs, job.Summary); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}

	s.logger.Debug("job upserted",
		slog.String("job_id", job.ID),
		slog.String("task_id", job.TaskID),
		slog.String("status", job.Status))
	return nil
}

// ListJobsByTask returns jobs for a task ordered by started_at descending.
func (s *Store) ListJobsByTask(ctx context.Context, taskID string, limit int) ([]storage.Job, error) {
	query := `
		SELECT id, task_id, user_id, session_key, status, started_at,
		       COALESCE(finished_at, 0), COALESCE(duration_ms, 0), summary
		FROM jobs
		WHERE task_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []storage.Job
	for rows.Next() {
		var j storage.Job
		if err := rows.Scan(&j.ID, &j.TaskID, &j.UserID, &j.SessionKey, &j.Status,
			&j.StartedAt, &j.FinishedAt, &j.DurationMs, &j.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// SweepOldMessages deletes messages older than maxAge. Driven by the
// retention cron.
func (s *Store) SweepOldMessages(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep messages: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.Info("old messages swept", slog.Int64("deleted", deleted))
	}
	return deleted, nil
}

// SweepOldJobs deletes terminal jobs older than maxAge.
func (s *Store) SweepOldJobs(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status <> 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep jobs: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.Info("old jobs swept", slog.Int64("deleted", deleted))
	}
	return deleted, nil
}
