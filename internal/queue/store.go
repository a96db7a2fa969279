package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
	"github.com/ms2sato/agent-console-sub007/internal/db"
)

// Store persists jobs. Every transition is a conditional update guarded by
// the expected current status; the returned bool is false when another
// process transitioned the row first.
type Store struct {
	pool *db.Pool
}

// NewStore creates a job store over the shared pool.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Insert persists a new pending job.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts,
			next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.Type, job.Payload, job.Status, job.Priority, job.Attempts,
		job.MaxAttempts, job.NextRetryAt, job.LastError, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority due pending job. Returns
// nil with no error when nothing is due. Candidates are read first, then
// claimed with a conditional update; losing a race just moves on to the next
// candidate.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	r := s.pool.Reader()
	var candidates []string
	err := r.SelectContext(ctx, &candidates, r.Rebind(`
		SELECT id FROM jobs
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 5
	`), StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}

	w := s.pool.Writer()
	for _, id := range candidates {
		res, err := w.ExecContext(ctx, w.Rebind(`
			UPDATE jobs
			SET status = ?, started_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = ?
		`), StatusProcessing, now, id, StatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		return s.Get(ctx, id)
	}
	return nil, nil
}

// Complete marks a processing job completed.
func (s *Store) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE jobs SET status = ?, completed_at = ?, last_error = ''
		WHERE id = ? AND status = ?
	`), StatusCompleted, now, id, StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ScheduleRetry returns a processing job to pending with a retry time.
func (s *Store) ScheduleRetry(ctx context.Context, id string, retryAt time.Time, lastError string) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE jobs SET status = ?, next_retry_at = ?, last_error = ?
		WHERE id = ? AND status = ?
	`), StatusPending, retryAt, lastError, id, StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkStalled parks a processing job. Used both for exhausted retries and
// for permanent failures; stalled jobs stay visible until an operator
// retries or cancels them.
func (s *Store) MarkStalled(ctx context.Context, id string, now time.Time, lastError string) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE jobs SET status = ?, completed_at = ?, last_error = ?
		WHERE id = ? AND status = ?
	`), StatusStalled, now, lastError, id, StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Retry returns a stalled job to pending. Attempts are preserved, so each
// manual retry grants exactly one more run. False for any other status.
func (s *Store) Retry(ctx context.Context, id string) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE jobs
		SET status = ?, next_retry_at = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?
	`), StatusPending, id, StatusStalled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Cancel cancels a pending or stalled job. Processing jobs cannot be
// preempted; the caller waits for completion or stall.
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`), StatusCancelled, now, id, StatusPending, StatusStalled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get fetches a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	r := s.pool.Reader()
	err := r.GetContext(ctx, &job, r.Rebind(`
		SELECT id, type, payload, status, priority, attempts, max_attempts,
			next_retry_at, last_error, created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	r := s.pool.Reader()
	var jobs []*Job
	var err error
	if status == "" {
		err = r.SelectContext(ctx, &jobs, r.Rebind(`
			SELECT id, type, payload, status, priority, attempts, max_attempts,
				next_retry_at, last_error, created_at, started_at, completed_at
			FROM jobs ORDER BY created_at DESC LIMIT ?
		`), limit)
	} else {
		err = r.SelectContext(ctx, &jobs, r.Rebind(`
			SELECT id, type, payload, status, priority, attempts, max_attempts,
				next_retry_at, last_error, created_at, started_at, completed_at
			FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?
		`), status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetStats counts jobs by status.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, `
		SELECT status, COUNT(*) AS n FROM jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = n
		case StatusProcessing:
			stats.Processing = n
		case StatusCompleted:
			stats.Completed = n
		case StatusStalled:
			stats.Stalled = n
		case StatusCancelled:
			stats.Cancelled = n
		}
	}
	return &stats, rows.Err()
}

// DeleteCompletedBefore prunes terminal jobs older than the cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM jobs
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`), StatusCompleted, StatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
