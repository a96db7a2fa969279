// Package queue implements a durable background job queue over the shared
// database. Jobs survive restarts; claims are atomic conditional updates, so
// multiple pool workers never run the same job twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusStalled    Status = "stalled" // exhausted retries or permanent failure; retryable by operator
	StatusCancelled  Status = "cancelled"
)

// Job is one unit of background work.
type Job struct {
	ID          string     `db:"id" json:"id"`
	Type        string     `db:"type" json:"type"`
	Payload     string     `db:"payload" json:"payload"`
	Status      Status     `db:"status" json:"status"`
	Priority    int        `db:"priority" json:"priority"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"maxAttempts"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	LastError   string     `db:"last_error" json:"lastError,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("failed to decode payload for job %s: %w", j.ID, err)
	}
	return nil
}

// Handler executes one job type. A nil return completes the job; an error
// schedules a retry unless it is permanent.
type Handler func(ctx context.Context, job *Job) error

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the pool stalls the job immediately instead of
// retrying. Use for malformed payloads and configuration problems.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the error chain contains a permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Stats summarizes queue depth by status.
type Stats struct {
	Pending    int `db:"pending" json:"pending"`
	Processing int `db:"processing" json:"processing"`
	Completed  int `db:"completed" json:"completed"`
	Stalled    int `db:"stalled" json:"stalled"`
	Cancelled  int `db:"cancelled" json:"cancelled"`
}
