package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/events"
	"github.com/ms2sato/agent-console-sub007/internal/events/bus"
)

// Queue is the enqueue facade and handler registry. The pool drains it.
type Queue struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	maxAttempts int
}

// New creates a queue over the store.
func New(store *Store, eventBus bus.EventBus, maxAttempts int, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		store:       store,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "queue")),
		handlers:    make(map[string]Handler),
		maxAttempts: maxAttempts,
	}
}

// RegisterHandler binds a handler to a job type. Enqueueing a type with no
// handler is allowed; the job is parked stalled when claimed, without
// burning attempts, and can be retried once a handler is registered.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	q.handlers[jobType] = h
	q.mu.Unlock()
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Enqueue persists a job and returns its ID. The payload is JSON-encoded.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	return q.EnqueueWithPriority(ctx, jobType, payload, 0)
}

// EnqueueWithPriority persists a job with an explicit priority. Higher
// priority jobs are claimed first.
func (q *Queue) EnqueueWithPriority(ctx context.Context, jobType string, payload any, priority int) (string, error) {
	if jobType == "" {
		return "", apperrors.ValidationError("type", "job type is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}
	job := &Job{
		Type:        jobType,
		Payload:     string(encoded),
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return "", err
	}
	q.publish(ctx, events.JobEnqueued, job)
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", jobType))
	return job.ID, nil
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	return q.store.List(ctx, status, limit)
}

// Stats returns queue depth by status.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	return q.store.GetStats(ctx)
}

// Retry returns a stalled job to the queue for one more run.
func (q *Queue) Retry(ctx context.Context, id string) error {
	ok, err := q.store.Retry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflict("job is not stalled")
	}
	q.logger.Info("job retried", zap.String("job_id", id))
	return nil
}

// Cancel cancels a pending or stalled job.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	ok, err := q.store.Cancel(ctx, id, nowUTC())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflict("job is processing or already finished")
	}
	q.logger.Info("job cancelled", zap.String("job_id", id))
	return nil
}

func (q *Queue) publish(ctx context.Context, subject string, job *Job) {
	if q.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "queue", map[string]interface{}{
		"job_id": job.ID,
		"type":   job.Type,
		"status": string(job.Status),
	})
	if err := q.bus.Publish(ctx, subject, evt); err != nil {
		q.logger.Debug("failed to publish job event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
