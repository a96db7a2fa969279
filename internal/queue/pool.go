package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/appctx"
	"github.com/ms2sato/agent-console-sub007/internal/common/constants"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/events"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
}

// Pool claims and executes jobs with a fixed set of workers. Stop waits for
// in-flight jobs to finish; claimed jobs are never abandoned mid-run.
type Pool struct {
	queue  *Queue
	cfg    PoolConfig
	logger *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onResult observes terminal job outcomes (metrics hook).
	onResult func(jobType string, status Status)
}

// NewPool creates a worker pool over the queue.
func NewPool(q *Queue, cfg PoolConfig, log *logger.Logger) *Pool {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		queue:  q,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "queue-pool")),
	}
}

// SetResultObserver registers a callback invoked after every job reaches a
// terminal or retry state.
func (p *Pool) SetResultObserver(fn func(jobType string, status Status)) {
	p.onResult = fn
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("queue pool started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Stop drains the pool. Running jobs finish; pending jobs stay pending and
// are picked up after the next start.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("queue pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything due before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			claimed, err := p.runOne(ctx)
			if err != nil {
				p.logger.Error("claim failed", zap.Int("worker", id), zap.Error(err))
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOne claims and executes a single job. Returns false when nothing was
// due.
func (p *Pool) runOne(ctx context.Context) (bool, error) {
	job, err := p.queue.store.ClaimNext(ctx, nowUTC())
	if err != nil || job == nil {
		return false, err
	}

	// The claim is durable; shutdown must not abandon the job mid-run. The
	// handler and its bookkeeping get a context bounded only by the run
	// timeout, not by the pool's cancellation.
	jobCtx, cancelJob := appctx.Detached(nil, constants.JobRunTimeout)
	defer cancelJob()
	ctx = jobCtx

	handler, ok := p.queue.handler(job.Type)
	if !ok {
		// No handler registered; park the job instead of burning attempts.
		p.finishStalled(ctx, job, fmt.Sprintf("no handler for job type %q", job.Type))
		return true, nil
	}

	p.logger.Debug("job started",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts))

	runErr := p.safeRun(ctx, handler, job)
	switch {
	case runErr == nil:
		if _, err := p.queue.store.Complete(ctx, job.ID, nowUTC()); err != nil {
			p.logger.Error("failed to mark job completed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		p.observe(job.Type, StatusCompleted)
		p.queue.publish(ctx, events.JobCompleted, job)
		p.logger.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type))
	case IsPermanent(runErr):
		p.finishStalled(ctx, job, "permanent: "+runErr.Error())
	case job.Attempts >= job.MaxAttempts:
		p.finishStalled(ctx, job, runErr.Error())
	default:
		retryAt := nowUTC().Add(backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, job.Attempts))
		if _, err := p.queue.store.ScheduleRetry(ctx, job.ID, retryAt, runErr.Error()); err != nil {
			p.logger.Error("failed to schedule retry",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		p.observe(job.Type, StatusPending)
		p.logger.Warn("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(runErr))
	}
	return true, nil
}

// safeRun shields the pool from panicking handlers.
func (p *Pool) safeRun(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) finishStalled(ctx context.Context, job *Job, lastError string) {
	if _, err := p.queue.store.MarkStalled(ctx, job.ID, nowUTC(), lastError); err != nil {
		p.logger.Error("failed to mark job stalled",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	p.observe(job.Type, StatusStalled)
	p.queue.publish(ctx, events.JobStalled, job)
	p.logger.Warn("job stalled",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("last_error", lastError))
}

func (p *Pool) observe(jobType string, status Status) {
	if p.onResult != nil {
		p.onResult(jobType, status)
	}
}

// backoff computes the exponential delay before the next attempt.
func backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
