package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ms2sato/agent-console-sub007/internal/db"
)

// Ledger persists delivery records keyed by (job, session, worker, handler).
// A row is written before its handler runs; retries consult it to decide
// whether the handler may run again.
type Ledger struct {
	pool *db.Pool
}

// NewLedger creates a ledger over the shared pool.
func NewLedger(pool *db.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Get returns the entry for the tuple, or nil when none exists.
func (l *Ledger) Get(ctx context.Context, jobID string, t Target, handlerID string) (*LedgerEntry, error) {
	var entry LedgerEntry
	r := l.pool.Reader()
	err := r.GetContext(ctx, &entry, r.Rebind(`
		SELECT job_id, session_id, worker_id, handler_id, status,
			event_type, event_summary, created_at, notified_at
		FROM inbound_event_notifications
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?
	`), jobID, t.SessionID, t.WorkerID, handlerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read notification ledger: %w", err)
	}
	return &entry, nil
}

// CreatePending inserts a pending row for the tuple. Must happen before the
// handler runs so a crash between handler and ledger update still blocks
// re-execution on the next attempt.
func (l *Ledger) CreatePending(ctx context.Context, jobID string, t Target, handlerID string, event *Event) error {
	w := l.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO inbound_event_notifications
			(job_id, session_id, worker_id, handler_id, status, event_type, event_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), jobID, t.SessionID, t.WorkerID, handlerID, LedgerPending,
		event.Type, event.Summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return nil
}

// MarkDelivered flips the tuple to delivered.
func (l *Ledger) MarkDelivered(ctx context.Context, jobID string, t Target, handlerID string) error {
	w := l.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE inbound_event_notifications
		SET status = ?, notified_at = ?
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?
	`), LedgerDelivered, time.Now().UTC(), jobID, t.SessionID, t.WorkerID, handlerID)
	if err != nil {
		return fmt.Errorf("failed to mark ledger entry delivered: %w", err)
	}
	return nil
}

// CountForJob returns how many ledger rows a job produced. Used by tests and
// the jobs API detail view.
func (l *Ledger) CountForJob(ctx context.Context, jobID string) (int, error) {
	var n int
	r := l.pool.Reader()
	err := r.GetContext(ctx, &n, r.Rebind(`
		SELECT COUNT(*) FROM inbound_event_notifications WHERE job_id = ?
	`), jobID)
	return n, err
}
