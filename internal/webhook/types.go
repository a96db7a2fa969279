// Package webhook turns provider webhook deliveries into agent actions. The
// HTTP layer only enqueues a job with the raw payload; parsing, target
// resolution, and handler dispatch all run inside the job queue so a crash
// mid-delivery is retried with idempotency.
package webhook

import (
	"context"
	"time"
)

// Event is a provider-agnostic view of one inbound delivery.
type Event struct {
	Provider   string `json:"provider"`
	Type       string `json:"type"`       // provider event name, e.g. "push", "issue_comment"
	Repository string `json:"repository"` // full name, e.g. "acme/widget"
	Branch     string `json:"branch,omitempty"`
	Summary    string `json:"summary"` // one-line human description
	Detail     string `json:"detail,omitempty"`
	Sender     string `json:"sender,omitempty"`
}

// Parser authenticates and parses one provider's deliveries.
type Parser interface {
	// ID is the provider identifier used in ingest URLs and job payloads.
	ID() string
	// Parse verifies the delivery and returns the normalized event. Any
	// error is permanent; a bad signature does not get better on retry.
	Parse(headers map[string]string, body []byte) (*Event, error)
}

// Target is one session/worker pair an event resolved to.
type Target struct {
	SessionID string
	WorkerID  string
}

// Handler reacts to an event for one target. The bool result records whether
// the handler took action; false is a normal no-op, not a failure.
type Handler interface {
	ID() string
	Handle(ctx context.Context, event *Event, target Target) (bool, error)
}

// JobType is the queue job type the pipeline consumes.
const JobType = "webhook.inbound"

// JobPayload is the raw delivery as enqueued by the ingest endpoint.
type JobPayload struct {
	Provider string            `json:"provider"`
	Headers  map[string]string `json:"headers"`
	Body     []byte            `json:"body"`
}

// LedgerStatus is the delivery state of one (job, target, handler) tuple.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerDelivered LedgerStatus = "delivered"
)

// LedgerEntry is one idempotency record.
type LedgerEntry struct {
	JobID        string       `db:"job_id"`
	SessionID    string       `db:"session_id"`
	WorkerID     string       `db:"worker_id"`
	HandlerID    string       `db:"handler_id"`
	Status       LedgerStatus `db:"status"`
	EventType    string       `db:"event_type"`
	EventSummary string       `db:"event_summary"`
	CreatedAt    time.Time    `db:"created_at"`
	NotifiedAt   *time.Time   `db:"notified_at"`
}
