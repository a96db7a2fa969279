package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/queue"
)

// TargetResolver maps a normalized event to the sessions and workers that
// should hear about it.
type TargetResolver interface {
	Resolve(ctx context.Context, event *Event) ([]Target, error)
}

// Pipeline is the job handler for inbound webhook deliveries.
type Pipeline struct {
	parsers  map[string]Parser
	handlers []Handler
	resolver TargetResolver
	ledger   *Ledger
	logger   *logger.Logger
}

// NewPipeline creates an empty pipeline; register parsers and handlers
// before wiring it into the queue.
func NewPipeline(resolver TargetResolver, ledger *Ledger, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		parsers:  make(map[string]Parser),
		resolver: resolver,
		ledger:   ledger,
		logger:   log.WithFields(zap.String("component", "webhook-pipeline")),
	}
}

// RegisterParser adds a provider parser.
func (p *Pipeline) RegisterParser(parser Parser) {
	p.parsers[parser.ID()] = parser
}

// RegisterHandler appends a delivery handler. Every handler runs for every
// resolved target, each guarded by its own ledger tuple.
func (p *Pipeline) RegisterHandler(h Handler) {
	p.handlers = append(p.handlers, h)
}

// HandleJob processes one inbound delivery job. Unknown providers and
// unparseable payloads are permanent failures; zero resolved targets is a
// normal success. Handler errors are transient and retried by the queue,
// with the ledger preventing double execution.
func (p *Pipeline) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return queue.Permanent(err)
	}

	parser, ok := p.parsers[payload.Provider]
	if !ok {
		return queue.Permanent(fmt.Errorf("no parser registered for provider %q", payload.Provider))
	}

	event, err := parser.Parse(payload.Headers, payload.Body)
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to parse %s delivery: %w", payload.Provider, err))
	}

	targets, err := p.resolver.Resolve(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to resolve targets: %w", err)
	}
	if len(targets) == 0 {
		p.logger.Debug("webhook event matched no sessions",
			zap.String("provider", event.Provider),
			zap.String("repository", event.Repository),
			zap.String("branch", event.Branch))
		return nil
	}

	for _, target := range targets {
		for _, handler := range p.handlers {
			if err := p.deliver(ctx, job.ID, event, target, handler); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliver runs one handler for one target under the idempotency ledger.
func (p *Pipeline) deliver(ctx context.Context, jobID string, event *Event, target Target, handler Handler) error {
	entry, err := p.ledger.Get(ctx, jobID, target, handler.ID())
	if err != nil {
		return err
	}
	switch {
	case entry != nil && entry.Status == LedgerDelivered:
		return nil
	case entry != nil && entry.Status == LedgerPending:
		// A prior attempt crashed after creating the row. The handler may
		// have partially executed, so do not run it again.
		return p.ledger.MarkDelivered(ctx, jobID, target, handler.ID())
	}

	if err := p.ledger.CreatePending(ctx, jobID, target, handler.ID(), event); err != nil {
		return err
	}

	acted, err := handler.Handle(ctx, event, target)
	if err != nil {
		return fmt.Errorf("handler %s failed for worker %s: %w", handler.ID(), target.WorkerID, err)
	}

	p.logger.Info("webhook delivered",
		zap.String("job_id", jobID),
		zap.String("handler", handler.ID()),
		zap.String("session_id", target.SessionID),
		zap.String("worker_id", target.WorkerID),
		zap.Bool("acted", acted))

	// Delivered regardless of whether the handler took action.
	return p.ledger.MarkDelivered(ctx, jobID, target, handler.ID())
}
