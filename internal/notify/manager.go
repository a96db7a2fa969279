package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/events"
	"github.com/ms2sato/agent-console-sub007/internal/events/bus"
)

// Notification event types a user can subscribe to.
const (
	EventWorkerAsking = "worker.asking" // agent is waiting for input
	EventWorkerExited = "worker.exited"
	EventJobStalled   = "job.stalled"
)

// Predicate decides whether a notification event should be delivered.
// Injected so callers can mute classes of events without touching delivery.
type Predicate func(eventType string, data map[string]interface{}) bool

// AllowList builds a predicate from the configured event type list.
func AllowList(eventTypes []string) Predicate {
	allowed := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		allowed[t] = true
	}
	return func(eventType string, _ map[string]interface{}) bool {
		return allowed[eventType]
	}
}

// Manager listens on the event bus and fans qualifying events out to the
// configured providers. Delivery failures are logged, never propagated; a
// broken chat hook must not affect worker lifecycle.
type Manager struct {
	bus       bus.EventBus
	providers []Provider
	predicate Predicate
	logger    *logger.Logger

	subs []bus.Subscription
}

// NewManager creates a notification manager.
func NewManager(eventBus bus.EventBus, providers []Provider, predicate Predicate, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if predicate == nil {
		predicate = func(string, map[string]interface{}) bool { return true }
	}
	return &Manager{
		bus:       eventBus,
		providers: providers,
		predicate: predicate,
		logger:    log.WithFields(zap.String("component", "notify-manager")),
	}
}

// Start subscribes to the lifecycle subjects.
func (m *Manager) Start() error {
	subjects := map[string]bus.EventHandler{
		events.BuildWorkerActivityWildcardSubject(): m.onActivity,
		events.BuildWorkerExitWildcardSubject():     m.onExit,
		events.JobStalled:                           m.onJobStalled,
	}
	for subject, handler := range subjects {
		sub, err := m.bus.Subscribe(subject, handler)
		if err != nil {
			m.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// Stop drops all subscriptions.
func (m *Manager) Stop() {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	m.subs = nil
}

func (m *Manager) onActivity(ctx context.Context, event *bus.Event) error {
	if asString(event.Data, "state") != "asking" {
		return nil
	}
	m.deliver(ctx, EventWorkerAsking, Message{
		EventType: EventWorkerAsking,
		Title:     "Agent waiting for input",
		Body:      fmt.Sprintf("worker %s is asking for input", asString(event.Data, "worker_id")),
		SessionID: asString(event.Data, "session_id"),
		WorkerID:  asString(event.Data, "worker_id"),
	}, event.Data)
	return nil
}

func (m *Manager) onExit(ctx context.Context, event *bus.Event) error {
	m.deliver(ctx, EventWorkerExited, Message{
		EventType: EventWorkerExited,
		Title:     "Worker exited",
		Body: fmt.Sprintf("worker %s exited with code %v",
			asString(event.Data, "worker_id"), event.Data["exit_code"]),
		SessionID: asString(event.Data, "session_id"),
		WorkerID:  asString(event.Data, "worker_id"),
	}, event.Data)
	return nil
}

func (m *Manager) onJobStalled(ctx context.Context, event *bus.Event) error {
	m.deliver(ctx, EventJobStalled, Message{
		EventType: EventJobStalled,
		Title:     "Background job stalled",
		Body: fmt.Sprintf("job %s (%s) exhausted its retries",
			asString(event.Data, "job_id"), asString(event.Data, "type")),
	}, event.Data)
	return nil
}

func (m *Manager) deliver(ctx context.Context, eventType string, message Message, data map[string]interface{}) {
	if !m.predicate(eventType, data) {
		return
	}
	for _, provider := range m.providers {
		if !provider.Available() {
			continue
		}
		if err := provider.Send(ctx, message); err != nil {
			m.logger.Warn("notification delivery failed",
				zap.String("provider", provider.Name()),
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}
}

func asString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
