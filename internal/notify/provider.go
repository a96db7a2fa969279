// Package notify delivers outbound notifications for worker and job
// lifecycle events.
package notify

import "context"

// Message is one outbound notification.
type Message struct {
	EventType string
	Title     string
	Body      string
	SessionID string
	WorkerID  string
}

// Provider is one delivery channel.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// Available reports whether the provider can deliver right now.
	Available() bool
	// Send delivers one message.
	Send(ctx context.Context, message Message) error
}
