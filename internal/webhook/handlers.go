package webhook

import (
	"context"
	"fmt"
)

// WorkerWriter is the slice of the worker manager the prompt handler needs.
type WorkerWriter interface {
	IsActivated(workerID string) bool
	Write(workerID string, data []byte) error
}

// AgentPromptHandler forwards the event summary into the target agent's
// terminal as synthetic input, so the agent can react to repository activity.
type AgentPromptHandler struct {
	writer WorkerWriter
}

// NewAgentPromptHandler creates the handler.
func NewAgentPromptHandler(writer WorkerWriter) *AgentPromptHandler {
	return &AgentPromptHandler{writer: writer}
}

// ID implements Handler.
func (h *AgentPromptHandler) ID() string { return "agent-prompt" }

// Handle implements Handler. A hibernated worker is a no-op, not a failure;
// the event is not worth reactivating a process for.
func (h *AgentPromptHandler) Handle(ctx context.Context, event *Event, target Target) (bool, error) {
	if !h.writer.IsActivated(target.WorkerID) {
		return false, nil
	}
	prompt := fmt.Sprintf("[%s] %s", event.Provider, event.Summary)
	if event.Detail != "" {
		prompt += "\n" + event.Detail
	}
	if err := h.writer.Write(target.WorkerID, []byte(prompt+"\n")); err != nil {
		return false, err
	}
	return true, nil
}
