package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
	})

	resp, err := d.Dispatch(context.Background(), &Message{
		ID:     "req-1",
		Type:   MessageTypeRequest,
		Action: ActionHealthCheck,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Type != MessageTypeResponse || resp.ID != "req-1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	var payload map[string]string
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDispatchUnknownActionReturnsErrorMessage(t *testing.T) {
	d := NewDispatcher()

	resp, err := d.Dispatch(context.Background(), &Message{
		ID:     "req-2",
		Type:   MessageTypeRequest,
		Action: "no.such.action",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Type != MessageTypeError {
		t.Fatalf("expected error message, got %s", resp.Type)
	}

	var payload ErrorPayload
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.Code != ErrorCodeUnknownAction {
		t.Errorf("code = %q", payload.Code)
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	d := NewDispatcher()
	want := errors.New("backend unavailable")
	d.RegisterFunc(ActionStateSync, func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, want
	})

	_, err := d.Dispatch(context.Background(), &Message{Action: ActionStateSync})
	if !errors.Is(err, want) {
		t.Errorf("Dispatch error = %v", err)
	}
}

func TestHasHandler(t *testing.T) {
	d := NewDispatcher()
	if d.HasHandler(ActionWorkerInput) {
		t.Error("handler reported before registration")
	}
	d.RegisterFunc(ActionWorkerInput, func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, nil
	})
	if !d.HasHandler(ActionWorkerInput) {
		t.Error("handler not reported after registration")
	}
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	notif, err := NewNotification(ActionWorkerData, map[string]any{
		"worker_id": "w1",
		"data":      "output",
		"offset":    float64(42),
	})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if notif.ID != "" || notif.Type != MessageTypeNotification {
		t.Errorf("unexpected envelope: %+v", notif)
	}

	raw, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Action != ActionWorkerData {
		t.Errorf("action = %q", decoded.Action)
	}
	var payload map[string]any
	if err := decoded.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload["worker_id"] != "w1" || payload["offset"] != float64(42) {
		t.Errorf("payload = %v", payload)
	}
}
