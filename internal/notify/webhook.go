package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ms2sato/agent-console-sub007/internal/common/constants"
)

// WebhookProvider posts notifications as JSON to a single URL. The payload
// shape matches what Slack-compatible incoming webhooks accept, with the
// structured fields alongside.
type WebhookProvider struct {
	url    string
	client *http.Client
}

// NewWebhookProvider creates a provider for the configured URL.
func NewWebhookProvider(url string) *WebhookProvider {
	return &WebhookProvider{
		url:    url,
		client: &http.Client{Timeout: constants.NotifySendTimeout},
	}
}

// Name implements Provider.
func (p *WebhookProvider) Name() string { return "webhook" }

// Available implements Provider.
func (p *WebhookProvider) Available() bool { return p.url != "" }

// Send implements Provider.
func (p *WebhookProvider) Send(ctx context.Context, message Message) error {
	payload := map[string]string{
		"text":       fmt.Sprintf("%s: %s", message.Title, message.Body),
		"event_type": message.EventType,
		"session_id": message.SessionID,
		"worker_id":  message.WorkerID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
