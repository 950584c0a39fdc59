package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chat4all/chat4all/internal/model"
)

// DefaultWebhookTimeout bounds a single webhook POST.
const DefaultWebhookTimeout = 5 * time.Second

// webhookPayload is the body POSTed to the webhook endpoint.
type webhookPayload struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Payload        string            `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// WebhookAdapter delivers messages by POSTing JSON to a fixed URL.
type WebhookAdapter struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookAdapter creates a webhook adapter. A timeout of zero uses
// DefaultWebhookTimeout.
func NewWebhookAdapter(name, url string, timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookAdapter{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (a *WebhookAdapter) Name() string { return a.name }

// Send POSTs the message to the webhook URL. 2xx succeeds; 5xx, 429 and
// transport errors are retryable; any other status is terminal.
func (a *WebhookAdapter) Send(ctx context.Context, msg *model.Message) error {
	body, err := json.Marshal(webhookPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Payload:        msg.Payload,
		Metadata:       msg.Metadata,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		return Terminal(fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return Terminal(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Retryable(fmt.Errorf("webhook %s: %w", a.name, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Retryablef("webhook %s: status %d", a.name, resp.StatusCode)
	default:
		return Terminalf("webhook %s: status %d", a.name, resp.StatusCode)
	}
}
