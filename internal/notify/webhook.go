package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook delivers messages to an arbitrary HTTP endpoint as a JSON body
// of the shape {"title": ..., "message": ...}.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a webhook transport for the given URL.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies this transport in dispatcher logs.
func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Send posts one message. Any response outside the 2xx range counts as a
// delivery failure.
func (w *Webhook) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(webhookPayload{Title: title, Message: message})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook POST: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected message: %s", resp.Status)
	}
	return nil
}
