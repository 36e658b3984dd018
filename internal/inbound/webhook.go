package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const processAudioPath = "/webhooks/process-audio"

// ErrWebhookStatus is returned when the backend answers with a non-2xx code.
var ErrWebhookStatus = errors.New("webhook returned error status")

// Delivery is the audio webhook payload. Audio is base64-encoded on the wire.
type Delivery struct {
	From      string `json:"from"`
	MessageID string `json:"message_id"`
	Audio     []byte `json:"audio"`
}

// Deliverer forwards audio to the backend.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// WebhookDeliverer posts deliveries to the backend's audio webhook.
type WebhookDeliverer struct {
	url    string
	client *http.Client
}

// NewWebhookDeliverer creates a deliverer for baseURL.
func NewWebhookDeliverer(baseURL string, client *http.Client) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookDeliverer{url: baseURL + processAudioPath, client: client}
}

// Deliver performs one POST. It does not retry.
func (w *WebhookDeliverer) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrWebhookStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Deliverer = (*WebhookDeliverer)(nil)
