// Package monitor reports connection status and processing metrics to the
// backend's monitoring endpoints. Reporting is best-effort: failures are
// logged and never surface to callers.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
)

// Status values sent to the monitoring endpoint.
const (
	StatusConnecting      = "connecting"
	StatusConnected       = "connected"
	StatusDisconnected    = "disconnected"
	StatusQRCode          = "qr_code"
	StatusMessageReceived = "message_received"
)

const (
	statusPath    = "/monitoring/whatsapp/status"
	processedPath = "/monitoring/audio/processed"
)

// ErrUnexpectedStatus is returned when the endpoint answers with a non-2xx code.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Attributes are extra fields merged into a status payload.
type Attributes map[string]any

// Reporter receives status transitions and processing metrics.
type Reporter interface {
	// Status reports a state change with optional attributes.
	Status(ctx context.Context, status string, attrs Attributes)

	// Processed reports the outcome of one audio delivery.
	Processed(ctx context.Context, result domain.DeliveryResult)
}

// HTTPReporter posts reports as JSON to the backend.
type HTTPReporter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPReporter creates a reporter targeting baseURL.
func NewHTTPReporter(baseURL string, client *http.Client, logger *slog.Logger) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReporter{baseURL: baseURL, client: client, logger: logger}
}

// Status posts {"status": status, ...attrs}.
func (r *HTTPReporter) Status(ctx context.Context, status string, attrs Attributes) {
	body := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		body[k] = v
	}
	body["status"] = status

	if err := r.post(ctx, statusPath, body); err != nil {
		r.logger.Error("monitoring_update_failed",
			"error", err,
			"status", status,
			"extra_info", map[string]any(attrs))
	}
}

type processedPayload struct {
	Success  bool    `json:"success"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

// Processed posts {"success", "duration", "error"?}. Duration is in seconds.
func (r *HTTPReporter) Processed(ctx context.Context, result domain.DeliveryResult) {
	payload := processedPayload{
		Success:  result.Success,
		Duration: result.Duration.Seconds(),
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}

	if err := r.post(ctx, processedPath, payload); err != nil {
		r.logger.Error("metrics_update_failed",
			"error", err,
			"success", result.Success)
	}
}

func (r *HTTPReporter) post(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, path, resp.StatusCode)
	}
	return nil
}

// Ensure HTTPReporter implements Reporter.
var _ Reporter = (*HTTPReporter)(nil)
