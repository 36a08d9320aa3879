package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Payload is the terminal-state notification body.
type Payload struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notifier delivers job completion callbacks. Delivery is best-effort: a
// failed callback gets one retry, then it is logged and dropped, and it
// never affects the job's own state.
type Notifier struct {
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

// New creates a Notifier with a short per-callback timeout.
func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: 2 * time.Second,
	}
}

// Notify posts the payload to the given URL.
func (n *Notifier) Notify(ctx context.Context, url string, payload Payload) {
	if url == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("Failed to encode webhook payload",
			slog.String("job_id", payload.JobID),
			slog.Any("error", err),
		)
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if n.deliver(ctx, url, payload.JobID, body, attempt) {
			return
		}
		if attempt == 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.retryDelay):
			}
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, url, jobID string, body []byte, attempt int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("Failed to build webhook request",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return true
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("Webhook delivery failed",
			slog.String("job_id", jobID),
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("Webhook delivery rejected",
			slog.String("job_id", jobID),
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.String("status", fmt.Sprintf("%d", resp.StatusCode)),
		)
		return false
	}

	n.logger.Debug("Webhook delivered",
		slog.String("job_id", jobID),
		slog.String("url", url),
	)
	return true
}
