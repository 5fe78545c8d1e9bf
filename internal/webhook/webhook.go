// Package webhook fans out transcription-completed notifications to
// user-configured HTTP endpoints with bounded retries. Delivery failures are
// logged to the webhook log sink and never fail the owning session.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Webhook is one configured endpoint. CRUD is owned by the storage
// collaborator; the dispatcher only reads.
type Webhook struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Description   string    `json:"description"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	LastTriggered time.Time `json:"last_triggered"`
}

// Payload is the wire format POSTed to each endpoint.
type Payload struct {
	Event         string               `json:"event"`
	Timestamp     string               `json:"timestamp"`
	Transcription TranscriptionPayload `json:"transcription"`
	Model         ModelPayload         `json:"model"`
	App           AppPayload           `json:"app"`
}

// TranscriptionPayload carries the finalised transcript fields.
type TranscriptionPayload struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
	AudioFile  string `json:"audio_file"`
	FileSize   int64  `json:"file_size"`
}

// ModelPayload identifies the model that produced the transcript.
type ModelPayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AppPayload identifies the producing application.
type AppPayload struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// EventTranscriptionCompleted is the only event currently emitted.
const EventTranscriptionCompleted = "transcription.completed"

// NewPayload builds a Payload for a completed transcription.
func NewPayload(t TranscriptionPayload, m ModelPayload, appVersion string) Payload {
	return Payload{
		Event:         EventTranscriptionCompleted,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Transcription: t,
		Model:         m,
		App: AppPayload{
			Name:     "scout",
			Version:  appVersion,
			Platform: runtime.GOOS,
		},
	}
}

// DeliveryLog records the outcome of one delivery attempt sequence.
type DeliveryLog struct {
	WebhookID  string    `json:"webhook_id"`
	Event      string    `json:"event"`
	StatusCode int       `json:"status_code"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogSink receives delivery logs. The postgres store implements it; a nil
// sink drops logs after the slog record.
type LogSink interface {
	LogDelivery(ctx context.Context, entry DeliveryLog) error
}

// maxAttempts bounds delivery tries per webhook: one initial attempt plus
// two retries, after 1 s and then 2 s.
const maxAttempts = 3

// Dispatcher POSTs payloads to enabled webhooks. Safe for concurrent use.
type Dispatcher struct {
	client  *http.Client
	sink    LogSink
	backoff time.Duration
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithClient substitutes the HTTP client (tests shorten timeouts).
func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogSink sets the delivery log destination.
func WithLogSink(s LogSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithBackoffBase overrides the first retry delay (default 1 s; doubled per
// retry). Tests use small values.
func WithBackoffBase(base time.Duration) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.backoff = base
		}
	}
}

// NewDispatcher creates a Dispatcher with a 10-second per-request timeout.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:  &http.Client{Timeout: 10 * time.Second},
		backoff: time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch delivers payload to every enabled webhook concurrently and blocks
// until all delivery sequences finish (or ctx is cancelled). Failures are
// logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, hooks []Webhook, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("webhook: marshal payload", "err", err)
		return
	}

	var wg sync.WaitGroup
	for _, hook := range hooks {
		if !hook.Enabled {
			continue
		}
		wg.Add(1)
		go func(hook Webhook) {
			defer wg.Done()
			d.deliver(ctx, hook, payload.Event, body)
		}(hook)
	}
	wg.Wait()
}

// deliver runs the bounded retry sequence for one webhook and writes the
// delivery log.
func (d *Dispatcher) deliver(ctx context.Context, hook Webhook, event string, body []byte) {
	var (
		status   int
		attempts int
		lastErr  error
	)

	for attempts < maxAttempts {
		attempts++
		status, lastErr = d.post(ctx, hook.URL, body)

		if lastErr == nil && status < 300 {
			break
		}
		if !retryable(status, lastErr) {
			break
		}
		if attempts == maxAttempts {
			break
		}

		delay := d.backoff << (attempts - 1) // 1s, then 2s
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	entry := DeliveryLog{
		WebhookID:  hook.ID,
		Event:      event,
		StatusCode: status,
		Attempts:   attempts,
		CreatedAt:  time.Now().UTC(),
	}
	if lastErr != nil {
		entry.Error = lastErr.Error()
	} else if status >= 300 {
		entry.Error = fmt.Sprintf("HTTP %d", status)
	}

	if entry.Error == "" {
		slog.Debug("webhook delivered", "webhook_id", hook.ID, "url", hook.URL, "attempts", attempts)
	} else {
		slog.Warn("webhook delivery failed", "webhook_id", hook.ID, "url", hook.URL,
			"attempts", attempts, "status", status, "err", entry.Error)
	}

	if d.sink != nil {
		if err := d.sink.LogDelivery(ctx, entry); err != nil {
			slog.Warn("webhook: log delivery", "webhook_id", hook.ID, "err", err)
		}
	}
}

// post performs one delivery attempt.
func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// retryable reports whether a failed attempt should be retried: network
// errors and 5xx always, 408 and 429 among the 4xx family, nothing else.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
