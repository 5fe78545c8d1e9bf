package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arach/scout/internal/webhook"
)

// recordingSink collects delivery logs in memory.
type recordingSink struct {
	mu      sync.Mutex
	entries []webhook.DeliveryLog
}

func (s *recordingSink) LogDelivery(_ context.Context, entry webhook.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) logs() []webhook.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webhook.DeliveryLog, len(s.entries))
	copy(out, s.entries)
	return out
}

func testPayload() webhook.Payload {
	return webhook.NewPayload(
		webhook.TranscriptionPayload{ID: "t-1", Text: "hello", DurationMs: 3300},
		webhook.ModelPayload{Name: "ggml-base.en", Version: "base.en"},
		"0.4.0",
	)
}

func hook(url string) webhook.Webhook {
	return webhook.Webhook{ID: "w-1", URL: url, Enabled: true}
}

func newDispatcher(sink webhook.LogSink) *webhook.Dispatcher {
	return webhook.NewDispatcher(
		webhook.WithLogSink(sink),
		webhook.WithBackoffBase(time.Millisecond),
	)
}

func TestDeliverySuccess(t *testing.T) {
	t.Parallel()

	var gotContentType atomic.Value
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotContentType.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	newDispatcher(sink).Dispatch(context.Background(), []webhook.Webhook{hook(srv.URL)}, testPayload())

	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if ct := gotContentType.Load(); ct != "application/json" {
		t.Fatalf("Content-Type = %v, want application/json", ct)
	}
	logs := sink.logs()
	if len(logs) != 1 || logs[0].Attempts != 1 || logs[0].Error != "" {
		t.Fatalf("logs = %+v, want one clean entry", logs)
	}
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	newDispatcher(sink).Dispatch(context.Background(), []webhook.Webhook{hook(srv.URL)}, testPayload())

	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want exactly 3 (503, 503, 200)", got)
	}
	logs := sink.logs()
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if logs[0].Attempts != 3 || logs[0].StatusCode != http.StatusOK || logs[0].Error != "" {
		t.Fatalf("log = %+v, want 3 attempts ending in 200", logs[0])
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	newDispatcher(sink).Dispatch(context.Background(), []webhook.Webhook{hook(srv.URL)}, testPayload())

	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	logs := sink.logs()
	if len(logs) != 1 || logs[0].Error == "" {
		t.Fatalf("log = %+v, want recorded failure", logs)
	}
}

func TestNoRetryOn404(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	newDispatcher(sink).Dispatch(context.Background(), []webhook.Webhook{hook(srv.URL)}, testPayload())

	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1 (4xx is terminal)", got)
	}
}

func TestRetryOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	newDispatcher(sink).Dispatch(context.Background(), []webhook.Webhook{hook(srv.URL)}, testPayload())

	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2 (429 retries)", got)
	}
}

func TestDisabledWebhookSkipped(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	h := hook(srv.URL)
	h.Enabled = false
	sink := &recordingSink{}
	newDispatcher(sink).Dispatch(context.Background(), []webhook.Webhook{h}, testPayload())

	if got := calls.Load(); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
	if len(sink.logs()) != 0 {
		t.Fatal("disabled webhook should produce no log entry")
	}
}

func TestNetworkErrorRetriesAndLogs(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	// Unroutable address: every attempt is a network error.
	newDispatcher(sink).Dispatch(context.Background(),
		[]webhook.Webhook{hook("http://127.0.0.1:1/webhook")}, testPayload())

	logs := sink.logs()
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if logs[0].Attempts != 3 || logs[0].Error == "" {
		t.Fatalf("log = %+v, want 3 failed attempts", logs[0])
	}
}
