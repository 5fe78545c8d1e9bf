// Package store defines the persistence collaborator contract of the
// transcription core: transcript and metrics rows, dictionary and webhook
// CRUD, webhook delivery logs, and the dead-letter queue used when a
// persistence write fails mid-session.
//
// The core only talks to these interfaces; the pgx-backed implementation
// lives in the postgres sub-package.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arach/scout/internal/dictionary"
	"github.com/arach/scout/internal/webhook"
	"github.com/arach/scout/pkg/audio/capture"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Metadata is the transcript metadata JSON blob.
type Metadata struct {
	Model      string `json:"model"`
	Strategy   string `json:"strategy"`
	Chunks     int    `json:"chunks"`
	AppContext string `json:"app_context,omitempty"`
}

// Transcript is one persisted transcription. Immutable once written.
type Transcript struct {
	ID            string           `json:"id"`
	Text          string           `json:"text"`
	DurationMs    int64            `json:"duration_ms"`
	CreatedAt     time.Time        `json:"created_at"`
	Metadata      Metadata         `json:"metadata"`
	AudioMetadata capture.Metadata `json:"audio_metadata"`
	AudioPath     string           `json:"audio_path"`
	FileSize      int64            `json:"file_size"`
}

// PerformanceMetrics is the per-session latency/throughput row.
type PerformanceMetrics struct {
	TranscriptID        string `json:"transcript_id"`
	Strategy            string `json:"strategy"`
	ChunkCount          int    `json:"chunk_count"`
	RetryCount          int    `json:"retry_count"`
	AbandonedCount      int    `json:"abandoned_count"`
	FirstResultMs       int64  `json:"first_result_ms"`
	TotalMs             int64  `json:"total_ms"`
	DeviceName          string `json:"device_name"`
	SampleRateRequested int    `json:"sample_rate_requested"`
	SampleRateActual    int    `json:"sample_rate_actual"`
	ChannelsRequested   int    `json:"channels_requested"`
	ChannelsActual      int    `json:"channels_actual"`
}

// DeadLetter is a failed persistence payload queued for external retry.
type DeadLetter struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// TranscriptStore persists transcripts and their metrics rows.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t *Transcript) error
	SaveMetrics(ctx context.Context, m *PerformanceMetrics) error
	Transcripts(ctx context.Context, limit int) ([]Transcript, error)
	Transcript(ctx context.Context, id string) (*Transcript, error)
	DeleteTranscript(ctx context.Context, id string) error
}

// DictionaryStore owns dictionary entry CRUD.
type DictionaryStore interface {
	DictionaryEntries(ctx context.Context) ([]dictionary.Entry, error)
	SaveDictionaryEntry(ctx context.Context, e *dictionary.Entry) error
	DeleteDictionaryEntry(ctx context.Context, id string) error
}

// WebhookStore owns webhook CRUD and the delivery log.
type WebhookStore interface {
	webhook.LogSink

	Webhooks(ctx context.Context) ([]webhook.Webhook, error)
	SaveWebhook(ctx context.Context, w *webhook.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	TouchWebhook(ctx context.Context, id string, at time.Time) error
}

// DeadLetterQueue receives payloads whose primary write failed.
type DeadLetterQueue interface {
	EnqueueDeadLetter(ctx context.Context, kind string, payload []byte) error
}

// Store is the full persistence surface.
type Store interface {
	TranscriptStore
	DictionaryStore
	WebhookStore
	DeadLetterQueue
}
