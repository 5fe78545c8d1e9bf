package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arach/scout/internal/store"
	"github.com/arach/scout/pkg/audio/capture"
)

// SaveTranscript implements [store.TranscriptStore]. A zero ID or CreatedAt
// is filled in before the insert.
func (s *Store) SaveTranscript(ctx context.Context, t *store.Transcript) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("transcript store: marshal metadata: %w", err)
	}
	audioMetadata, err := json.Marshal(t.AudioMetadata)
	if err != nil {
		return fmt.Errorf("transcript store: marshal audio metadata: %w", err)
	}

	const q = `
		INSERT INTO transcripts
		    (id, text, duration_ms, created_at, metadata, audio_metadata, audio_path, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.pool.Exec(ctx, q,
		t.ID, t.Text, t.DurationMs, t.CreatedAt,
		metadata, audioMetadata, t.AudioPath, t.FileSize,
	)
	if err != nil {
		return fmt.Errorf("transcript store: save: %w", err)
	}
	return nil
}

// SaveMetrics implements [store.TranscriptStore].
func (s *Store) SaveMetrics(ctx context.Context, m *store.PerformanceMetrics) error {
	const q = `
		INSERT INTO performance_metrics
		    (transcript_id, strategy, chunk_count, retry_count, abandoned_count,
		     first_result_ms, total_ms, device_name,
		     sample_rate_requested, sample_rate_actual, channels_requested, channels_actual)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, q,
		m.TranscriptID, m.Strategy, m.ChunkCount, m.RetryCount, m.AbandonedCount,
		m.FirstResultMs, m.TotalMs, m.DeviceName,
		m.SampleRateRequested, m.SampleRateActual, m.ChannelsRequested, m.ChannelsActual,
	)
	if err != nil {
		return fmt.Errorf("transcript store: save metrics: %w", err)
	}
	return nil
}

// Transcripts implements [store.TranscriptStore]: newest first, bounded by
// limit when positive.
func (s *Store) Transcripts(ctx context.Context, limit int) ([]store.Transcript, error) {
	q := `
		SELECT id, text, duration_ms, created_at, metadata, audio_metadata, audio_path, file_size
		FROM   transcripts
		ORDER  BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	return collectTranscripts(rows)
}

// Transcript implements [store.TranscriptStore].
func (s *Store) Transcript(ctx context.Context, id string) (*store.Transcript, error) {
	const q = `
		SELECT id, text, duration_ms, created_at, metadata, audio_metadata, audio_path, file_size
		FROM   transcripts
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("transcript store: get: %w", err)
	}
	ts, err := collectTranscripts(rows)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("transcript store: id %q: %w", id, store.ErrNotFound)
	}
	return &ts[0], nil
}

// DeleteTranscript implements [store.TranscriptStore]. Metrics rows cascade.
func (s *Store) DeleteTranscript(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcripts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("transcript store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transcript store: id %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// EnqueueDeadLetter implements [store.DeadLetterQueue].
func (s *Store) EnqueueDeadLetter(ctx context.Context, kind string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, kind, payload) VALUES ($1, $2, $3)`,
		uuid.NewString(), kind, payload,
	)
	if err != nil {
		return fmt.Errorf("dead letter queue: enqueue %q: %w", kind, err)
	}
	return nil
}

// collectTranscripts scans pgx rows into transcript values.
func collectTranscripts(rows pgx.Rows) ([]store.Transcript, error) {
	ts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Transcript, error) {
		var (
			t             store.Transcript
			metadata      []byte
			audioMetadata []byte
		)
		if err := row.Scan(
			&t.ID, &t.Text, &t.DurationMs, &t.CreatedAt,
			&metadata, &audioMetadata, &t.AudioPath, &t.FileSize,
		); err != nil {
			return store.Transcript{}, err
		}
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return store.Transcript{}, err
		}
		t.AudioMetadata = capture.Metadata{}
		if err := json.Unmarshal(audioMetadata, &t.AudioMetadata); err != nil {
			return store.Transcript{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if ts == nil {
		ts = []store.Transcript{}
	}
	return ts, nil
}
