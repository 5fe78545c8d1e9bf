// Package postgres provides the pgx-backed implementation of the store
// collaborator contract. All tables share a single [pgxpool.Pool];
// [Migrate] is idempotent and safe to run on every application start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id              TEXT         PRIMARY KEY,
    text            TEXT         NOT NULL,
    duration_ms     BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    metadata        JSONB        NOT NULL DEFAULT '{}',
    audio_metadata  JSONB        NOT NULL DEFAULT '{}',
    audio_path      TEXT         NOT NULL DEFAULT '',
    file_size       BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_transcripts_created_at
    ON transcripts (created_at DESC);
`

const ddlPerformanceMetrics = `
CREATE TABLE IF NOT EXISTS performance_metrics (
    id                     BIGSERIAL    PRIMARY KEY,
    transcript_id          TEXT         NOT NULL REFERENCES transcripts (id) ON DELETE CASCADE,
    strategy               TEXT         NOT NULL DEFAULT '',
    chunk_count            INT          NOT NULL DEFAULT 0,
    retry_count            INT          NOT NULL DEFAULT 0,
    abandoned_count        INT          NOT NULL DEFAULT 0,
    first_result_ms        BIGINT       NOT NULL DEFAULT 0,
    total_ms               BIGINT       NOT NULL DEFAULT 0,
    device_name            TEXT         NOT NULL DEFAULT '',
    sample_rate_requested  INT          NOT NULL DEFAULT 0,
    sample_rate_actual     INT          NOT NULL DEFAULT 0,
    channels_requested     INT          NOT NULL DEFAULT 0,
    channels_actual        INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_performance_metrics_transcript
    ON performance_metrics (transcript_id);
`

const ddlDictionary = `
CREATE TABLE IF NOT EXISTS dictionary_entries (
    id              TEXT         PRIMARY KEY,
    original        TEXT         NOT NULL,
    replacement     TEXT         NOT NULL,
    match_type      TEXT         NOT NULL DEFAULT 'word',
    case_sensitive  BOOLEAN      NOT NULL DEFAULT false,
    enabled         BOOLEAN      NOT NULL DEFAULT true,
    category        TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlWebhooks = `
CREATE TABLE IF NOT EXISTS webhooks (
    id              TEXT         PRIMARY KEY,
    url             TEXT         NOT NULL,
    description     TEXT         NOT NULL DEFAULT '',
    enabled         BOOLEAN      NOT NULL DEFAULT true,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_triggered  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS webhook_logs (
    id           BIGSERIAL    PRIMARY KEY,
    webhook_id   TEXT         NOT NULL,
    event        TEXT         NOT NULL DEFAULT '',
    status_code  INT          NOT NULL DEFAULT 0,
    attempts     INT          NOT NULL DEFAULT 0,
    error        TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_webhook_logs_webhook
    ON webhook_logs (webhook_id, created_at DESC);
`

const ddlDeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id          TEXT         PRIMARY KEY,
    kind        TEXT         NOT NULL,
    payload     JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables and indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTranscripts,
		ddlPerformanceMetrics,
		ddlDictionary,
		ddlWebhooks,
		ddlDeadLetters,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
