package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arach/scout/internal/store"
	"github.com/arach/scout/internal/webhook"
)

// Webhooks implements [store.WebhookStore].
func (s *Store) Webhooks(ctx context.Context) ([]webhook.Webhook, error) {
	const q = `
		SELECT id, url, description, enabled, created_at, last_triggered
		FROM   webhooks
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("webhook store: list: %w", err)
	}

	hooks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (webhook.Webhook, error) {
		var (
			w    webhook.Webhook
			last *time.Time
		)
		if err := row.Scan(&w.ID, &w.URL, &w.Description, &w.Enabled, &w.CreatedAt, &last); err != nil {
			return webhook.Webhook{}, err
		}
		if last != nil {
			w.LastTriggered = *last
		}
		return w, nil
	})
	if err != nil {
		return nil, fmt.Errorf("webhook store: scan rows: %w", err)
	}
	if hooks == nil {
		hooks = []webhook.Webhook{}
	}
	return hooks, nil
}

// SaveWebhook implements [store.WebhookStore] as an upsert.
func (s *Store) SaveWebhook(ctx context.Context, w *webhook.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO webhooks (id, url, description, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    url = EXCLUDED.url,
		    description = EXCLUDED.description,
		    enabled = EXCLUDED.enabled`

	if _, err := s.pool.Exec(ctx, q, w.ID, w.URL, w.Description, w.Enabled, w.CreatedAt); err != nil {
		return fmt.Errorf("webhook store: save: %w", err)
	}
	return nil
}

// DeleteWebhook implements [store.WebhookStore].
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("webhook store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook store: id %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// TouchWebhook implements [store.WebhookStore]: records a successful trigger.
func (s *Store) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET last_triggered = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("webhook store: touch: %w", err)
	}
	return nil
}

// LogDelivery implements [webhook.LogSink].
func (s *Store) LogDelivery(ctx context.Context, entry webhook.DeliveryLog) error {
	const q = `
		INSERT INTO webhook_logs (webhook_id, event, status_code, attempts, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q,
		entry.WebhookID, entry.Event, entry.StatusCode, entry.Attempts, entry.Error, created); err != nil {
		return fmt.Errorf("webhook store: log delivery: %w", err)
	}
	if entry.Error == "" {
		if err := s.TouchWebhook(ctx, entry.WebhookID, created); err != nil {
			return err
		}
	}
	return nil
}
