package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arach/scout/internal/dictionary"
	"github.com/arach/scout/internal/store"
)

// DictionaryEntries implements [store.DictionaryStore]. Entries come back in
// creation order so the engine applies them deterministically.
func (s *Store) DictionaryEntries(ctx context.Context) ([]dictionary.Entry, error) {
	const q = `
		SELECT id, original, replacement, match_type, case_sensitive, enabled, category, created_at
		FROM   dictionary_entries
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("dictionary store: list: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dictionary.Entry, error) {
		var (
			e  dictionary.Entry
			mt string
		)
		if err := row.Scan(&e.ID, &e.Original, &e.Replacement, &mt,
			&e.CaseSensitive, &e.Enabled, &e.Category, &e.CreatedAt); err != nil {
			return dictionary.Entry{}, err
		}
		e.MatchType = dictionary.MatchType(mt)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dictionary store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []dictionary.Entry{}
	}
	return entries, nil
}

// SaveDictionaryEntry implements [store.DictionaryStore] as an upsert.
func (s *Store) SaveDictionaryEntry(ctx context.Context, e *dictionary.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO dictionary_entries
		    (id, original, replacement, match_type, case_sensitive, enabled, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    original = EXCLUDED.original,
		    replacement = EXCLUDED.replacement,
		    match_type = EXCLUDED.match_type,
		    case_sensitive = EXCLUDED.case_sensitive,
		    enabled = EXCLUDED.enabled,
		    category = EXCLUDED.category`

	_, err := s.pool.Exec(ctx, q,
		e.ID, e.Original, e.Replacement, string(e.MatchType),
		e.CaseSensitive, e.Enabled, e.Category, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("dictionary store: save: %w", err)
	}
	return nil
}

// DeleteDictionaryEntry implements [store.DictionaryStore].
func (s *Store) DeleteDictionaryEntry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dictionary_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dictionary store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dictionary store: id %q: %w", id, store.ErrNotFound)
	}
	return nil
}
