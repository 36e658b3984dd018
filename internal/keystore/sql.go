package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wabridge/internal/store"
)

// SQLStore exposes the device store's uploaded pre-keys as entries named
// "pre-key-<key_id>". Rows with uploaded=false belong to a batch whatsmeow is
// still sending to the server and are never listed or removed. No other
// table is listed or modified.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a database holding the whatsmeow schema.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// List returns one name per uploaded pre-key row.
func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key_id FROM whatsmeow_pre_keys WHERE uploaded = true`)
	if err != nil {
		return nil, fmt.Errorf("query pre-keys: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pre-key rows", "error", closeErr)
		}
	}()

	var names []string
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pre-key row: %w", err)
		}
		names = append(names, PreKeyName(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pre-keys: %w", err)
	}
	return names, nil
}

// Remove deletes the pre-key row. SQLITE_BUSY is retried with exponential
// backoff since the device store writes to the same file.
func (s *SQLStore) Remove(ctx context.Context, name string) error {
	e := ParseEntry(name)
	if !e.PreKey {
		return fmt.Errorf("not a pre-key entry: %q", name)
	}

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		_, err := s.db.ExecContext(ctx, `DELETE FROM whatsmeow_pre_keys WHERE key_id = ? AND uploaded = true`, e.Ordinal)
		if err == nil {
			return nil
		}

		if store.IsBusyError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
			slog.Debug("Pre-key delete hit SQLITE_BUSY, retrying",
				"key_id", e.Ordinal,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("delete pre-key %d: %w", e.Ordinal, err)
	}

	return nil
}

// Describe names the backing table.
func (s *SQLStore) Describe() string {
	return "sqlite:whatsmeow_pre_keys(uploaded)"
}

var _ Store = (*SQLStore)(nil)
