package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProcessedStore records message keys that were handled successfully.
type ProcessedStore struct {
	db *sql.DB
}

func (s *ProcessedStore) Processed(ctx context.Context, key string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_messages WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("processed lookup %s: %w", key, err)
	}

	return n > 0, nil
}

func (s *ProcessedStore) MarkProcessed(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (key, processed_at) VALUES (?, ?)`,
		key, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", key, err)
	}

	return nil
}

// Purge deletes keys processed before the cutoff and returns how many were removed.
func (s *ProcessedStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE processed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge processed: %w", err)
	}

	return res.RowsAffected()
}
