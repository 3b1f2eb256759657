package store

import (
	"context"
	"database/sql"
	"time"
)

// ReadBookmark returns the persisted bookmark token for a channel, or an
// empty string when none is recorded.
func (s *Store) ReadBookmark(ctx context.Context, channel string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM bookmarks WHERE channel = ?`, channel).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token, err
}

// WriteBookmark upserts the bookmark for a channel. Callers must only commit
// tokens whose preceding records are durably accepted downstream.
func (s *Store) WriteBookmark(ctx context.Context, channel, token string) error {
	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO bookmarks (channel, token, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(channel) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
			channel, token, time.Now().UnixMilli())
		return err
	})
}
