package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

// DeadLetter is a diverted event that could not be persisted.
type DeadLetter struct {
	ID        int64                 `json:"id"`
	Event     *models.SecurityEvent `json:"event"`
	Reason    string                `json:"reason"`
	CreatedAt time.Time             `json:"created_at"`
}

// WriteDeadLetter records an event whose persistence retries exhausted,
// together with a structured reason. This write path deliberately does not
// retry: it is the last resort, and failing it is logged and dropped.
func (s *Store) WriteDeadLetter(ctx context.Context, e *models.SecurityEvent, reason string) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (event_json, reason, created_at) VALUES (?, ?, ?)`,
		string(payload), reason, time.Now().UnixMilli())
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("Dead-letter write failed, event lost")
	}
	return err
}

// ListDeadLetters returns up to limit most recent dead letters.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_json, reason, created_at
		FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var eventJSON string
		var createdMS int64
		if err := rows.Scan(&dl.ID, &eventJSON, &dl.Reason, &createdMS); err != nil {
			return nil, err
		}
		dl.CreatedAt = time.UnixMilli(createdMS).UTC()
		var e models.SecurityEvent
		if err := json.Unmarshal([]byte(eventJSON), &e); err == nil {
			dl.Event = &e
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
