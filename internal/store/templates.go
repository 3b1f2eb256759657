package store

import (
	"context"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// ListTemplates returns all notification templates.
func (s *Store) ListTemplates(ctx context.Context) ([]models.NotificationTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, channel, subject, body,
		enabled, updated_at FROM notification_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.NotificationTemplate
	for rows.Next() {
		var t models.NotificationTemplate
		var enabled int
		var updatedMS int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Channel, &t.Subject, &t.Body, &enabled, &updatedMS); err != nil {
			return nil, err
		}
		t.Enabled = enabled != 0
		t.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTemplate creates or replaces a template by name and fills in the
// row ID, which conflict updates do not report back.
func (s *Store) UpsertTemplate(ctx context.Context, t *models.NotificationTemplate) error {
	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO notification_templates
			(name, channel, subject, body, enabled, updated_at) VALUES (?,?,?,?,?,?)
			ON CONFLICT(name) DO UPDATE SET channel = excluded.channel,
			subject = excluded.subject, body = excluded.body,
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
			t.Name, t.Channel, t.Subject, t.Body, boolInt(t.Enabled), time.Now().UnixMilli())
		if err != nil {
			return err
		}
		row := s.db.QueryRowContext(ctx,
			`SELECT id FROM notification_templates WHERE name = ?`, t.Name)
		return row.Scan(&t.ID)
	})
}

// DeleteTemplate removes a template by ID.
func (s *Store) DeleteTemplate(ctx context.Context, id int) error {
	return s.withWriteRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM notification_templates WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
