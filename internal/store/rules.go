package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rcourtman/vigil/internal/models"
)

// ListDetectionRules returns all rules, optionally only enabled ones.
func (s *Store) ListDetectionRules(ctx context.Context, enabledOnly bool) ([]models.DetectionRule, error) {
	query := `SELECT id, event_id, channel, event_type, risk_level, confidence,
		summary, mitre_techniques, recommended_actions, enabled, priority, tags
		FROM detection_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetectionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDetectionRule returns one rule by ID.
func (s *Store) GetDetectionRule(ctx context.Context, id int) (*models.DetectionRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, event_id, channel, event_type,
		risk_level, confidence, summary, mitre_techniques, recommended_actions,
		enabled, priority, tags FROM detection_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateDetectionRule inserts a rule and returns its assigned ID.
func (s *Store) CreateDetectionRule(ctx context.Context, r *models.DetectionRule) (int, error) {
	var id int64
	err := s.withWriteRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO detection_rules
			(event_id, channel, event_type, risk_level, confidence, summary,
			mitre_techniques, recommended_actions, enabled, priority, tags)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			r.EventID, r.Channel, r.EventType, r.RiskLevel, r.Confidence,
			r.Summary, marshalList(r.MitreTechniques), marshalList(r.RecommendedActions),
			boolInt(r.Enabled), r.Priority, marshalList(r.Tags))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return 0, ErrDuplicate
	}
	return int(id), err
}

// UpdateDetectionRule replaces a rule's fields.
func (s *Store) UpdateDetectionRule(ctx context.Context, r *models.DetectionRule) error {
	return s.withWriteRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE detection_rules SET
			event_id = ?, channel = ?, event_type = ?, risk_level = ?,
			confidence = ?, summary = ?, mitre_techniques = ?,
			recommended_actions = ?, enabled = ?, priority = ?, tags = ?
			WHERE id = ?`,
			r.EventID, r.Channel, r.EventType, r.RiskLevel, r.Confidence,
			r.Summary, marshalList(r.MitreTechniques), marshalList(r.RecommendedActions),
			boolInt(r.Enabled), r.Priority, marshalList(r.Tags), r.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteDetectionRule removes a rule by ID.
func (s *Store) DeleteDetectionRule(ctx context.Context, id int) error {
	return s.withWriteRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM detection_rules WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanRule(row rowScanner) (models.DetectionRule, error) {
	var r models.DetectionRule
	var mitre, actions, tags string
	var enabled int
	err := row.Scan(&r.ID, &r.EventID, &r.Channel, &r.EventType, &r.RiskLevel,
		&r.Confidence, &r.Summary, &mitre, &actions, &enabled, &r.Priority, &tags)
	if err != nil {
		return r, err
	}
	r.MitreTechniques = unmarshalList(mitre)
	r.RecommendedActions = unmarshalList(actions)
	r.Tags = unmarshalList(tags)
	r.Enabled = enabled != 0
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
