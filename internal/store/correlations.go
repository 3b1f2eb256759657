package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// WriteCorrelation persists a correlation and its event join rows in one
// transaction. The correlation is not considered emitted until this returns.
func (s *Store) WriteCorrelation(ctx context.Context, c *models.Correlation) error {
	metadata := "{}"
	if c.Metadata != nil {
		if b, err := json.Marshal(c.Metadata); err == nil {
			metadata = string(b)
		}
	}
	return s.withWriteRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `INSERT INTO correlations
			(id, type, confidence, risk_level, pattern, mitre_techniques,
			detected_at, time_window_ms, matched_rule, metadata)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.Type, c.Confidence, c.RiskLevel, c.Pattern,
			marshalList(c.MitreTechniques), c.DetectedAt.UnixMilli(),
			c.TimeWindow.Milliseconds(), c.MatchedRule, metadata); err != nil {
			return err
		}
		for _, eventID := range c.EventIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO correlation_events (correlation_id, event_id) VALUES (?, ?)`,
				c.ID, eventID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// CorrelationFilter narrows correlation queries.
type CorrelationFilter struct {
	From          time.Time
	To            time.Time
	Type          models.CorrelationType
	MinConfidence float64
	Limit         int
}

// QueryCorrelations lists correlations matching the filter, newest first.
func (s *Store) QueryCorrelations(ctx context.Context, f CorrelationFilter) ([]*models.Correlation, error) {
	conds := []string{"1=1"}
	var args []interface{}
	if !f.From.IsZero() {
		conds = append(conds, "detected_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "detected_at < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT id, type, confidence, risk_level,
		pattern, mitre_techniques, detected_at, time_window_ms, matched_rule, metadata
		FROM correlations WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY detected_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Correlation
	for rows.Next() {
		var c models.Correlation
		var mitre, metadata string
		var detectedMS, windowMS int64
		if err := rows.Scan(&c.ID, &c.Type, &c.Confidence, &c.RiskLevel,
			&c.Pattern, &mitre, &detectedMS, &windowMS, &c.MatchedRule, &metadata); err != nil {
			return nil, err
		}
		c.MitreTechniques = unmarshalList(mitre)
		c.DetectedAt = time.UnixMilli(detectedMS).UTC()
		c.TimeWindow = time.Duration(windowMS) * time.Millisecond
		_ = json.Unmarshal([]byte(metadata), &c.Metadata)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		ids, err := s.correlationEventIDs(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.EventIDs = ids
	}
	return out, nil
}

func (s *Store) correlationEventIDs(ctx context.Context, correlationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id FROM correlation_events WHERE correlation_id = ? ORDER BY event_id`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CorrelationStatistics summarizes stored correlations.
type CorrelationStatistics struct {
	Total         int                            `json:"total"`
	ByType        map[models.CorrelationType]int `json:"by_type"`
	ByRisk        map[models.RiskLevel]int       `json:"by_risk"`
	AvgConfidence float64                        `json:"avg_confidence"`
	Last24h       int                            `json:"last_24h"`
}

// GetCorrelationStatistics computes summary counts at the store layer.
func (s *Store) GetCorrelationStatistics(ctx context.Context) (*CorrelationStatistics, error) {
	stats := &CorrelationStatistics{
		ByType: make(map[models.CorrelationType]int),
		ByRisk: make(map[models.RiskLevel]int),
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM correlations`)
	if err := row.Scan(&stats.Total, &stats.AvgConfidence); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM correlations GROUP BY type`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByType[models.CorrelationType(t)] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT risk_level, COUNT(*) FROM correlations GROUP BY risk_level`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r string
		var n int
		if err := rows.Scan(&r, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByRisk[models.RiskLevel(r)] = n
	}
	rows.Close()

	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM correlations WHERE detected_at >= ?`, cutoff)
	if err := row.Scan(&stats.Last24h); err != nil {
		return nil, err
	}
	return stats, nil
}
