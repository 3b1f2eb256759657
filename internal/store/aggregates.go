package store

import (
	"context"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// TimelineStats summarizes the event population over a time range for the
// /api/timeline/stats endpoint.
type TimelineStats struct {
	Total               int                      `json:"total"`
	ByRisk              map[models.RiskLevel]int `json:"by_risk"`
	ByType              map[models.EventType]int `json:"by_type"`
	ByHourOfDay         map[int]int              `json:"by_hour_of_day"`
	ByDayOfWeek         map[int]int              `json:"by_day_of_week"`
	TopTechniques       []NamedCount             `json:"top_techniques"`
	TopHosts            []NamedCount             `json:"top_hosts"`
	TopUsers            []NamedCount             `json:"top_users"`
	AvgConfidence       float64                  `json:"avg_confidence"`
	AvgCorrelationScore float64                  `json:"avg_correlation_score"`
}

// NamedCount pairs a label with its occurrence count.
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// GetTimelineStats computes the stats summary at the store layer.
func (s *Store) GetTimelineStats(ctx context.Context, from, to time.Time) (*TimelineStats, error) {
	stats := &TimelineStats{
		ByRisk:      make(map[models.RiskLevel]int),
		ByType:      make(map[models.EventType]int),
		ByHourOfDay: make(map[int]int),
		ByDayOfWeek: make(map[int]int),
	}
	fromMS, toMS := from.UnixMilli(), to.UnixMilli()

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(AVG(confidence), 0), COALESCE(AVG(correlation_score), 0)
		FROM security_events WHERE timestamp >= ? AND timestamp < ?`, fromMS, toMS)
	if err := row.Scan(&stats.Total, &stats.AvgConfidence, &stats.AvgCorrelationScore); err != nil {
		return nil, err
	}

	if err := s.countGroup(ctx, `SELECT risk_level, COUNT(*) FROM security_events
		WHERE timestamp >= ? AND timestamp < ? GROUP BY risk_level`, fromMS, toMS,
		func(name string, count int) { stats.ByRisk[models.RiskLevel(name)] = count }); err != nil {
		return nil, err
	}
	if err := s.countGroup(ctx, `SELECT event_type, COUNT(*) FROM security_events
		WHERE timestamp >= ? AND timestamp < ? GROUP BY event_type`, fromMS, toMS,
		func(name string, count int) { stats.ByType[models.EventType(name)] = count }); err != nil {
		return nil, err
	}
	if err := s.countGroup(ctx, `SELECT strftime('%H', datetime(timestamp/1000, 'unixepoch')), COUNT(*)
		FROM security_events WHERE timestamp >= ? AND timestamp < ? GROUP BY 1`, fromMS, toMS,
		func(name string, count int) { stats.ByHourOfDay[atoiSafe(name)] = count }); err != nil {
		return nil, err
	}
	if err := s.countGroup(ctx, `SELECT strftime('%w', datetime(timestamp/1000, 'unixepoch')), COUNT(*)
		FROM security_events WHERE timestamp >= ? AND timestamp < ? GROUP BY 1`, fromMS, toMS,
		func(name string, count int) { stats.ByDayOfWeek[atoiSafe(name)] = count }); err != nil {
		return nil, err
	}

	var err error
	if stats.TopHosts, err = s.topCounts(ctx, `SELECT host, COUNT(*) c FROM security_events
		WHERE timestamp >= ? AND timestamp < ? GROUP BY host ORDER BY c DESC LIMIT 10`, fromMS, toMS); err != nil {
		return nil, err
	}
	if stats.TopUsers, err = s.topCounts(ctx, `SELECT user, COUNT(*) c FROM security_events
		WHERE timestamp >= ? AND timestamp < ? AND user != '' GROUP BY user ORDER BY c DESC LIMIT 10`, fromMS, toMS); err != nil {
		return nil, err
	}
	// Techniques are stored as JSON arrays; unnest with json_each.
	if stats.TopTechniques, err = s.topCounts(ctx, `SELECT je.value, COUNT(*) c
		FROM security_events e, json_each(e.mitre_techniques) je
		WHERE e.timestamp >= ? AND e.timestamp < ? GROUP BY je.value ORDER BY c DESC LIMIT 10`, fromMS, toMS); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) countGroup(ctx context.Context, query string, fromMS, toMS int64, apply func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query, fromMS, toMS)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return err
		}
		apply(name, count)
	}
	return rows.Err()
}

func (s *Store) topCounts(ctx context.Context, query string, fromMS, toMS int64) ([]NamedCount, error) {
	rows, err := s.db.QueryContext(ctx, query, fromMS, toMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NamedCount
	for rows.Next() {
		var nc NamedCount
		if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, err
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// GetEventAggregates returns the security-events portion of a dashboard
// snapshot for the given lookback.
func (s *Store) GetEventAggregates(ctx context.Context, timeRange models.TimeRange, recentLimit int) (*models.SecurityEventStats, error) {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	from := time.Now().Add(-timeRange.Duration())
	stats := &models.SecurityEventStats{
		RiskCounts: make(map[models.RiskLevel]int),
	}
	fromMS := from.UnixMilli()

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE timestamp >= ?`, fromMS)
	if err := row.Scan(&stats.Total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT risk_level, COUNT(*)
		FROM security_events WHERE timestamp >= ? GROUP BY risk_level`, fromMS)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var risk string
		var count int
		if err := rows.Scan(&risk, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.RiskCounts[models.RiskLevel(risk)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	events, _, err := s.QueryEvents(ctx, EventFilter{From: from}, 1, recentLimit)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		stats.Recent = append(stats.Recent, e.Summarize())
	}
	if len(events) > 0 {
		t := events[0].Timestamp
		stats.LastEventTime = &t
	}
	return stats, nil
}
