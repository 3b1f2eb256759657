package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// EventFilter narrows event queries. Zero values mean "no constraint".
type EventFilter struct {
	From      time.Time
	To        time.Time
	RiskLevel models.RiskLevel
	EventType models.EventType
	Host      string
	User      string
	SourceIP  string
	Text      string // full-text over summary/command_line
}

// WriteEvent inserts an event. Duplicate dedup-key inserts return
// ErrDuplicate; transient failures are retried.
func (s *Store) WriteEvent(ctx context.Context, e *models.SecurityEvent) error {
	mitre := marshalList(e.MitreTechniques)
	actions := marshalList(e.RecommendedActions)
	corrIDs := marshalList(e.CorrelationIDs)
	var enrichment interface{}
	if e.IPEnrichment != nil {
		b, _ := json.Marshal(e.IPEnrichment)
		enrichment = string(b)
	}
	degraded := 0
	if e.Degraded {
		degraded = 1
	}

	err := s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO security_events (
			id, event_id, channel, event_type, risk_level, confidence,
			correlation_score, timestamp, created_at, host, user, source_ip,
			dest_ip, process, command_line, parent_process, mitre_techniques,
			summary, recommended_actions, detection_method, ip_enrichment,
			embedding_ref, notes, status, correlation_ids, record_hash, degraded
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.EventID, e.Channel, e.EventType, e.RiskLevel, e.Confidence,
			e.CorrelationScore, e.Timestamp.UnixMilli(), e.CreatedAt.UnixMilli(),
			e.Host, e.User, e.SourceIP, e.DestIP, e.Process, e.CommandLine,
			e.ParentProcess, mitre, e.Summary, actions, e.DetectionMethod,
			enrichment, e.EmbeddingRef, e.Notes, e.Status, corrIDs, e.RecordHash, degraded)
		return err
	})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrDuplicate
	}
	return err
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.SecurityEvent, error) {
	row := s.db.QueryRowContext(ctx, selectEventSQL+` WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// EventPatch carries the mutable fields of an event. Nil pointers leave the
// field untouched. RiskLevel moves only upward; correlation IDs only append.
type EventPatch struct {
	Notes               *string
	Status              *models.EventStatus
	RiskLevel           *models.RiskLevel
	CorrelationScore    *float64
	AppendCorrelationID string
	MitreTechniques     []string
}

// UpdateEvent applies a partial update to the mutable fields of an event.
func (s *Store) UpdateEvent(ctx context.Context, id string, patch EventPatch) error {
	return s.withWriteRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx,
			`SELECT risk_level, correlation_ids, mitre_techniques FROM security_events WHERE id = ?`, id)
		var riskStr, corrJSON, mitreJSON string
		if err := row.Scan(&riskStr, &corrJSON, &mitreJSON); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}

		sets := []string{}
		args := []interface{}{}
		if patch.Notes != nil {
			sets = append(sets, "notes = ?")
			args = append(args, *patch.Notes)
		}
		if patch.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, *patch.Status)
		}
		if patch.RiskLevel != nil {
			// Monotonic upgrade: risk never decreases once persisted.
			next := models.MaxRisk(models.RiskLevel(riskStr), *patch.RiskLevel)
			sets = append(sets, "risk_level = ?")
			args = append(args, next)
		}
		if patch.CorrelationScore != nil {
			sets = append(sets, "correlation_score = ?")
			args = append(args, *patch.CorrelationScore)
		}
		if patch.AppendCorrelationID != "" {
			ids := unmarshalList(corrJSON)
			if !containsString(ids, patch.AppendCorrelationID) {
				ids = append(ids, patch.AppendCorrelationID)
			}
			sets = append(sets, "correlation_ids = ?")
			args = append(args, marshalList(ids))
		}
		if patch.MitreTechniques != nil {
			merged := unmarshalList(mitreJSON)
			for _, t := range patch.MitreTechniques {
				if !containsString(merged, t) {
					merged = append(merged, t)
				}
			}
			sets = append(sets, "mitre_techniques = ?")
			args = append(args, marshalList(merged))
		}
		if len(sets) == 0 {
			return nil
		}
		args = append(args, id)
		if _, err := tx.ExecContext(ctx,
			`UPDATE security_events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// QueryEvents returns a filtered, sorted, paginated slice plus the total
// count matching the filter. Default sort is timestamp descending.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter, page, limit int) ([]*models.SecurityEvent, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	where, args := buildEventWhere(filter)

	var total int
	countSQL := `SELECT COUNT(*) FROM security_events e` + where
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	querySQL := selectEventSQL + where + ` ORDER BY e.timestamp DESC, e.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

const selectEventSQL = `SELECT e.id, e.event_id, e.channel, e.event_type,
	e.risk_level, e.confidence, e.correlation_score, e.timestamp, e.created_at,
	e.host, e.user, e.source_ip, e.dest_ip, e.process, e.command_line,
	e.parent_process, e.mitre_techniques, e.summary, e.recommended_actions,
	e.detection_method, e.ip_enrichment, e.embedding_ref, e.notes, e.status,
	e.correlation_ids, e.record_hash, e.degraded
	FROM security_events e`

func buildEventWhere(f EventFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if !f.From.IsZero() {
		conds = append(conds, "e.timestamp >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "e.timestamp < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.RiskLevel != "" {
		conds = append(conds, "e.risk_level = ?")
		args = append(args, f.RiskLevel)
	}
	if f.EventType != "" {
		conds = append(conds, "e.event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Host != "" {
		conds = append(conds, "e.host = ?")
		args = append(args, f.Host)
	}
	if f.User != "" {
		conds = append(conds, "e.user = ?")
		args = append(args, f.User)
	}
	if f.SourceIP != "" {
		conds = append(conds, "e.source_ip = ?")
		args = append(args, f.SourceIP)
	}
	if f.Text != "" {
		conds = append(conds, "e.rowid IN (SELECT rowid FROM security_events_fts WHERE security_events_fts MATCH ?)")
		args = append(args, ftsQuote(f.Text))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ftsQuote wraps user text as a quoted FTS5 phrase so operators in the input
// are treated literally.
func ftsQuote(text string) string {
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent
	var tsMS, createdMS int64
	var mitre, actions, corrIDs string
	var enrichment sql.NullString
	var degraded int

	err := row.Scan(&e.ID, &e.EventID, &e.Channel, &e.EventType, &e.RiskLevel,
		&e.Confidence, &e.CorrelationScore, &tsMS, &createdMS, &e.Host, &e.User,
		&e.SourceIP, &e.DestIP, &e.Process, &e.CommandLine, &e.ParentProcess,
		&mitre, &e.Summary, &actions, &e.DetectionMethod, &enrichment,
		&e.EmbeddingRef, &e.Notes, &e.Status, &corrIDs, &e.RecordHash, &degraded)
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.UnixMilli(tsMS).UTC()
	e.CreatedAt = time.UnixMilli(createdMS).UTC()
	e.MitreTechniques = unmarshalList(mitre)
	e.RecommendedActions = unmarshalList(actions)
	e.CorrelationIDs = unmarshalList(corrIDs)
	e.Degraded = degraded != 0
	if enrichment.Valid && enrichment.String != "" {
		var ipe models.IPEnrichment
		if err := json.Unmarshal([]byte(enrichment.String), &ipe); err == nil {
			e.IPEnrichment = &ipe
		}
	}
	return &e, nil
}

// AggregateTimeline buckets event counts at the store layer. An event whose
// timestamp is exactly on a bucket boundary belongs to the later bucket.
func (s *Store) AggregateTimeline(ctx context.Context, from, to time.Time, granularity string, eventTypes []models.EventType, riskLevels []models.RiskLevel) ([]models.TimelineBucket, error) {
	var bucketExpr string
	switch granularity {
	case "minute":
		bucketExpr = "(timestamp / 60000) * 60000"
	case "hour":
		bucketExpr = "(timestamp / 3600000) * 3600000"
	case "day":
		bucketExpr = "(timestamp / 86400000) * 86400000"
	case "week":
		bucketExpr = "(timestamp / 604800000) * 604800000"
	case "month":
		bucketExpr = "strftime('%s', datetime(timestamp/1000, 'unixepoch', 'start of month')) * 1000"
	default:
		return nil, fmt.Errorf("invalid granularity %q", granularity)
	}

	conds := []string{"timestamp >= ?", "timestamp < ?"}
	args := []interface{}{from.UnixMilli(), to.UnixMilli()}
	if len(eventTypes) > 0 {
		conds = append(conds, "event_type IN ("+placeholders(len(eventTypes))+")")
		for _, t := range eventTypes {
			args = append(args, t)
		}
	}
	if len(riskLevels) > 0 {
		conds = append(conds, "risk_level IN ("+placeholders(len(riskLevels))+")")
		for _, r := range riskLevels {
			args = append(args, r)
		}
	}

	query := fmt.Sprintf(`SELECT %s AS bucket, COUNT(*) FROM security_events
		WHERE %s GROUP BY bucket ORDER BY bucket`, bucketExpr, strings.Join(conds, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TimelineBucket
	for rows.Next() {
		var bucketMS int64
		var count int
		if err := rows.Scan(&bucketMS, &count); err != nil {
			return nil, err
		}
		out = append(out, models.TimelineBucket{BucketStart: time.UnixMilli(bucketMS).UTC(), Count: count})
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
