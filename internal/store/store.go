// Package store is the authoritative structured store for security events,
// detection rules, correlations, notification templates, bookmarks and
// dead-lettered writes. It uses SQLite for durability across restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Config holds store configuration.
type Config struct {
	DBPath               string
	EventRetention       time.Duration
	CorrelationRetention time.Duration
	SweepInterval        time.Duration
	WriteRetries         int
}

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:               filepath.Join(dataDir, "vigil.db"),
		EventRetention:       30 * 24 * time.Hour,
		CorrelationRetention: 30 * 24 * time.Hour,
		SweepInterval:        time.Hour,
		WriteRetries:         5,
	}
}

// Store provides persistent storage over SQLite.
type Store struct {
	db  *sql.DB
	cfg Config

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce func()
}

// New opens (creating if needed) the database and applies the schema.
func New(cfg Config) (*Store, error) {
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 5
	}
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection is configured.
	dsn := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer; reads share the WAL snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	var once bool
	s.stopOnce = func() {
		if !once {
			once = true
			close(s.stopCh)
		}
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go s.sweepLoop()
	return s, nil
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	s.stopOnce()
	<-s.doneCh
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_id INTEGER NOT NULL,
			channel TEXT NOT NULL,
			event_type TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			confidence INTEGER NOT NULL DEFAULT 0,
			correlation_score REAL NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			host TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			source_ip TEXT NOT NULL DEFAULT '',
			dest_ip TEXT NOT NULL DEFAULT '',
			process TEXT NOT NULL DEFAULT '',
			command_line TEXT NOT NULL DEFAULT '',
			parent_process TEXT NOT NULL DEFAULT '',
			mitre_techniques TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			recommended_actions TEXT NOT NULL DEFAULT '[]',
			detection_method TEXT NOT NULL,
			ip_enrichment TEXT,
			embedding_ref TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'Open',
			correlation_ids TEXT NOT NULL DEFAULT '[]',
			record_hash TEXT NOT NULL DEFAULT '',
			degraded INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON security_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_risk_time ON security_events(risk_level, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_host_user_time ON security_events(host, user, timestamp)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON security_events(channel, event_id, timestamp, host, record_hash)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS security_events_fts USING fts5(
			summary, command_line, content='security_events', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS security_events_ai AFTER INSERT ON security_events BEGIN
			INSERT INTO security_events_fts(rowid, summary, command_line)
			VALUES (new.rowid, new.summary, new.command_line);
		END`,
		`CREATE TRIGGER IF NOT EXISTS security_events_ad AFTER DELETE ON security_events BEGIN
			INSERT INTO security_events_fts(security_events_fts, rowid, summary, command_line)
			VALUES ('delete', old.rowid, old.summary, old.command_line);
		END`,
		`CREATE TABLE IF NOT EXISTS detection_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL,
			channel TEXT NOT NULL,
			event_type TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			confidence INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			mitre_techniques TEXT NOT NULL DEFAULT '[]',
			recommended_actions TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			UNIQUE(event_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS correlations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			confidence REAL NOT NULL,
			risk_level TEXT NOT NULL,
			pattern TEXT NOT NULL DEFAULT '',
			mitre_techniques TEXT NOT NULL DEFAULT '[]',
			detected_at INTEGER NOT NULL,
			time_window_ms INTEGER NOT NULL,
			matched_rule TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS correlation_events (
			correlation_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			PRIMARY KEY (correlation_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_time ON correlations(detected_at)`,
		`CREATE TABLE IF NOT EXISTS bookmarks (
			channel TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_json TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("store: duplicate")

// isTransient reports whether a write failure is worth retrying: lock
// contention and transient I/O, not constraint violations.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "interrupted") ||
		strings.Contains(msg, "i/o")
}

// withWriteRetry retries fn on transient failures with linear backoff up to
// the configured retry count.
func (s *Store) withWriteRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return err
}

// sweepLoop prunes events and correlations past retention.
func (s *Store) sweepLoop() {
	defer close(s.doneCh)

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	if s.cfg.EventRetention > 0 {
		cutoff := now.Add(-s.cfg.EventRetention).UnixMilli()
		if res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff); err != nil {
			log.Warn().Err(err).Msg("Event retention sweep failed")
		} else if n, _ := res.RowsAffected(); n > 0 {
			log.Info().Int64("deleted", n).Msg("Event retention sweep complete")
		}
	}
	if s.cfg.CorrelationRetention > 0 {
		cutoff := now.Add(-s.cfg.CorrelationRetention).UnixMilli()
		if _, err := s.db.Exec(`DELETE FROM correlation_events WHERE correlation_id IN
			(SELECT id FROM correlations WHERE detected_at < ?)`, cutoff); err != nil {
			log.Warn().Err(err).Msg("Correlation join sweep failed")
		}
		if _, err := s.db.Exec(`DELETE FROM correlations WHERE detected_at < ?`, cutoff); err != nil {
			log.Warn().Err(err).Msg("Correlation retention sweep failed")
		}
	}
}

// RetentionCutoff returns the oldest timestamp the store retains; the vector
// store sweep uses it as the authoritative truth.
func (s *Store) RetentionCutoff() time.Time {
	return time.Now().Add(-s.cfg.EventRetention)
}
