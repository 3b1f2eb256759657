// Package rules implements the deterministic first-pass classifier: a
// (channel, event_id) lookup over the enabled detection rules. The rule set
// is held as an immutable snapshot swapped atomically on refresh, so readers
// never observe a partially loaded set.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

// Source supplies the enabled rule set, normally the relational store.
type Source interface {
	ListDetectionRules(ctx context.Context, enabledOnly bool) ([]models.DetectionRule, error)
}

// snapshot is the immutable lookup map. Key: "channel|event_id" lowercased.
type snapshot struct {
	byKey    map[string]models.DetectionRule
	loadedAt time.Time
}

// Detector classifies raw records against the cached rule set.
type Detector struct {
	source     Source
	refreshTTL time.Duration

	current atomic.Pointer[snapshot]

	refreshMu sync.Mutex // serializes refreshes, not reads

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDetector builds a detector; call Refresh before first use (or Start,
// which refreshes immediately).
func NewDetector(source Source, refreshTTL time.Duration) *Detector {
	if refreshTTL <= 0 {
		refreshTTL = 15 * time.Minute
	}
	d := &Detector{
		source:     source,
		refreshTTL: refreshTTL,
		stopCh:     make(chan struct{}),
	}
	d.current.Store(&snapshot{byKey: map[string]models.DetectionRule{}})
	return d
}

func ruleKey(channel string, eventID int) string {
	return fmt.Sprintf("%s|%d", strings.ToLower(channel), eventID)
}

// Refresh reloads the enabled rule set and swaps it in atomically. On source
// failure the last known good set keeps serving and a degraded-mode warning
// is emitted.
func (d *Detector) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	ruleList, err := d.source.ListDetectionRules(ctx, true)
	if err != nil {
		log.Warn().Err(err).Msg("Rule refresh failed, serving last known good set")
		return err
	}
	byKey := make(map[string]models.DetectionRule, len(ruleList))
	for _, r := range ruleList {
		key := ruleKey(r.Channel, r.EventID)
		if existing, ok := byKey[key]; ok && existing.Priority >= r.Priority {
			continue
		}
		byKey[key] = r
	}
	d.current.Store(&snapshot{byKey: byKey, loadedAt: time.Now()})
	log.Info().Int("rules", len(byKey)).Msg("Detection rule set refreshed")
	return nil
}

// Invalidate forces an immediate refresh, used after admin rule writes.
func (d *Detector) Invalidate(ctx context.Context) {
	if err := d.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Rule invalidation refresh failed")
	}
}

// Start runs the TTL refresher until ctx is canceled.
func (d *Detector) Start(ctx context.Context) {
	if err := d.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial rule load failed, starting with empty set")
	}
	go func() {
		ticker := time.NewTicker(d.refreshTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				_ = d.Refresh(ctx)
			}
		}
	}()
}

// Stop terminates the background refresher.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Lookup returns the enabled rule for (channel, eventID), if any.
func (d *Detector) Lookup(channel string, eventID int) (models.DetectionRule, bool) {
	snap := d.current.Load()
	r, ok := snap.byKey[ruleKey(channel, eventID)]
	return r, ok
}

// RuleCount returns the size of the active snapshot.
func (d *Detector) RuleCount() int {
	return len(d.current.Load().byKey)
}

// Classify produces the initial SecurityEvent for a raw record. A matching
// rule yields a deterministic classification; otherwise a minimal event is
// produced and flagged for AI analysis.
func (d *Detector) Classify(rec *models.RawRecord, recordHash string) *models.SecurityEvent {
	now := time.Now().UTC()
	ts := rec.TimeCreated.UTC()
	if ts.After(now) {
		// Clock skew on the source host; a future timestamp would distort
		// windowed aggregation, so clamp to ingestion time.
		ts = now
	}
	e := &models.SecurityEvent{
		ID:         models.NewEventID(now),
		EventID:    rec.EventID,
		Channel:    rec.Channel,
		Timestamp:  ts,
		CreatedAt:  now,
		Host:       rec.Host,
		Status:     models.StatusOpen,
		RecordHash: recordHash,
	}
	if f := rec.Fields; f != nil {
		e.User = f["user"]
		e.SourceIP = f["source_ip"]
		e.DestIP = f["dest_ip"]
		e.Process = f["process"]
		e.CommandLine = f["command_line"]
		e.ParentProcess = f["parent_process"]
	}

	if rule, ok := d.Lookup(rec.Channel, rec.EventID); ok {
		e.EventType = rule.EventType
		e.RiskLevel = rule.RiskLevel
		e.Confidence = rule.Confidence
		e.Summary = rule.Summary
		e.MitreTechniques = append([]string(nil), rule.MitreTechniques...)
		e.RecommendedActions = append([]string(nil), rule.RecommendedActions...)
		e.DetectionMethod = models.DetectionDeterministic
		return e
	}

	e.EventType = models.EventTypeOther
	e.RiskLevel = models.RiskLow
	e.Confidence = 0
	e.Summary = fmt.Sprintf("Unclassified event %d on channel %s", rec.EventID, rec.Channel)
	e.DetectionMethod = models.DetectionDeterministic
	e.RequiresAI = true
	return e
}
