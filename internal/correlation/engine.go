// Package correlation detects multi-event attack patterns: bursts, brute
// force, lateral movement and privilege escalation sequences. Events stream
// in from the pipeline after persistence; detected correlations are written
// to the store before anyone hears about them.
package correlation

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

const shardCount = 16

// Sink is the persistence surface the engine writes through.
type Sink interface {
	WriteCorrelation(ctx context.Context, c *models.Correlation) error
	UpdateEvent(ctx context.Context, id string, patch store.EventPatch) error
}

// windowState tracks where one accumulation key is in its lifecycle.
type windowState int

const (
	stateIdle windowState = iota
	stateAccumulating
	stateCoolDown
)

// window is one (rule, key) accumulation buffer.
type window struct {
	state     windowState
	events    []*models.SecurityEvent
	lastFired time.Time
	touched   time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Engine is the correlation engine. Submit is non-blocking; a full intake
// queue drops the event for correlation purposes only, the event itself is
// already persisted.
type Engine struct {
	cfg  config.CorrelationConfig
	sink Sink

	rulesMu sync.RWMutex
	rules   []models.CorrelationRule

	intake chan *models.SecurityEvent
	shards [shardCount]*shard

	onDetected func(*models.Correlation)

	// detected_at stamps are strictly increasing even when two detections
	// land in the same millisecond (the persistence granularity).
	detectMu       sync.Mutex
	lastDetectedMS int64

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool

	processed  atomic.Int64
	dropped    atomic.Int64
	detected   atomic.Int64
	suppressed atomic.Int64
}

// New creates an engine with the built-in rules, replaced by the rules file
// when one is configured.
func New(cfg config.CorrelationConfig, sink Sink) (*Engine, error) {
	if cfg.IntakeQueueSize <= 0 {
		cfg.IntakeQueueSize = 4096
	}
	if cfg.MaxEventsPerKey <= 0 {
		cfg.MaxEventsPerKey = 1000
	}
	if cfg.DuplicateCooloffMinutes <= 0 {
		cfg.DuplicateCooloffMinutes = 15
	}

	e := &Engine{
		cfg:    cfg,
		sink:   sink,
		intake: make(chan *models.SecurityEvent, cfg.IntakeQueueSize),
		rules:  DefaultRules(),
	}
	for i := range e.shards {
		e.shards[i] = &shard{windows: make(map[string]*window)}
	}
	if cfg.RulesFile != "" {
		rules, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("correlation rules: %w", err)
		}
		e.rules = rules
		log.Info().Int("rules", len(rules)).Str("file", cfg.RulesFile).Msg("Loaded correlation rules")
	}
	return e, nil
}

// SetOnDetected registers the broadcast callback, invoked only after the
// correlation and all participant updates are persisted.
func (e *Engine) SetOnDetected(fn func(*models.Correlation)) {
	e.onDetected = fn
}

// Start launches the intake loop and the stale-window janitor.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev := <-e.intake:
				e.process(runCtx, ev)
			}
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n := e.sweep(time.Now()); n > 0 {
					log.Debug().Int("windows", n).Msg("Stale correlation windows swept")
				}
			}
		}
	}()
}

// Stop drains the intake queue, then stops the loop.
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	deadline := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev := <-e.intake:
			e.process(context.Background(), ev)
		case <-deadline:
			break drain
		default:
			break drain
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit offers an event for correlation. Returns false when the intake
// queue is full.
func (e *Engine) Submit(ev *models.SecurityEvent) bool {
	select {
	case e.intake <- ev:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []models.CorrelationRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]models.CorrelationRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// ReplaceRules swaps in a new rule set. Existing windows keyed by removed
// rules age out naturally.
func (e *Engine) ReplaceRules(rules []models.CorrelationRule) {
	e.rulesMu.Lock()
	e.rules = rules
	e.rulesMu.Unlock()
}

// UpdateRule replaces the rule with a matching ID. The slice is copied on
// write so in-flight readers keep a consistent set. Returns false when no
// rule carries that ID.
func (e *Engine) UpdateRule(rule models.CorrelationRule) bool {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == rule.ID {
			next := make([]models.CorrelationRule, len(e.rules))
			copy(next, e.rules)
			next[i] = rule
			e.rules = next
			return true
		}
	}
	return false
}

// WatchRulesFile hot-reloads the correlation rules file until ctx is
// canceled. Parse failures keep the active set serving.
func (e *Engine) WatchRulesFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files, which drops a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					rules, err := LoadRulesFile(path)
					if err != nil {
						log.Warn().Err(err).Str("file", path).Msg("Correlation rules reload failed, keeping active set")
						return
					}
					e.ReplaceRules(rules)
					log.Info().Int("rules", len(rules)).Str("file", path).Msg("Correlation rules reloaded")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Correlation rules watcher error")
			}
		}
	}()
	return nil
}

// AnalyzeBatch runs events through the matchers synchronously and returns
// what fired. Windows shared with the streaming path stay in cool-off
// afterward, so re-analysis cannot double-report.
func (e *Engine) AnalyzeBatch(ctx context.Context, events []*models.SecurityEvent) []*models.Correlation {
	var out []*models.Correlation
	for _, ev := range events {
		out = append(out, e.process(ctx, ev)...)
	}
	return out
}

func (e *Engine) process(ctx context.Context, ev *models.SecurityEvent) []*models.Correlation {
	e.processed.Add(1)
	e.rulesMu.RLock()
	rules := e.rules
	e.rulesMu.RUnlock()

	var fired []*models.Correlation
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || !relevant(rule, ev) {
			continue
		}
		key := groupKey(rule, ev)
		if key == "" {
			continue
		}
		if c := e.accumulate(ctx, rule, rule.ID+"|"+key, ev); c != nil {
			fired = append(fired, c)
		}
	}
	return fired
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return e.shards[h.Sum32()%shardCount]
}

// accumulate adds the event to the rule's window and fires when the pattern
// matches. The window is half-open: an event exactly timeWindow after the
// oldest does not extend that oldest event's window.
func (e *Engine) accumulate(ctx context.Context, rule *models.CorrelationRule, key string, ev *models.SecurityEvent) *models.Correlation {
	sh := e.shardFor(key)
	sh.mu.Lock()

	w := sh.windows[key]
	if w == nil {
		w = &window{}
		sh.windows[key] = w
	}

	w.events = append(w.events, ev)
	w.state = stateAccumulating
	w.touched = time.Now()

	// Evict events that fell out of the window relative to the newest.
	cutoff := ev.Timestamp.Add(-rule.TimeWindow)
	kept := w.events[:0]
	for _, old := range w.events {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	w.events = kept
	if len(w.events) > e.cfg.MaxEventsPerKey {
		w.events = w.events[len(w.events)-e.cfg.MaxEventsPerKey:]
	}

	cooloff := time.Duration(e.cfg.DuplicateCooloffMinutes) * time.Minute
	if !w.lastFired.IsZero() && time.Since(w.lastFired) < cooloff {
		w.state = stateCoolDown
		e.suppressed.Add(1)
		sh.mu.Unlock()
		return nil
	}

	matched := match(rule, w.events)
	if matched == nil {
		sh.mu.Unlock()
		return nil
	}

	conf := confidence(rule, matched)
	if conf < rule.MinConfidence {
		sh.mu.Unlock()
		return nil
	}

	participants := make([]*models.SecurityEvent, len(matched))
	copy(participants, matched)
	w.lastFired = time.Now()
	w.state = stateCoolDown
	w.events = nil
	sh.mu.Unlock()

	return e.fire(ctx, rule, key, participants, conf)
}

// nextDetectedAt hands out strictly increasing detection stamps.
func (e *Engine) nextDetectedAt() time.Time {
	e.detectMu.Lock()
	defer e.detectMu.Unlock()
	now := time.Now()
	if ms := now.UnixMilli(); ms <= e.lastDetectedMS {
		now = time.UnixMilli(e.lastDetectedMS + 1)
	}
	e.lastDetectedMS = now.UnixMilli()
	return now
}

// fire persists the correlation and participant updates, then broadcasts.
// Nothing is emitted, counted or broadcast until the write sticks.
func (e *Engine) fire(ctx context.Context, rule *models.CorrelationRule, key string, events []*models.SecurityEvent, conf float64) *models.Correlation {
	risk := baseRisk(rule.Type)
	if conf >= 0.9 {
		risk = models.MaxRisk(risk, models.RiskHigh)
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	mitre := participantTechniques(events)
	if len(mitre) == 0 {
		mitre = mitreFor(rule.Type)
	}
	corr := &models.Correlation{
		ID:              uuid.NewString(),
		Type:            rule.Type,
		Confidence:      conf,
		RiskLevel:       risk,
		Pattern:         describePattern(rule, key, events),
		EventIDs:        ids,
		MitreTechniques: mitre,
		DetectedAt:      e.nextDetectedAt(),
		TimeWindow:      windowSpan(events),
		MatchedRule:     rule.ID,
	}

	var persistErr error
	for attempt := 0; ; attempt++ {
		persistErr = e.sink.WriteCorrelation(ctx, corr)
		if persistErr == nil || attempt >= 2 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(1<<attempt) * 100 * time.Millisecond):
		}
	}
	if persistErr != nil {
		log.Error().Err(persistErr).Str("rule", rule.ID).Msg("Correlation persist failed")
		return nil
	}

	for _, ev := range events {
		patch := store.EventPatch{
			AppendCorrelationID: corr.ID,
			CorrelationScore:    &conf,
			RiskLevel:           &risk,
		}
		if err := e.sink.UpdateEvent(ctx, ev.ID, patch); err != nil {
			log.Warn().Err(err).Str("event", ev.ID).Msg("Correlation participant update failed")
		}
	}

	e.detected.Add(1)
	log.Info().
		Str("correlationId", corr.ID).
		Str("type", string(corr.Type)).
		Float64("confidence", conf).
		Int("events", len(events)).
		Msg("Correlation detected")

	if e.onDetected != nil {
		e.onDetected(corr)
	}
	return corr
}

// sweep removes windows untouched for longer than the largest rule window
// plus the cool-off, returning those keys to idle. Reports removals.
func (e *Engine) sweep(now time.Time) int {
	cooloff := time.Duration(e.cfg.DuplicateCooloffMinutes) * time.Minute
	stale := e.maxRuleWindow() + cooloff
	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			if now.Sub(w.touched) > stale && now.Sub(w.lastFired) > cooloff {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (e *Engine) maxRuleWindow() time.Duration {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	max := time.Duration(0)
	for _, r := range e.rules {
		if r.Enabled && r.TimeWindow > max {
			max = r.TimeWindow
		}
	}
	if max == 0 {
		max = 30 * time.Minute
	}
	return max
}

func describePattern(rule *models.CorrelationRule, key string, events []*models.SecurityEvent) string {
	subject := key
	if i := strings.Index(key, "|"); i >= 0 {
		subject = key[i+1:]
	}
	switch rule.Type {
	case models.CorrelationTemporalBurst:
		return fmt.Sprintf("%d events from %s within %s", len(events), subject, rule.TimeWindow)
	case models.CorrelationBruteForce:
		failures := 0
		for _, ev := range events {
			if ev.EventType == models.EventTypeAuthFailure {
				failures++
			}
		}
		return fmt.Sprintf("%d failed logons followed by success on %s", failures, subject)
	case models.CorrelationLateralMovement:
		hosts := map[string]bool{}
		for _, ev := range events {
			hosts[strings.ToLower(ev.Host)] = true
		}
		activity := "activity"
		if len(events) > 0 {
			activity = string(events[0].EventType)
		}
		return fmt.Sprintf("%s across %d hosts by %s within %s", activity, len(hosts), subject, rule.TimeWindow)
	case models.CorrelationPrivilegeEscalation:
		return fmt.Sprintf("escalation sequence on %s", subject)
	default:
		return fmt.Sprintf("%d correlated events", len(events))
	}
}

// Stats is a point-in-time counter snapshot for the status API.
type Stats struct {
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
	Detected   int64 `json:"detected"`
	Suppressed int64 `json:"suppressed"`
	QueueDepth int   `json:"queue_depth"`
	Windows    int   `json:"windows"`
}

// GetStats returns engine counters.
func (e *Engine) GetStats() Stats {
	windows := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		windows += len(sh.windows)
		sh.mu.Unlock()
	}
	return Stats{
		Processed:  e.processed.Load(),
		Dropped:    e.dropped.Load(),
		Detected:   e.detected.Load(),
		Suppressed: e.suppressed.Load(),
		QueueDepth: len(e.intake),
		Windows:    windows,
	}
}
