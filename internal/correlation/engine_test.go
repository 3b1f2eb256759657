package correlation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

type fakeSink struct {
	mu           sync.Mutex
	correlations []*models.Correlation
	patches      map[string][]store.EventPatch
	writeErr     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{patches: make(map[string][]store.EventPatch)}
}

func (f *fakeSink) WriteCorrelation(ctx context.Context, c *models.Correlation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.correlations = append(f.correlations, c)
	return nil
}

func (f *fakeSink) UpdateEvent(ctx context.Context, id string, patch store.EventPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[id] = append(f.patches[id], patch)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.correlations)
}

// Off-hours timestamps strengthen the feature score so pattern matches
// clear the rule confidence floor deterministically in tests.
var testBase = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

func authEvent(id string, et models.EventType, host, user, ip string, ts time.Time) *models.SecurityEvent {
	return &models.SecurityEvent{
		ID: id, EventType: et, RiskLevel: models.RiskMedium, Confidence: 90,
		Timestamp: ts, Host: host, User: user, SourceIP: ip,
		IPEnrichment: &models.IPEnrichment{IP: ip, IsHighRisk: true, Known: true},
	}
}

func newTestEngine(t *testing.T, sink Sink) *Engine {
	t.Helper()
	e, err := New(config.CorrelationConfig{}, sink)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestGroupKeyRequiresIdentity(t *testing.T) {
	brute := &models.CorrelationRule{Type: models.CorrelationBruteForce}
	ev := &models.SecurityEvent{Host: "WS01"}
	if groupKey(brute, ev) != "" {
		t.Fatal("missing user must yield no key")
	}
	ev.User = "Alice"
	if got := groupKey(brute, ev); got != "brute|ws01|alice" {
		t.Fatalf("key = %q", got)
	}

	burst := &models.CorrelationRule{Type: models.CorrelationTemporalBurst}
	if groupKey(burst, &models.SecurityEvent{}) != "" {
		t.Fatal("burst without source IP or host must yield no key")
	}
	// Host stands in when the record has no source address.
	if got := groupKey(burst, &models.SecurityEvent{Host: "WS01"}); got != "burst|host|ws01" {
		t.Fatalf("host fallback key = %q", got)
	}
	if got := groupKey(burst, &models.SecurityEvent{Host: "WS01", SourceIP: "203.0.113.7"}); got != "burst|203.0.113.7" {
		t.Fatalf("source IP must win over host, got %q", got)
	}
}

func TestMatchBruteForce(t *testing.T) {
	rule := &models.CorrelationRule{Type: models.CorrelationBruteForce, MinEventCount: 5}

	var events []*models.SecurityEvent
	for i := 0; i < 5; i++ {
		events = append(events, authEvent("f", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase))
	}
	if match(rule, events) != nil {
		t.Fatal("failures alone must not match")
	}

	// Success after only four failures stays below the rule minimum.
	short := append([]*models.SecurityEvent{}, events[:4]...)
	short = append(short, authEvent("s", models.EventTypeAuthSuccess, "WS01", "alice", "203.0.113.7", testBase))
	if match(rule, short) != nil {
		t.Fatal("four failures must not satisfy a five-failure rule")
	}

	events = append(events, authEvent("s", models.EventTypeAuthSuccess, "WS01", "alice", "203.0.113.7", testBase))
	got := match(rule, events)
	if len(got) != 6 {
		t.Fatalf("matched %d events, want 6", len(got))
	}
	if got[len(got)-1].EventType != models.EventTypeAuthSuccess {
		t.Fatal("success must cap the run")
	}
}

func TestMatchBurstRequiresMeanConfidence(t *testing.T) {
	rule := &models.CorrelationRule{
		Type: models.CorrelationTemporalBurst, MinEventCount: 3, MinConfidence: 0.6,
	}
	var weak []*models.SecurityEvent
	for i := 0; i < 3; i++ {
		e := authEvent("w", models.EventTypeOther, "WS01", "alice", "203.0.113.7", testBase)
		e.Confidence = 20
		weak = append(weak, e)
	}
	if match(rule, weak) != nil {
		t.Fatal("low mean confidence must not match")
	}

	var strong []*models.SecurityEvent
	for i := 0; i < 3; i++ {
		strong = append(strong, authEvent("s", models.EventTypeOther, "WS01", "alice", "203.0.113.7", testBase))
	}
	if got := match(rule, strong); len(got) != 3 {
		t.Fatalf("matched %d, want 3", len(got))
	}
}

func TestMatchLateralMovement(t *testing.T) {
	rule := &models.CorrelationRule{Type: models.CorrelationLateralMovement, MinEventCount: 3}

	events := []*models.SecurityEvent{
		authEvent("1", models.EventTypeAuthSuccess, "WS01", "alice", "", testBase),
		authEvent("2", models.EventTypeAuthSuccess, "WS01", "alice", "", testBase),
		authEvent("3", models.EventTypeAuthSuccess, "WS02", "alice", "", testBase),
	}
	if match(rule, events) != nil {
		t.Fatal("2 distinct hosts must not match a 3-host rule")
	}
	events = append(events, authEvent("4", models.EventTypeAuthSuccess, "WS03", "alice", "", testBase))
	if got := match(rule, events); len(got) != 4 {
		t.Fatalf("matched %d, want all 4 participants", len(got))
	}
}

func TestMatchPrivilegeEscalationOrder(t *testing.T) {
	rule := &models.CorrelationRule{
		Type: models.CorrelationPrivilegeEscalation, MinEventCount: 2,
		RequiredEventTypes: []models.EventType{models.EventTypeAuthSuccess, models.EventTypePrivilegeEscalation},
	}

	// Escalation before logon is the wrong order.
	wrong := []*models.SecurityEvent{
		authEvent("1", models.EventTypePrivilegeEscalation, "WS01", "alice", "", testBase),
		authEvent("2", models.EventTypeAuthSuccess, "WS01", "alice", "", testBase),
	}
	if match(rule, wrong) != nil {
		t.Fatal("out-of-order sequence must not match")
	}

	right := []*models.SecurityEvent{
		authEvent("1", models.EventTypeAuthSuccess, "WS01", "alice", "", testBase),
		authEvent("2", models.EventTypePrivilegeEscalation, "WS01", "alice", "", testBase),
	}
	if got := match(rule, right); len(got) != 2 {
		t.Fatalf("matched %d, want 2", len(got))
	}
}

func TestConfidenceBlending(t *testing.T) {
	rule := &models.CorrelationRule{
		Type: models.CorrelationBruteForce, MinEventCount: 5,
		MinConfidence: 0.85, TimeWindow: 10 * time.Minute,
	}
	var events []*models.SecurityEvent
	for i := 0; i < 5; i++ {
		events = append(events, authEvent("f", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(time.Duration(i)*time.Second)))
	}
	events = append(events, authEvent("s", models.EventTypeAuthSuccess, "WS01", "alice", "203.0.113.7", testBase.Add(5*time.Second)))

	conf := confidence(rule, events)
	if conf < rule.MinConfidence {
		t.Fatalf("confidence %f below floor %f for a strong pattern", conf, rule.MinConfidence)
	}
	if conf > 1 {
		t.Fatalf("confidence %f out of range", conf)
	}

	// A slow, sparse run scores below a tight one.
	var sparse []*models.SecurityEvent
	for i := 0; i < 5; i++ {
		sparse = append(sparse, authEvent("f", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(time.Duration(i)*2*time.Minute)))
	}
	sparse = append(sparse, authEvent("s", models.EventTypeAuthSuccess, "WS01", "alice", "203.0.113.7", testBase.Add(9*time.Minute)))
	if sparseConf := confidence(rule, sparse); sparseConf >= conf {
		t.Fatalf("sparse run %f should score below tight run %f", sparseConf, conf)
	}
}

func TestEngineDetectsBruteForce(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)

	var broadcastAfterPersist bool
	e.SetOnDetected(func(c *models.Correlation) {
		broadcastAfterPersist = sink.count() > 0
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.process(ctx, authEvent(models.NewEventID(testBase), models.EventTypeAuthFailure,
			"WS01", "alice", "203.0.113.7", testBase.Add(time.Duration(i)*time.Second)))
	}
	e.process(ctx, authEvent(models.NewEventID(testBase), models.EventTypeAuthSuccess,
		"WS01", "alice", "203.0.113.7", testBase.Add(5*time.Second)))

	if sink.count() != 1 {
		t.Fatalf("got %d correlations, want 1", sink.count())
	}
	if !broadcastAfterPersist {
		t.Fatal("broadcast fired before persistence")
	}

	c := sink.correlations[0]
	if c.Type != models.CorrelationBruteForce || len(c.EventIDs) != 6 {
		t.Fatalf("correlation = %+v", c)
	}
	if c.Confidence < 0.85 {
		t.Fatalf("confidence = %f", c.Confidence)
	}
	if len(c.MitreTechniques) != 1 || c.MitreTechniques[0] != "T1110" {
		t.Fatalf("mitre = %v", c.MitreTechniques)
	}
	// Every participant got the correlation appended.
	for _, id := range c.EventIDs {
		if len(sink.patches[id]) != 1 || sink.patches[id][0].AppendCorrelationID != c.ID {
			t.Fatalf("participant %s not updated", id)
		}
	}
	if e.GetStats().Detected != 1 {
		t.Fatalf("detected = %d", e.GetStats().Detected)
	}
}

func TestWindowBoundaryExclusive(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)
	e.ReplaceRules([]models.CorrelationRule{{
		ID: "burst", Type: models.CorrelationTemporalBurst,
		TimeWindow: 5 * time.Minute, MinEventCount: 3, MinConfidence: 0.6, Enabled: true,
	}})

	ctx := context.Background()
	e.process(ctx, authEvent("1", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase))
	e.process(ctx, authEvent("2", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(time.Minute)))
	// Exactly timeWindow after the first: the first is evicted, leaving 2.
	e.process(ctx, authEvent("3", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(5*time.Minute)))
	if sink.count() != 0 {
		t.Fatal("event at exactly t+window must not correlate with t")
	}

	// One more inside the window completes a trio.
	e.process(ctx, authEvent("4", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(5*time.Minute+time.Second)))
	if sink.count() != 1 {
		t.Fatalf("got %d correlations, want 1", sink.count())
	}
}

func TestCooloffSuppression(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)
	e.ReplaceRules([]models.CorrelationRule{{
		ID: "burst", Type: models.CorrelationTemporalBurst,
		TimeWindow: 5 * time.Minute, MinEventCount: 2, MinConfidence: 0.5, Enabled: true,
	}})

	ctx := context.Background()
	fire := func(offset time.Duration) {
		e.process(ctx, authEvent(models.NewEventID(testBase), models.EventTypeAuthFailure,
			"WS01", "alice", "203.0.113.7", testBase.Add(offset)))
	}
	fire(0)
	fire(time.Second)
	if sink.count() != 1 {
		t.Fatalf("first pair: %d correlations", sink.count())
	}

	// Same key keeps matching inside the cooloff; all suppressed.
	fire(2 * time.Second)
	fire(3 * time.Second)
	if sink.count() != 1 {
		t.Fatalf("cooloff violated: %d correlations", sink.count())
	}
	if e.GetStats().Suppressed == 0 {
		t.Fatal("suppressed counter not incremented")
	}
}

func TestPersistFailureSkipsBroadcast(t *testing.T) {
	sink := newFakeSink()
	sink.writeErr = errors.New("db down")
	e := newTestEngine(t, sink)
	e.ReplaceRules([]models.CorrelationRule{{
		ID: "burst", Type: models.CorrelationTemporalBurst,
		TimeWindow: 5 * time.Minute, MinEventCount: 2, MinConfidence: 0.5, Enabled: true,
	}})
	broadcast := false
	e.SetOnDetected(func(*models.Correlation) { broadcast = true })

	ctx := context.Background()
	e.process(ctx, authEvent("1", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase))
	e.process(ctx, authEvent("2", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(time.Second)))

	if broadcast {
		t.Fatal("broadcast must not fire when persistence fails")
	}
	if e.GetStats().Detected != 0 {
		t.Fatal("failed persist counted as detection")
	}
}

func TestSubmitBackpressure(t *testing.T) {
	e, err := New(config.CorrelationConfig{IntakeQueueSize: 2}, newFakeSink())
	if err != nil {
		t.Fatal(err)
	}
	// Not started: the queue fills and further submits are refused.
	ev := authEvent("1", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase)
	if !e.Submit(ev) || !e.Submit(ev) {
		t.Fatal("queue should accept up to capacity")
	}
	if e.Submit(ev) {
		t.Fatal("full queue must refuse")
	}
	if e.GetStats().Dropped != 1 {
		t.Fatalf("dropped = %d", e.GetStats().Dropped)
	}
}

func TestEngineDetectsPrivilegeEscalation(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)

	ctx := context.Background()
	e.process(ctx, authEvent("p1", models.EventTypeProcessCreation, "WS01", "alice", "", testBase))
	// An unrelated logon in between does not break the sequence.
	e.process(ctx, authEvent("p2", models.EventTypeAuthSuccess, "WS01", "alice", "", testBase.Add(10*time.Second)))
	e.process(ctx, authEvent("p3", models.EventTypePrivilegeEscalation, "WS01", "alice", "", testBase.Add(20*time.Second)))

	if sink.count() != 1 {
		t.Fatalf("got %d correlations, want 1", sink.count())
	}
	c := sink.correlations[0]
	if c.Type != models.CorrelationPrivilegeEscalation {
		t.Fatalf("type = %s", c.Type)
	}
	if len(c.EventIDs) != 2 || c.EventIDs[0] != "p1" || c.EventIDs[1] != "p3" {
		t.Fatalf("participants = %v, want the sequence endpoints", c.EventIDs)
	}
	if c.RiskLevel != models.RiskCritical {
		t.Fatalf("risk = %s, want Critical", c.RiskLevel)
	}
}

func TestMitreUnionFromParticipants(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev := authEvent(models.NewEventID(testBase), models.EventTypeAuthFailure,
			"WS01", "alice", "203.0.113.7", testBase.Add(time.Duration(i)*time.Second))
		ev.MitreTechniques = []string{"T1110.001"}
		e.process(ctx, ev)
	}
	ok := authEvent(models.NewEventID(testBase), models.EventTypeAuthSuccess,
		"WS01", "alice", "203.0.113.7", testBase.Add(5*time.Second))
	ok.MitreTechniques = []string{"T1078"}
	e.process(ctx, ok)

	if sink.count() != 1 {
		t.Fatalf("got %d correlations", sink.count())
	}
	got := sink.correlations[0].MitreTechniques
	if len(got) != 2 || got[0] != "T1078" || got[1] != "T1110.001" {
		t.Fatalf("mitre = %v, want participant union", got)
	}
}

func TestDetectedAtStrictlyIncreasing(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)
	e.ReplaceRules([]models.CorrelationRule{{
		ID: "burst", Type: models.CorrelationTemporalBurst,
		TimeWindow: 5 * time.Minute, MinEventCount: 2, MinConfidence: 0.5, Enabled: true,
	}})

	ctx := context.Background()
	for i, ip := range []string{"203.0.113.7", "203.0.113.8", "203.0.113.9"} {
		off := time.Duration(i) * 10 * time.Second
		e.process(ctx, authEvent(models.NewEventID(testBase), models.EventTypeAuthFailure, "WS01", "alice", ip, testBase.Add(off)))
		e.process(ctx, authEvent(models.NewEventID(testBase), models.EventTypeAuthFailure, "WS01", "alice", ip, testBase.Add(off+time.Second)))
	}
	if sink.count() != 3 {
		t.Fatalf("got %d correlations, want 3", sink.count())
	}
	for i := 1; i < len(sink.correlations); i++ {
		prev, cur := sink.correlations[i-1].DetectedAt, sink.correlations[i].DetectedAt
		if !cur.After(prev) {
			t.Fatalf("detected_at not strictly increasing: %s then %s", prev, cur)
		}
		// Still distinct at persistence granularity.
		if cur.UnixMilli() <= prev.UnixMilli() {
			t.Fatalf("detected_at collides at millisecond precision: %d vs %d", prev.UnixMilli(), cur.UnixMilli())
		}
	}
}

func TestAnalyzeBatchReturnsDetections(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)
	e.ReplaceRules([]models.CorrelationRule{{
		ID: "burst", Type: models.CorrelationTemporalBurst,
		TimeWindow: 5 * time.Minute, MinEventCount: 2, MinConfidence: 0.5, Enabled: true,
	}})

	batch := []*models.SecurityEvent{
		authEvent("1", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase),
		authEvent("2", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase.Add(time.Second)),
	}
	got := e.AnalyzeBatch(context.Background(), batch)
	if len(got) != 1 || got[0].Type != models.CorrelationTemporalBurst {
		t.Fatalf("detections = %+v", got)
	}
	if sink.count() != 1 {
		t.Fatal("analysis must persist through the sink")
	}
	// The shared window is now cooling off; re-analysis adds nothing.
	if again := e.AnalyzeBatch(context.Background(), batch); len(again) != 0 {
		t.Fatalf("duplicate analysis produced %d correlations", len(again))
	}
}

func TestUpdateRule(t *testing.T) {
	e := newTestEngine(t, newFakeSink())

	updated := e.Rules()[0]
	updated.MinEventCount = 42
	if !e.UpdateRule(updated) {
		t.Fatal("existing rule must update")
	}
	found := false
	for _, r := range e.Rules() {
		if r.ID == updated.ID {
			found = true
			if r.MinEventCount != 42 {
				t.Fatalf("rule not updated: %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("updated rule missing from set")
	}
	if e.UpdateRule(models.CorrelationRule{ID: "no-such-rule"}) {
		t.Fatal("unknown rule must not report success")
	}
}

func TestSweepRemovesStaleWindows(t *testing.T) {
	sink := newFakeSink()
	e := newTestEngine(t, sink)
	e.ReplaceRules([]models.CorrelationRule{{
		ID: "burst", Type: models.CorrelationTemporalBurst,
		TimeWindow: 5 * time.Minute, MinEventCount: 10, MinConfidence: 0.5, Enabled: true,
	}})

	e.process(context.Background(), authEvent("1", models.EventTypeAuthFailure, "WS01", "alice", "203.0.113.7", testBase))
	if e.GetStats().Windows != 1 {
		t.Fatalf("windows = %d", e.GetStats().Windows)
	}
	if n := e.sweep(time.Now()); n != 0 {
		t.Fatalf("swept %d young windows", n)
	}
	// Past the rule window plus cool-off the key goes back to idle.
	if n := e.sweep(time.Now().Add(25 * time.Minute)); n != 1 {
		t.Fatalf("swept %d windows, want 1", n)
	}
	if e.GetStats().Windows != 0 {
		t.Fatal("stale window not removed")
	}
}

func TestWatchRulesFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	write := func(minCount int) {
		content := fmt.Sprintf(`{"rules":[{"id":"fast-brute","type":"brute_force","time_window_seconds":300,"min_event_count":%d,"min_confidence":0.8}]}`, minCount)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(4)

	e, err := New(config.CorrelationConfig{RulesFile: path}, newFakeSink())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.WatchRulesFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	write(7)
	deadline := time.After(5 * time.Second)
	for {
		rules := e.Rules()
		if len(rules) == 1 && rules[0].MinEventCount == 7 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("rules never reloaded: %+v", rules)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	content := `{"rules":[
		{"id":"fast-brute","type":"brute_force","time_window_seconds":300,"min_event_count":4,"min_confidence":0.8},
		{"type":"lateral_movement","enabled":false}
	]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules", len(rules))
	}
	if rules[0].ID != "fast-brute" || rules[0].TimeWindow != 5*time.Minute || rules[0].MinEventCount != 4 {
		t.Fatalf("rule 0 = %+v", rules[0])
	}
	if rules[1].Enabled {
		t.Fatal("explicit enabled:false ignored")
	}
	if rules[1].TimeWindow != 10*time.Minute || rules[1].MinEventCount != 2 {
		t.Fatalf("defaults not applied: %+v", rules[1])
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"rules":[{"type":"port_scan"}]}`), 0644)
	if _, err := LoadRulesFile(bad); err == nil {
		t.Fatal("unknown rule type must be rejected")
	}
}
