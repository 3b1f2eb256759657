package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/llm"
	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

type fakeEventStore struct {
	mu          sync.Mutex
	events      []*models.SecurityEvent
	writeErrs   []error
	writes      int
	deadLetters []string
}

func (s *fakeEventStore) WriteEvent(ctx context.Context, e *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.writes
	s.writes++
	if i < len(s.writeErrs) && s.writeErrs[i] != nil {
		return s.writeErrs[i]
	}
	s.events = append(s.events, e)
	return nil
}

func (s *fakeEventStore) WriteDeadLetter(ctx context.Context, e *models.SecurityEvent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, reason)
	return nil
}

func (s *fakeEventStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(rec *models.RawRecord, recordHash string) *models.SecurityEvent {
	return &models.SecurityEvent{
		ID:              models.NewEventID(time.Now()),
		Timestamp:       rec.TimeCreated,
		Channel:         rec.Channel,
		EventID:         rec.EventID,
		Host:            rec.Host,
		RecordHash:      recordHash,
		Summary:         "classified",
		RiskLevel:       models.RiskMedium,
		EventType:       models.EventTypeAuthFailure,
		Confidence:      80,
		DetectionMethod: models.DetectionDeterministic,
	}
}

type fakeCorrelator struct{ submitted atomic.Int32 }

func (c *fakeCorrelator) Submit(e *models.SecurityEvent) bool {
	c.submitted.Add(1)
	return true
}

type fakeHub struct{ broadcasts atomic.Int32 }

func (h *fakeHub) BroadcastSecurityEvent(e *models.SecurityEvent) { h.broadcasts.Add(1) }

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxConcurrency:     2,
		SemaphoreTimeoutMS: 1000,
		DedupWindowMinutes: 10,
		PersistRetries:     2,
	}
}

func rawRecord(eventID int, payload string) *models.RawRecord {
	return &models.RawRecord{
		Channel:     "Security",
		EventID:     eventID,
		TimeCreated: time.Now(),
		Host:        "WS01",
		XMLPayload:  payload,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRecordHashStable(t *testing.T) {
	a := &models.RawRecord{XMLPayload: "<xml/>", Fields: map[string]string{"a": "1", "b": "2", "c": "3"}}
	b := &models.RawRecord{XMLPayload: "<xml/>", Fields: map[string]string{"c": "3", "b": "2", "a": "1"}}
	if recordHash(a) != recordHash(b) {
		t.Fatal("hash must be independent of field order")
	}
	c := &models.RawRecord{XMLPayload: "<xml/>", Fields: map[string]string{"a": "1", "b": "2", "c": "changed"}}
	if recordHash(a) == recordHash(c) {
		t.Fatal("different payloads collided")
	}
	if len(recordHash(a)) != 16 {
		t.Fatalf("hash = %q", recordHash(a))
	}
}

func TestSubmitDedupsReplays(t *testing.T) {
	o := New(pipelineConfig(), Deps{Store: &fakeEventStore{}, Classifier: fakeClassifier{}})

	var acks atomic.Int32
	rec := rawRecord(4625, "<payload/>")
	if !o.Submit(context.Background(), rec, func() { acks.Add(1) }) {
		t.Fatal("first submit rejected")
	}
	// The replay is owned (true) and immediately acked without re-queueing.
	if !o.Submit(context.Background(), rec, func() { acks.Add(1) }) {
		t.Fatal("replay must be accepted as already-owned")
	}
	if acks.Load() != 1 {
		t.Fatalf("acks = %d, want 1 (replay only)", acks.Load())
	}
	if len(o.intake) != 1 {
		t.Fatalf("intake depth = %d, want 1", len(o.intake))
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	cfg := pipelineConfig()
	cfg.MaxQueueDepth = 1
	o := New(cfg, Deps{Store: &fakeEventStore{}, Classifier: fakeClassifier{}})

	if !o.Submit(context.Background(), rawRecord(1, "a"), nil) {
		t.Fatal("first submit rejected")
	}
	if o.Submit(context.Background(), rawRecord(2, "b"), nil) {
		t.Fatal("second submit must be rejected on a full queue")
	}
}

func TestSubmitDropOldestOnFull(t *testing.T) {
	cfg := pipelineConfig()
	cfg.MaxQueueDepth = 1
	cfg.DropOldestOnFull = true
	o := New(cfg, Deps{Store: &fakeEventStore{}, Classifier: fakeClassifier{}})

	o.Submit(context.Background(), rawRecord(1, "a"), nil)
	if !o.Submit(context.Background(), rawRecord(2, "b"), nil) {
		t.Fatal("drop-oldest queue must accept the newer record")
	}
	item := <-o.intake
	if item.rec.EventID != 2 {
		t.Fatalf("queued record = %d, want the newer one", item.rec.EventID)
	}
}

func TestSubmitRejectionLeavesRecordReplayable(t *testing.T) {
	cfg := pipelineConfig()
	cfg.MaxQueueDepth = 1
	o := New(cfg, Deps{Store: &fakeEventStore{}, Classifier: fakeClassifier{}})

	o.Submit(context.Background(), rawRecord(1, "a"), nil)
	rec := rawRecord(2, "b")
	if o.Submit(context.Background(), rec, nil) {
		t.Fatal("second submit must be rejected on a full queue")
	}

	// A rejected record was never owned: its replay must be processed, not
	// acked away as a duplicate of the failed attempt.
	<-o.intake
	var acked atomic.Bool
	if !o.Submit(context.Background(), rec, func() { acked.Store(true) }) {
		t.Fatal("replay of a rejected record refused")
	}
	if acked.Load() {
		t.Fatal("replay acked without processing")
	}
	if len(o.intake) != 1 {
		t.Fatalf("intake depth = %d, want the replay queued", len(o.intake))
	}
}

func TestSubmitDropOldestLeavesDroppedReplayable(t *testing.T) {
	cfg := pipelineConfig()
	cfg.MaxQueueDepth = 1
	cfg.DropOldestOnFull = true
	o := New(cfg, Deps{Store: &fakeEventStore{}, Classifier: fakeClassifier{}})

	dropped := rawRecord(1, "a")
	o.Submit(context.Background(), dropped, nil)
	o.Submit(context.Background(), rawRecord(2, "b"), nil)

	<-o.intake
	if !o.Submit(context.Background(), dropped, nil) {
		t.Fatal("replay of a dropped record refused")
	}
	item := <-o.intake
	if item.rec.EventID != 1 {
		t.Fatalf("queued record = %d, want the replayed one", item.rec.EventID)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	st := &fakeEventStore{}
	corr := &fakeCorrelator{}
	hub := &fakeHub{}
	o := New(pipelineConfig(), Deps{
		Store:      st,
		Classifier: fakeClassifier{},
		Correlator: corr,
		Hub:        hub,
	})
	o.Start(context.Background())

	var acked atomic.Bool
	if !o.Submit(context.Background(), rawRecord(4625, "<e/>"), func() { acked.Store(true) }) {
		t.Fatal("submit rejected")
	}
	waitFor(t, func() bool { return st.eventCount() == 1 && acked.Load() }, "event never persisted")
	waitFor(t, func() bool { return corr.submitted.Load() == 1 && hub.broadcasts.Load() == 1 }, "post-persist fanout missing")
	o.Stop()

	if got := o.RecentEvents(); len(got) != 1 {
		t.Fatalf("history = %d entries", len(got))
	}
}

func TestHandleDuplicateStillAcks(t *testing.T) {
	st := &fakeEventStore{writeErrs: []error{store.ErrDuplicate}}
	hub := &fakeHub{}
	o := New(pipelineConfig(), Deps{Store: st, Classifier: fakeClassifier{}, Hub: hub})

	var acked atomic.Bool
	o.handle(context.Background(), intakeItem{
		rec: rawRecord(4625, "<e/>"),
		ack: func() { acked.Store(true) },
	})
	if !acked.Load() {
		t.Fatal("duplicate event must still ack so the bookmark advances")
	}
	if hub.broadcasts.Load() != 0 {
		t.Fatal("duplicate must not broadcast")
	}
}

func TestHandleExhaustedRetriesDeadLetters(t *testing.T) {
	boom := errors.New("database is locked")
	st := &fakeEventStore{writeErrs: []error{boom, boom}}
	o := New(pipelineConfig(), Deps{Store: st, Classifier: fakeClassifier{}})

	var acked atomic.Bool
	o.handle(context.Background(), intakeItem{
		rec: rawRecord(4625, "<e/>"),
		ack: func() { acked.Store(true) },
	})
	if !acked.Load() {
		t.Fatal("dead-lettered event must ack")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.deadLetters) != 1 || st.deadLetters[0] != "PersistenceExhausted" {
		t.Fatalf("dead letters = %v", st.deadLetters)
	}
	if len(st.events) != 0 {
		t.Fatal("event persisted despite scripted failures")
	}
}

func TestProcessDegradedSkipsEnrichment(t *testing.T) {
	enriched := false
	o := New(pipelineConfig(), Deps{
		Store:      &fakeEventStore{},
		Classifier: fakeClassifier{},
		IPEnrich: ipEnricherFunc(func(ctx context.Context, ip string) *models.IPEnrichment {
			enriched = true
			return &models.IPEnrichment{}
		}),
	})

	rec := rawRecord(4625, "<e/>")
	event := o.process(context.Background(), rec, true)
	if event == nil || !event.Degraded {
		t.Fatalf("degraded event = %+v", event)
	}
	if enriched {
		t.Fatal("degraded processing must skip enrichment")
	}
}

type ipEnricherFunc func(ctx context.Context, ip string) *models.IPEnrichment

func (f ipEnricherFunc) Enrich(ctx context.Context, ip string) *models.IPEnrichment {
	return f(ctx, ip)
}

type fixedAnalyzer struct {
	res *llm.EnsembleResult
	err error
}

func (a fixedAnalyzer) Analyze(ctx context.Context, e *models.SecurityEvent, neighbors []llm.Neighbor) (*llm.EnsembleResult, error) {
	return a.res, a.err
}

func TestShouldAnalyze(t *testing.T) {
	cfg := pipelineConfig()
	cfg.LLMConfidenceThreshold = 70
	o := New(cfg, Deps{Store: &fakeEventStore{}, Classifier: fakeClassifier{}})

	if o.shouldAnalyze(&models.SecurityEvent{RequiresAI: true}) {
		t.Fatal("no analyzer wired, nothing should analyze")
	}

	o.deps.Analyzer = fixedAnalyzer{}
	if !o.shouldAnalyze(&models.SecurityEvent{RequiresAI: true, Confidence: 95}) {
		t.Fatal("RequiresAI must force analysis")
	}
	if !o.shouldAnalyze(&models.SecurityEvent{Confidence: 50}) {
		t.Fatal("low-confidence verdicts must be analyzed")
	}
	if o.shouldAnalyze(&models.SecurityEvent{Confidence: 90}) {
		t.Fatal("confident rule verdicts skip analysis")
	}
}

func TestAnalyzeFailureDegrades(t *testing.T) {
	o := New(pipelineConfig(), Deps{
		Store:      &fakeEventStore{},
		Classifier: fakeClassifier{},
		Analyzer:   fixedAnalyzer{err: llm.ErrNoVerdict},
	})
	event := &models.SecurityEvent{ID: "e1", RiskLevel: models.RiskMedium, Confidence: 60}
	o.analyze(context.Background(), event)
	if !event.Degraded {
		t.Fatal("failed analysis must degrade the event")
	}
	if event.RiskLevel != models.RiskMedium || event.Confidence != 60 {
		t.Fatal("rule verdict must survive analysis failure")
	}
}

func TestMergeVerdictHybrid(t *testing.T) {
	event := &models.SecurityEvent{
		DetectionMethod: models.DetectionDeterministic,
		RiskLevel:       models.RiskMedium,
		Confidence:      70,
		EventType:       models.EventTypeOther,
		MitreTechniques: []string{"T1110"},
	}
	mergeVerdict(event, &llm.EnsembleResult{
		Analysis: llm.Analysis{
			RiskLevel:       models.RiskHigh,
			Confidence:      0.9,
			EventType:       models.EventTypePrivilegeEscalation,
			Summary:         "pass-the-hash against WS01",
			MitreTechniques: []string{"t1110", "T1550"},
		},
	})

	if event.DetectionMethod != models.DetectionHybrid {
		t.Fatalf("method = %s", event.DetectionMethod)
	}
	if event.RiskLevel != models.RiskHigh || event.Confidence != 90 {
		t.Fatalf("risk=%s conf=%d", event.RiskLevel, event.Confidence)
	}
	if event.EventType != models.EventTypePrivilegeEscalation {
		t.Fatalf("type = %s", event.EventType)
	}
	if event.Summary != "pass-the-hash against WS01" {
		t.Fatalf("summary = %q", event.Summary)
	}
	// T1110 already present (case-insensitive); only T1550 joins.
	if len(event.MitreTechniques) != 2 {
		t.Fatalf("mitre = %v", event.MitreTechniques)
	}
}

func TestMergeVerdictNeverLowersRisk(t *testing.T) {
	event := &models.SecurityEvent{
		DetectionMethod: models.DetectionDeterministic,
		RiskLevel:       models.RiskCritical,
		Confidence:      95,
	}
	mergeVerdict(event, &llm.EnsembleResult{Analysis: llm.Analysis{RiskLevel: models.RiskLow, Confidence: 0.2}})
	if event.RiskLevel != models.RiskCritical || event.Confidence != 95 {
		t.Fatalf("verdict downgraded: risk=%s conf=%d", event.RiskLevel, event.Confidence)
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	d := newDedupWindow(30 * time.Millisecond)
	if d.seen("k") {
		t.Fatal("fresh key reported as seen")
	}
	d.mark("k")
	if !d.seen("k") {
		t.Fatal("marked key not seen inside the window")
	}
	time.Sleep(50 * time.Millisecond)
	if d.seen("k") {
		t.Fatal("expired key still deduped")
	}
	d.mark("k")
	d.forget("k")
	if d.seen("k") {
		t.Fatal("forgotten key still deduped")
	}
	d.mark("k")
	d.sweep()
	if d.size() != 1 {
		t.Fatalf("size after sweep = %d", d.size())
	}
}

func TestHistoryRingOrderAndTrim(t *testing.T) {
	h := newHistoryRing(time.Hour)
	for i := 0; i < 3; i++ {
		h.add(models.EventSummary{ID: fmt.Sprintf("e%d", i), Timestamp: time.Now()})
	}
	snap := h.snapshot()
	if len(snap) != 3 || snap[0].ID != "e2" || snap[2].ID != "e0" {
		t.Fatalf("snapshot = %+v", snap)
	}
	h.trim(1)
	if h.len() != 1 || h.snapshot()[0].ID != "e2" {
		t.Fatal("trim must keep the newest entries")
	}
}

func TestHistoryRingRetention(t *testing.T) {
	h := newHistoryRing(10 * time.Millisecond)
	h.add(models.EventSummary{ID: "old", Timestamp: time.Now()})
	time.Sleep(30 * time.Millisecond)
	if got := h.snapshot(); len(got) != 0 {
		t.Fatalf("expired entries retained: %+v", got)
	}
}
