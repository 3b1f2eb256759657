// Package pipeline orchestrates event processing: classification,
// enrichment, AI analysis, persistence, vector indexing, correlation and
// broadcast. Records are acknowledged to the watcher only after they are
// durable, so bookmarks never advance past unpersisted data.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/embedding"
	"github.com/rcourtman/vigil/internal/llm"
	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
	"github.com/rcourtman/vigil/internal/vectorstore"
)

// EventStore is the persistence surface the pipeline writes through.
type EventStore interface {
	WriteEvent(ctx context.Context, e *models.SecurityEvent) error
	WriteDeadLetter(ctx context.Context, e *models.SecurityEvent, reason string) error
}

// Classifier maps raw records to classified events.
type Classifier interface {
	Classify(rec *models.RawRecord, recordHash string) *models.SecurityEvent
}

// Embedder produces vectors for normalized text.
type Embedder interface {
	Embed(ctx context.Context, normalized string) ([]float32, error)
	Dimension() int
}

// VectorIndex receives embedding batches and answers similarity queries.
type VectorIndex interface {
	UpsertBatch(ctx context.Context, points []vectorstore.Point) error
	Search(ctx context.Context, queryVector []float32, k int, minSimilarity float64) ([]vectorstore.SearchResult, error)
}

// Analyzer is the AI analysis stage.
type Analyzer interface {
	Analyze(ctx context.Context, e *models.SecurityEvent, neighbors []llm.Neighbor) (*llm.EnsembleResult, error)
}

// IPEnricher resolves source addresses.
type IPEnricher interface {
	Enrich(ctx context.Context, ip string) *models.IPEnrichment
}

// Correlator receives persisted events for pattern detection.
type Correlator interface {
	Submit(e *models.SecurityEvent) bool
}

// Broadcaster pushes persisted events to live subscribers.
type Broadcaster interface {
	BroadcastSecurityEvent(e *models.SecurityEvent)
}

// Deps wires the orchestrator's collaborators. Embedder, Vectors, Analyzer
// and IPEnrich may be nil; the corresponding stage is skipped.
type Deps struct {
	Store      EventStore
	Classifier Classifier
	Embedder   Embedder
	Vectors    VectorIndex
	Analyzer   Analyzer
	IPEnrich   IPEnricher
	Correlator Correlator
	Hub        Broadcaster

	LLMTopK       int
	LLMMinScore   float64
	MemoryReclaim func() // invoked under memory pressure
}

type intakeItem struct {
	rec *models.RawRecord
	ack func()
}

// Orchestrator is the pipeline engine.
type Orchestrator struct {
	cfg  config.PipelineConfig
	deps Deps

	intake  chan intakeItem
	sem     *semaphore.Weighted
	batcher *vectorBatcher
	history *historyRing
	dedup   *dedupWindow

	// Vectors parked between enrichment and the batcher, keyed by event ID.
	pendingMu      sync.Mutex
	pendingVectors map[string][]float32

	throttle *throttleController

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	draining chan struct{}

	metrics *metrics
}

// New creates the orchestrator.
func New(cfg config.PipelineConfig, deps Deps) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = cfg.MaxConcurrency * 2
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 1000
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 5
	}
	if deps.LLMTopK <= 0 {
		deps.LLMTopK = 5
	}
	if deps.LLMMinScore <= 0 {
		deps.LLMMinScore = 0.5
	}

	o := &Orchestrator{
		cfg:            cfg,
		deps:           deps,
		pendingVectors: make(map[string][]float32),
		intake:         make(chan intakeItem, cfg.MaxQueueDepth),
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		history:        newHistoryRing(time.Duration(cfg.EventHistoryRetentionMinutes) * time.Minute),
		dedup:          newDedupWindow(cfg.DedupWindow()),
		draining:       make(chan struct{}),
		metrics:        pipelineMetrics,
	}
	if deps.Vectors != nil && deps.Embedder != nil {
		o.batcher = newVectorBatcher(deps.Vectors, cfg.VectorBatchSize, cfg.VectorBatchTimeout())
	}
	if cfg.EnableAdaptiveThrottling || cfg.MemoryHighWaterMB > 0 {
		reclaim := func() {
			// Shed the oldest half of the retained history before asking
			// the caches to evict.
			o.history.trim(o.history.len() / 2)
			if deps.MemoryReclaim != nil {
				deps.MemoryReclaim()
			}
		}
		o.throttle = newThrottleController(cfg, o.sem, reclaim)
	}
	return o
}

// Start launches the worker pool and background loops.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < o.cfg.MaxConcurrency; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.worker(runCtx)
		}()
	}
	if o.batcher != nil {
		o.batcher.start(runCtx)
	}
	if o.throttle != nil {
		o.throttle.start(runCtx)
	}
	o.dedup.start(runCtx)
	log.Info().
		Int("workers", o.cfg.MaxConcurrency).
		Int("maxTasks", o.cfg.MaxConcurrentTasks).
		Int("queueDepth", o.cfg.MaxQueueDepth).
		Msg("Pipeline started")
}

// Stop drains the intake queue, flushes the vector batcher, then stops.
func (o *Orchestrator) Stop() {
	close(o.draining)
	deadline := time.Now().Add(15 * time.Second)
	for len(o.intake) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	if o.batcher != nil {
		o.batcher.flushFinal()
	}
	log.Info().Msg("Pipeline stopped")
}

// Submit offers a record to the pipeline. The return value is the intake
// acknowledgement: true means the pipeline owns the record (including the
// dedup-discard case); false means the caller should treat it as rejected.
// ack is invoked once the resulting event is durably persisted.
func (o *Orchestrator) Submit(ctx context.Context, rec *models.RawRecord, ack func()) bool {
	if rec == nil {
		return false
	}
	if ack == nil {
		ack = func() {}
	}
	hash := recordHash(rec)
	key := rec.DedupKey(hash)
	if o.dedup.seen(key) {
		o.metrics.deduped.Inc()
		// The earlier submit owns it; safe to advance past this copy.
		ack()
		return true
	}

	select {
	case <-o.draining:
		return false
	default:
	}

	item := intakeItem{rec: rec, ack: ack}
	select {
	case o.intake <- item:
		o.dedup.mark(key)
		o.metrics.accepted.Inc()
		return true
	default:
	}

	if o.cfg.DropOldestOnFull {
		select {
		case old := <-o.intake:
			// The dropped record was never acked; unmark it so its replay
			// after a reconnect is processed rather than swallowed as a
			// duplicate.
			o.dedup.forget(old.rec.DedupKey(recordHash(old.rec)))
			o.metrics.droppedOldest.Inc()
			log.Warn().Str("channel", old.rec.Channel).Msg("Intake full, dropped oldest record")
		default:
		}
		select {
		case o.intake <- item:
			o.dedup.mark(key)
			o.metrics.accepted.Inc()
			return true
		default:
		}
	}
	o.metrics.rejected.Inc()
	return false
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-o.intake:
			o.handle(ctx, item)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, item intakeItem) {
	start := time.Now()
	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	degraded := false
	semCtx, cancel := context.WithTimeout(ctx, o.cfg.SemaphoreTimeout())
	err := o.sem.Acquire(semCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.metrics.throttleTimeouts.Inc()
		if !o.cfg.SkipOnThrottleTimeout {
			// Wait it out: correctness over latency.
			if err := o.sem.Acquire(ctx, 1); err != nil {
				return
			}
		} else {
			degraded = true
		}
	}
	if !degraded {
		defer o.sem.Release(1)
	}

	event := o.process(ctx, item.rec, degraded)
	if event == nil {
		return
	}

	err = o.persist(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) || errors.Is(err, errDeadLettered) {
			// Either way the record's fate is durable; the bookmark may
			// advance past it.
			item.ack()
		}
		return
	}
	item.ack()

	if o.batcher != nil && event.EmbeddingRef != "" {
		if vec, ok := o.takeVector(event.ID); ok {
			o.batcher.add(event, vec)
		}
	}
	if o.deps.Correlator != nil {
		if !o.deps.Correlator.Submit(event) {
			o.metrics.correlationDrops.Inc()
		}
	}
	if o.deps.Hub != nil {
		o.deps.Hub.BroadcastSecurityEvent(event)
	}
	o.history.add(event.Summarize())

	o.metrics.processed.Inc()
	o.metrics.stageLatency.WithLabelValues("total").Observe(time.Since(start).Seconds())
}

// process runs classification and enrichment. Returns nil only when the
// record cannot produce an event at all.
func (o *Orchestrator) process(ctx context.Context, rec *models.RawRecord, degraded bool) *models.SecurityEvent {
	hash := recordHash(rec)
	event := o.deps.Classifier.Classify(rec, hash)
	if event == nil {
		return nil
	}
	event.Degraded = degraded
	if degraded {
		// Skip enrichment entirely; the event persists with rule-only data.
		return event
	}

	o.enrich(ctx, event)

	if o.shouldAnalyze(event) {
		o.analyze(ctx, event)
	}
	return event
}

// enrich runs the independent enrichment stages in parallel under one
// deadline. Stage failures degrade the event instead of failing it.
func (o *Orchestrator) enrich(ctx context.Context, event *models.SecurityEvent) {
	branchCtx, cancel := context.WithTimeout(ctx, o.cfg.ParallelOperationTimeout())
	defer cancel()

	g, gctx := errgroup.WithContext(branchCtx)

	if o.deps.IPEnrich != nil && event.SourceIP != "" {
		g.Go(func() error {
			start := time.Now()
			event.IPEnrichment = o.deps.IPEnrich.Enrich(gctx, event.SourceIP)
			o.metrics.stageLatency.WithLabelValues("ipenrich").Observe(time.Since(start).Seconds())
			return nil
		})
	}

	if o.deps.Embedder != nil {
		g.Go(func() error {
			start := time.Now()
			normalized := embedding.CanonicalText(event)
			vec, err := o.deps.Embedder.Embed(gctx, normalized)
			o.metrics.stageLatency.WithLabelValues("embedding").Observe(time.Since(start).Seconds())
			if err != nil {
				log.Debug().Err(err).Str("event", event.ID).Msg("Embedding failed, continuing degraded")
				event.Degraded = true
				return nil
			}
			event.EmbeddingRef = embedding.CacheKey(normalized)
			o.storeVector(event.ID, vec)
			return nil
		})
	}

	g.Wait()
}

func (o *Orchestrator) storeVector(eventID string, vec []float32) {
	o.pendingMu.Lock()
	o.pendingVectors[eventID] = vec
	o.pendingMu.Unlock()
}

func (o *Orchestrator) takeVector(eventID string) ([]float32, bool) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	v, ok := o.pendingVectors[eventID]
	if ok {
		delete(o.pendingVectors, eventID)
	}
	return v, ok
}

func (o *Orchestrator) peekVector(eventID string) ([]float32, bool) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	v, ok := o.pendingVectors[eventID]
	return v, ok
}

func (o *Orchestrator) shouldAnalyze(event *models.SecurityEvent) bool {
	if o.deps.Analyzer == nil {
		return false
	}
	return event.RequiresAI || event.Confidence < o.cfg.LLMConfidenceThreshold
}

// analyze retrieves similar history and runs the ensemble, merging the
// verdict into the event. Analysis failure leaves the rule verdict standing.
func (o *Orchestrator) analyze(ctx context.Context, event *models.SecurityEvent) {
	start := time.Now()
	defer func() {
		o.metrics.stageLatency.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	}()

	var neighbors []llm.Neighbor
	if o.deps.Vectors != nil {
		if vec, ok := o.peekVector(event.ID); ok {
			results, err := o.deps.Vectors.Search(ctx, vec, o.deps.LLMTopK, o.deps.LLMMinScore)
			if err != nil {
				log.Debug().Err(err).Msg("Neighbor search failed, analyzing without context")
			}
			for _, r := range results {
				neighbors = append(neighbors, llm.Neighbor{
					ID:         r.ID,
					Similarity: r.Similarity,
					Summary:    r.Metadata["summary"],
					RiskLevel:  r.Metadata["risk_level"],
				})
			}
		}
	}

	verdict, err := o.deps.Analyzer.Analyze(ctx, event, neighbors)
	if err != nil {
		if !errors.Is(err, llm.ErrNoVerdict) {
			log.Warn().Err(err).Str("event", event.ID).Msg("AI analysis failed")
		}
		event.Degraded = true
		o.metrics.llmFailures.Inc()
		return
	}

	mergeVerdict(event, verdict)
	o.metrics.llmAnalyzed.Inc()
}

// mergeVerdict folds the ensemble result into the event. Risk only moves
// upward; the detection method records whether rules also contributed.
func mergeVerdict(event *models.SecurityEvent, v *llm.EnsembleResult) {
	if event.DetectionMethod == models.DetectionDeterministic {
		event.DetectionMethod = models.DetectionHybrid
	} else {
		event.DetectionMethod = models.DetectionAI
	}
	event.RiskLevel = models.MaxRisk(event.RiskLevel, v.RiskLevel)
	conf := int(v.Confidence * 100)
	if conf > event.Confidence {
		event.Confidence = conf
	}
	if event.EventType == models.EventTypeOther && v.EventType != "" {
		event.EventType = v.EventType
	}
	if v.Summary != "" {
		event.Summary = v.Summary
	}
	for _, t := range v.MitreTechniques {
		if !containsString(event.MitreTechniques, t) {
			event.MitreTechniques = append(event.MitreTechniques, t)
		}
	}
	for _, a := range v.RecommendedActions {
		if !containsString(event.RecommendedActions, a) {
			event.RecommendedActions = append(event.RecommendedActions, a)
		}
	}
	if v.Degraded {
		event.Degraded = true
	}
}

// errDeadLettered marks an event whose persistence budget was exhausted but
// whose payload landed in the dead letter table.
var errDeadLettered = errors.New("pipeline: event dead-lettered")

// persist writes the event with bounded backoff. Duplicates surface as
// store.ErrDuplicate; an exhausted retry budget dead-letters the event and
// returns errDeadLettered.
func (o *Orchestrator) persist(ctx context.Context, event *models.SecurityEvent) error {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
		err := o.deps.Store.WriteEvent(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrDuplicate) {
			o.metrics.deduped.Inc()
			return err
		}
		lastErr = err
	}

	o.metrics.deadLettered.Inc()
	log.Error().Err(lastErr).Str("event", event.ID).Msg("Persistence exhausted, dead-lettering event")
	if err := o.deps.Store.WriteDeadLetter(ctx, event, "PersistenceExhausted"); err != nil {
		log.Error().Err(err).Str("event", event.ID).Msg("Dead letter write failed")
		return lastErr
	}
	return errDeadLettered
}

// RecentEvents returns the in-memory history ring contents, newest first.
func (o *Orchestrator) RecentEvents() []models.EventSummary {
	return o.history.snapshot()
}

// TrimHistory drops in-memory history beyond keep entries.
func (o *Orchestrator) TrimHistory(keep int) {
	o.history.trim(keep)
}

// recordHash fingerprints the record payload for dedup. Field order is
// sorted so the hash is stable across map iteration.
func recordHash(rec *models.RawRecord) string {
	h := fnv.New64a()
	h.Write([]byte(rec.XMLPayload))
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(rec.Fields[k]))
		h.Write([]byte{';'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
