package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// counter pairs a Prometheus counter with an atomic shadow readable by the
// live stats endpoint.
type counter struct {
	prom prometheus.Counter
	n    atomic.Int64
}

func (c *counter) Inc() {
	c.prom.Inc()
	c.n.Add(1)
}

func (c *counter) Value() int64 { return c.n.Load() }

type gauge struct {
	prom prometheus.Gauge
	n    atomic.Int64
}

func (g *gauge) Inc() {
	g.prom.Inc()
	g.n.Add(1)
}

func (g *gauge) Dec() {
	g.prom.Dec()
	g.n.Add(-1)
}

func (g *gauge) Value() int64 { return g.n.Load() }

// pipelineMetrics is a package singleton: promauto registration is global,
// so every orchestrator (including short-lived ones in tests) shares it.
var pipelineMetrics = newMetrics()

type metrics struct {
	accepted         *counter
	rejected         *counter
	droppedOldest    *counter
	deduped          *counter
	processed        *counter
	deadLettered     *counter
	throttleTimeouts *counter
	llmAnalyzed      *counter
	llmFailures      *counter
	correlationDrops *counter
	inFlight         *gauge
	stageLatency     *prometheus.HistogramVec
}

func newCounter(name, help string) *counter {
	return &counter{prom: promauto.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
}

func newMetrics() *metrics {
	return &metrics{
		accepted:         newCounter("vigil_pipeline_accepted_total", "Records accepted into the intake queue."),
		rejected:         newCounter("vigil_pipeline_rejected_total", "Records rejected because the intake queue was full."),
		droppedOldest:    newCounter("vigil_pipeline_dropped_oldest_total", "Queued records evicted to admit newer ones."),
		deduped:          newCounter("vigil_pipeline_deduplicated_total", "Records discarded as duplicates."),
		processed:        newCounter("vigil_pipeline_processed_total", "Events fully processed and persisted."),
		deadLettered:     newCounter("vigil_pipeline_dead_lettered_total", "Events moved to the dead letter table."),
		throttleTimeouts: newCounter("vigil_pipeline_throttle_timeouts_total", "Semaphore acquisitions that timed out."),
		llmAnalyzed:      newCounter("vigil_pipeline_llm_analyzed_total", "Events analyzed by the LLM ensemble."),
		llmFailures:      newCounter("vigil_pipeline_llm_failures_total", "Events whose AI analysis failed."),
		correlationDrops: newCounter("vigil_pipeline_correlation_drops_total", "Events the correlation intake could not accept."),
		inFlight: &gauge{prom: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_pipeline_in_flight",
			Help: "Events currently being processed.",
		})},
		stageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_pipeline_stage_seconds",
			Help:    "Per-stage processing latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// Stats is the live pipeline snapshot for the status API.
type Stats struct {
	QueueDepth       int   `json:"queue_depth"`
	QueueCapacity    int   `json:"queue_capacity"`
	InFlight         int64 `json:"in_flight"`
	Accepted         int64 `json:"accepted"`
	Rejected         int64 `json:"rejected"`
	DroppedOldest    int64 `json:"dropped_oldest"`
	Deduplicated     int64 `json:"deduplicated"`
	Processed        int64 `json:"processed"`
	DeadLettered     int64 `json:"dead_lettered"`
	ThrottleTimeouts int64 `json:"throttle_timeouts"`
	LLMAnalyzed      int64 `json:"llm_analyzed"`
	LLMFailures      int64 `json:"llm_failures"`
	CorrelationDrops int64 `json:"correlation_drops"`
	HistoryEntries   int   `json:"history_entries"`
	DedupEntries     int   `json:"dedup_entries"`
}

// GetStats returns the live pipeline snapshot.
func (o *Orchestrator) GetStats() Stats {
	return Stats{
		QueueDepth:       len(o.intake),
		QueueCapacity:    cap(o.intake),
		InFlight:         o.metrics.inFlight.Value(),
		Accepted:         o.metrics.accepted.Value(),
		Rejected:         o.metrics.rejected.Value(),
		DroppedOldest:    o.metrics.droppedOldest.Value(),
		Deduplicated:     o.metrics.deduped.Value(),
		Processed:        o.metrics.processed.Value(),
		DeadLettered:     o.metrics.deadLettered.Value(),
		ThrottleTimeouts: o.metrics.throttleTimeouts.Value(),
		LLMAnalyzed:      o.metrics.llmAnalyzed.Value(),
		LLMFailures:      o.metrics.llmFailures.Value(),
		CorrelationDrops: o.metrics.correlationDrops.Value(),
		HistoryEntries:   o.history.len(),
		DedupEntries:     o.dedup.size(),
	}
}
