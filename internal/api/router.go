// Package api is the HTTP front end: REST endpoints for events, rules,
// correlations and status, the Prometheus exposition endpoint, and the
// WebSocket negotiate/upgrade pair.
package api

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/vigil/internal/cache"
	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/correlation"
	"github.com/rcourtman/vigil/internal/dashboard"
	"github.com/rcourtman/vigil/internal/embedding"
	"github.com/rcourtman/vigil/internal/pipeline"
	"github.com/rcourtman/vigil/internal/pool"
	"github.com/rcourtman/vigil/internal/rules"
	"github.com/rcourtman/vigil/internal/store"
	"github.com/rcourtman/vigil/internal/vectorstore"
	"github.com/rcourtman/vigil/internal/watcher"
	"github.com/rcourtman/vigil/internal/websocket"
)

// Deps carries the subsystems the router exposes. Pool, Watcher, Embedder
// and Vectors may be nil when the deployment runs without them.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Detector   *rules.Detector
	Correlator *correlation.Engine
	Dashboard  *dashboard.Builder
	Health     *dashboard.HealthRegistry
	Hub        *websocket.Hub
	Pool       *pool.Pool
	Pipeline   *pipeline.Orchestrator
	Watcher    *watcher.Watcher
	Cache      *cache.Cache
	Embedder   *embedding.Embedder
	Vectors    *vectorstore.Client
}

// Router handles HTTP routing.
type Router struct {
	mux  *http.ServeMux
	deps Deps

	// Correlation replay walks stored events through every matcher, so only
	// one runs at a time; concurrent requests are rate-limited away.
	analyzing atomic.Bool
}

// NewRouter builds the handler with all routes and middleware attached.
func NewRouter(deps Deps) http.Handler {
	r := &Router{mux: http.NewServeMux(), deps: deps}
	r.setupRoutes()
	return withCorrelationID(withRequestLog(r.mux))
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/api/security-events", r.handleEvents)
	r.mux.HandleFunc("/api/security-events/", r.handleEventByID)
	r.mux.HandleFunc("/api/timeline", r.handleTimeline)
	r.mux.HandleFunc("/api/timeline/stats", r.handleTimelineStats)

	r.mux.HandleFunc("/api/security-event-rules", r.handleRules)
	r.mux.HandleFunc("/api/security-event-rules/", r.handleRuleByID)

	r.mux.HandleFunc("/api/correlation/correlations", r.handleCorrelations)
	r.mux.HandleFunc("/api/correlation/statistics", r.handleCorrelationStatistics)
	r.mux.HandleFunc("/api/correlation/rules", r.handleCorrelationRules)
	r.mux.HandleFunc("/api/correlation/rules/", r.handleCorrelationRuleByID)
	r.mux.HandleFunc("/api/correlation/analyze", r.handleCorrelationAnalyze)

	r.mux.HandleFunc("/api/vector/search", r.handleVectorSearch)

	r.mux.HandleFunc("/api/dashboarddata/consolidated", r.handleDashboardData)
	r.mux.HandleFunc("/api/dashboarddata/broadcast", r.handleDashboardBroadcast)

	r.mux.HandleFunc("/api/system-status", r.handleSystemStatus)
	r.mux.HandleFunc("/api/database-pool/metrics", r.handlePoolMetrics)
	r.mux.HandleFunc("/api/database-pool/connections", r.handlePoolConnections)
	r.mux.HandleFunc("/api/dead-letters", r.handleDeadLetters)

	r.mux.HandleFunc("/api/templates", r.handleTemplates)
	r.mux.HandleFunc("/api/templates/", r.handleTemplateByID)

	r.mux.HandleFunc("/hubs/scan-progress/negotiate", r.deps.Hub.HandleNegotiate)
	r.mux.HandleFunc("/hubs/scan-progress", r.deps.Hub.HandleWebSocket)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	healthy := r.deps.Health == nil || r.deps.Health.Healthy()
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]string{"status": state})
}
