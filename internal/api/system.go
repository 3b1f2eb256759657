package api

import (
	"net/http"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

func (r *Router) handleSystemStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}

	resp := map[string]interface{}{
		"asOf":       time.Now().UTC(),
		"components": r.deps.Health.Stats(),
	}
	if r.deps.Pipeline != nil {
		resp["pipeline"] = r.deps.Pipeline.GetStats()
	}
	if r.deps.Correlator != nil {
		resp["correlation"] = r.deps.Correlator.GetStats()
	}
	if r.deps.Cache != nil {
		resp["cache"] = r.deps.Cache.Stats()
	}
	if r.deps.Watcher != nil {
		resp["channels"] = r.deps.Watcher.Statuses()
	}
	if r.deps.Detector != nil {
		resp["detection_rules"] = r.deps.Detector.RuleCount()
	}
	if r.deps.Hub != nil {
		resp["websocket_clients"] = r.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handlePoolMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	if r.deps.Pool == nil {
		notFound(w, req, "no pool configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy_instances": r.deps.Pool.HealthyCount(),
		"degraded":          r.deps.Pool.Degraded(),
		"pending_writes":    r.deps.Pool.PendingWrites(),
	})
}

func (r *Router) handlePoolConnections(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	if r.deps.Pool == nil {
		notFound(w, req, "no pool configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": r.deps.Pool.Statuses()})
}

func (r *Router) handleDeadLetters(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	limit := queryInt(req.URL.Query().Get("limit"), 100)
	letters, err := r.deps.Store.ListDeadLetters(req.Context(), limit)
	if err != nil {
		internalError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": letters, "total": len(letters)})
}

func (r *Router) handleDashboardData(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	timeRange := models.TimeRange(req.URL.Query().Get("timeRange"))
	switch timeRange {
	case "":
		timeRange = models.Range24h
	case models.Range1h, models.Range24h, models.Range7d, models.Range30d:
	default:
		badRequest(w, req, "invalid timeRange", string(timeRange))
		return
	}

	snap, err := r.deps.Dashboard.Snapshot(req.Context(), timeRange)
	if err != nil {
		internalError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Router) handleDashboardBroadcast(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w, req)
		return
	}
	r.deps.Dashboard.Invalidate()
	snap, err := r.deps.Dashboard.Snapshot(req.Context(), models.Range24h)
	if err != nil {
		internalError(w, req, err)
		return
	}
	r.deps.Hub.BroadcastDashboard(snap)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "broadcast queued"})
}
