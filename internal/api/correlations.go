package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

func (r *Router) handleCorrelations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	q := req.URL.Query()

	from, to, err := parseWindow(q.Get("startTime"), q.Get("endTime"), 0)
	if err != nil {
		badRequest(w, req, "invalid time window", err.Error())
		return
	}
	filter := store.CorrelationFilter{
		From:  from,
		To:    to,
		Type:  models.CorrelationType(q.Get("type")),
		Limit: queryInt(q.Get("limit"), 100),
	}
	if v := q.Get("minConfidence"); v != "" {
		mc, err := strconv.ParseFloat(v, 64)
		if err != nil || mc < 0 || mc > 1 {
			badRequest(w, req, "invalid minConfidence", v)
			return
		}
		filter.MinConfidence = mc
	}

	list, err := r.deps.Store.QueryCorrelations(req.Context(), filter)
	if err != nil {
		internalError(w, req, err)
		return
	}
	if list == nil {
		list = []*models.Correlation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list, "total": len(list)})
}

func (r *Router) handleCorrelationStatistics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	stats, err := r.deps.Store.GetCorrelationStatistics(req.Context())
	if err != nil {
		internalError(w, req, err)
		return
	}
	engine := r.deps.Correlator.GetStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"persisted": stats,
		"engine":    engine,
		"asOf":      time.Now().UTC(),
	})
}

func (r *Router) handleCorrelationRules(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": r.deps.Correlator.Rules()})
}

// correlationRulePatch mirrors the rules-file field names. Absent fields keep
// the running rule's values; the rule type is immutable once loaded.
type correlationRulePatch struct {
	ID                 string                 `json:"id"`
	Type               string                 `json:"type"`
	TimeWindowSeconds  *int                   `json:"time_window_seconds"`
	MinEventCount      *int                   `json:"min_event_count"`
	MinConfidence      *float64               `json:"min_confidence"`
	RequiredEventTypes []string               `json:"required_event_types"`
	Enabled            *bool                  `json:"enabled"`
	Parameters         map[string]interface{} `json:"parameters"`
}

func (r *Router) handleCorrelationRuleByID(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/api/correlation/rules/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, req, "no such correlation rule")
		return
	}
	if req.Method != http.MethodPut {
		methodNotAllowed(w, req)
		return
	}

	var body correlationRulePatch
	if !decodeBody(w, req, &body) {
		return
	}
	if body.ID != "" && body.ID != id {
		badRequest(w, req, "rule id mismatch", body.ID)
		return
	}

	var current *models.CorrelationRule
	for _, rule := range r.deps.Correlator.Rules() {
		if rule.ID == id {
			current = &rule
			break
		}
	}
	if current == nil {
		notFound(w, req, "no such correlation rule")
		return
	}
	if body.Type != "" && !strings.EqualFold(body.Type, string(current.Type)) {
		badRequest(w, req, "rule type is immutable", body.Type)
		return
	}

	updated := *current
	if body.TimeWindowSeconds != nil {
		if *body.TimeWindowSeconds <= 0 {
			badRequest(w, req, "time_window_seconds must be positive", strconv.Itoa(*body.TimeWindowSeconds))
			return
		}
		updated.TimeWindow = time.Duration(*body.TimeWindowSeconds) * time.Second
	}
	if body.MinEventCount != nil {
		if *body.MinEventCount <= 0 {
			badRequest(w, req, "min_event_count must be positive", strconv.Itoa(*body.MinEventCount))
			return
		}
		updated.MinEventCount = *body.MinEventCount
	}
	if body.MinConfidence != nil {
		if *body.MinConfidence < 0 || *body.MinConfidence > 1 {
			badRequest(w, req, "min_confidence must be within [0,1]", strconv.FormatFloat(*body.MinConfidence, 'f', -1, 64))
			return
		}
		updated.MinConfidence = *body.MinConfidence
	}
	if body.RequiredEventTypes != nil {
		updated.RequiredEventTypes = nil
		for _, et := range body.RequiredEventTypes {
			updated.RequiredEventTypes = append(updated.RequiredEventTypes, models.EventType(et))
		}
	}
	if body.Enabled != nil {
		updated.Enabled = *body.Enabled
	}
	if body.Parameters != nil {
		updated.Parameters = body.Parameters
	}

	if !r.deps.Correlator.UpdateRule(updated) {
		notFound(w, req, "no such correlation rule")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type correlationAnalyzeRequest struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Limit     int    `json:"limit"`
}

// handleCorrelationAnalyze replays stored events through the matchers on
// demand. Windows are shared with the streaming path, so anything already
// reported stays suppressed by the cool-off.
func (r *Router) handleCorrelationAnalyze(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w, req)
		return
	}
	if !r.analyzing.CompareAndSwap(false, true) {
		tooManyRequests(w, req, "an analysis replay is already running")
		return
	}
	defer r.analyzing.Store(false)

	var body correlationAnalyzeRequest
	if req.ContentLength != 0 {
		if !decodeBody(w, req, &body) {
			return
		}
	}
	from, to, err := parseWindow(body.StartTime, body.EndTime, time.Hour)
	if err != nil {
		badRequest(w, req, "invalid time window", err.Error())
		return
	}
	limit := body.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit > 2000 {
		limit = 2000
	}

	events, _, err := r.deps.Store.QueryEvents(req.Context(), store.EventFilter{From: from, To: to}, 1, limit)
	if err != nil {
		internalError(w, req, err)
		return
	}
	// The store lists newest first; window accumulation wants stream order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	detections := r.deps.Correlator.AnalyzeBatch(req.Context(), events)
	if detections == nil {
		detections = []*models.Correlation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyzed":     len(events),
		"detected":     len(detections),
		"correlations": detections,
	})
}
