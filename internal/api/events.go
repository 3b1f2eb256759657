package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

type eventListResponse struct {
	Data       []*models.SecurityEvent `json:"data"`
	Total      int                     `json:"total"`
	Page       int                     `json:"page"`
	PerPage    int                     `json:"perPage"`
	TotalPages int                     `json:"totalPages"`
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}

	q := req.URL.Query()
	filter, err := parseEventFilter(q)
	if err != nil {
		badRequest(w, req, "invalid filter", err.Error())
		return
	}
	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 50)

	events, total, err := r.deps.Store.QueryEvents(req.Context(), filter, page, limit)
	if err != nil {
		internalError(w, req, err)
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, eventListResponse{
		Data:       events,
		Total:      total,
		Page:       page,
		PerPage:    limit,
		TotalPages: (total + limit - 1) / limit,
	})
}

type eventPatchRequest struct {
	Notes           *string  `json:"notes"`
	Status          *string  `json:"status"`
	RiskLevel       *string  `json:"risk_level"`
	MitreTechniques []string `json:"mitre_techniques"`
}

func (r *Router) handleEventByID(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/api/security-events/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, req, "no such event")
		return
	}

	switch req.Method {
	case http.MethodGet:
		e, err := r.deps.Store.GetEvent(req.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, req, "no such event")
			return
		}
		if err != nil {
			internalError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, e)

	case http.MethodPatch:
		var body eventPatchRequest
		if !decodeBody(w, req, &body) {
			return
		}
		patch := store.EventPatch{
			Notes:           body.Notes,
			MitreTechniques: body.MitreTechniques,
		}
		if body.Status != nil {
			status, ok := parseStatus(*body.Status)
			if !ok {
				badRequest(w, req, "invalid status", *body.Status)
				return
			}
			patch.Status = &status
		}
		if body.RiskLevel != nil {
			risk, ok := parseRisk(*body.RiskLevel)
			if !ok {
				badRequest(w, req, "invalid risk level", *body.RiskLevel)
				return
			}
			patch.RiskLevel = &risk
		}

		err := r.deps.Store.UpdateEvent(req.Context(), id, patch)
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, req, "no such event")
			return
		}
		if err != nil {
			internalError(w, req, err)
			return
		}
		e, err := r.deps.Store.GetEvent(req.Context(), id)
		if err != nil {
			internalError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, e)

	default:
		methodNotAllowed(w, req)
	}
}

func (r *Router) handleTimeline(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	q := req.URL.Query()

	granularity := q.Get("granularity")
	if granularity == "" {
		granularity = "hour"
	}
	from, to, err := parseWindow(q.Get("from"), q.Get("to"), 24*time.Hour)
	if err != nil {
		badRequest(w, req, "invalid time window", err.Error())
		return
	}

	var types []models.EventType
	for _, t := range splitList(q.Get("eventTypes")) {
		types = append(types, models.EventType(t))
	}
	var risks []models.RiskLevel
	for _, v := range splitList(q.Get("riskLevels")) {
		risk, ok := parseRisk(v)
		if !ok {
			badRequest(w, req, "invalid risk level", v)
			return
		}
		risks = append(risks, risk)
	}

	buckets, err := r.deps.Store.AggregateTimeline(req.Context(), from, to, granularity, types, risks)
	if err != nil {
		badRequest(w, req, "timeline aggregation failed", err.Error())
		return
	}
	if buckets == nil {
		buckets = []models.TimelineBucket{}
	}
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  buckets,
		"total": total,
	})
}

func (r *Router) handleTimelineStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, req)
		return
	}
	from, to, err := parseWindow(req.URL.Query().Get("startTime"), req.URL.Query().Get("endTime"), 24*time.Hour)
	if err != nil {
		badRequest(w, req, "invalid time window", err.Error())
		return
	}
	stats, err := r.deps.Store.GetTimelineStats(req.Context(), from, to)
	if err != nil {
		internalError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseEventFilter(q map[string][]string) (store.EventFilter, error) {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	f := store.EventFilter{
		Host:     get("computer"),
		User:     get("user"),
		SourceIP: get("sourceIP"),
		Text:     get("q"),
	}
	if v := get("riskLevel"); v != "" {
		risk, ok := parseRisk(v)
		if !ok {
			return f, errors.New("invalid riskLevel " + v)
		}
		f.RiskLevel = risk
	}
	if v := get("eventType"); v != "" {
		f.EventType = models.EventType(v)
	}
	var err error
	f.From, f.To, err = parseWindow(get("dateFrom"), get("dateTo"), 0)
	if err != nil {
		return f, err
	}
	return f, nil
}

// parseWindow parses RFC 3339 bounds. A zero fallback leaves missing bounds
// zero; otherwise missing bounds default to [now-fallback, now).
func parseWindow(fromStr, toStr string, fallback time.Duration) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return from, to, err
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return from, to, err
		}
	}
	if fallback > 0 {
		if to.IsZero() {
			to = time.Now()
		}
		if from.IsZero() {
			from = to.Add(-fallback)
		}
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return from, to, errors.New("to must be after from")
	}
	return from, to, nil
}

func parseRisk(s string) (models.RiskLevel, bool) {
	switch strings.ToLower(s) {
	case "critical":
		return models.RiskCritical, true
	case "high":
		return models.RiskHigh, true
	case "medium":
		return models.RiskMedium, true
	case "low":
		return models.RiskLow, true
	default:
		return "", false
	}
}

func parseStatus(s string) (models.EventStatus, bool) {
	switch strings.ToLower(s) {
	case "open":
		return models.StatusOpen, true
	case "investigating":
		return models.StatusInvestigating, true
	case "resolved":
		return models.StatusResolved, true
	default:
		return "", false
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
