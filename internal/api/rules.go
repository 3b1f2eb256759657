package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

func (r *Router) handleRules(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		enabledOnly := req.URL.Query().Get("enabled") == "true"
		list, err := r.deps.Store.ListDetectionRules(req.Context(), enabledOnly)
		if err != nil {
			internalError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"rules": list, "total": len(list)})

	case http.MethodPost:
		var rule models.DetectionRule
		if !decodeBody(w, req, &rule) {
			return
		}
		if err := validateRule(&rule); err != nil {
			badRequest(w, req, "invalid rule", err.Error())
			return
		}
		id, err := r.deps.Store.CreateDetectionRule(req.Context(), &rule)
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, req, http.StatusConflict, "duplicate_rule",
				"a rule for this (event_id, channel) already exists", nil)
			return
		}
		if err != nil {
			internalError(w, req, err)
			return
		}
		rule.ID = id
		r.deps.Detector.Invalidate(req.Context())
		writeJSON(w, http.StatusCreated, rule)

	default:
		methodNotAllowed(w, req)
	}
}

func (r *Router) handleRuleByID(w http.ResponseWriter, req *http.Request) {
	idStr := strings.TrimPrefix(req.URL.Path, "/api/security-event-rules/")
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		notFound(w, req, "no such rule")
		return
	}

	switch req.Method {
	case http.MethodGet:
		rule, err := r.deps.Store.GetDetectionRule(req.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, req, "no such rule")
			return
		}
		if err != nil {
			internalError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)

	case http.MethodPut:
		var rule models.DetectionRule
		if !decodeBody(w, req, &rule) {
			return
		}
		rule.ID = id
		if err := validateRule(&rule); err != nil {
			badRequest(w, req, "invalid rule", err.Error())
			return
		}
		err := r.deps.Store.UpdateDetectionRule(req.Context(), &rule)
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, req, "no such rule")
			return
		}
		if err != nil {
			internalError(w, req, err)
			return
		}
		r.deps.Detector.Invalidate(req.Context())
		writeJSON(w, http.StatusOK, rule)

	case http.MethodDelete:
		err := r.deps.Store.DeleteDetectionRule(req.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, req, "no such rule")
			return
		}
		if err != nil {
			internalError(w, req, err)
			return
		}
		r.deps.Detector.Invalidate(req.Context())
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, req)
	}
}

func validateRule(rule *models.DetectionRule) error {
	if rule.EventID <= 0 {
		return errors.New("event_id must be positive")
	}
	if rule.Channel == "" {
		return errors.New("channel is required")
	}
	if rule.Confidence < 0 || rule.Confidence > 100 {
		return errors.New("confidence must be between 0 and 100")
	}
	if rule.RiskLevel == "" {
		rule.RiskLevel = models.RiskLow
	}
	if rule.EventType == "" {
		rule.EventType = models.EventTypeOther
	}
	return nil
}
