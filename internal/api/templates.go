package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/store"
)

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		list, err := r.deps.Store.ListTemplates(req.Context())
		if err != nil {
			internalError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"templates": list, "total": len(list)})

	case http.MethodPost, http.MethodPut:
		var t models.NotificationTemplate
		if !decodeBody(w, req, &t) {
			return
		}
		if t.Name == "" {
			badRequest(w, req, "name is required", nil)
			return
		}
		if err := r.deps.Store.UpsertTemplate(req.Context(), &t); err != nil {
			internalError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, t)

	default:
		methodNotAllowed(w, req)
	}
}

func (r *Router) handleTemplateByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		methodNotAllowed(w, req)
		return
	}
	idStr := strings.TrimPrefix(req.URL.Path, "/api/templates/")
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		notFound(w, req, "no such template")
		return
	}
	err = r.deps.Store.DeleteTemplate(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, req, "no such template")
		return
	}
	if err != nil {
		internalError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
