package api

import (
	"net/http"

	"github.com/rcourtman/vigil/internal/embedding"
)

type vectorSearchRequest struct {
	Query               string  `json:"query"`
	Limit               int     `json:"limit"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
}

// handleVectorSearch embeds the query text and returns the nearest indexed
// events.
func (r *Router) handleVectorSearch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w, req)
		return
	}
	if r.deps.Embedder == nil || r.deps.Vectors == nil {
		notFound(w, req, "vector search not configured")
		return
	}

	var body vectorSearchRequest
	if !decodeBody(w, req, &body) {
		return
	}
	normalized := embedding.Normalize(body.Query)
	if normalized == "" {
		badRequest(w, req, "query is required", nil)
		return
	}
	if body.Limit <= 0 || body.Limit > 100 {
		body.Limit = 10
	}
	if body.SimilarityThreshold < 0 || body.SimilarityThreshold > 1 {
		badRequest(w, req, "similarityThreshold must be between 0 and 1", body.SimilarityThreshold)
		return
	}

	vec, err := r.deps.Embedder.Embed(req.Context(), normalized)
	if err != nil {
		internalError(w, req, err)
		return
	}
	results, err := r.deps.Vectors.Search(req.Context(), vec, body.Limit, body.SimilarityThreshold)
	if err != nil {
		internalError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results, "total": len(results)})
}
