package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const correlationIDKey ctxKey = iota

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string      `json:"code"`
	Message       string      `json:"message"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
	Timestamp     time.Time   `json:"timestamp"`
}

// correlationID returns the request's correlation ID.
func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// withCorrelationID assigns every request an ID, honoring one supplied by
// the caller, and echoes it in the response headers.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey, id)))
	})
}

// withRequestLog logs each request at debug with its outcome status.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("correlationId", correlationID(r.Context())).
			Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: correlationID(r.Context()),
		Timestamp:     time.Now().UTC(),
	}})
}

// Error codes clients key off. Each code pairs with exactly one HTTP status.
const (
	codeValidation   = "VALIDATION_ERROR"   // 400
	codeUnauthorized = "UNAUTHORIZED"       // 401
	codeForbidden    = "FORBIDDEN"          // 403
	codeNotFound     = "NOT_FOUND"          // 404
	codeRateLimited  = "RATE_LIMITED"       // 429
	codeInternal     = "INTERNAL_ERROR"     // 500
	codeBadMethod    = "METHOD_NOT_ALLOWED" // 405, emitted by routing only
)

func badRequest(w http.ResponseWriter, r *http.Request, message string, details interface{}) {
	writeError(w, r, http.StatusBadRequest, codeValidation, message, details)
}

func notFound(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusNotFound, codeNotFound, message, nil)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, codeBadMethod, "method not allowed", nil)
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).
		Str("correlationId", correlationID(r.Context())).Msg("Request failed")
	writeError(w, r, http.StatusInternalServerError, codeInternal, "internal server error", nil)
}

func tooManyRequests(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusTooManyRequests, codeRateLimited, message, nil)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, r, "malformed request body", err.Error())
		return false
	}
	return true
}
