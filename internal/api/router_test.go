package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/correlation"
	"github.com/rcourtman/vigil/internal/dashboard"
	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/rules"
	"github.com/rcourtman/vigil/internal/store"
	"github.com/rcourtman/vigil/internal/websocket"
)

type testEnv struct {
	store  *store.Store
	health *dashboard.HealthRegistry
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir())
	cfg.SweepInterval = time.Hour
	st, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	engine, err := correlation.New(config.CorrelationConfig{}, st)
	if err != nil {
		t.Fatal(err)
	}
	health := dashboard.NewHealthRegistry()
	deps := Deps{
		Config:     &config.Config{},
		Store:      st,
		Detector:   rules.NewDetector(st, time.Minute),
		Correlator: engine,
		Dashboard:  dashboard.NewBuilder(st, health, nil),
		Health:     health,
		Hub:        websocket.NewHub(),
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testEnv{store: st, health: health, srv: srv}
}

func (e *testEnv) seedEvent(t *testing.T, id string, ts time.Time) {
	t.Helper()
	err := e.store.WriteEvent(t.Context(), &models.SecurityEvent{
		ID:              id,
		EventID:         4625,
		Channel:         "Security",
		EventType:       models.EventTypeAuthFailure,
		RiskLevel:       models.RiskMedium,
		Confidence:      80,
		Timestamp:       ts,
		Host:            "WS01",
		User:            "alice",
		SourceIP:        "203.0.113.7",
		Summary:         "failed logon for alice",
		DetectionMethod: models.DetectionDeterministic,
		Status:          models.StatusOpen,
		RecordHash:      "hash-" + id,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.health.RegisterStatic("store", func() (bool, string) { return true, "open" })

	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestHealthzDegraded(t *testing.T) {
	env := newTestEnv(t)
	env.health.RegisterStatic("pipeline", func() (bool, string) { return false, "queue full" })

	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "degraded") {
		t.Fatalf("body = %s", body)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-abc-123" {
		t.Fatalf("header = %q", got)
	}

	// Requests without one get a generated ID.
	resp2, _ := env.do(t, http.MethodGet, "/healthz", "")
	if resp2.Header.Get("X-Correlation-Id") == "" {
		t.Fatal("no correlation ID assigned")
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/security-events?riskLevel=bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envlp struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
			Timestamp     string `json:"timestamp"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envlp); err != nil {
		t.Fatalf("body %s: %v", body, err)
	}
	if envlp.Error.Code != "VALIDATION_ERROR" || envlp.Error.CorrelationID == "" {
		t.Fatalf("envelope = %+v", envlp)
	}
	if envlp.Error.Timestamp == "" {
		t.Fatalf("envelope missing timestamp: %s", body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/security-events/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "NOT_FOUND") {
		t.Fatalf("body = %s", body)
	}
}

func TestEventsListAndGet(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	env.seedEvent(t, "evt-1", now.Add(-time.Minute))
	env.seedEvent(t, "evt-2", now)

	resp, body := env.do(t, http.MethodGet, "/api/security-events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var list struct {
		Data       []*models.SecurityEvent `json:"data"`
		Total      int                     `json:"total"`
		Page       int                     `json:"page"`
		PerPage    int                     `json:"perPage"`
		TotalPages int                     `json:"totalPages"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || len(list.Data) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Page != 1 || list.PerPage != 50 || list.TotalPages != 1 {
		t.Fatalf("pagination = %+v", list)
	}
	// Newest first.
	if list.Data[0].ID != "evt-2" {
		t.Fatalf("order = %s, %s", list.Data[0].ID, list.Data[1].ID)
	}

	// One event per page splits the set across two pages.
	resp, body = env.do(t, http.MethodGet, "/api/security-events?page=2&limit=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.TotalPages != 2 || len(list.Data) != 1 || list.Data[0].ID != "evt-1" {
		t.Fatalf("page 2 = %+v", list)
	}

	resp, body = env.do(t, http.MethodGet, "/api/security-events/evt-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e models.SecurityEvent
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e.ID != "evt-1" || e.User != "alice" {
		t.Fatalf("event = %+v", e)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/security-events/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing event status = %d", resp.StatusCode)
	}
}

func TestEventPatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, "evt-1", time.Now().UTC())

	resp, body := env.do(t, http.MethodPatch, "/api/security-events/evt-1",
		`{"notes":"triaged by on-call","status":"resolved"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var e models.SecurityEvent
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e.Notes != "triaged by on-call" || e.Status != models.StatusResolved {
		t.Fatalf("patched = %+v", e)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/security-events/evt-1", `{"status":"wontfix"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status accepted: %d", resp.StatusCode)
	}
}

func TestTimelineEndpoint(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.seedEvent(t, "evt-1", now.Add(-2*time.Hour))
	env.seedEvent(t, "evt-2", now.Add(-time.Hour))

	resp, body := env.do(t, http.MethodGet, "/api/timeline?granularity=hour", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var tl struct {
		Data  []models.TimelineBucket `json:"data"`
		Total int                     `json:"total"`
	}
	if err := json.Unmarshal(body, &tl); err != nil {
		t.Fatal(err)
	}
	if len(tl.Data) != 2 || tl.Total != 2 {
		t.Fatalf("timeline = %+v", tl)
	}
	for _, b := range tl.Data {
		if b.BucketStart.IsZero() || b.Count != 1 {
			t.Fatalf("bucket = %+v", b)
		}
	}

	resp, _ = env.do(t, http.MethodGet, "/api/timeline?granularity=fortnight", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid granularity status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/timeline/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d body %s", resp.StatusCode, body)
	}
	var stats store.TimelineStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.ByRisk[models.RiskMedium] != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRulesCRUD(t *testing.T) {
	env := newTestEnv(t)
	ruleJSON := `{"event_id":4625,"channel":"Security","event_type":"AuthenticationFailure","risk_level":"Medium","confidence":85,"summary":"failed logon","enabled":true}`

	resp, body := env.do(t, http.MethodPost, "/api/security-event-rules", ruleJSON)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body %s", resp.StatusCode, body)
	}
	var created models.DetectionRule
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID <= 0 {
		t.Fatalf("created = %+v", created)
	}

	// Same (event_id, channel) conflicts.
	resp, body = env.do(t, http.MethodPost, "/api/security-event-rules", ruleJSON)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "duplicate_rule") {
		t.Fatalf("body = %s", body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/security-event-rules?enabled=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(body, &list)
	if list.Total != 1 {
		t.Fatalf("list = %s", body)
	}

	path := fmt.Sprintf("/api/security-event-rules/%d", created.ID)
	resp, _ = env.do(t, http.MethodDelete, path, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, path, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestRuleValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/security-event-rules",
		`{"event_id":0,"channel":"Security"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/security-event-rules", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
}

func TestCorrelationsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/correlation/correlations", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var list struct {
		Data  []*models.Correlation `json:"data"`
		Total int                   `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Data == nil || list.Total != 0 {
		t.Fatalf("empty list = %s", body)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/correlation/correlations?minConfidence=2", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range minConfidence status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/correlation/statistics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("statistics status = %d body %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/correlation/rules", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rules status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "brute-force") {
		t.Fatalf("body = %s", body)
	}
}

func TestCorrelationRuleUpdate(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPut, "/api/correlation/rules/brute-force",
		`{"min_event_count":7,"time_window_seconds":300}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var updated models.CorrelationRule
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.ID != "brute-force" || updated.MinEventCount != 7 || updated.TimeWindow != 5*time.Minute {
		t.Fatalf("updated = %+v", updated)
	}
	// Untouched fields survive the patch.
	if updated.MinConfidence != 0.85 || !updated.Enabled {
		t.Fatalf("updated = %+v", updated)
	}

	resp, body = env.do(t, http.MethodGet, "/api/correlation/rules", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rules status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"min_event_count":7`) {
		t.Fatalf("update not visible: %s", body)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/correlation/rules/no-such-rule", `{"enabled":false}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown rule status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPut, "/api/correlation/rules/brute-force", `{"min_confidence":1.5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range min_confidence status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPut, "/api/correlation/rules/brute-force", `{"type":"LateralMovement"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("type change status = %d", resp.StatusCode)
	}
}

func TestCorrelationAnalyze(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().UTC().Add(-5 * time.Minute)
	for i := 0; i < 5; i++ {
		env.seedEvent(t, fmt.Sprintf("bf-%d", i), base.Add(time.Duration(i)*5*time.Second))
	}
	err := env.store.WriteEvent(t.Context(), &models.SecurityEvent{
		ID:              "bf-success",
		EventID:         4624,
		Channel:         "Security",
		EventType:       models.EventTypeAuthSuccess,
		RiskLevel:       models.RiskLow,
		Confidence:      70,
		Timestamp:       base.Add(30 * time.Second),
		Host:            "WS01",
		User:            "alice",
		SourceIP:        "203.0.113.7",
		Summary:         "successful logon for alice",
		DetectionMethod: models.DetectionDeterministic,
		Status:          models.StatusOpen,
		RecordHash:      "hash-bf-success",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := env.do(t, http.MethodPost, "/api/correlation/analyze", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var out struct {
		Analyzed     int                   `json:"analyzed"`
		Detected     int                   `json:"detected"`
		Correlations []*models.Correlation `json:"correlations"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Analyzed != 6 || out.Detected != 1 || len(out.Correlations) != 1 {
		t.Fatalf("analyze = %s", body)
	}
	corr := out.Correlations[0]
	if corr.Type != models.CorrelationBruteForce || len(corr.EventIDs) != 6 {
		t.Fatalf("correlation = %+v", corr)
	}

	// The detection was persisted, so the list endpoint serves it.
	resp, body = env.do(t, http.MethodGet, "/api/correlation/correlations?type=BruteForce&minConfidence=0.5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Data  []*models.Correlation `json:"data"`
		Total int                   `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Data[0].ID != corr.ID {
		t.Fatalf("list = %s", body)
	}

	// Same window again: cool-off suppresses a duplicate report.
	resp, body = env.do(t, http.MethodPost, "/api/correlation/analyze", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second analyze status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Detected != 0 {
		t.Fatalf("second analyze = %s", body)
	}
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t)
	env.health.RegisterStatic("store", func() (bool, string) { return true, "open" })

	resp, body := env.do(t, http.MethodGet, "/api/system-status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["components"]; !ok {
		t.Fatalf("body = %s", body)
	}
}

func TestPoolEndpointsWithoutPool(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/database-pool/metrics", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/database-pool/connections", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestVectorSearchNotConfigured(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/vector/search", `{"query":"failed logon"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDashboardData(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, "evt-1", time.Now().UTC())

	resp, body := env.do(t, http.MethodGet, "/api/dashboarddata/consolidated", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	var snap models.DashboardSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.TimeRange != models.Range24h || snap.SecurityEvents.Total != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	resp, body = env.do(t, http.MethodGet, "/api/dashboarddata/consolidated?timeRange=1h", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("1h status = %d body %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/dashboarddata/consolidated?timeRange=2y", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid timeRange status = %d", resp.StatusCode)
	}
}

func TestTemplatesEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/templates",
		`{"name":"high-risk-alert","channel":"webhook","subject":"High risk event on {{host}}","body":"{{summary}}"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status = %d body %s", resp.StatusCode, body)
	}
	var tpl models.NotificationTemplate
	if err := json.Unmarshal(body, &tpl); err != nil {
		t.Fatal(err)
	}
	if tpl.ID <= 0 {
		t.Fatalf("template = %+v", tpl)
	}

	resp, body = env.do(t, http.MethodGet, "/api/templates", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(body, &list)
	if list.Total != 1 {
		t.Fatalf("list = %s", body)
	}

	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/templates/%d", tpl.ID), "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/templates/%d", tpl.ID), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodDelete, "/api/security-events", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "METHOD_NOT_ALLOWED") {
		t.Fatalf("body = %s", body)
	}
}
