package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/perimeter/internal/auth"
	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/ratelimit"
	"github.com/1sec-project/perimeter/internal/store"
	"github.com/1sec-project/perimeter/internal/threat"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

const (
	adminKey      = "test-admin-key"
	allowedOrigin = "https://app.example.com"
)

type testServer struct {
	*Server
	store *store.MemoryStore
	calls *atomic.Int32
}

// reasoningMock answers every completion with reply, or fails with status.
func reasoningMock(t *testing.T, status int, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			http.Error(w, "upstream overloaded", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Server.APIKeys = []string{adminKey}
	cfg.Server.JWTSecret = "test-jwt-secret"
	cfg.Origins.Allowed = []string{allowedOrigin}
	return cfg
}

func newTestServer(t *testing.T, cfg *core.Config, status int, reply string) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	mock, calls := reasoningMock(t, status, reply)
	cfg.Analysis.APIURL = mock.URL
	cfg.Analysis.APIKey = "ai-key"

	engine := &core.Engine{Config: cfg, Alerts: core.NewAlertDispatcher(logger), Logger: logger}
	st := store.NewMemoryStore()
	reasoner, err := threat.NewReasoner(cfg.Analysis)
	if err != nil {
		t.Fatalf("NewReasoner: %v", err)
	}
	pipeline := threat.NewPipeline(cfg.Analysis, st, reasoner, logger, threat.WithAlerts(engine.Alerts))
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), logger)

	s, err := NewServer(engine, st, limiter, pipeline)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testServer{Server: s, store: st, calls: calls}
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.20:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
	return body
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) map[string]interface{} {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	body := decode(t, w)
	if body["success"] != false || body["code"] != code {
		t.Errorf("envelope = %v, want code %s", body, code)
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Error("error message missing")
	}
	return body
}

func analysisReply(level string) string {
	return fmt.Sprintf(`{"threatLevel":%q,"threatType":"credential_stuffing","confidence":90,"reasoning":"burst","recommendedActions":["lock accounts"],"patterns":["p"],"riskScore":88}`, level)
}

func eventsBody(n int) string {
	events := make([]map[string]interface{}, n)
	for i := range events {
		events[i] = map[string]interface{}{"event_type": "login_failure", "severity": "high"}
	}
	b, _ := json.Marshal(map[string]interface{}{"events": events, "analysisType": "manual"})
	return string(b)
}

// ─── Health, metrics, routing ────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")
	w := ts.do(http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("Content-Security-Policy") == "" {
		t.Error("security headers missing")
	}
	if body := decode(t, w); body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")
	w := ts.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("status = %d", w.Code)
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")
	expectError(t, ts.do(http.MethodGet, "/nope", "", nil), http.StatusNotFound, "ERR_NOT_FOUND")
	expectError(t, ts.do(http.MethodGet, "/api/v1/threat-analysis", "", bearer(adminKey)), http.StatusMethodNotAllowed, "ERR_METHOD_NOT_ALLOWED")
}

// ─── Origin gateway ──────────────────────────────────────────────────────────

func TestPreflight(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")

	w := ts.do(http.MethodOptions, "/api/v1/threat-analysis", "", map[string]string{"Origin": allowedOrigin})
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("status=%d body=%q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Errorf("ACAO = %q", got)
	}

	w = ts.do(http.MethodOptions, "/api/v1/threat-analysis", "", map[string]string{"Origin": "https://evil.example"})
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO for disallowed origin = %q", got)
	}
}

func TestDisallowedOriginRejectedBeforeWork(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, analysisReply("low"))
	headers := bearer(adminKey)
	headers["Origin"] = "https://evil.example"

	w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), headers)
	expectError(t, w, http.StatusForbidden, "ERR_FORBIDDEN_ORIGIN")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("rejections still carry security headers")
	}
	if ts.calls.Load() != 0 {
		t.Error("reasoning service called for a rejected origin")
	}
}

// ─── Threat analysis ─────────────────────────────────────────────────────────

func TestThreatAnalysis_RequiresCredentials(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, analysisReply("low"))
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), nil), http.StatusUnauthorized, "ERR_UNAUTHORIZED")
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer("wrong")), http.StatusUnauthorized, "ERR_UNAUTHORIZED")
}

func TestThreatAnalysis_RequiresPrivilegedRole(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg, http.StatusOK, analysisReply("low"))
	token, err := auth.Issue(cfg, "user-7", []string{"analyst"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(token)), http.StatusForbidden, "ERR_FORBIDDEN")

	admin, _ := auth.Issue(cfg, "admin-3", []string{"admin"}, time.Minute)
	if w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(admin)); w.Code != http.StatusOK {
		t.Errorf("admin token: status = %d (%s)", w.Code, w.Body.String())
	}
}

func TestThreatAnalysis_TooManyEventsNeverReachesReasoning(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, analysisReply("low"))
	w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(101), bearer(adminKey))
	body := expectError(t, w, http.StatusBadRequest, "ERR_VALIDATION")
	if !strings.Contains(body["error"].(string), "events must have at most 100 items") {
		t.Errorf("error = %v", body["error"])
	}
	if ts.calls.Load() != 0 {
		t.Errorf("reasoning calls = %d, want 0", ts.calls.Load())
	}
}

func TestThreatAnalysis_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, analysisReply("low"))
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", "{not json", bearer(adminKey)), http.StatusBadRequest, "ERR_VALIDATION")
}

func TestThreatAnalysis_CriticalCreatesAlert(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, analysisReply("critical"))
	w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(3), bearer(adminKey))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["success"] != true || body["aiPowered"] != true || body["eventsAnalyzed"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	if body["persisted"] != true || body["alertCreated"] != true {
		t.Errorf("persisted=%v alertCreated=%v", body["persisted"], body["alertCreated"])
	}
	analysis := body["analysis"].(map[string]interface{})
	if analysis["threatLevel"] != "critical" {
		t.Errorf("threatLevel = %v", analysis["threatLevel"])
	}
	if n := len(ts.store.Alerts()); n != 1 {
		t.Errorf("alerts = %d, want 1", n)
	}
}

func TestThreatAnalysis_EmptyBodyUsesStoredEvents(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, analysisReply("low"))
	w := ts.do(http.MethodPost, "/api/v1/threat-analysis", "", bearer(adminKey))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["eventsAnalyzed"] != float64(0) {
		t.Errorf("eventsAnalyzed = %v", body["eventsAnalyzed"])
	}
}

func TestThreatAnalysis_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusInternalServerError, "")
	w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(adminKey))
	body := expectError(t, w, http.StatusInternalServerError, "ERR_UPSTREAM")
	if strings.Contains(body["error"].(string), "overloaded") {
		t.Error("upstream body leaked")
	}
	if len(ts.store.Analyses()) != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestThreatAnalysis_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Analysis = core.RateWindow{MaxAttempts: 2, Window: time.Hour}
	ts := newTestServer(t, cfg, http.StatusOK, analysisReply("low"))

	for i := 0; i < 2; i++ {
		if w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(adminKey)); w.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d", i, w.Code)
		}
	}
	w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(adminKey))
	expectError(t, w, http.StatusTooManyRequests, "ERR_RATE_LIMITED")
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if ts.calls.Load() != 2 {
		t.Errorf("reasoning calls = %d, want 2", ts.calls.Load())
	}
}

func TestThreatAnalysis_RejectedBodiesDoNotSpendQuota(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Analysis = core.RateWindow{MaxAttempts: 2, Window: time.Hour}
	ts := newTestServer(t, cfg, http.StatusOK, analysisReply("low"))

	for i := 0; i < 3; i++ {
		expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", `{"events":`, bearer(adminKey)), http.StatusBadRequest, "ERR_VALIDATION")
	}
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", `{"analysisType":"bogus"}`, bearer(adminKey)), http.StatusBadRequest, "ERR_VALIDATION")
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(101), bearer(adminKey)), http.StatusBadRequest, "ERR_VALIDATION")

	for i := 0; i < 2; i++ {
		if w := ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(adminKey)); w.Code != http.StatusOK {
			t.Fatalf("valid call %d after rejected bodies: status = %d (%s)", i, w.Code, w.Body.String())
		}
	}
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(1), bearer(adminKey)), http.StatusTooManyRequests, "ERR_RATE_LIMITED")
}

func TestBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 64
	ts := newTestServer(t, cfg, http.StatusOK, analysisReply("low"))
	expectError(t, ts.do(http.MethodPost, "/api/v1/threat-analysis", eventsBody(10), bearer(adminKey)), http.StatusBadRequest, "ERR_VALIDATION")
}

// ─── Event ingestion ─────────────────────────────────────────────────────────

func TestIngestEvent(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")
	body := `{"event_type":"login_failure","severity":"high","ip_address":"203.0.113.9","details":{"<b>k</b>":"<script>x</script>"}}`

	w := ts.do(http.MethodPost, "/api/v1/events", body, bearer(adminKey))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	events, _ := ts.store.RecentEvents(context.Background(), 10)
	if len(events) != 1 || events[0].ID != resp["id"] {
		t.Fatalf("stored = %+v, resp = %v", events, resp)
	}
	for k, v := range events[0].Details {
		if strings.Contains(k, "<") || strings.Contains(v.(string), "<script") {
			t.Errorf("details not sanitized: %q=%q", k, v)
		}
	}

	w = ts.do(http.MethodPost, "/api/v1/events", body, bearer(adminKey))
	if w.Code != http.StatusOK || decode(t, w)["duplicate"] != true {
		t.Errorf("replay: status = %d", w.Code)
	}
}

func TestIngestEvent_Validation(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")
	w := ts.do(http.MethodPost, "/api/v1/events", `{"event_type":"x","severity":"urgent","user_id":"nope"}`, bearer(adminKey))
	body := expectError(t, w, http.StatusBadRequest, "ERR_VALIDATION")
	msg := body["error"].(string)
	if !strings.Contains(msg, "severity must be one of") || !strings.Contains(msg, "user_id must be a valid UUID") {
		t.Errorf("error = %q", msg)
	}
	expectError(t, ts.do(http.MethodPost, "/api/v1/events", `{"event_type":"x","severity":"low"}`, nil), http.StatusUnauthorized, "ERR_UNAUTHORIZED")
}

// failingStore fails the first n event inserts and then defers to Store.
type failingStore struct {
	store.Store
	failures atomic.Int32
}

func (f *failingStore) InsertEvent(ctx context.Context, ev *core.SecurityEvent) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("connection reset")
	}
	return f.Store.InsertEvent(ctx, ev)
}

func TestIngestEvent_RetryAfterStoreFailureIsStored(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")
	flaky := &failingStore{Store: ts.store}
	flaky.failures.Store(1)
	ts.Server.store = flaky
	body := `{"event_type":"login_failure","severity":"high","ip_address":"203.0.113.9"}`

	expectError(t, ts.do(http.MethodPost, "/api/v1/events", body, bearer(adminKey)), http.StatusInternalServerError, "ERR_INTERNAL")

	w := ts.do(http.MethodPost, "/api/v1/events", body, bearer(adminKey))
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry: status = %d (%s), want 202", w.Code, w.Body.String())
	}
	if dup := decode(t, w)["duplicate"]; dup == true {
		t.Error("retry of an unstored event must not be reported as a duplicate")
	}
	events, _ := ts.store.RecentEvents(context.Background(), 10)
	if len(events) != 1 {
		t.Errorf("stored events = %d, want 1", len(events))
	}
}

func TestIngestEvent_RejectedBodiesDoNotSpendQuota(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Submissions = core.RateWindow{MaxAttempts: 1, Window: time.Minute}
	ts := newTestServer(t, cfg, http.StatusOK, "")

	for i := 0; i < 3; i++ {
		expectError(t, ts.do(http.MethodPost, "/api/v1/events", `{"event_type":"x","severity":"urgent"}`, bearer(adminKey)), http.StatusBadRequest, "ERR_VALIDATION")
	}
	if w := ts.do(http.MethodPost, "/api/v1/events", `{"event_type":"x","severity":"low"}`, bearer(adminKey)); w.Code != http.StatusAccepted {
		t.Fatalf("valid submission: status = %d (%s)", w.Code, w.Body.String())
	}
	expectError(t, ts.do(http.MethodPost, "/api/v1/events", `{"event_type":"y","severity":"low"}`, bearer(adminKey)), http.StatusTooManyRequests, "ERR_RATE_LIMITED")
}

// ─── Upload validation ───────────────────────────────────────────────────────

func TestValidateUpload(t *testing.T) {
	ts := newTestServer(t, testConfig(), http.StatusOK, "")

	w := ts.do(http.MethodPost, "/api/v1/uploads/validate", `{"fileName":"../annual report.pdf","fileSize":1024,"mimeType":"application/pdf"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if name := decode(t, w)["sanitizedFileName"]; name != "_annual_report.pdf" {
		t.Errorf("sanitizedFileName = %v", name)
	}

	w = ts.do(http.MethodPost, "/api/v1/uploads/validate", `{"fileName":"photo.png","fileSize":1024,"mimeType":"application/pdf"}`, nil)
	expectError(t, w, http.StatusBadRequest, "ERR_VALIDATION")

	w = ts.do(http.MethodPost, "/api/v1/uploads/validate", `{"fileName":"big.pdf","fileSize":99999999,"mimeType":"application/pdf"}`, nil)
	expectError(t, w, http.StatusBadRequest, "ERR_VALIDATION")
}

func TestValidateUpload_RateLimitedPerClient(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Uploads = core.RateWindow{MaxAttempts: 1, Window: time.Minute}
	ts := newTestServer(t, cfg, http.StatusOK, "")
	body := `{"fileName":"a.txt","fileSize":1,"mimeType":"text/plain"}`

	if w := ts.do(http.MethodPost, "/api/v1/uploads/validate", body, nil); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	expectError(t, ts.do(http.MethodPost, "/api/v1/uploads/validate", body, nil), http.StatusTooManyRequests, "ERR_RATE_LIMITED")

	// A different caller has its own budget.
	if w := ts.do(http.MethodPost, "/api/v1/uploads/validate", body, bearer(adminKey)); w.Code != http.StatusOK {
		t.Errorf("authenticated caller: %d", w.Code)
	}
}

func TestValidateUpload_RejectedBodiesDoNotSpendQuota(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Uploads = core.RateWindow{MaxAttempts: 1, Window: time.Minute}
	ts := newTestServer(t, cfg, http.StatusOK, "")

	expectError(t, ts.do(http.MethodPost, "/api/v1/uploads/validate", `{"fileName":"a.txt"`, nil), http.StatusBadRequest, "ERR_VALIDATION")
	expectError(t, ts.do(http.MethodPost, "/api/v1/uploads/validate", `{"fileName":"photo.png","fileSize":1,"mimeType":"application/pdf"}`, nil), http.StatusBadRequest, "ERR_VALIDATION")

	if w := ts.do(http.MethodPost, "/api/v1/uploads/validate", `{"fileName":"a.txt","fileSize":1,"mimeType":"text/plain"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("valid upload: status = %d (%s)", w.Code, w.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil))
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := clientIP(req); got != "2001:db8::1" {
		t.Errorf("clientIP = %q", got)
	}
	req.RemoteAddr = "not-an-addr"
	if got := clientIP(req); got != "not-an-addr" {
		t.Errorf("clientIP = %q", got)
	}
}
