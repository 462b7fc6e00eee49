package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quotaguard/quotaguard/internal/adapter/outbound/memory"
	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/audit"
	"github.com/quotaguard/quotaguard/internal/domain/policy"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/service"
)

const testPolicy = `
version: 1
tiers:
  free:    {minute: 1, hour: 1, day: 1}
  premium: {minute: 5, hour: 5, day: 5}
policies:
  search:
    limits: {minute: 3, hour: 100, day: 1000}
    seasonal: false
  admin:
    limits: {minute: 2, hour: 100, day: 1000}
    seasonal: false
`

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncEmitter struct {
	ring *memory.MemoryAuditStore
}

func (e syncEmitter) Emit(ev audit.Event) {
	_ = e.ring.Append(context.Background(), ev)
}

type fakePolicyAdmin struct {
	mu          sync.Mutex
	fingerprint string
	err         error
	reloads     int
}

func (f *fakePolicyAdmin) Reload(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.err != nil {
		return "", f.err
	}
	f.fingerprint = "fp-new"
	return f.fingerprint, nil
}

func (f *fakePolicyAdmin) Fingerprint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fingerprint
}

type testEnv struct {
	handler http.Handler
	ring    *memory.MemoryAuditStore
	policy  *fakePolicyAdmin
	stats   *service.StatsService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	snap, err := policy.Parse([]byte(testPolicy), nil)
	if err != nil {
		t.Fatalf("policy.Parse() error: %v", err)
	}
	now := time.Date(2026, 3, 2, 10, 0, 15, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.NewStore(memory.WithClock(clock))
	ring := memory.NewAuditStoreWithWriter(nil, 100)
	stats := service.NewStatsService()
	orch := service.NewOrchestrator(
		policy.NewResolver(policy.NewHolder(snap)),
		ratelimit.NewSlidingWindowLimiter(store),
		abuse.NewDetector(store, abuse.DefaultPolicy()),
		discardLogger(),
		service.WithClock(clock),
		service.WithEvents(syncEmitter{ring: ring}),
		service.WithStats(stats),
	)
	admin := &fakePolicyAdmin{fingerprint: "fp-old"}

	srv := NewServer(NewAPI(orch, admin, ring, WithStatsService(stats)),
		WithLogger(discardLogger()),
		WithRegistry(prometheus.NewRegistry()),
		WithAdminMiddleware(RateLimitMiddleware(orch, AdminEndpointClass, IdentifyByIP("free"))),
	)
	return &testEnv{handler: srv.Handler(), ring: ring, policy: admin, stats: stats}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCheck_AllowThenDeny(t *testing.T) {
	env := newTestEnv(t)
	body := `{"caller_id":"vendor-42","tier":"free","endpoint_class":"search"}`

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/check", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body %s", i+1, rec.Code, rec.Body.String())
		}
		resp := decodeBody[DecisionResponse](t, rec)
		if !resp.Allowed || resp.RetryAfterSeconds != nil {
			t.Errorf("request %d = %+v, want allowed without retry", i+1, resp)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Errorf("X-RateLimit-Limit = %q, want 3", got)
		}
		if got, want := rec.Header().Get("X-RateLimit-Remaining"), string(rune('0'+2-i)); got != want {
			t.Errorf("X-RateLimit-Remaining = %q, want %q", got, want)
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/check", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "45" {
		t.Errorf("Retry-After = %q, want 45", got)
	}
	resp := decodeBody[DecisionResponse](t, rec)
	if resp.Allowed || resp.ViolationReason != "minute_exceeded" || resp.EscalationLevel != "warned" {
		t.Errorf("deny response = %+v", resp)
	}
	if resp.RetryAfterSeconds == nil || *resp.RetryAfterSeconds != 45 {
		t.Errorf("retry_after_seconds = %v, want 45", resp.RetryAfterSeconds)
	}
	if w := resp.Windows["minute"]; w.Remaining != 0 || w.Limit != 3 {
		t.Errorf("minute window = %+v", w)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestCheck_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", `{"caller_id":`},
		{"unknown field", `{"caller_id":"a","endpoint_class":"search","extra":1}`},
		{"missing caller", `{"endpoint_class":"search"}`},
		{"bad endpoint class", `{"caller_id":"a","endpoint_class":"Search!"}`},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPost, "/v1/check", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, rec.Code)
		}
	}

	if rec := env.do(t, http.MethodGet, "/v1/check", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/check status = %d, want 405", rec.Code)
	}
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/check", `{"caller_id":"c1","tier":"premium","endpoint_class":"search"}`)

	rec := env.do(t, http.MethodGet, "/v1/quota?caller_id=c1&tier=premium&endpoint_class=search", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[QuotaResponse](t, rec)
	minute := resp.Windows["minute"]
	if minute.Limit != 15 || minute.Used != 1 || minute.Remaining != 14 {
		t.Errorf("minute = %+v, want limit 15 used 1 remaining 14", minute)
	}
	if len(resp.Windows) != 3 {
		t.Errorf("windows = %d, want 3", len(resp.Windows))
	}

	if rec := env.do(t, http.MethodGet, "/v1/quota?endpoint_class=search", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing caller status = %d, want 400", rec.Code)
	}
}

func TestAbuseStatusAndReset(t *testing.T) {
	env := newTestEnv(t)
	body := `{"caller_id":"bot","tier":"free","endpoint_class":"search"}`
	for i := 0; i < 4; i++ {
		env.do(t, http.MethodPost, "/v1/check", body)
	}

	rec := env.do(t, http.MethodGet, "/v1/abuse?caller_id=bot&endpoint_class=search", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	status := decodeBody[AbuseStatusResponse](t, rec)
	if status.Level != "warned" || status.Classification != "suspicious" || status.Violations != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.LastReason != "minute_exceeded" {
		t.Errorf("last_reason = %q", status.LastReason)
	}

	rec = env.do(t, http.MethodPost, "/v1/abuse/reset", `{"caller_id":"bot","endpoint_class":"search"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body.String())
	}
	status = decodeBody[AbuseStatusResponse](t, rec)
	if status.Level != "clean" {
		t.Errorf("level after reset = %q, want clean", status.Level)
	}
}

func TestAdminRoutesAreRateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/policy/reload", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("reload %d status = %d, body %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := env.do(t, http.MethodPost, "/v1/policy/reload", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third reload status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set on limited admin request")
	}
	if env.policy.reloads != 2 {
		t.Errorf("reloads = %d, want 2", env.policy.reloads)
	}
}

func TestPolicyReloadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.policy.err = errors.New("policy file policy.yaml: unknown field")

	rec := env.do(t, http.MethodPost, "/v1/policy/reload", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	resp := decodeBody[map[string]string](t, rec)
	if resp["fingerprint"] != "fp-old" {
		t.Errorf("fingerprint = %q, want fp-old", resp["fingerprint"])
	}
}

func TestRecentEvents(t *testing.T) {
	env := newTestEnv(t)
	body := `{"caller_id":"c9","tier":"free","endpoint_class":"search"}`
	for i := 0; i < 5; i++ {
		env.do(t, http.MethodPost, "/v1/check", body)
	}

	rec := env.do(t, http.MethodGet, "/v1/events/recent?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[struct {
		Events []audit.Event `json:"events"`
	}](t, rec)
	// Two denies plus one escalation to warned.
	if len(resp.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(resp.Events))
	}
	if resp.Events[0].Kind != audit.KindDeny {
		t.Errorf("newest event kind = %q, want %q", resp.Events[0].Kind, audit.KindDeny)
	}

	for _, bad := range []string{"0", "-1", "x"} {
		if rec := env.do(t, http.MethodGet, "/v1/events/recent?limit="+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	body := `{"caller_id":"vendor-9","tier":"free","endpoint_class":"search"}`
	for i := 0; i < 4; i++ {
		env.do(t, http.MethodPost, "/v1/check", body)
	}
	env.do(t, http.MethodPost, "/v1/check", `{"caller_id":"","endpoint_class":"search"}`)

	rec := env.do(t, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decodeBody[service.Stats](t, rec)
	if stats.Allowed+stats.Denied != 4 {
		t.Errorf("allowed+denied = %d, want 4", stats.Allowed+stats.Denied)
	}
	if stats.Denied == 0 || stats.ReasonCounts["minute_exceeded"] != stats.Denied {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
	if got := stats.ClassCounts["search"]; got.Allowed != stats.Allowed || got.Denied != stats.Denied {
		t.Errorf("class search = %+v", got)
	}
}
