package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/audit"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/inbound"
	"github.com/quotaguard/quotaguard/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (64 KB).
const maxRequestBodySize = 64 << 10

// maxRecentEvents caps the limit parameter of /v1/events/recent.
const maxRecentEvents = 1000

// AdminEndpointClass is the endpoint class the admin routes are limited under.
const AdminEndpointClass = "admin"

// RecentEvents is the read side of the in-memory event ring.
type RecentEvents interface {
	GetRecent(n int) []audit.Event
}

// API serves the JSON endpoints.
type API struct {
	svc    inbound.RateLimitService
	policy inbound.PolicyAdmin
	recent RecentEvents
	stats  *service.StatsService
}

// APIOption configures optional API endpoints.
type APIOption func(*API)

// WithStatsService serves GET /v1/stats from s.
func WithStatsService(s *service.StatsService) APIOption {
	return func(a *API) { a.stats = s }
}

// NewAPI creates the API. policy and recent may be nil; their endpoints then
// answer 404.
func NewAPI(svc inbound.RateLimitService, policy inbound.PolicyAdmin, recent RecentEvents, opts ...APIOption) *API {
	a := &API{svc: svc, policy: policy, recent: recent}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds the /v1 routes to mux. admin wraps the operator endpoints.
func (a *API) Register(mux *http.ServeMux, admin func(http.Handler) http.Handler) {
	if admin == nil {
		admin = func(h http.Handler) http.Handler { return h }
	}
	mux.HandleFunc("POST /v1/check", a.handleCheck)
	mux.HandleFunc("GET /v1/quota", a.handleQuota)
	mux.HandleFunc("GET /v1/abuse", a.handleAbuseStatus)
	mux.Handle("POST /v1/abuse/reset", admin(http.HandlerFunc(a.handleAbuseReset)))
	if a.policy != nil {
		mux.Handle("POST /v1/policy/reload", admin(http.HandlerFunc(a.handlePolicyReload)))
	}
	if a.recent != nil {
		mux.HandleFunc("GET /v1/events/recent", a.handleRecentEvents)
	}
	if a.stats != nil {
		mux.HandleFunc("GET /v1/stats", a.handleStats)
	}
}

// CheckRequest is the body of POST /v1/check.
type CheckRequest struct {
	CallerID      string `json:"caller_id"`
	Tier          string `json:"tier"`
	Category      string `json:"category"`
	EndpointClass string `json:"endpoint_class"`
	ResourceID    string `json:"resource_id,omitempty"`
}

// WindowView is one window in a decision or quota response.
type WindowView struct {
	Limit     int64     `json:"limit,omitempty"`
	Used      int64     `json:"used,omitempty"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// DecisionResponse is the body returned by POST /v1/check.
type DecisionResponse struct {
	Allowed           bool                  `json:"allowed"`
	Windows           map[string]WindowView `json:"windows"`
	RetryAfterSeconds *int                  `json:"retry_after_seconds"`
	ViolationReason   string                `json:"violation_reason,omitempty"`
	EscalationLevel   string                `json:"escalation_level"`
	Degraded          bool                  `json:"degraded"`
}

// QuotaResponse is the body returned by GET /v1/quota.
type QuotaResponse struct {
	CallerID      string                `json:"caller_id"`
	EndpointClass string                `json:"endpoint_class"`
	Windows       map[string]WindowView `json:"windows"`
}

// AbuseStatusResponse is the body returned by GET /v1/abuse.
type AbuseStatusResponse struct {
	CallerID       string     `json:"caller_id"`
	EndpointClass  string     `json:"endpoint_class"`
	Level          string     `json:"level"`
	Classification string     `json:"classification"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	Violations     int        `json:"violations"`
	LastViolation  *time.Time `json:"last_violation,omitempty"`
	LastReason     string     `json:"last_reason,omitempty"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := a.svc.CheckAndRecord(r.Context(), inbound.CheckRequest{
		Caller:        ratelimit.CallerIdentity{ID: req.CallerID, Tier: req.Tier, Category: req.Category},
		EndpointClass: req.EndpointClass,
		ResourceID:    req.ResourceID,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	setRateLimitHeaders(w, d)
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	respondJSON(w, status, decisionView(d))
}

func decisionView(d ratelimit.Decision) DecisionResponse {
	windows := make(map[string]WindowView, len(d.RemainingByWindow))
	for win, remaining := range d.RemainingByWindow {
		windows[string(win)] = WindowView{
			Limit:     d.LimitByWindow[win],
			Remaining: remaining,
			ResetAt:   d.ResetAtByWindow[win],
		}
	}
	return DecisionResponse{
		Allowed:           d.Allowed,
		Windows:           windows,
		RetryAfterSeconds: d.RetryAfterSeconds(),
		ViolationReason:   d.ViolationReason,
		EscalationLevel:   d.EscalationLevel,
		Degraded:          d.Degraded,
	}
}

func (a *API) handleQuota(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	caller := ratelimit.CallerIdentity{ID: q.Get("caller_id"), Tier: q.Get("tier"), Category: q.Get("category")}
	class := q.Get("endpoint_class")

	windows, err := a.svc.Quota(r.Context(), caller, class)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	resp := QuotaResponse{CallerID: caller.ID, EndpointClass: class, Windows: make(map[string]WindowView, len(windows))}
	for _, wr := range windows {
		resp.Windows[string(wr.Window)] = WindowView{
			Limit:     wr.Limit,
			Used:      wr.Count,
			Remaining: wr.Remaining(),
			ResetAt:   wr.ResetAt,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleAbuseStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callerID, class := q.Get("caller_id"), q.Get("endpoint_class")

	status, err := a.svc.AbuseStatus(r.Context(), callerID, class)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, abuseView(callerID, class, status))
}

func abuseView(callerID, class string, s abuse.Status) AbuseStatusResponse {
	resp := AbuseStatusResponse{
		CallerID:       callerID,
		EndpointClass:  class,
		Level:          s.Level.String(),
		Classification: string(s.Classification),
		Violations:     s.Violations,
		LastReason:     s.LastReason,
	}
	if !s.BlockedUntil.IsZero() {
		t := s.BlockedUntil.UTC()
		resp.BlockedUntil = &t
	}
	if !s.LastViolation.IsZero() {
		t := s.LastViolation.UTC()
		resp.LastViolation = &t
	}
	return resp
}

type resetRequest struct {
	CallerID      string `json:"caller_id"`
	EndpointClass string `json:"endpoint_class"`
}

func (a *API) handleAbuseReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := ratelimit.CallerIdentity{ID: req.CallerID}
	if err := a.svc.ResetAbuse(r.Context(), caller, req.EndpointClass); err != nil {
		respondServiceError(w, r, err)
		return
	}
	LoggerFromContext(r.Context()).Info("abuse state reset by operator",
		"caller", req.CallerID,
		"endpoint_class", req.EndpointClass,
		"client_ip", ClientIPFromContext(r.Context()))

	status, err := a.svc.AbuseStatus(r.Context(), req.CallerID, req.EndpointClass)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, abuseView(req.CallerID, req.EndpointClass, status))
}

func (a *API) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := a.policy.Reload(r.Context())
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":       err.Error(),
			"fingerprint": a.policy.Fingerprint(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"fingerprint": fingerprint})
}

func (a *API) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentEvents)
	}
	events := a.recent.GetRecent(limit)
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.stats.GetStats())
}

// respondServiceError maps core errors to status codes.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrInvalidCallerIdentity):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ratelimit.ErrStoreUnavailable), errors.Is(err, ratelimit.ErrStoreTimeout):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
