package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/quotaguard/quotaguard/internal/ctxkey"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/inbound"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// clientIPContextKey is the type for the client IP context key.
type clientIPContextKey struct{}

// ClientIPKey is the context key for the client IP set by RealIPMiddleware.
var ClientIPKey = clientIPContextKey{}

// LoggerKey is the context key for the enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// TrustedProxies lists the reverse proxies whose forwarding headers are
// believed. The zero value and nil trust nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies parses addresses and CIDR ranges.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			t.prefixes = append(t.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Len returns the number of entries. Safe on nil.
func (t *TrustedProxies) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prefixes)
}

func (t *TrustedProxies) trusts(addr netip.Addr) bool {
	if t == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the client address of r. Forwarding headers are only read
// when the peer is a trusted proxy; X-Forwarded-For is then walked from the
// right and the first hop that is not itself a trusted proxy wins.
func (t *TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !t.trusts(addr) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop.Unmap().String()
			if !t.trusts(hop) {
				break
			}
		}
		return client
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RealIPMiddleware stores the client IP in the request context under ClientIPKey.
func RealIPMiddleware(trusted *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPKey, trusted.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext returns the IP set by RealIPMiddleware, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}

// IdentifyFunc derives the caller identity of a request.
type IdentifyFunc func(r *http.Request) ratelimit.CallerIdentity

// IdentifyByIP identifies callers by client IP with the given tier. Without
// RealIPMiddleware in front it uses the peer address.
func IdentifyByIP(tier string) IdentifyFunc {
	return func(r *http.Request) ratelimit.CallerIdentity {
		ip := ClientIPFromContext(r.Context())
		if ip == "" {
			ip = remoteHost(r)
		}
		return ratelimit.CallerIdentity{ID: ip, Tier: tier}
	}
}

// RateLimitMiddleware checks every request against svc under endpointClass
// before calling next. Denied requests get 429 with Retry-After.
func RateLimitMiddleware(svc inbound.RateLimitService, endpointClass string, identify IdentifyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := svc.CheckAndRecord(r.Context(), inbound.CheckRequest{
				Caller:        identify(r),
				EndpointClass: endpointClass,
			})
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ratelimit.ErrInvalidCallerIdentity) {
					status = http.StatusBadRequest
				}
				respondError(w, status, err.Error())
				return
			}
			setRateLimitHeaders(w, d)
			if !d.Allowed {
				LoggerFromContext(r.Context()).Debug("request rate limited",
					"endpoint_class", endpointClass,
					"reason", d.ViolationReason)
				respondJSON(w, http.StatusTooManyRequests, errorResponse{
					Error:             "rate limit exceeded",
					Reason:            d.ViolationReason,
					RetryAfterSeconds: d.RetryAfterSeconds(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyVerifier resolves a raw admin key to the name of the matching key.
type KeyVerifier interface {
	Verify(rawKey string) (string, error)
}

// AdminAuthMiddleware requires "Authorization: Bearer <key>" matching one of
// keys. A nil keys leaves the endpoints open.
func AdminAuthMiddleware(keys KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keys == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="quotaguard"`)
				respondError(w, http.StatusUnauthorized, "admin key required")
				return
			}
			name, err := keys.Verify(raw)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("admin key rejected",
					"path", r.URL.Path,
					"client_ip", ClientIPFromContext(r.Context()))
				w.Header().Set("WWW-Authenticate", `Bearer realm="quotaguard", error="invalid_token"`)
				respondError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			ctx := context.WithValue(r.Context(), LoggerKey, LoggerFromContext(r.Context()).With("admin_key", name))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// setRateLimitHeaders reports the minute window, the one callers hit first.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	if remaining, ok := d.RemainingByWindow[ratelimit.WindowMinute]; ok {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	}
	if reset, ok := d.ResetAtByWindow[ratelimit.WindowMinute]; ok {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
	if limit, ok := d.LimitByWindow[ratelimit.WindowMinute]; ok {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	}
	if secs := d.RetryAfterSeconds(); secs != nil {
		h.Set("Retry-After", strconv.Itoa(*secs))
	}
}
