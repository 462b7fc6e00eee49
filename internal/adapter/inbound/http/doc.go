// Package http exposes the rate limiting core over a small JSON API.
//
// # Endpoints
//
//	POST /v1/check          - admit or deny one request
//	GET  /v1/quota          - current usage per window, nothing recorded
//	GET  /v1/abuse          - escalation state of a caller and endpoint class
//	POST /v1/abuse/reset    - operator reset of a pair to the clean level
//	POST /v1/policy/reload  - re-read the policy file
//	GET  /v1/events/recent  - recent decision and escalation events
//	GET  /v1/stats          - process-local decision counters
//	GET  /health            - store and policy checks
//	GET  /metrics           - Prometheus metrics
//
// # Response Headers
//
//	X-RateLimit-Limit       - minute window ceiling
//	X-RateLimit-Remaining   - minute window quota left
//	X-RateLimit-Reset       - minute window reset, unix seconds
//	Retry-After             - seconds, only on deny
//	X-Request-ID            - echoed or generated request id
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. RequestIDMiddleware - request id and request-scoped logger
//  2. RealIPMiddleware - client IP; proxy headers only from trusted proxies
//  3. MetricsMiddleware - request count and duration per route pattern
//  4. Router
//
// The admin endpoints are additionally wrapped in RateLimitMiddleware with
// endpoint class "admin" and the client IP as caller, then in
// AdminAuthMiddleware when admin keys are configured. The rate limit
// middleware can front any other handler that should be rate limited by
// quotaguard.
package http
