package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// pingTimeout bounds each store check.
const pingTimeout = 500 * time.Millisecond

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy", "degraded" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// Pinger is a store the health check can reach.
type Pinger interface {
	Ping(ctx context.Context) error
	Name() string
}

// EventQueue reports the depth of the asynchronous event pipeline.
type EventQueue interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedEvents() int64
}

// Fingerprinter reports the active policy snapshot.
type Fingerprinter interface {
	Fingerprint() string
}

// HealthChecker verifies component health.
type HealthChecker struct {
	primary  Pinger
	fallback Pinger
	policy   Fingerprinter
	events   EventQueue
	version  string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't configured.
func NewHealthChecker(primary, fallback Pinger, policy Fingerprinter, events EventQueue, version string) *HealthChecker {
	return &HealthChecker{
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		events:   events,
		version:  version,
	}
}

// Check runs all component checks. The service is unhealthy only when no
// store answers; a failed primary with a working fallback is degraded.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)

	primaryOK := h.ping(ctx, "primary", h.primary, checks)
	fallbackOK := h.ping(ctx, "fallback", h.fallback, checks)

	status := "healthy"
	switch {
	case primaryOK:
	case fallbackOK:
		status = "degraded"
	default:
		status = "unhealthy"
	}

	if h.policy != nil {
		checks["policy"] = h.policy.Fingerprint()
	} else {
		checks["policy"] = "not configured"
	}

	if h.events != nil {
		depth, capacity := h.events.ChannelDepth(), h.events.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["events"] = fmt.Sprintf("backlogged: %d/%d (%d%%)", depth, capacity, percentFull)
		} else {
			checks["events"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.events.DroppedEvents(); drops > 0 {
			checks["event_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["events"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

func (h *HealthChecker) ping(ctx context.Context, label string, p Pinger, checks map[string]string) bool {
	if p == nil {
		checks[label] = "not configured"
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		checks[label] = fmt.Sprintf("%s: %v", p.Name(), err)
		return false
	}
	checks[label] = p.Name() + ": ok"
	return true
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
