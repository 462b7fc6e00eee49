package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the rate limiting core.
// A nil *Metrics disables recording.
type Metrics struct {
	Decisions     *prometheus.CounterVec
	Escalations   *prometheus.CounterVec
	PolicyGaps    prometheus.Counter
	PolicyReloads *prometheus.CounterVec
	StoreDegraded prometheus.Gauge
	EventDrops    prometheus.Counter
	CheckDuration prometheus.Histogram
}

// NewMetrics creates and registers all core metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaguard",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by result and violation reason",
			},
			[]string{"result", "reason"}, // result=allow/deny, reason="" on allow
		),
		Escalations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaguard",
				Name:      "abuse_escalations_total",
				Help:      "Abuse level transitions by target level",
			},
			[]string{"level"},
		),
		PolicyGaps: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotaguard",
				Name:      "policy_gaps_total",
				Help:      "Endpoint classes resolved with the fallback policy, counted once per class per snapshot",
			},
		),
		PolicyReloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaguard",
				Name:      "policy_reloads_total",
				Help:      "Policy reload attempts",
			},
			[]string{"result"}, // result=ok/error
		),
		StoreDegraded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "quotaguard",
				Name:      "store_degraded",
				Help:      "1 while calls are served by the fallback store",
			},
		),
		EventDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotaguard",
				Name:      "event_drops_total",
				Help:      "Events dropped due to backpressure",
			},
		),
		CheckDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quotaguard",
				Name:      "check_duration_seconds",
				Help:      "CheckAndRecord latency",
				Buckets:   []float64{.0005, .001, .002, .005, .01, .025, .05, .1},
			},
		),
	}
}

// SetDegraded mirrors the failover health flag. Suitable as a failover state hook.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.StoreDegraded.Set(1)
	} else {
		m.StoreDegraded.Set(0)
	}
}
