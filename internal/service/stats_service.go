package service

import (
	"sync"
	"sync/atomic"

	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

// maxStatsClasses bounds the per-class map; further classes share one bucket.
const maxStatsClasses = 1024

// otherClass collects classes past maxStatsClasses.
const otherClass = "_other"

// StatsService keeps process-local decision counters for GET /v1/stats.
// Prometheus carries the same totals; this view needs no scraper.
type StatsService struct {
	allowed  atomic.Int64
	denied   atomic.Int64
	blocked  atomic.Int64
	degraded atomic.Int64
	errors   atomic.Int64

	mu           sync.Mutex
	reasonCounts map[string]int64
	classCounts  map[string]ClassStats
}

// ClassStats are the counters of one endpoint class.
type ClassStats struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// NewStatsService creates a StatsService with all counters at zero.
func NewStatsService() *StatsService {
	return &StatsService{
		reasonCounts: make(map[string]int64),
		classCounts:  make(map[string]ClassStats),
	}
}

// Record counts one decision for endpointClass.
func (s *StatsService) Record(endpointClass string, d ratelimit.Decision) {
	if d.Allowed {
		s.allowed.Add(1)
	} else {
		s.denied.Add(1)
		if isBlockReason(d.ViolationReason) {
			s.blocked.Add(1)
		}
	}
	if d.Degraded {
		s.degraded.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.Allowed && d.ViolationReason != "" {
		s.reasonCounts[d.ViolationReason]++
	}
	key := endpointClass
	if _, ok := s.classCounts[key]; !ok && len(s.classCounts) >= maxStatsClasses {
		key = otherClass
	}
	c := s.classCounts[key]
	if d.Allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
	s.classCounts[key] = c
}

// RecordError counts a request rejected before a decision was made.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

func isBlockReason(reason string) bool {
	switch reason {
	case ratelimit.ReasonAbuseShortBlock, ratelimit.ReasonAbuseLongBlock, ratelimit.ReasonAbuseManualReview:
		return true
	}
	return false
}

// Stats is a snapshot of the counters.
type Stats struct {
	Allowed      int64                 `json:"allowed"`
	Denied       int64                 `json:"denied"`
	Blocked      int64                 `json:"blocked"`
	Degraded     int64                 `json:"degraded"`
	Errors       int64                 `json:"errors"`
	ReasonCounts map[string]int64      `json:"reason_counts"`
	ClassCounts  map[string]ClassStats `json:"class_counts"`
}

// GetStats returns a snapshot. Each counter is consistent on its own but the
// set is not read atomically.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	rc := make(map[string]int64, len(s.reasonCounts))
	for k, v := range s.reasonCounts {
		rc[k] = v
	}
	cc := make(map[string]ClassStats, len(s.classCounts))
	for k, v := range s.classCounts {
		cc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:      s.allowed.Load(),
		Denied:       s.denied.Load(),
		Blocked:      s.blocked.Load(),
		Degraded:     s.degraded.Load(),
		Errors:       s.errors.Load(),
		ReasonCounts: rc,
		ClassCounts:  cc,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.blocked.Store(0)
	s.degraded.Store(0)
	s.errors.Store(0)

	s.mu.Lock()
	s.reasonCounts = make(map[string]int64)
	s.classCounts = make(map[string]ClassStats)
	s.mu.Unlock()
}
