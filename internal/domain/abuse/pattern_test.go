package abuse

import (
	"strconv"
	"testing"
	"time"
)

func TestPatternSampler_UniformSpacing(t *testing.T) {
	t.Parallel()

	s := NewPatternSampler(PatternConfig{SampleSize: 16, EvaluateEvery: 4})
	var finding *Finding
	for i := 0; i < 16; i++ {
		f := s.Observe("bot", "search", Sample{At: t0.Add(time.Duration(i) * 200 * time.Millisecond)})
		if f != nil {
			finding = f
		}
	}
	if finding == nil || finding.Reason != ReasonUniformSpacing {
		t.Fatalf("finding = %+v, want %s", finding, ReasonUniformSpacing)
	}
	if s.Tracked() != 0 {
		t.Errorf("Tracked() = %d, want ring cleared after finding", s.Tracked())
	}
}

func TestPatternSampler_HumanJitterNotFlagged(t *testing.T) {
	t.Parallel()

	s := NewPatternSampler(PatternConfig{SampleSize: 16, EvaluateEvery: 1})
	gaps := []int{120, 900, 340, 60, 1500, 410, 95, 700, 230, 880, 150, 560, 300, 1020, 75, 640}
	at := t0
	for i, g := range gaps {
		at = at.Add(time.Duration(g) * time.Millisecond)
		if f := s.Observe("human", "search", Sample{At: at, ResourceID: strconv.Itoa(i * 7)}); f != nil {
			t.Fatalf("unexpected finding %+v", f)
		}
	}
}

func TestPatternSampler_SlowUniformNotFlagged(t *testing.T) {
	t.Parallel()

	s := NewPatternSampler(PatternConfig{SampleSize: 8, EvaluateEvery: 1})
	for i := 0; i < 16; i++ {
		// Perfectly periodic but well above the mean-interval ceiling, e.g. a cron poller.
		if f := s.Observe("cron", "search", Sample{At: t0.Add(time.Duration(i) * time.Minute)}); f != nil {
			t.Fatalf("unexpected finding %+v", f)
		}
	}
}

func TestPatternSampler_SequentialIDs(t *testing.T) {
	t.Parallel()

	s := NewPatternSampler(PatternConfig{SampleSize: 12, EvaluateEvery: 12, SequentialRun: 10})
	gaps := []int{300, 1700, 40, 900, 1200, 80, 2500, 650, 30, 1900, 410, 1100}
	at := t0
	var finding *Finding
	for i, g := range gaps {
		at = at.Add(time.Duration(g) * time.Millisecond)
		if f := s.Observe("scraper", "vendor.profile", Sample{At: at, ResourceID: strconv.Itoa(1000 + i)}); f != nil {
			finding = f
		}
	}
	if finding == nil || finding.Reason != ReasonSequentialIDs {
		t.Fatalf("finding = %+v, want %s", finding, ReasonSequentialIDs)
	}
}

func TestLongestSequentialRun(t *testing.T) {
	t.Parallel()

	ids := []string{"5", "6", "x", "10", "11", "12", "13", "20", ""}
	samples := make([]Sample, len(ids))
	for i, id := range ids {
		samples[i] = Sample{ResourceID: id}
	}
	if got := longestSequentialRun(samples); got != 4 {
		t.Errorf("longestSequentialRun() = %d, want 4", got)
	}
}

func TestPatternSampler_BoundedTracking(t *testing.T) {
	t.Parallel()

	s := NewPatternSampler(PatternConfig{SampleSize: 4, MaxTracked: 2})
	for i := 0; i < 1000; i++ {
		s.Observe(strconv.Itoa(i), "search", Sample{At: t0})
	}
	if got := s.Tracked(); got > 2*samplerShards {
		t.Errorf("Tracked() = %d, want at most %d", got, 2*samplerShards)
	}
}
