package abuse

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Pattern violation reasons.
const (
	ReasonUniformSpacing = "pattern_uniform_spacing"
	ReasonSequentialIDs  = "pattern_sequential_ids"
)

// PatternConfig tunes the request-pattern heuristics.
type PatternConfig struct {
	// SampleSize is the number of recent requests kept per pair.
	SampleSize int
	// EvaluateEvery runs the heuristics once per this many appends.
	EvaluateEvery int
	// MaxMeanInterval is the largest mean spacing still considered machine-like.
	MaxMeanInterval time.Duration
	// UniformCV is the largest coefficient of variation of spacing considered uniform.
	UniformCV float64
	// SequentialRun is the run length of +1 resource ids that counts as enumeration.
	SequentialRun int
	// MaxTracked bounds the number of pairs tracked per shard.
	MaxTracked int
}

// DefaultPatternConfig returns conservative heuristics.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		SampleSize:      32,
		EvaluateEvery:   8,
		MaxMeanInterval: time.Second,
		UniformCV:       0.05,
		SequentialRun:   16,
		MaxTracked:      4096,
	}
}

// Sample is one observed request.
type Sample struct {
	At time.Time
	// ResourceID is the requested resource, when the caller supplied one.
	ResourceID string
}

// Finding is a detected automated pattern.
type Finding struct {
	Reason string
	// Samples is the number of requests the finding was based on.
	Samples int
}

const samplerShards = 32

// PatternSampler keeps a bounded ring of recent samples per pair in process memory.
// Findings feed the same escalation ladder as window violations.
type PatternSampler struct {
	cfg    PatternConfig
	shards [samplerShards]samplerShard
}

type samplerShard struct {
	mu    sync.Mutex
	rings map[string]*sampleRing
}

type sampleRing struct {
	samples   []Sample
	next      int
	filled    bool
	sinceEval int
}

// NewPatternSampler creates a sampler. Zero config fields take their defaults.
func NewPatternSampler(cfg PatternConfig) *PatternSampler {
	def := DefaultPatternConfig()
	if cfg.SampleSize < 2 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.EvaluateEvery < 1 {
		cfg.EvaluateEvery = def.EvaluateEvery
	}
	if cfg.MaxMeanInterval <= 0 {
		cfg.MaxMeanInterval = def.MaxMeanInterval
	}
	if cfg.UniformCV <= 0 {
		cfg.UniformCV = def.UniformCV
	}
	if cfg.SequentialRun < 2 || cfg.SequentialRun > cfg.SampleSize {
		cfg.SequentialRun = min(def.SequentialRun, cfg.SampleSize)
	}
	if cfg.MaxTracked < 1 {
		cfg.MaxTracked = def.MaxTracked
	}
	s := &PatternSampler{cfg: cfg}
	for i := range s.shards {
		s.shards[i].rings = make(map[string]*sampleRing)
	}
	return s
}

// Observe appends a sample for the pair and, every EvaluateEvery appends,
// evaluates the heuristics over the ring. The ring is cleared after a finding.
func (s *PatternSampler) Observe(callerID, endpointClass string, sample Sample) *Finding {
	key := RecordKey(callerID, endpointClass)
	shard := &s.shards[xxhash.Sum64String(key)%samplerShards]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	r, ok := shard.rings[key]
	if !ok {
		if len(shard.rings) >= s.cfg.MaxTracked {
			for k := range shard.rings {
				delete(shard.rings, k)
				break
			}
		}
		r = &sampleRing{samples: make([]Sample, s.cfg.SampleSize)}
		shard.rings[key] = r
	}

	r.samples[r.next] = sample
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.filled = true
	}
	r.sinceEval++
	if !r.filled || r.sinceEval < s.cfg.EvaluateEvery {
		return nil
	}
	r.sinceEval = 0

	ordered := r.ordered()
	finding := s.evaluate(ordered)
	if finding != nil {
		delete(shard.rings, key)
	}
	return finding
}

// Tracked returns the number of pairs currently sampled.
func (s *PatternSampler) Tracked() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].rings)
		s.shards[i].mu.Unlock()
	}
	return n
}

func (r *sampleRing) ordered() []Sample {
	out := make([]Sample, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	return append(out, r.samples[:r.next]...)
}

func (s *PatternSampler) evaluate(samples []Sample) *Finding {
	if uniformSpacing(samples, s.cfg.MaxMeanInterval, s.cfg.UniformCV) {
		return &Finding{Reason: ReasonUniformSpacing, Samples: len(samples)}
	}
	if longestSequentialRun(samples) >= s.cfg.SequentialRun {
		return &Finding{Reason: ReasonSequentialIDs, Samples: len(samples)}
	}
	return nil
}

// uniformSpacing reports whether inter-arrival gaps are short and nearly constant.
func uniformSpacing(samples []Sample, maxMean time.Duration, maxCV float64) bool {
	if len(samples) < 3 {
		return false
	}
	gaps := make([]float64, 0, len(samples)-1)
	var sum float64
	for i := 1; i < len(samples); i++ {
		g := float64(samples[i].At.Sub(samples[i-1].At))
		if g <= 0 {
			// Simultaneous or reordered arrivals are concurrency, not pacing.
			return false
		}
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean > float64(maxMean) {
		return false
	}
	var sq float64
	for _, g := range gaps {
		sq += (g - mean) * (g - mean)
	}
	cv := math.Sqrt(sq/float64(len(gaps))) / mean
	return cv <= maxCV
}

// longestSequentialRun returns the longest run of numeric ids increasing by exactly one.
func longestSequentialRun(samples []Sample) int {
	best, run := 0, 0
	var prev int64
	for _, s := range samples {
		id, err := strconv.ParseInt(s.ResourceID, 10, 64)
		if err != nil {
			run = 0
			continue
		}
		if run > 0 && id == prev+1 {
			run++
		} else {
			run = 1
		}
		prev = id
		if run > best {
			best = run
		}
	}
	return best
}
