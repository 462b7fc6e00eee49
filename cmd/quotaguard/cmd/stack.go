package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	eventfile "github.com/quotaguard/quotaguard/internal/adapter/outbound/audit"
	celadapter "github.com/quotaguard/quotaguard/internal/adapter/outbound/cel"
	"github.com/quotaguard/quotaguard/internal/adapter/outbound/failover"
	"github.com/quotaguard/quotaguard/internal/adapter/outbound/memory"
	"github.com/quotaguard/quotaguard/internal/adapter/outbound/redisstore"
	"github.com/quotaguard/quotaguard/internal/adapter/outbound/sqlstore"
	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/audit"
	"github.com/quotaguard/quotaguard/internal/domain/policy"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
	"github.com/quotaguard/quotaguard/internal/service"
)

// stack holds the wired core shared by serve and check.
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *service.Metrics

	redis    redis.UniversalClient // nil unless the primary is redis
	mem      *memory.MemoryStore   // nil unless the primary is memory
	sql      *sqlstore.Store       // nil unless the fallback is enabled
	primary  outbound.Backend
	fallback outbound.Backend
	store    *failover.Store

	policy   *service.PolicyService
	detector *abuse.Detector
}

// openStack connects the stores and loads the policy. reg receives the core
// metrics.
func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*stack, error) {
	s := &stack{
		cfg:     cfg,
		logger:  logger,
		metrics: service.NewMetrics(reg),
	}

	switch cfg.Store.Primary.Backend {
	case "redis":
		rc := cfg.Store.Primary.Redis
		s.redis = redisstore.NewClient(redisstore.Config{
			Addrs:       rc.Addrs,
			Username:    rc.Username,
			Password:    rc.Password,
			DB:          rc.DB,
			PoolSize:    rc.PoolSize,
			DialTimeout: config.Duration(rc.DialTimeout, time.Second),
		})
		s.primary = redisstore.NewStore(s.redis, rc.KeyPrefix)
	case "memory":
		s.mem = memory.NewStore()
		s.primary = s.mem
	default:
		return nil, fmt.Errorf("unknown primary backend %q", cfg.Store.Primary.Backend)
	}

	if fb := cfg.Store.Fallback; fb.Enabled {
		var opts []sqlstore.Option
		if !fb.AutoMigrate {
			opts = append(opts, sqlstore.WithoutMigration())
		}
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:       sqlstore.Dialect(fb.Driver),
			DSN:           fb.DSN,
			MaxConns:      fb.MaxOpenConns,
			SweepInterval: config.Duration(fb.SweepInterval, time.Minute),
		}, opts...)
		if err != nil {
			_ = s.primary.Close()
			return nil, fmt.Errorf("open fallback store: %w", err)
		}
		s.sql = db
		s.fallback = db
	}

	s.store = failover.New(s.primary, s.fallback,
		failover.WithLogger(logger),
		failover.WithTimeouts(
			config.Duration(cfg.Store.Primary.Timeout, 3*time.Millisecond),
			config.Duration(cfg.Store.Fallback.Timeout, 25*time.Millisecond),
		),
		failover.WithProbeInterval(config.Duration(cfg.Store.ProbeInterval, time.Second)),
		failover.WithStateHook(s.metrics.SetDegraded),
	)

	compiler, err := celadapter.NewEvaluator()
	if err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("create condition compiler: %w", err)
	}
	holder := policy.NewHolder(policy.DefaultSnapshot())
	s.policy = service.NewPolicyService(cfg.Policy.File, compiler, holder, logger, s.metrics)
	if cfg.Policy.File != "" {
		if _, err := s.policy.Reload(ctx); err != nil {
			_ = s.store.Close()
			return nil, err
		}
	} else {
		logger.Warn("no policy file configured, every endpoint class uses the fallback policy")
	}

	s.detector = abuse.NewDetector(s.store, abusePolicy(cfg.Abuse))
	return s, nil
}

// orchestrator builds the request path on top of the stack.
func (s *stack) orchestrator(opts ...service.OrchestratorOption) *service.Orchestrator {
	opts = append([]service.OrchestratorOption{service.WithMetrics(s.metrics)}, opts...)
	if p := s.cfg.Abuse.Patterns; p.Enabled {
		opts = append(opts, service.WithPatternSampler(abuse.NewPatternSampler(patternConfig(p))))
	}
	return service.NewOrchestrator(
		policy.NewResolver(s.policy.Holder()),
		ratelimit.NewSlidingWindowLimiter(s.store),
		s.detector,
		s.logger,
		opts...,
	)
}

// startBackground runs the probe, the sweeper and the memory cleanup until
// ctx is cancelled or close is called.
func (s *stack) startBackground(ctx context.Context) {
	s.store.StartProbe(ctx)
	if s.sql != nil {
		s.sql.StartSweeper(ctx, 0)
	}
	if s.mem != nil {
		s.mem.StartCleanup(ctx)
	}
}

// close stops background work and closes every store, including the shared
// redis client.
func (s *stack) close() error {
	s.policy.Stop()
	return s.store.Close()
}

func abusePolicy(c config.AbuseConfig) abuse.Policy {
	d := abuse.DefaultPolicy()
	return abuse.Policy{
		ShortBlockThreshold: c.ShortBlockThreshold,
		LongBlockThreshold:  c.LongBlockThreshold,
		ShortBlock:          config.Duration(c.ShortBlock, d.ShortBlock),
		LongBlock:           config.Duration(c.LongBlock, d.LongBlock),
		ObservationWindow:   config.Duration(c.ObservationWindow, d.ObservationWindow),
		CleanPeriod:         config.Duration(c.CleanPeriod, d.CleanPeriod),
		ManualReviewCycles:  c.ManualReviewCycles,
	}
}

func patternConfig(c config.PatternsConfig) abuse.PatternConfig {
	d := abuse.DefaultPatternConfig()
	return abuse.PatternConfig{
		SampleSize:      c.SampleSize,
		EvaluateEvery:   c.EvaluateEvery,
		MaxMeanInterval: config.Duration(c.MaxMeanInterval, d.MaxMeanInterval),
		UniformCV:       c.UniformCV,
		SequentialRun:   c.SequentialRun,
		MaxTracked:      d.MaxTracked,
	}
}

// eventSinks is the store behind the event service plus the ring serving
// /v1/events/recent.
type eventSinks struct {
	store audit.EventStore
	ring  *memory.MemoryAuditStore
}

// openEventSinks builds the event fanout from configuration: the in-memory
// ring (which also writes stdout/stderr output), rotating files and the redis
// stream. File history warms the ring.
func openEventSinks(cfg config.EventsConfig, client redis.UniversalClient, logger *slog.Logger) (*eventSinks, error) {
	var ring *memory.MemoryAuditStore
	switch cfg.Output {
	case "stdout":
		ring = memory.NewAuditStoreWithWriter(os.Stdout, cfg.RecentSize)
	case "stderr":
		ring = memory.NewAuditStoreWithWriter(os.Stderr, cfg.RecentSize)
	default:
		ring = memory.NewAuditStoreWithWriter(nil, cfg.RecentSize)
	}
	fanout := audit.Fanout{ring}

	if dir := cfg.EventDir(); dir != "" {
		files, err := eventfile.NewFileStore(eventfile.FileConfig{
			Dir:           dir,
			RetentionDays: cfg.RetentionDays,
			MaxFileSizeMB: cfg.MaxFileSizeMB,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open event files: %w", err)
		}
		recent, err := files.LoadRecent(cfg.RecentSize)
		if err != nil {
			logger.Warn("failed to load recent events", "dir", dir, "error", err)
		}
		ring.Seed(recent...)
		fanout = append(fanout, files)
	}

	if cfg.RedisStream.Enabled {
		if client == nil {
			_ = fanout.Close()
			return nil, errors.New("redis stream output requires the redis primary backend")
		}
		fanout = append(fanout, redisstore.NewStreamStore(client, cfg.RedisStream.Stream, cfg.RedisStream.MaxLen))
	}

	return &eventSinks{store: fanout, ring: ring}, nil
}

// newEventService wires the asynchronous pipeline onto sinks.
func newEventService(cfg config.EventsConfig, sinks *eventSinks, metrics *service.Metrics, logger *slog.Logger) *service.EventService {
	return service.NewEventService(sinks.store, logger,
		service.WithChannelSize(cfg.ChannelSize),
		service.WithBatchSize(cfg.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.SendTimeout, time.Millisecond)),
		service.WithWarningThreshold(cfg.WarningThreshold),
		service.WithEventMetrics(metrics),
	)
}
