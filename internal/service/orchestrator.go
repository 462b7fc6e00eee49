package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/audit"
	"github.com/quotaguard/quotaguard/internal/domain/policy"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/inbound"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
)

// degradedRetryAfter is the retry hint on fail-closed decisions.
const degradedRetryAfter = time.Second

// maxTrackedGaps bounds the set of endpoint classes already reported as
// missing a policy for the current snapshot.
const maxTrackedGaps = 1024

// ReasonOperatorReset labels escalation events caused by ResetAbuse.
const ReasonOperatorReset = "operator_reset"

// EventEmitter accepts events for asynchronous delivery. Emit must not block
// the request for long.
type EventEmitter interface {
	Emit(e audit.Event)
}

// Orchestrator is the rate limiting entry point. Per request it resolves
// limits, consults the abuse detector, runs the window limiter and emits
// events. Store failures never escape: they become deny decisions.
type Orchestrator struct {
	resolver *policy.Resolver
	limiter  *ratelimit.SlidingWindowLimiter
	detector *abuse.Detector
	sampler  *abuse.PatternSampler
	events   EventEmitter
	metrics  *Metrics
	stats    *StatsService
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	gapMu          sync.Mutex
	gapFingerprint string
	gaps           map[string]struct{}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithPatternSampler enables pattern heuristics on allowed requests.
func WithPatternSampler(s *abuse.PatternSampler) OrchestratorOption {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithEvents sets the event sink.
func WithEvents(e EventEmitter) OrchestratorOption {
	return func(o *Orchestrator) { o.events = e }
}

// WithMetrics records decisions and escalations on m.
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStats counts decisions on s.
func WithStats(s *StatsService) OrchestratorOption {
	return func(o *Orchestrator) { o.stats = s }
}

// WithTracer overrides the tracer (default: global provider).
func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the core components.
func NewOrchestrator(resolver *policy.Resolver, limiter *ratelimit.SlidingWindowLimiter, detector *abuse.Detector, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		limiter:  limiter,
		detector: detector,
		logger:   logger,
		now:      time.Now,
		gaps:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/quotaguard/quotaguard/service")
	}
	return o
}

// CheckAndRecord admits or denies one request.
func (o *Orchestrator) CheckAndRecord(ctx context.Context, req inbound.CheckRequest) (ratelimit.Decision, error) {
	caller := req.Caller
	class := req.EndpointClass
	if err := caller.Validate(class); err != nil {
		if o.stats != nil {
			o.stats.RecordError()
		}
		return ratelimit.Decision{}, err
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "quotaguard.CheckAndRecord", trace.WithAttributes(
		attribute.String("quotaguard.endpoint_class", class),
		attribute.String("quotaguard.tier", caller.Tier),
	))
	defer span.End()

	ctx, route := outbound.WithRoute(ctx)
	now := o.now().In(o.resolver.Location())
	subject := audit.Subject{CallerIdentity: caller.ID, Tier: caller.Tier, Category: caller.Category, EndpointClass: class}

	d := o.check(ctx, caller, class, req.ResourceID, subject, now)
	if route.Degraded() {
		d.Degraded = true
	}

	if !d.Allowed {
		o.emit(audit.NewDenyEvent(subject, d.EscalationLevel, d.ViolationReason, *d.RetryAfterSeconds(), d.Degraded, now))
	}
	o.recordDecision(d, time.Since(start))
	if o.stats != nil {
		o.stats.Record(class, d)
	}

	span.SetAttributes(
		attribute.Bool("quotaguard.allowed", d.Allowed),
		attribute.String("quotaguard.reason", d.ViolationReason),
		attribute.Bool("quotaguard.degraded", d.Degraded),
	)
	return d, nil
}

func (o *Orchestrator) check(ctx context.Context, caller ratelimit.CallerIdentity, class, resourceID string, subject audit.Subject, now time.Time) ratelimit.Decision {
	res, snap := o.resolver.Resolve(class, caller, now)
	if err := res.Err(); err != nil {
		o.reportGap(snap.Fingerprint, class, err)
	}
	if res.ConditionErr != nil {
		o.logger.Warn("override condition failed, override skipped",
			"endpoint_class", class,
			"error", res.ConditionErr)
	}

	status, decay, err := o.detector.Refresh(ctx, caller.ID, class, now)
	if err != nil {
		return o.failClosed(ctx, "abuse status", class, err)
	}
	o.transition(subject, decay, abuse.ReasonCleanPeriod, audit.DecisionAllow, now)
	if status.Blocked(now) {
		return ratelimit.Deny(status.Level.BlockReason(), status.BlockedUntil.Sub(now), status.Level.String())
	}

	result, err := o.limiter.Check(ctx, caller.ID, class, res.Limits, now)
	if err != nil {
		return o.failClosed(ctx, "window check", class, err)
	}

	level := status.Level
	if !result.Allowed {
		reason := result.Violated.ExceededReason()
		if tr, err := o.detector.RecordViolation(ctx, caller.ID, class, reason, now); err != nil {
			o.logger.Warn("failed to record violation",
				"caller", caller.ID,
				"endpoint_class", class,
				"error", err)
		} else {
			level = tr.To
			o.transition(subject, tr, reason, audit.DecisionDeny, now)
		}
		return result.Decision(level.String())
	}

	if o.sampler != nil {
		finding := o.sampler.Observe(caller.ID, class, abuse.Sample{At: now, ResourceID: resourceID})
		if finding != nil {
			o.logger.Info("automated request pattern detected",
				"caller", caller.ID,
				"endpoint_class", class,
				"pattern", finding.Reason,
				"samples", finding.Samples)
			if tr, err := o.detector.RecordViolation(ctx, caller.ID, class, finding.Reason, now); err != nil {
				o.logger.Warn("failed to record pattern violation",
					"caller", caller.ID,
					"endpoint_class", class,
					"error", err)
			} else {
				level = tr.To
				o.transition(subject, tr, finding.Reason, audit.DecisionAllow, now)
			}
		}
	}
	return result.Decision(level.String())
}

// failClosed builds the deny returned when no store could serve the call,
// or when a reachable store refused it.
func (o *Orchestrator) failClosed(ctx context.Context, step, class string, err error) ratelimit.Decision {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, step)

	if errors.Is(err, ratelimit.ErrStoreRejected) {
		// The store is up but refused this pair's keys; only this caller is affected.
		o.logger.Error("store rejected the call, denying", "step", step, "endpoint_class", class, "error", err)
		return ratelimit.Deny(ratelimit.ReasonStoreRejected, degradedRetryAfter, abuse.LevelClean.String())
	}
	if errors.Is(err, ratelimit.ErrStoreUnavailable) {
		o.logger.Debug("store unavailable, failing closed", "step", step, "endpoint_class", class, "error", err)
	} else {
		o.logger.Warn("store call failed, failing closed", "step", step, "endpoint_class", class, "error", err)
	}
	d := ratelimit.Deny(ratelimit.ReasonServiceDegraded, degradedRetryAfter, abuse.LevelClean.String())
	d.Degraded = true
	return d
}

func (o *Orchestrator) transition(subject audit.Subject, tr abuse.Transition, reason, decision string, now time.Time) {
	if !tr.Changed() {
		return
	}
	o.logger.Info("abuse level changed",
		"caller", subject.CallerIdentity,
		"endpoint_class", subject.EndpointClass,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"reason", reason)
	if o.metrics != nil {
		o.metrics.Escalations.WithLabelValues(tr.To.String()).Inc()
	}
	o.emit(audit.NewEscalationEvent(subject, tr.From.String(), tr.To.String(), reason, decision, now))

	if tr.To == abuse.LevelManualReview {
		o.logger.Warn("caller flagged for manual review",
			"caller", subject.CallerIdentity,
			"endpoint_class", subject.EndpointClass,
			"long_block_cycles", tr.Record.LongBlockCycles)
		o.emit(audit.NewManualReviewEvent(subject, tr.From.String(), reason, now))
	}
}

// reportGap logs a missing policy once per class per snapshot.
func (o *Orchestrator) reportGap(fingerprint, class string, err error) {
	o.gapMu.Lock()
	defer o.gapMu.Unlock()

	if fingerprint != o.gapFingerprint {
		o.gapFingerprint = fingerprint
		clear(o.gaps)
	}
	if _, seen := o.gaps[class]; seen || len(o.gaps) >= maxTrackedGaps {
		return
	}
	o.gaps[class] = struct{}{}
	if o.metrics != nil {
		o.metrics.PolicyGaps.Inc()
	}
	o.logger.Warn("no policy for endpoint class, applying fallback policy",
		"endpoint_class", class,
		"policy_fingerprint", fingerprint,
		"error", err)
}

func (o *Orchestrator) emit(e audit.Event) {
	if o.events != nil {
		o.events.Emit(e)
	}
}

func (o *Orchestrator) recordDecision(d ratelimit.Decision, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	result := "allow"
	if !d.Allowed {
		result = "deny"
	}
	o.metrics.Decisions.WithLabelValues(result, d.ViolationReason).Inc()
	o.metrics.CheckDuration.Observe(elapsed.Seconds())
}

// Quota reads current usage per window without recording anything.
func (o *Orchestrator) Quota(ctx context.Context, caller ratelimit.CallerIdentity, endpointClass string) ([]ratelimit.WindowResult, error) {
	if err := caller.Validate(endpointClass); err != nil {
		return nil, err
	}
	now := o.now().In(o.resolver.Location())
	res, _ := o.resolver.Resolve(endpointClass, caller, now)
	windows, err := o.limiter.Peek(ctx, caller.ID, endpointClass, res.Limits, now)
	if err != nil {
		return nil, fmt.Errorf("quota: %w", err)
	}
	return windows, nil
}

// AbuseStatus returns the escalation state of a pair.
func (o *Orchestrator) AbuseStatus(ctx context.Context, callerID, endpointClass string) (abuse.Status, error) {
	if err := (ratelimit.CallerIdentity{ID: callerID}).Validate(endpointClass); err != nil {
		return abuse.Status{}, err
	}
	status, err := o.detector.Status(ctx, callerID, endpointClass, o.now())
	if err != nil {
		return abuse.Status{}, fmt.Errorf("abuse status: %w", err)
	}
	return status, nil
}

// ResetAbuse returns a pair to the clean level and emits the transition.
func (o *Orchestrator) ResetAbuse(ctx context.Context, caller ratelimit.CallerIdentity, endpointClass string) error {
	if err := caller.Validate(endpointClass); err != nil {
		return err
	}
	tr, err := o.detector.Reset(ctx, caller.ID, endpointClass)
	if err != nil {
		return fmt.Errorf("reset abuse: %w", err)
	}
	subject := audit.Subject{CallerIdentity: caller.ID, Tier: caller.Tier, Category: caller.Category, EndpointClass: endpointClass}
	o.transition(subject, tr, ReasonOperatorReset, audit.DecisionAllow, o.now())
	return nil
}

// Compile-time interface verification.
var _ inbound.RateLimitService = (*Orchestrator)(nil)
