package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

const tracerName = "github.com/arklim/tenant-ratelimit/internal/usecase"

// Decision outcomes reported to metrics.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

// failureModeStore is recorded as the store of a decision made without any counter.
const failureModeStore = "failure_mode"

// RateLimitMetrics captures telemetry hooks for the decision engine.
type RateLimitMetrics interface {
	ObserveDecision(endpointClass, outcome string, scope domain.Scope)
	IncStoreFailure(store string)
	IncFallback(endpointClass string)
	IncFailureMode(mode domain.DegradationPolicyMode)
	ObserveStoreLatency(store string, duration time.Duration)
}

// RateLimitOptions configures optional behaviours for the engine.
type RateLimitOptions struct {
	Degradation *domain.DegradationPolicy
}

// RateLimitService is the decision engine: it counts the request against every applicable
// policy and answers allow or deny.
type RateLimitService struct {
	policies    port.PolicyResolver
	fast        port.CounterStore
	ledger      port.CounterStore
	audit       port.AuditRecorder
	degradation domain.DegradationPolicy
	logger      *zap.Logger
	metrics     RateLimitMetrics
	tracer      trace.Tracer
	now         func() time.Time
}

// NewRateLimitService constructs the engine. fast or ledger may be nil when that store is not deployed.
func NewRateLimitService(policies port.PolicyResolver, fast, ledger port.CounterStore, audit port.AuditRecorder, opts RateLimitOptions) *RateLimitService {
	svc := &RateLimitService{
		policies:    policies,
		fast:        fast,
		ledger:      ledger,
		audit:       audit,
		degradation: domain.DefaultDegradationPolicy(),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	if opts.Degradation != nil {
		svc.degradation = *opts.Degradation
	}
	return svc
}

// WithLogger attaches a structured logger to the service for operational diagnostics.
func (s *RateLimitService) WithLogger(logger *zap.Logger) *RateLimitService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithNow overrides the clock, primarily for deterministic testing.
func (s *RateLimitService) WithNow(now func() time.Time) *RateLimitService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMetrics wires telemetry observers.
func (s *RateLimitService) WithMetrics(metrics RateLimitMetrics) *RateLimitService {
	if metrics != nil {
		s.metrics = metrics
	}
	return s
}

// WithTracer overrides the tracer used for decision spans.
func (s *RateLimitService) WithTracer(tracer trace.Tracer) *RateLimitService {
	if tracer != nil {
		s.tracer = tracer
	}
	return s
}

// evaluation is the outcome of one policy for one request.
type evaluation struct {
	policy     domain.LimitPolicy
	identifier string
	key        domain.WindowKey
	count      int64
	counted    bool
	store      string
	denied     bool
	retryAfter int64
}

func (e evaluation) remaining() int64 {
	remaining := e.policy.MaxRequests - e.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CheckAndIncrement counts the request against every applicable policy and decides.
//
// Every policy is incremented even after another is exceeded, and increments are never
// rolled back. A denial reports the violated scope with the largest retry-after.
// Store failures are absorbed: the ledger replaces the fast store, and the endpoint
// class failure mode replaces both. A missing client IP and a cancelled or expired
// context are returned as errors, the latter without a denial being recorded.
func (s *RateLimitService) CheckAndIncrement(ctx context.Context, ids domain.Identifiers, endpointClass string) (domain.Decision, error) {
	ids = ids.Normalize()
	if err := ids.Validate(); err != nil {
		return domain.Decision{}, err
	}
	class := domain.NormalizeEndpointClass(endpointClass)

	ctx, span := s.tracer.Start(ctx, "ratelimit.CheckAndIncrement",
		trace.WithAttributes(
			attribute.String("ratelimit.endpoint_class", class),
			attribute.Bool("ratelimit.tenant", ids.Has(domain.ScopeTenant)),
			attribute.Bool("ratelimit.user", ids.Has(domain.ScopeUser)),
		),
	)
	defer span.End()

	policies := s.policies.Resolve(class, ids.TenantTier, ids.TenantID)
	now := s.now().UTC()

	evaluations := make([]evaluation, 0, len(policies))
	fastUsable := s.fast != nil
	for _, policy := range policies {
		identifier, ok := ids.For(policy.Scope)
		if !ok {
			continue
		}
		eval := evaluation{
			policy:     policy,
			identifier: identifier,
			key:        domain.NewWindowKey(identifier, class, policy.Window, now),
		}
		var err error
		fastUsable, err = s.evaluate(ctx, &eval, class, now, fastUsable)
		if err != nil {
			span.RecordError(err)
			return domain.Decision{}, err
		}
		evaluations = append(evaluations, eval)
	}

	decision, limiting := s.decide(evaluations)

	outcome := OutcomeAllowed
	if !decision.Allowed {
		outcome = OutcomeDenied
		s.recordDenial(ctx, ids, class, limiting, now)
	}
	if s.metrics != nil {
		s.metrics.ObserveDecision(class, outcome, decision.LimitingScope)
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", decision.Allowed),
		attribute.Bool("ratelimit.degraded", decision.Degraded),
		attribute.Int("ratelimit.policies", len(evaluations)),
	)
	if !decision.Allowed {
		span.SetAttributes(
			attribute.String("ratelimit.limiting_scope", string(decision.LimitingScope)),
			attribute.Int64("ratelimit.retry_after_seconds", decision.RetryAfterSeconds),
		)
	}

	return decision, nil
}

// evaluate counts one policy. It reports whether the fast store should still be tried for
// the remaining policies of this request. Once the caller's context is done it stops and
// returns the context error: neither the ledger nor the failure mode applies.
func (s *RateLimitService) evaluate(ctx context.Context, eval *evaluation, class string, now time.Time, fastUsable bool) (bool, error) {
	if fastUsable {
		reading, err := s.increment(ctx, s.fast, eval.key)
		if err == nil {
			s.applyReading(eval, s.fast.Name(), reading, now)
			return true, nil
		}
		if ctx.Err() != nil {
			return fastUsable, ctx.Err()
		}
		s.logStoreFailure(s.fast.Name(), eval.key, err)
		fastUsable = false
	}

	if s.ledger != nil && s.degradation.AllowsFallback(class, domain.DegradationReasonFastStoreUnavailable) {
		if s.metrics != nil {
			s.metrics.IncFallback(class)
		}
		reading, err := s.increment(ctx, s.ledger, eval.key)
		if err == nil {
			s.applyReading(eval, s.ledger.Name(), reading, now)
			return fastUsable, nil
		}
		if ctx.Err() != nil {
			return fastUsable, ctx.Err()
		}
		s.logStoreFailure(s.ledger.Name(), eval.key, err)
	}

	mode := s.degradation.Mode(class)
	if s.metrics != nil {
		s.metrics.IncFailureMode(mode)
	}
	eval.store = failureModeStore
	if !s.degradation.AllowsFallback(class, domain.DegradationReasonLedgerUnavailable) {
		eval.denied = true
		eval.retryAfter = retryAfter(eval.key, now)
	}
	s.logger.Warn("rate limit counter stores unavailable, applying failure mode",
		zap.String("endpoint_class", class),
		zap.String("key", eval.key.String()),
		zap.String("mode", string(mode)),
	)
	return fastUsable, nil
}

func (s *RateLimitService) increment(ctx context.Context, store port.CounterStore, key domain.WindowKey) (domain.CounterReading, error) {
	started := s.now()
	reading, err := store.IncrementAndGet(ctx, key)
	if s.metrics != nil {
		s.metrics.ObserveStoreLatency(store.Name(), s.now().Sub(started))
		if err != nil && ctx.Err() == nil {
			s.metrics.IncStoreFailure(store.Name())
		}
	}
	if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
		err = domain.StoreUnavailable(store.Name(), "increment", err)
	}
	return reading, err
}

func (s *RateLimitService) applyReading(eval *evaluation, store string, reading domain.CounterReading, now time.Time) {
	eval.count = reading.Count
	eval.counted = true
	eval.store = store
	if reading.Count > eval.policy.MaxRequests {
		eval.denied = true
		eval.retryAfter = retryAfter(eval.key, now)
	}
}

func (s *RateLimitService) logStoreFailure(store string, key domain.WindowKey, err error) {
	s.logger.Warn("rate limit counter store failed",
		zap.String("store", store),
		zap.String("key", key.String()),
		zap.Error(err),
	)
}

// decide folds evaluations into a decision and returns the evaluation that determined it.
func (s *RateLimitService) decide(evaluations []evaluation) (domain.Decision, *evaluation) {
	if len(evaluations) == 0 {
		return domain.Unconstrained(), nil
	}

	degraded := false
	var limiting, tightest *evaluation
	for i := range evaluations {
		eval := &evaluations[i]
		if s.fast == nil || eval.store != s.fast.Name() {
			degraded = true
		}
		if eval.denied {
			if limiting == nil || eval.retryAfter > limiting.retryAfter {
				limiting = eval
			}
			continue
		}
		if eval.counted && (tightest == nil || eval.remaining() < tightest.remaining()) {
			tightest = eval
		}
	}

	if limiting != nil {
		return domain.Decision{
			Allowed:           false,
			Limit:             limiting.policy.MaxRequests,
			Remaining:         0,
			RetryAfterSeconds: limiting.retryAfter,
			LimitingScope:     limiting.policy.Scope,
			ResetAt:           limiting.key.End(),
			Degraded:          degraded,
		}, limiting
	}

	if tightest == nil {
		// every policy was waved through by the open failure mode
		return domain.Decision{Allowed: true, Degraded: true}, nil
	}

	return domain.Decision{
		Allowed:   true,
		Limit:     tightest.policy.MaxRequests,
		Remaining: tightest.remaining(),
		ResetAt:   tightest.key.End(),
		Degraded:  degraded,
	}, tightest
}

func (s *RateLimitService) recordDenial(ctx context.Context, ids domain.Identifiers, class string, limiting *evaluation, now time.Time) {
	if s.audit == nil || limiting == nil {
		return
	}

	event := domain.RateLimitDeniedEvent{
		EventID:           uuid.NewString(),
		Identifier:        limiting.identifier,
		EndpointClass:     class,
		Scope:             limiting.policy.Scope,
		OccurredAt:        now,
		Limit:             limiting.policy.MaxRequests,
		Count:             limiting.count,
		RetryAfterSeconds: limiting.retryAfter,
		Store:             limiting.store,
		Metadata: map[string]any{
			"window_start":   limiting.key.WindowStart.Format(time.RFC3339),
			"window_seconds": int64(limiting.policy.Window / time.Second),
		},
	}
	if ids.TenantTier != "" {
		event.Metadata["tenant_tier"] = ids.TenantTier
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event.TraceID = sc.TraceID().String()
	}

	s.audit.RecordDenial(event)
}

// retryAfter is the whole seconds until the window closes, never less than one.
func retryAfter(key domain.WindowKey, now time.Time) int64 {
	seconds := domain.RetryAfterSeconds(key.End().Sub(now))
	if seconds < 1 {
		return 1
	}
	return seconds
}

