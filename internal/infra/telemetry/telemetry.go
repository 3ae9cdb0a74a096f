package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

// RateLimitMetricsOptions configures the rate limit collectors.
type RateLimitMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// RateLimitMetrics exposes Prometheus collectors for the decision engine and audit dispatcher.
type RateLimitMetrics struct {
	Decisions      *prometheus.CounterVec
	StoreFailures  *prometheus.CounterVec
	Fallbacks      *prometheus.CounterVec
	FailureModes   *prometheus.CounterVec
	AuditDropped   prometheus.Counter
	AuditPublished *prometheus.CounterVec
	AuditFailed    *prometheus.CounterVec
	StoreLatency   *prometheus.HistogramVec

	reg       prometheus.Registerer
	namespace string
}

// NewRateLimitMetrics constructs the collectors and registers them with the provided registerer.
func NewRateLimitMetrics(opts RateLimitMetricsOptions) (*RateLimitMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "ratelimit"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .075, .1, .25, .5}
	}

	m := &RateLimitMetrics{reg: reg, namespace: namespace}
	var err error

	if m.Decisions, err = registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Rate limit decisions partitioned by endpoint class, outcome and limiting scope.",
	}, []string{"endpoint_class", "outcome", "scope"}); err != nil {
		return nil, err
	}

	if m.StoreFailures, err = registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_failures_total",
		Help:      "Counter store calls that failed, partitioned by store.",
	}, []string{"store"}); err != nil {
		return nil, err
	}

	if m.Fallbacks, err = registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_total",
		Help:      "Policies counted against the durable ledger because the fast store was unavailable.",
	}, []string{"endpoint_class"}); err != nil {
		return nil, err
	}

	if m.FailureModes, err = registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failure_mode_total",
		Help:      "Policies decided by the failure mode because no counter store answered.",
	}, []string{"mode"}); err != nil {
		return nil, err
	}

	if m.AuditPublished, err = registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_published_total",
		Help:      "Denial audit events delivered, partitioned by sink.",
	}, []string{"sink"}); err != nil {
		return nil, err
	}

	if m.AuditFailed, err = registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_failed_total",
		Help:      "Denial audit events a sink failed to accept, partitioned by sink.",
	}, []string{"sink"}); err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_dropped_total",
		Help:      "Denial audit events dropped because the queue was full or closed.",
	})
	if err := reg.Register(dropped); err != nil {
		existing, regErr := existingCollector[prometheus.Counter](err)
		if regErr != nil {
			return nil, fmt.Errorf("register audit dropped collector: %w", regErr)
		}
		dropped = existing
	}
	m.AuditDropped = dropped

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_latency_seconds",
		Help:      "Counter store increment latency in seconds partitioned by store.",
		Buckets:   buckets,
	}, []string{"store"})
	if err := reg.Register(latency); err != nil {
		existing, regErr := existingCollector[*prometheus.HistogramVec](err)
		if regErr != nil {
			return nil, fmt.Errorf("register store latency collector: %w", regErr)
		}
		latency = existing
	}
	m.StoreLatency = latency

	return m, nil
}

// ObserveDecision counts one decision.
func (m *RateLimitMetrics) ObserveDecision(endpointClass, outcome string, scope domain.Scope) {
	if m == nil {
		return
	}
	label := string(scope)
	if label == "" {
		label = "none"
	}
	m.Decisions.WithLabelValues(endpointClass, outcome, label).Inc()
}

// IncStoreFailure counts a failed counter store call.
func (m *RateLimitMetrics) IncStoreFailure(store string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(store).Inc()
}

// IncFallback counts a policy routed to the ledger.
func (m *RateLimitMetrics) IncFallback(endpointClass string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(endpointClass).Inc()
}

// IncFailureMode counts a policy decided by the failure mode.
func (m *RateLimitMetrics) IncFailureMode(mode domain.DegradationPolicyMode) {
	if m == nil {
		return
	}
	m.FailureModes.WithLabelValues(string(mode)).Inc()
}

// ObserveStoreLatency records how long a counter store call took.
func (m *RateLimitMetrics) ObserveStoreLatency(store string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(store).Observe(duration.Seconds())
}

// IncAuditDropped counts a dropped audit event.
func (m *RateLimitMetrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// IncAuditPublished counts an audit event delivered to sink.
func (m *RateLimitMetrics) IncAuditPublished(sink string) {
	if m == nil {
		return
	}
	m.AuditPublished.WithLabelValues(sink).Inc()
}

// IncAuditFailed counts an audit event sink failed to accept.
func (m *RateLimitMetrics) IncAuditFailed(sink string) {
	if m == nil {
		return
	}
	m.AuditFailed.WithLabelValues(sink).Inc()
}

// WatchAuditQueue exports the audit queue depth as a gauge.
func (m *RateLimitMetrics) WatchAuditQueue(pending func() int) error {
	if m == nil || pending == nil {
		return nil
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "audit_queue_depth",
		Help:      "Denial audit events waiting for delivery.",
	}, func() float64 { return float64(pending()) })
	if err := m.reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("register audit queue collector: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		existing, regErr := existingCollector[*prometheus.CounterVec](err)
		if regErr != nil {
			return nil, fmt.Errorf("register %s collector: %w", opts.Name, regErr)
		}
		return existing, nil
	}
	return vec, nil
}

func existingCollector[T prometheus.Collector](err error) (T, error) {
	var zero T
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return zero, err
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return zero, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
	}
	return existing, nil
}
