package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Decision values of the "decision" attribute.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
)

// Metrics records limiter decisions with OpenTelemetry.
//
// A nil *Metrics records nothing.
//
// Instruments, all with a "target" attribute:
//   - dispatch_ratelimit_decisions_total: counter, with a "decision" attribute
//   - dispatch_ratelimit_wait_seconds: histogram of time spent in Wait
type Metrics struct {
	decisions metric.Int64Counter
	wait      metric.Float64Histogram
}

type metricsConfig struct {
	provider  metric.MeterProvider
	namespace string
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*metricsConfig)

// WithMeterProvider sets the meter provider (default: the global provider).
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(c *metricsConfig) {
		if provider != nil {
			c.provider = provider
		}
	}
}

// WithMetricsNamespace prefixes instrument names with namespace and "_".
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(c *metricsConfig) {
		c.namespace = namespace
	}
}

// NewMetrics creates the instruments.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	cfg := metricsConfig{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&cfg)
	}

	name := func(base string) string {
		if cfg.namespace == "" {
			return base
		}
		return cfg.namespace + "_" + base
	}

	meter := cfg.provider.Meter("github.com/rbaliyan/event-saga/ratelimit")

	decisions, err := meter.Int64Counter(name("dispatch_ratelimit_decisions_total"),
		metric.WithDescription("Limiter decisions for saga step dispatches"),
		metric.WithUnit("{dispatch}"))
	if err != nil {
		return nil, err
	}

	wait, err := meter.Float64Histogram(name("dispatch_ratelimit_wait_seconds"),
		metric.WithDescription("Time a dispatch waited for a limiter slot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30))
	if err != nil {
		return nil, err
	}

	return &Metrics{decisions: decisions, wait: wait}, nil
}

// RecordDecision counts one decision for target.
func (m *Metrics) RecordDecision(ctx context.Context, target string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributeSet(decisionAttrs(target, allowed)))
}

// RecordWait records the time a dispatch to target waited.
func (m *Metrics) RecordWait(ctx context.Context, target string, d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("target", target)))
}

func decisionAttrs(target string, allowed bool) attribute.Set {
	decision := DecisionRejected
	if allowed {
		decision = DecisionAllowed
	}
	return attribute.NewSet(
		attribute.String("target", target),
		attribute.String("decision", decision),
	)
}

// MetricsLimiter records the decisions of the Limiter it wraps.
//
//	limiter := ratelimit.NewMetricsLimiter(ratelimit.NewLocalLimiter(20, 5), "external_http", metrics)
type MetricsLimiter struct {
	limiter Limiter
	target  string
	metrics *Metrics
}

// NewMetricsLimiter wraps limiter. metrics may be nil.
func NewMetricsLimiter(limiter Limiter, target string, metrics *Metrics) *MetricsLimiter {
	return &MetricsLimiter{limiter: limiter, target: target, metrics: metrics}
}

// Wait waits on the wrapped limiter. A cancelled wait counts as rejected.
func (m *MetricsLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := m.limiter.Wait(ctx)
	if err == nil {
		m.metrics.RecordWait(ctx, m.target, time.Since(start))
	}
	m.metrics.RecordDecision(ctx, m.target, err == nil)
	return err
}

// Unwrap returns the wrapped limiter.
func (m *MetricsLimiter) Unwrap() Limiter {
	return m.limiter
}

// Compile-time check
var _ Limiter = (*MetricsLimiter)(nil)
