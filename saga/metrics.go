package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by the saga instruments.
const (
	attrSaga      = attribute.Key("saga_name")
	attrStep      = attribute.Key("step_name")
	attrDirection = attribute.Key("direction")
	attrStatus    = attribute.Key("status")
	attrResult    = attribute.Key("result")
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// MetricsRecorder exports engine activity as OpenTelemetry instruments.
//
// A nil *MetricsRecorder records nothing, and so does one whose instruments
// could not be created.
//
//	saga_executions_total            sagas reaching a terminal status
//	saga_step_executions_total       step attempts (step, direction, result)
//	saga_step_retries_total          scheduled step retries
//	saga_compensation_steps_total    compensation outcomes
//	saga_execution_duration_seconds  start to terminal status
//	saga_step_duration_seconds       one step attempt
//	saga_active_count                instances executing in this process
type MetricsRecorder struct {
	provider metric.MeterProvider

	executions    metric.Int64Counter
	attempts      metric.Int64Counter
	retries       metric.Int64Counter
	compensations metric.Int64Counter
	sagaSeconds   metric.Float64Histogram
	stepSeconds   metric.Float64Histogram

	active  atomic.Int64
	enabled bool
}

// RecorderOption configures a MetricsRecorder.
type RecorderOption func(*MetricsRecorder)

// WithMeterProvider sets the meter provider (default: the global provider).
func WithMeterProvider(provider metric.MeterProvider) RecorderOption {
	return func(m *MetricsRecorder) {
		if provider != nil {
			m.provider = provider
		}
	}
}

// NewMetricsRecorder creates the instruments on a meter named meterName.
func NewMetricsRecorder(meterName string, opts ...RecorderOption) *MetricsRecorder {
	m := &MetricsRecorder{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(m)
	}
	m.enabled = m.register(m.provider.Meter(meterName)) == nil
	return m
}

func (m *MetricsRecorder) register(meter metric.Meter) error {
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...))
		errs = append(errs, err)
		return h
	}

	m.executions = counter("saga_executions_total", "Sagas that reached completed, compensated or failed", "{saga}")
	m.attempts = counter("saga_step_executions_total", "Forward and compensation step attempts", "{attempt}")
	m.retries = counter("saga_step_retries_total", "Step attempts rescheduled after a retryable failure", "{retry}")
	m.compensations = counter("saga_compensation_steps_total", "Compensation steps by outcome", "{step}")
	m.sagaSeconds = seconds("saga_execution_duration_seconds", "Wall time from saga start to its terminal status")
	m.stepSeconds = seconds("saga_step_duration_seconds", "Wall time of a single step attempt")

	_, err := meter.Int64ObservableGauge("saga_active_count",
		metric.WithDescription("Saga instances currently executing in this process"),
		metric.WithUnit("{saga}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.active.Load())
			return nil
		}))
	errs = append(errs, err)

	// nil entries are dropped by Join
	return errors.Join(errs...)
}

func (m *MetricsRecorder) on() bool {
	return m != nil && m.enabled
}

// RecordSagaStart marks an instance as executing.
func (m *MetricsRecorder) RecordSagaStart(_ context.Context, _ string) {
	if m.on() {
		m.active.Add(1)
	}
}

// RecordSagaEnd marks an instance as no longer executing. Only terminal
// statuses count as executions; an instance released on shutdown just
// leaves the gauge.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, sagaName string, status Status, duration time.Duration) {
	if !m.on() {
		return
	}
	m.active.Add(-1)
	if !status.Terminal() {
		return
	}
	set := metric.WithAttributeSet(attribute.NewSet(attrSaga.String(sagaName), attrStatus.String(string(status))))
	m.executions.Add(ctx, 1, set)
	m.sagaSeconds.Record(ctx, duration.Seconds(), set)
}

// RecordStepExecution records one step attempt with result "success" or "failure".
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, sagaName, stepName string, dir Direction, result string, duration time.Duration) {
	if !m.on() {
		return
	}
	set := metric.WithAttributeSet(attribute.NewSet(
		attrSaga.String(sagaName),
		attrStep.String(stepName),
		attrDirection.String(string(dir)),
		attrResult.String(result),
	))
	m.attempts.Add(ctx, 1, set)
	m.stepSeconds.Record(ctx, duration.Seconds(), set)
}

func (m *MetricsRecorder) RecordRetry(ctx context.Context, sagaName, stepName string, dir Direction) {
	if !m.on() {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attrSaga.String(sagaName),
		attrStep.String(stepName),
		attrDirection.String(string(dir)),
	)))
}

func (m *MetricsRecorder) RecordCompensation(ctx context.Context, sagaName, stepName, result string) {
	if !m.on() {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attrSaga.String(sagaName),
		attrStep.String(stepName),
		attrResult.String(result),
	)))
}
