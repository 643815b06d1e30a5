package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rbaliyan/event-saga/dispatch"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func newTestRecorder() (*MetricsRecorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return NewMetricsRecorder("test", WithMeterProvider(provider)), reader
}

func TestMetricsRecorder_ActiveCount(t *testing.T) {
	recorder, reader := newTestRecorder()
	ctx := context.Background()

	recorder.RecordSagaStart(ctx, "order")
	recorder.RecordSagaStart(ctx, "order")
	recorder.RecordSagaEnd(ctx, "order", StatusCompleted, time.Second)

	gauge, ok := collectMetrics(t, reader)["saga_active_count"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
}

func TestMetricsRecorder_NonTerminalEnd(t *testing.T) {
	recorder, reader := newTestRecorder()
	ctx := context.Background()

	recorder.RecordSagaStart(ctx, "order")
	recorder.RecordSagaEnd(ctx, "order", StatusRunning, time.Second)

	metrics := collectMetrics(t, reader)
	assert.NotContains(t, metrics, "saga_executions_total")
}

func TestMetricsRecorder_NilSafe(t *testing.T) {
	var recorder *MetricsRecorder
	ctx := context.Background()

	assert.NotPanics(t, func() {
		recorder.RecordSagaStart(ctx, "order")
		recorder.RecordSagaEnd(ctx, "order", StatusCompleted, time.Second)
		recorder.RecordStepExecution(ctx, "order", "a", DirectionForward, "success", time.Millisecond)
		recorder.RecordRetry(ctx, "order", "a", DirectionForward)
		recorder.RecordCompensation(ctx, "order", "a", "success")
	})
}

func TestEngineWithMetrics(t *testing.T) {
	recorder, reader := newTestRecorder()
	h := newHarness(t, WithMetrics(recorder), WithDefaultRetryDelay(time.Millisecond))
	h.define(&Definition{Steps: []StepConfig{step("a", true), step("b", true)}, MaxRetries: 1})

	h.succeed("a", nil)
	h.fail("b", errUnavailable)
	h.fail("undo-a", dispatch.Permanent(errors.New("ledger closed")))

	inst := h.execute(h.start(nil))
	require.Equal(t, StatusFailed, inst.Status)

	metrics := collectMetrics(t, reader)
	for _, name := range []string{
		"saga_executions_total",
		"saga_step_executions_total",
		"saga_step_retries_total",
		"saga_compensation_steps_total",
		"saga_execution_duration_seconds",
		"saga_step_duration_seconds",
	} {
		assert.Contains(t, metrics, name)
	}

	assert.Equal(t, int64(1), sumOf(t, metrics["saga_executions_total"]))
	// a once, b twice, undo-a once
	assert.Equal(t, int64(4), sumOf(t, metrics["saga_step_executions_total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["saga_step_retries_total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["saga_compensation_steps_total"]))
}
