// Package telemetry exports runtime events as OpenTelemetry metrics.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/adalundhe/toolrt/core/cleanup"
	"github.com/adalundhe/toolrt/core/recovery"
	"github.com/adalundhe/toolrt/core/resources"
)

// MeterName is the instrumentation scope used by cmd when it builds a meter.
const MeterName = "github.com/adalundhe/toolrt"

// Metrics records alerts, recovery attempts and cleanup runs. It is an
// AlertSink, a recovery Monitor and a cleanup Reporter at once.
type Metrics struct {
	alerts          metric.Int64Counter
	usageRatio      metric.Float64Histogram
	inconsistencies metric.Int64Counter
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	unrecoverable   metric.Int64Counter
	cleanups        metric.Int64Counter
	released        metric.Int64Counter
	releaseFailures metric.Int64Counter
	cleanupDuration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.alerts, err = meter.Int64Counter("toolrt.resource.alerts",
		metric.WithDescription("Resource evaluations at warning or above"),
	); err != nil {
		return nil, err
	}
	if m.usageRatio, err = meter.Float64Histogram("toolrt.resource.usage_ratio",
		metric.WithDescription("Usage to limit ratio of the field that raised an alert"),
		metric.WithExplicitBucketBoundaries(0.5, 0.75, 0.9, 1, 1.25, 1.5, 2),
	); err != nil {
		return nil, err
	}
	if m.inconsistencies, err = meter.Int64Counter("toolrt.resource.inconsistencies",
		metric.WithDescription("Measurements clamped to keep usage consistent"),
	); err != nil {
		return nil, err
	}
	if m.attempts, err = meter.Int64Counter("toolrt.recovery.attempts",
		metric.WithDescription("Recovery attempts by strategy and outcome"),
	); err != nil {
		return nil, err
	}
	if m.attemptDuration, err = meter.Float64Histogram("toolrt.recovery.duration",
		metric.WithDescription("Duration of recovery actions in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.unrecoverable, err = meter.Int64Counter("toolrt.recovery.unrecoverable",
		metric.WithDescription("Tools retired after the unregister strategy"),
	); err != nil {
		return nil, err
	}
	if m.cleanups, err = meter.Int64Counter("toolrt.cleanup.runs",
		metric.WithDescription("Cleanup runs by outcome"),
	); err != nil {
		return nil, err
	}
	if m.released, err = meter.Int64Counter("toolrt.cleanup.released",
		metric.WithDescription("Resources released by category"),
	); err != nil {
		return nil, err
	}
	if m.releaseFailures, err = meter.Int64Counter("toolrt.cleanup.failures",
		metric.WithDescription("Resources left held after cleanup by category"),
	); err != nil {
		return nil, err
	}
	if m.cleanupDuration, err = meter.Float64Histogram("toolrt.cleanup.duration",
		metric.WithDescription("Duration of cleanup runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ResourceAlert(alert resources.Alert) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("tool_id", alert.ToolID),
		attribute.String("status", alert.Evaluation.Status.String()),
		attribute.String("field", alert.Evaluation.Field.String()),
	)
	m.alerts.Add(ctx, 1, attrs)
	m.usageRatio.Record(ctx, alert.Evaluation.Ratio, attrs)
}

func (m *Metrics) AccountingInconsistency(inc resources.Inconsistency) {
	m.inconsistencies.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool_id", inc.ToolID),
		attribute.String("field", inc.Field.String()),
	))
}

func (m *Metrics) AttemptRecorded(attempt recovery.Attempt, _ recovery.Rates) {
	ctx := context.Background()
	outcome := "failure"
	if attempt.Success {
		outcome = "success"
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", attempt.ToolID),
		attribute.String("strategy", attempt.Strategy.String()),
		attribute.String("outcome", outcome),
	))
	m.attemptDuration.Record(ctx, attempt.Duration.Seconds(), metric.WithAttributes(
		attribute.String("strategy", attempt.Strategy.String()),
	))
}

func (m *Metrics) ToolUnrecoverable(toolID string, _ recovery.Attempt) {
	m.unrecoverable.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
	))
}

func (m *Metrics) CleanupCompleted(result cleanup.Result) {
	ctx := context.Background()
	outcome := "complete"
	switch {
	case !result.Succeeded():
		outcome = "incomplete"
	case result.Partial > 0:
		outcome = "partial"
	}
	m.cleanups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", result.ToolID),
		attribute.String("outcome", outcome),
	))
	m.cleanupDuration.Record(ctx, result.Duration.Seconds())

	for _, c := range result.Categories {
		attrs := metric.WithAttributes(attribute.String("category", c.Category.String()))
		if c.Released > 0 {
			m.released.Add(ctx, int64(c.Released), attrs)
		}
		if c.Failed > 0 {
			m.releaseFailures.Add(ctx, int64(c.Failed), attrs)
		}
	}
}

// ObserveTracked reports the number of tools with a usage record on every
// collection.
func ObserveTracked(meter metric.Meter, tracker *resources.Tracker) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("toolrt.tools.tracked",
		metric.WithDescription("Tools with a live usage record"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(len(tracker.Tools())))
		return nil
	}, gauge)
}

var (
	_ resources.AlertSink = (*Metrics)(nil)
	_ recovery.Monitor    = (*Metrics)(nil)
	_ cleanup.Reporter    = (*Metrics)(nil)
)
