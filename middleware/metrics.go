package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/orchestra/gateway"
)

const meterName = "github.com/xraph/orchestra/worker"

// Metrics returns middleware that records per-task-type run metrics using
// the global MeterProvider.
//
// Instruments:
//   - orchestra.worker.task.duration (Float64Histogram): handler time in
//     seconds, by task_type and status ("ok" or "error")
//   - orchestra.worker.task.runs (Int64Counter): handler runs, by
//     task_type and status
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"orchestra.worker.task.duration",
		metric.WithDescription("Duration of task handler runs in seconds"),
		metric.WithUnit("s"),
	)
	runs, _ := meter.Int64Counter(
		"orchestra.worker.task.runs",
		metric.WithDescription("Total number of task handler runs"),
		metric.WithUnit("{run}"),
	)

	return func(ctx context.Context, t *gateway.Task, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("task_type", t.TaskType),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		runs.Add(ctx, 1, attrs)
		return err
	}
}
