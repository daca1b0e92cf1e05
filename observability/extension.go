package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/queue"
)

// meterName is the instrumentation scope for engine metrics.
const meterName = "github.com/xraph/orchestra/observability"

var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.ExecutionStarted    = (*MetricsExtension)(nil)
	_ ext.ExecutionCompleted  = (*MetricsExtension)(nil)
	_ ext.ExecutionFailed     = (*MetricsExtension)(nil)
	_ ext.ExecutionTerminated = (*MetricsExtension)(nil)
	_ ext.TaskScheduled       = (*MetricsExtension)(nil)
	_ ext.TaskCompleted       = (*MetricsExtension)(nil)
	_ ext.TaskRetrying        = (*MetricsExtension)(nil)
	_ ext.TaskFailed          = (*MetricsExtension)(nil)
	_ ext.TaskSkipped         = (*MetricsExtension)(nil)
	_ ext.TaskDLQ             = (*MetricsExtension)(nil)
	_ ext.LeaseExpired        = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle counters.
//
// Instruments:
//   - orchestra.executions (Int64Counter): attribute "event" is one of
//     started, completed, failed, terminated
//   - orchestra.execution.duration (Float64Histogram, seconds)
//   - orchestra.tasks (Int64Counter): attribute "event" is one of
//     scheduled, completed, retrying, failed, skipped, dlq
//   - orchestra.task.duration (Float64Histogram, seconds)
//   - orchestra.lease.expired (Int64Counter)
type MetricsExtension struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	tasks             metric.Int64Counter
	taskDuration      metric.Float64Histogram
	leaseExpired      metric.Int64Counter
}

// NewMetricsExtension uses the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter uses the given meter. On instrument errors
// the OTel API hands back noop instruments, so construction never fails.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.executions, _ = meter.Int64Counter("orchestra.executions",
		metric.WithDescription("Workflow execution lifecycle events"),
		metric.WithUnit("{execution}"))
	m.executionDuration, _ = meter.Float64Histogram("orchestra.execution.duration",
		metric.WithDescription("Wall time from start to completion"),
		metric.WithUnit("s"))
	m.tasks, _ = meter.Int64Counter("orchestra.tasks",
		metric.WithDescription("Task attempt lifecycle events"),
		metric.WithUnit("{task}"))
	m.taskDuration, _ = meter.Float64Histogram("orchestra.task.duration",
		metric.WithDescription("Time from lease to successful report"),
		metric.WithUnit("s"))
	m.leaseExpired, _ = meter.Int64Counter("orchestra.lease.expired",
		metric.WithDescription("Leases that lapsed and were redelivered"),
		metric.WithUnit("{lease}"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Execution hooks ─────────────────────────────────

func (m *MetricsExtension) OnExecutionStarted(ctx context.Context, e *execution.Execution) error {
	m.executions.Add(ctx, 1, executionAttrs(e, "started"))
	return nil
}

func (m *MetricsExtension) OnExecutionCompleted(ctx context.Context, e *execution.Execution, elapsed time.Duration) error {
	m.executions.Add(ctx, 1, executionAttrs(e, "completed"))
	m.executionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("definition", e.DefinitionName)))
	return nil
}

func (m *MetricsExtension) OnExecutionFailed(ctx context.Context, e *execution.Execution, _ string) error {
	m.executions.Add(ctx, 1, executionAttrs(e, "failed"))
	return nil
}

func (m *MetricsExtension) OnExecutionTerminated(ctx context.Context, e *execution.Execution, _ string) error {
	m.executions.Add(ctx, 1, executionAttrs(e, "terminated"))
	return nil
}

// ── Task hooks ──────────────────────────────────────

func (m *MetricsExtension) OnTaskScheduled(ctx context.Context, e *execution.Execution, t *execution.TaskExecution) error {
	m.tasks.Add(ctx, 1, taskAttrs(e, t.TaskType, "scheduled"))
	return nil
}

func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, elapsed time.Duration) error {
	m.tasks.Add(ctx, 1, taskAttrs(e, t.TaskType, "completed"))
	m.taskDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("task_type", t.TaskType)))
	return nil
}

func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, e *execution.Execution, failed, _ *execution.TaskExecution) error {
	m.tasks.Add(ctx, 1, taskAttrs(e, failed.TaskType, "retrying"))
	return nil
}

func (m *MetricsExtension) OnTaskFailed(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, _ error) error {
	m.tasks.Add(ctx, 1, taskAttrs(e, t.TaskType, "failed"))
	return nil
}

func (m *MetricsExtension) OnTaskSkipped(ctx context.Context, e *execution.Execution, _ string, _ string) error {
	m.tasks.Add(ctx, 1, taskAttrs(e, "", "skipped"))
	return nil
}

func (m *MetricsExtension) OnTaskDLQ(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, _ error) error {
	kind := ""
	if t.Error != nil {
		kind = string(t.Error.Kind)
	}
	m.tasks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", e.DefinitionName),
		attribute.String("task_type", t.TaskType),
		attribute.String("event", "dlq"),
		attribute.String("error_kind", kind),
	))
	return nil
}

func (m *MetricsExtension) OnLeaseExpired(ctx context.Context, entry *queue.Entry) error {
	m.leaseExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", entry.TaskType)))
	return nil
}

func executionAttrs(e *execution.Execution, event string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("definition", e.DefinitionName),
		attribute.String("event", event),
	)
}

func taskAttrs(e *execution.Execution, taskType, event string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("definition", e.DefinitionName),
		attribute.String("task_type", taskType),
		attribute.String("event", event),
	)
}
