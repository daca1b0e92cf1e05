package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/orchestra/gateway"
)

const tracerName = "github.com/xraph/orchestra/worker"

// Tracing returns middleware that wraps each task run in an OpenTelemetry
// span using the global TracerProvider.
//
// Span attributes: orchestra.execution.id, orchestra.task.ref,
// orchestra.task.type, orchestra.task.attempt, orchestra.task.domain,
// orchestra.scope.app_id, orchestra.scope.org_id.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *gateway.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "orchestra.task.execute",
			trace.WithAttributes(
				attribute.String("orchestra.execution.id", t.ExecutionID.String()),
				attribute.String("orchestra.task.ref", t.TaskRef),
				attribute.String("orchestra.task.type", t.TaskType),
				attribute.Int("orchestra.task.attempt", t.Attempt),
				attribute.String("orchestra.task.domain", t.Domain),
				attribute.String("orchestra.scope.app_id", t.ScopeAppID),
				attribute.String("orchestra.scope.org_id", t.ScopeOrgID),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
