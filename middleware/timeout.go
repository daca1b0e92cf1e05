package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/gateway"
)

// Timeout returns middleware that cancels the handler context when the
// task's timeout elapses. The engine times the attempt out on its own
// schedule; this only stops the worker from running past it. A positive
// fallback applies to tasks that carry no timeout.
func Timeout(logger *slog.Logger, fallback time.Duration) Middleware {
	return func(ctx context.Context, t *gateway.Task, next Handler) error {
		d := t.Timeout
		if d <= 0 {
			d = fallback
		}
		if d > 0 {
			logger.Debug("task timeout set",
				slog.String("task_ref", t.TaskRef),
				slog.String("execution_id", t.ExecutionID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
