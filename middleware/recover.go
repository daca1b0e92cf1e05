package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/orchestra/gateway"
)

// Recover returns middleware that recovers from panics in the handler
// chain. A panic becomes an ordinary (retryable) task error and is logged
// with its stack.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *gateway.Task, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task handler panicked",
					slog.String("task_type", t.TaskType),
					slog.String("task_ref", t.TaskRef),
					slog.String("execution_id", t.ExecutionID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in task %s: %v", t.TaskRef, r)
			}
		}()
		return next(ctx)
	}
}
