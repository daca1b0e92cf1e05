package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/gateway"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *gateway.Task, next Handler) error {
		logger.Info("task started",
			slog.String("task_type", t.TaskType),
			slog.String("task_ref", t.TaskRef),
			slog.String("execution_id", t.ExecutionID.String()),
			slog.Int("attempt", t.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("task_type", t.TaskType),
				slog.String("task_ref", t.TaskRef),
				slog.String("execution_id", t.ExecutionID.String()),
				slog.Int("attempt", t.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("task_type", t.TaskType),
				slog.String("task_ref", t.TaskRef),
				slog.String("execution_id", t.ExecutionID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
