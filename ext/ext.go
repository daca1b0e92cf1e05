package ext

import (
	"context"
	"time"

	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/queue"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name identifies the extension in logs.
	Name() string
}

// ──────────────────────────────────────────────────
// Execution lifecycle hooks
// ──────────────────────────────────────────────────

// ExecutionStarted is called after an execution is created.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, e *execution.Execution) error
}

// ExecutionCompleted is called when an execution reaches COMPLETED.
type ExecutionCompleted interface {
	OnExecutionCompleted(ctx context.Context, e *execution.Execution, elapsed time.Duration) error
}

// ExecutionFailed is called when an execution reaches FAILED.
type ExecutionFailed interface {
	OnExecutionFailed(ctx context.Context, e *execution.Execution, reason string) error
}

// ExecutionTerminated is called after an explicit terminate.
type ExecutionTerminated interface {
	OnExecutionTerminated(ctx context.Context, e *execution.Execution, reason string) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskScheduled is called after an attempt is created and enqueued.
type TaskScheduled interface {
	OnTaskScheduled(ctx context.Context, e *execution.Execution, t *execution.TaskExecution) error
}

// TaskStarted is called when a worker leases an attempt.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, e *execution.Execution, t *execution.TaskExecution) error
}

// TaskCompleted is called when an attempt reports success.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, elapsed time.Duration) error
}

// TaskRetrying is called when a failed attempt is followed by a new one.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, e *execution.Execution, failed *execution.TaskExecution, next *execution.TaskExecution) error
}

// TaskFailed is called when a task fails with no attempts left.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, err error) error
}

// TaskSkipped is called when a task is skipped.
type TaskSkipped interface {
	OnTaskSkipped(ctx context.Context, e *execution.Execution, taskRef, reason string) error
}

// TaskDLQ is called after a finally failed attempt is dead-lettered.
type TaskDLQ interface {
	OnTaskDLQ(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, err error) error
}

// LeaseExpired is called when the reaper returns an entry to the queue.
type LeaseExpired interface {
	OnLeaseExpired(ctx context.Context, entry *queue.Entry) error
}

// ──────────────────────────────────────────────────
// Other hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
