package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/queue"
)

// entry pairs a hook with the name of the extension that registered it.
type entry[H any] struct {
	name string
	hook H
}

func add[H any](list []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: name, hook: h})
	}
	return list
}

// Registry fans lifecycle events out to extensions. Hooks are type-cached at
// registration so each emit only visits extensions that implement it.
// Register all extensions before the engine starts; emits are not
// synchronized with Register.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	executionStarted    []entry[ExecutionStarted]
	executionCompleted  []entry[ExecutionCompleted]
	executionFailed     []entry[ExecutionFailed]
	executionTerminated []entry[ExecutionTerminated]
	taskScheduled       []entry[TaskScheduled]
	taskStarted         []entry[TaskStarted]
	taskCompleted       []entry[TaskCompleted]
	taskRetrying        []entry[TaskRetrying]
	taskFailed          []entry[TaskFailed]
	taskSkipped         []entry[TaskSkipped]
	taskDLQ             []entry[TaskDLQ]
	leaseExpired        []entry[LeaseExpired]
	shutdown            []entry[Shutdown]
}

// NewRegistry creates an extension registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Extensions are notified in registration
// order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.executionStarted = add(r.executionStarted, name, e)
	r.executionCompleted = add(r.executionCompleted, name, e)
	r.executionFailed = add(r.executionFailed, name, e)
	r.executionTerminated = add(r.executionTerminated, name, e)
	r.taskScheduled = add(r.taskScheduled, name, e)
	r.taskStarted = add(r.taskStarted, name, e)
	r.taskCompleted = add(r.taskCompleted, name, e)
	r.taskRetrying = add(r.taskRetrying, name, e)
	r.taskFailed = add(r.taskFailed, name, e)
	r.taskSkipped = add(r.taskSkipped, name, e)
	r.taskDLQ = add(r.taskDLQ, name, e)
	r.leaseExpired = add(r.leaseExpired, name, e)
	r.shutdown = add(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

func emit[H any](r *Registry, hookName string, list []entry[H], call func(H) error) {
	for _, e := range list {
		if err := call(e.hook); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", hookName),
				slog.String("extension", e.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Execution events
// ──────────────────────────────────────────────────

// EmitExecutionStarted notifies ExecutionStarted hooks.
func (r *Registry) EmitExecutionStarted(ctx context.Context, e *execution.Execution) {
	emit(r, "OnExecutionStarted", r.executionStarted, func(h ExecutionStarted) error {
		return h.OnExecutionStarted(ctx, e)
	})
}

// EmitExecutionCompleted notifies ExecutionCompleted hooks.
func (r *Registry) EmitExecutionCompleted(ctx context.Context, e *execution.Execution, elapsed time.Duration) {
	emit(r, "OnExecutionCompleted", r.executionCompleted, func(h ExecutionCompleted) error {
		return h.OnExecutionCompleted(ctx, e, elapsed)
	})
}

// EmitExecutionFailed notifies ExecutionFailed hooks.
func (r *Registry) EmitExecutionFailed(ctx context.Context, e *execution.Execution, reason string) {
	emit(r, "OnExecutionFailed", r.executionFailed, func(h ExecutionFailed) error {
		return h.OnExecutionFailed(ctx, e, reason)
	})
}

// EmitExecutionTerminated notifies ExecutionTerminated hooks.
func (r *Registry) EmitExecutionTerminated(ctx context.Context, e *execution.Execution, reason string) {
	emit(r, "OnExecutionTerminated", r.executionTerminated, func(h ExecutionTerminated) error {
		return h.OnExecutionTerminated(ctx, e, reason)
	})
}

// ──────────────────────────────────────────────────
// Task events
// ──────────────────────────────────────────────────

// EmitTaskScheduled notifies TaskScheduled hooks.
func (r *Registry) EmitTaskScheduled(ctx context.Context, e *execution.Execution, t *execution.TaskExecution) {
	emit(r, "OnTaskScheduled", r.taskScheduled, func(h TaskScheduled) error {
		return h.OnTaskScheduled(ctx, e, t)
	})
}

// EmitTaskStarted notifies TaskStarted hooks.
func (r *Registry) EmitTaskStarted(ctx context.Context, e *execution.Execution, t *execution.TaskExecution) {
	emit(r, "OnTaskStarted", r.taskStarted, func(h TaskStarted) error {
		return h.OnTaskStarted(ctx, e, t)
	})
}

// EmitTaskCompleted notifies TaskCompleted hooks.
func (r *Registry) EmitTaskCompleted(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, elapsed time.Duration) {
	emit(r, "OnTaskCompleted", r.taskCompleted, func(h TaskCompleted) error {
		return h.OnTaskCompleted(ctx, e, t, elapsed)
	})
}

// EmitTaskRetrying notifies TaskRetrying hooks.
func (r *Registry) EmitTaskRetrying(ctx context.Context, e *execution.Execution, failed, next *execution.TaskExecution) {
	emit(r, "OnTaskRetrying", r.taskRetrying, func(h TaskRetrying) error {
		return h.OnTaskRetrying(ctx, e, failed, next)
	})
}

// EmitTaskFailed notifies TaskFailed hooks.
func (r *Registry) EmitTaskFailed(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, taskErr error) {
	emit(r, "OnTaskFailed", r.taskFailed, func(h TaskFailed) error {
		return h.OnTaskFailed(ctx, e, t, taskErr)
	})
}

// EmitTaskSkipped notifies TaskSkipped hooks.
func (r *Registry) EmitTaskSkipped(ctx context.Context, e *execution.Execution, taskRef, reason string) {
	emit(r, "OnTaskSkipped", r.taskSkipped, func(h TaskSkipped) error {
		return h.OnTaskSkipped(ctx, e, taskRef, reason)
	})
}

// EmitTaskDLQ notifies TaskDLQ hooks.
func (r *Registry) EmitTaskDLQ(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, taskErr error) {
	emit(r, "OnTaskDLQ", r.taskDLQ, func(h TaskDLQ) error {
		return h.OnTaskDLQ(ctx, e, t, taskErr)
	})
}

// EmitLeaseExpired notifies LeaseExpired hooks.
func (r *Registry) EmitLeaseExpired(ctx context.Context, qe *queue.Entry) {
	emit(r, "OnLeaseExpired", r.leaseExpired, func(h LeaseExpired) error {
		return h.OnLeaseExpired(ctx, qe)
	})
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error {
		return h.OnShutdown(ctx)
	})
}
