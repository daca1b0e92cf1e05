// Package ext defines the extension system for Orchestra.
//
// Extensions observe execution and task lifecycle events, for metrics,
// audit trails, or notifications. Each event is its own interface, so an
// extension implements only the hooks it cares about:
//
//	type slowTasks struct{ threshold time.Duration }
//
//	func (s *slowTasks) Name() string { return "slow-tasks" }
//
//	func (s *slowTasks) OnTaskCompleted(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, elapsed time.Duration) error {
//	    if elapsed > s.threshold {
//	        slog.WarnContext(ctx, "slow task", slog.String("task", t.TaskRef))
//	    }
//	    return nil
//	}
//
// # Execution hooks
//
//   - [ExecutionStarted], [ExecutionCompleted], [ExecutionFailed],
//     [ExecutionTerminated]
//
// # Task hooks
//
//   - [TaskScheduled]: an attempt was created and enqueued
//   - [TaskStarted]: a worker leased the attempt
//   - [TaskCompleted]: the attempt reported success
//   - [TaskRetrying]: the attempt failed and another one was scheduled
//   - [TaskFailed]: the task failed for good
//   - [TaskSkipped]: no inbound edge was active
//   - [TaskDLQ]: the failed attempt was written to the dead letter queue
//   - [LeaseExpired]: a lease lapsed and the attempt was made visible again
//
// Hooks run after the state change has been committed. Their errors are
// logged by the [Registry] and never affect the execution.
package ext
