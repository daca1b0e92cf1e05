package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionExecutionStarted    = "execution.started"
	ActionExecutionCompleted  = "execution.completed"
	ActionExecutionFailed     = "execution.failed"
	ActionExecutionTerminated = "execution.terminated"
	ActionTaskRetrying        = "task.retrying"
	ActionTaskFailed          = "task.failed"
	ActionTaskSkipped         = "task.skipped"
	ActionTaskDLQ             = "task.dlq"
	ActionLeaseExpired        = "lease.expired"
)

// Audit event categories group related actions.
const (
	CategoryExecution = "orchestra.execution"
	CategoryTask      = "orchestra.task"
	CategoryQueue     = "orchestra.queue"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceExecution = "execution"
	ResourceTask      = "task_execution"
	ResourceLease     = "queue_lease"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionExecutionStarted,
		ActionExecutionCompleted,
		ActionExecutionFailed,
		ActionExecutionTerminated,
		ActionTaskRetrying,
		ActionTaskFailed,
		ActionTaskSkipped,
		ActionTaskDLQ,
		ActionLeaseExpired,
	}
}
