package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/queue"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.ExecutionStarted    = (*Extension)(nil)
	_ ext.ExecutionCompleted  = (*Extension)(nil)
	_ ext.ExecutionFailed     = (*Extension)(nil)
	_ ext.ExecutionTerminated = (*Extension)(nil)
	_ ext.TaskRetrying        = (*Extension)(nil)
	_ ext.TaskFailed          = (*Extension)(nil)
	_ ext.TaskSkipped         = (*Extension)(nil)
	_ ext.TaskDLQ             = (*Extension)(nil)
	_ ext.LeaseExpired        = (*Extension)(nil)
)

// Recorder is implemented by audit backends.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	ScopeAppID string         `json:"scope_app_id,omitempty"`
	ScopeOrgID string         `json:"scope_org_id,omitempty"`
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension turns lifecycle hooks into audit events.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Execution lifecycle hooks ───────────────────────

func (e *Extension) OnExecutionStarted(ctx context.Context, ex *execution.Execution) error {
	return e.record(ctx, event{
		action: ActionExecutionStarted, severity: SeverityInfo, outcome: OutcomeSuccess,
		resource: ResourceExecution, category: CategoryExecution, exec: ex,
	},
		"correlation_id", ex.CorrelationID,
		"priority", ex.Priority,
	)
}

func (e *Extension) OnExecutionCompleted(ctx context.Context, ex *execution.Execution, elapsed time.Duration) error {
	return e.record(ctx, event{
		action: ActionExecutionCompleted, severity: SeverityInfo, outcome: OutcomeSuccess,
		resource: ResourceExecution, category: CategoryExecution, exec: ex,
	},
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnExecutionFailed(ctx context.Context, ex *execution.Execution, reason string) error {
	return e.record(ctx, event{
		action: ActionExecutionFailed, severity: SeverityCritical, outcome: OutcomeFailure,
		resource: ResourceExecution, category: CategoryExecution, exec: ex, reason: reason,
	})
}

func (e *Extension) OnExecutionTerminated(ctx context.Context, ex *execution.Execution, reason string) error {
	return e.record(ctx, event{
		action: ActionExecutionTerminated, severity: SeverityWarning, outcome: OutcomeFailure,
		resource: ResourceExecution, category: CategoryExecution, exec: ex, reason: reason,
	})
}

// ── Task lifecycle hooks ────────────────────────────

func (e *Extension) OnTaskRetrying(ctx context.Context, ex *execution.Execution, failed, next *execution.TaskExecution) error {
	return e.record(ctx, event{
		action: ActionTaskRetrying, severity: SeverityWarning, outcome: OutcomeFailure,
		resource: ResourceTask, category: CategoryTask, exec: ex, task: failed,
		reason: taskReason(failed),
	},
		"next_attempt", next.Attempt,
		"visible_at", next.VisibleAt.Format(time.RFC3339),
	)
}

func (e *Extension) OnTaskFailed(ctx context.Context, ex *execution.Execution, t *execution.TaskExecution, taskErr error) error {
	return e.record(ctx, event{
		action: ActionTaskFailed, severity: SeverityCritical, outcome: OutcomeFailure,
		resource: ResourceTask, category: CategoryTask, exec: ex, task: t, err: taskErr,
	})
}

func (e *Extension) OnTaskSkipped(ctx context.Context, ex *execution.Execution, taskRef, reason string) error {
	return e.record(ctx, event{
		action: ActionTaskSkipped, severity: SeverityWarning, outcome: OutcomeSuccess,
		resource: ResourceTask, category: CategoryTask, exec: ex, reason: reason,
		resourceID: ex.ID.String() + "/" + taskRef,
	},
		"task_ref", taskRef,
	)
}

func (e *Extension) OnTaskDLQ(ctx context.Context, ex *execution.Execution, t *execution.TaskExecution, taskErr error) error {
	return e.record(ctx, event{
		action: ActionTaskDLQ, severity: SeverityCritical, outcome: OutcomeFailure,
		resource: ResourceTask, category: CategoryTask, exec: ex, task: t, err: taskErr,
	})
}

// ── Queue hooks ─────────────────────────────────────

func (e *Extension) OnLeaseExpired(ctx context.Context, qe *queue.Entry) error {
	return e.record(ctx, event{
		action: ActionLeaseExpired, severity: SeverityWarning, outcome: OutcomeFailure,
		resource: ResourceLease, category: CategoryQueue,
		resourceID: qe.Key().String(),
		scopeApp:   qe.ScopeAppID, scopeOrg: qe.ScopeOrgID,
	},
		"execution_id", qe.ExecutionID.String(),
		"task_ref", qe.TaskRef,
		"task_type", qe.TaskType,
		"attempt", qe.Attempt,
		"lease_owner", qe.LeaseOwner,
	)
}

// ── Internal helpers ────────────────────────────────

type event struct {
	action, severity, outcome string
	resource, category        string
	resourceID                string
	reason                    string
	err                       error
	exec                      *execution.Execution
	task                      *execution.TaskExecution
	scopeApp, scopeOrg        string
}

func taskReason(t *execution.TaskExecution) string {
	if t == nil || t.Error == nil {
		return ""
	}
	return string(t.Error.Kind) + ": " + t.Error.Message
}

// record sends ev if its action is enabled. kvPairs are added to the
// metadata. Recorder failures are logged and never fail the hook.
func (e *Extension) record(ctx context.Context, ev event, kvPairs ...any) error {
	if e.enabled != nil && !e.enabled[ev.action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+4)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	if ex := ev.exec; ex != nil {
		meta["definition_name"] = ex.DefinitionName
		meta["definition_version"] = ex.DefinitionVersion
		if ev.resourceID == "" {
			ev.resourceID = ex.ID.String()
		}
		ev.scopeApp, ev.scopeOrg = ex.ScopeAppID, ex.ScopeOrgID
	}
	if t := ev.task; t != nil {
		meta["task_ref"] = t.TaskRef
		meta["task_type"] = t.TaskType
		meta["attempt"] = t.Attempt
		if ev.exec != nil {
			ev.resourceID = fmt.Sprintf("%s/%s/%d", ev.exec.ID, t.TaskRef, t.Attempt)
		}
	}

	reason := ev.reason
	if ev.err != nil {
		reason = ev.err.Error()
		meta["error"] = reason
	}

	evt := &AuditEvent{
		Action:     ev.action,
		Resource:   ev.resource,
		Category:   ev.category,
		ResourceID: ev.resourceID,
		Metadata:   meta,
		Outcome:    ev.outcome,
		Severity:   ev.severity,
		Reason:     reason,
		ScopeAppID: ev.scopeApp,
		ScopeOrgID: ev.scopeOrg,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", ev.action),
			slog.String("resource_id", ev.resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
