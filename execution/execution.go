// Package execution models live workflow instances: their status, input,
// accumulated output context, and one record per task attempt.
package execution

import (
	"encoding/json"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/expr"
	"github.com/xraph/orchestra/id"
)

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s != StatusRunning }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of one task attempt.
type TaskStatus string

const (
	TaskScheduled  TaskStatus = "SCHEDULED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskTimedOut   TaskStatus = "TIMED_OUT"
	TaskSkipped    TaskStatus = "SKIPPED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the attempt has finished.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskScheduled, TaskInProgress:
		return false
	default:
		return true
	}
}

// CanTransition reports whether an attempt may move from s to next.
// Attempts only move forward: SCHEDULED -> IN_PROGRESS -> terminal, with
// SCHEDULED allowed to jump straight to a terminal state.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskScheduled:
		return next != TaskScheduled
	case TaskInProgress:
		return next.Terminal()
	default:
		return false
	}
}

// TaskError is the failure recorded on an attempt.
type TaskError struct {
	Kind    orchestra.ErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// TaskExecution is one attempt of one task.
type TaskExecution struct {
	TaskRef     string         `json:"taskRefName"`
	TaskType    string         `json:"taskType"`
	Domain      string         `json:"domain,omitempty"`
	Attempt     int            `json:"attempt"`
	Status      TaskStatus     `json:"status"`
	Optional    bool           `json:"optional,omitempty"`
	Input       map[string]any `json:"resolvedInput,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *TaskError     `json:"error,omitempty"`
	LeaseOwner  string         `json:"leaseOwnerId,omitempty"`
	LeaseExpiry *time.Time     `json:"leaseExpiry,omitempty"`
	// Timeout bounds the attempt once it is IN_PROGRESS. Zero means the
	// engine default applies.
	Timeout     time.Duration `json:"timeout,omitempty"`
	ScheduledAt time.Time     `json:"scheduledAt"`
	// VisibleAt is when the attempt becomes pollable. Retries are delayed
	// by their backoff.
	VisibleAt  time.Time  `json:"visibleAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Heartbeats int        `json:"heartbeats,omitempty"`
}

// Fail moves the attempt to a failed terminal status.
func (t *TaskExecution) Fail(status TaskStatus, kind orchestra.ErrorKind, msg string, now time.Time) {
	t.Status = status
	t.Error = &TaskError{Kind: kind, Message: msg}
	t.LeaseExpiry = nil
	t.EndedAt = &now
}

// Execution is a live instance of a pinned definition version.
type Execution struct {
	ID                id.ExecutionID    `json:"executionId"`
	DefinitionName    string            `json:"definitionName"`
	DefinitionVersion int               `json:"definitionVersion"`
	Status            Status            `json:"status"`
	Reason            string            `json:"reason,omitempty"`
	Input             map[string]any    `json:"inputPayload"`
	Context           *Context          `json:"context"`
	Tasks             []*TaskExecution  `json:"taskExecutions"`
	Output            map[string]any    `json:"output,omitempty"`
	Priority          int               `json:"priority,omitempty"`
	CorrelationID     string            `json:"correlationId,omitempty"`
	TaskToDomain      map[string]string `json:"taskToDomain,omitempty"`
	ScopeAppID        string            `json:"scopeAppId,omitempty"`
	ScopeOrgID        string            `json:"scopeOrgId,omitempty"`

	// Revision is the optimistic concurrency token. Stores reject an
	// update whose Revision does not match the stored one.
	Revision  int64      `json:"revision"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Attempts returns every attempt of ref in creation order.
func (e *Execution) Attempts(ref string) []*TaskExecution {
	var out []*TaskExecution
	for _, t := range e.Tasks {
		if t.TaskRef == ref {
			out = append(out, t)
		}
	}
	return out
}

// Latest returns the most recent attempt of ref, or nil.
func (e *Execution) Latest(ref string) *TaskExecution {
	for i := len(e.Tasks) - 1; i >= 0; i-- {
		if e.Tasks[i].TaskRef == ref {
			return e.Tasks[i]
		}
	}
	return nil
}

// Task returns the given attempt of ref, or nil.
func (e *Execution) Task(ref string, attempt int) *TaskExecution {
	for _, t := range e.Tasks {
		if t.TaskRef == ref && t.Attempt == attempt {
			return t
		}
	}
	return nil
}

// Scope exposes the input and context to the resolver.
func (e *Execution) Scope() expr.Scope {
	var outputs expr.Outputs = expr.MapOutputs(nil)
	if e.Context != nil {
		outputs = e.Context
	}
	return expr.Scope{Input: e.Input, Outputs: outputs}
}

// Finish moves the execution to a terminal status.
func (e *Execution) Finish(status Status, reason string, now time.Time) {
	e.Status = status
	e.Reason = reason
	e.EndedAt = &now
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely before a CAS update.
func (e *Execution) Clone() *Execution {
	data, err := json.Marshal(e)
	if err != nil {
		cp := *e
		return &cp
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *e
		return &cp
	}
	return &out
}

// ListOpts filters ListExecutions.
type ListOpts struct {
	Status         Status
	DefinitionName string
	Limit          int
	Offset         int
}
