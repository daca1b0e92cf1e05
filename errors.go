package orchestra

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("orchestra: no store configured")
	ErrStoreClosed     = errors.New("orchestra: store closed")
	ErrMigrationFailed = errors.New("orchestra: migration failed")

	// Not found errors.
	ErrDefinitionNotFound = errors.New("orchestra: workflow definition not found")
	ErrExecutionNotFound  = errors.New("orchestra: execution not found")
	ErrTaskNotFound       = errors.New("orchestra: task execution not found")
	ErrEntryNotFound      = errors.New("orchestra: queue entry not found")
	ErrDLQNotFound        = errors.New("orchestra: dlq entry not found")

	// Conflict errors.
	ErrDefinitionExists = errors.New("orchestra: workflow definition already exists")
	ErrExecutionExists  = errors.New("orchestra: execution already exists")
	ErrRevisionConflict = errors.New("orchestra: execution revision conflict")
	ErrContextKeyExists = errors.New("orchestra: context key already written")

	// State errors.
	ErrInvalidState      = errors.New("orchestra: invalid state transition")
	ErrExecutionTerminal = errors.New("orchestra: execution already in a terminal state")
	ErrInvalidDefinition = errors.New("orchestra: invalid workflow definition")
	ErrInvalidInput      = errors.New("orchestra: invalid execution input")
	ErrInvalidRequest    = errors.New("orchestra: invalid request")

	// Taxonomy sentinels. The typed errors below match these via errors.Is.
	ErrUnresolvedReference  = errors.New("orchestra: unresolved reference")
	ErrLeaseExpired         = errors.New("orchestra: lease expired")
	ErrInvalidOutput        = errors.New("orchestra: invalid task output")
	ErrTaskTimeout          = errors.New("orchestra: task timed out")
	ErrCyclicDefinition     = errors.New("orchestra: workflow definition contains a cycle")
	ErrRetryBudgetExhausted = errors.New("orchestra: retry budget exhausted")
)

// ErrorKind classifies a task failure. It is persisted on task attempts and
// decides whether the engine retries.
type ErrorKind string

const (
	KindFailed               ErrorKind = "FAILED"
	KindTerminal             ErrorKind = "FAILED_WITH_TERMINAL_ERROR"
	KindUnresolvedReference  ErrorKind = "UNRESOLVED_REFERENCE"
	KindInvalidOutput        ErrorKind = "INVALID_OUTPUT"
	KindTaskTimeout          ErrorKind = "TASK_TIMEOUT"
	KindRetryBudgetExhausted ErrorKind = "RETRY_BUDGET_EXHAUSTED"
)

// Retryable reports whether a failure of this kind may be retried under the
// task's retry policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindFailed, KindInvalidOutput, KindTaskTimeout:
		return true
	default:
		return false
	}
}

// UnresolvedReferenceError is returned when a ${...} expression points at a
// scope or path that does not exist in the execution.
type UnresolvedReferenceError struct {
	Expression string
	Segment    string
	Reason     string
}

func (e *UnresolvedReferenceError) Error() string {
	msg := fmt.Sprintf("orchestra: unresolved reference %s", e.Expression)
	if e.Segment != "" {
		msg += fmt.Sprintf(" at %q", e.Segment)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnresolvedReferenceError) Is(target error) bool { return target == ErrUnresolvedReference }

// LeaseExpiredError is returned when a worker acts on a lease it no longer
// holds.
type LeaseExpiredError struct {
	ExecutionID string
	TaskRef     string
	Attempt     int
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("orchestra: lease expired for %s/%s attempt %d", e.ExecutionID, e.TaskRef, e.Attempt)
}

func (e *LeaseExpiredError) Is(target error) bool { return target == ErrLeaseExpired }

// InvalidOutputError is returned when a worker reports a COMPLETED task with a
// payload that is not a structured object.
type InvalidOutputError struct {
	TaskRef string
	Reason  string
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("orchestra: invalid output for task %s: %s", e.TaskRef, e.Reason)
}

func (e *InvalidOutputError) Is(target error) bool { return target == ErrInvalidOutput }

// TaskTimeoutError records that an attempt ran past its timeout without a
// report.
type TaskTimeoutError struct {
	TaskRef string
	Attempt int
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("orchestra: task %s attempt %d timed out after %s", e.TaskRef, e.Attempt, e.Timeout)
}

func (e *TaskTimeoutError) Is(target error) bool { return target == ErrTaskTimeout }

// CyclicDefinitionError rejects a definition whose edges form a cycle. Path
// lists the refs of one cycle, starting and ending at the same ref.
type CyclicDefinitionError struct {
	Definition string
	Path       []string
}

func (e *CyclicDefinitionError) Error() string {
	return fmt.Sprintf("orchestra: definition %s contains a cycle: %s", e.Definition, strings.Join(e.Path, " -> "))
}

func (e *CyclicDefinitionError) Is(target error) bool {
	return target == ErrCyclicDefinition || target == ErrInvalidDefinition
}

// RetryBudgetExhaustedError is the terminal failure of a task that used up
// all of its attempts.
type RetryBudgetExhaustedError struct {
	TaskRef  string
	Attempts int
	Last     error
}

func (e *RetryBudgetExhaustedError) Error() string {
	msg := fmt.Sprintf("orchestra: task %s exhausted %d attempt(s)", e.TaskRef, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *RetryBudgetExhaustedError) Is(target error) bool { return target == ErrRetryBudgetExhausted }

func (e *RetryBudgetExhaustedError) Unwrap() error { return e.Last }
