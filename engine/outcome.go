package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// Outcome is the result of one task attempt.
type Outcome struct {
	ExecutionID id.ExecutionID
	TaskRef     string
	Attempt     int
	// Status is COMPLETED, FAILED or TIMED_OUT.
	Status execution.TaskStatus
	Output map[string]any
	// ErrorKind classifies a failure. Empty means FAILED, or TASK_TIMEOUT
	// for a TIMED_OUT outcome.
	ErrorKind orchestra.ErrorKind
	Error     string
}

// HandleOutcome applies a finished attempt to its execution. A completed
// attempt writes its output to the context; a failed one is retried while
// its policy allows and dead-lettered otherwise. Reporting on an attempt
// that is already final is a no-op.
func (eng *Engine) HandleOutcome(ctx context.Context, out Outcome) (*execution.Execution, error) {
	ctx, span := eng.tracer.Start(ctx, "orchestra.handle_outcome",
		trace.WithAttributes(
			attribute.String("orchestra.execution_id", out.ExecutionID.String()),
			attribute.String("orchestra.task_ref", out.TaskRef),
			attribute.Int("orchestra.attempt", out.Attempt),
			attribute.String("orchestra.status", string(out.Status)),
		),
	)
	defer span.End()

	e, err := eng.mutate(ctx, out.ExecutionID, func(e *execution.Execution, g *definition.Graph, fx *effects) (bool, error) {
		t := e.Task(out.TaskRef, out.Attempt)
		if t == nil {
			return false, taskNotFound(out.ExecutionID, out.TaskRef, out.Attempt)
		}
		if t.Status.Terminal() {
			return false, nil
		}
		now := eng.Now()

		switch out.Status {
		case execution.TaskCompleted:
			output := out.Output
			if output == nil {
				output = map[string]any{}
			}
			if err := e.Context.Set(t.TaskRef, output); err != nil {
				return false, err
			}
			t.Status = execution.TaskCompleted
			t.Output = output
			t.LeaseExpiry = nil
			t.EndedAt = &now
			elapsed := now.Sub(startOf(t))
			fx.hook(func(ctx context.Context, e *execution.Execution) {
				eng.extensions.EmitTaskCompleted(ctx, e, t, elapsed)
			})

		case execution.TaskFailed, execution.TaskTimedOut:
			kind := out.ErrorKind
			if kind == "" {
				kind = orchestra.KindFailed
				if out.Status == execution.TaskTimedOut {
					kind = orchestra.KindTaskTimeout
				}
			}
			eng.failAttempt(e, g, fx, t, out.Status, kind, outcomeError(t, kind, out.Error), now)

		default:
			return false, fmt.Errorf("%w: outcome status %q", orchestra.ErrInvalidState, out.Status)
		}

		if e.Status == execution.StatusRunning {
			eng.advance(e, g, fx, now)
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return e, nil
}

// MarkStarted records that a worker leased an attempt. A SCHEDULED attempt
// moves to IN_PROGRESS; a redelivered IN_PROGRESS attempt takes the new
// lease. It returns the attempt as stored.
func (eng *Engine) MarkStarted(ctx context.Context, key queue.Key, owner string, expiry time.Time) (*execution.Execution, *execution.TaskExecution, error) {
	e, err := eng.mutate(ctx, key.ExecutionID, func(e *execution.Execution, _ *definition.Graph, fx *effects) (bool, error) {
		if e.Status.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", orchestra.ErrExecutionTerminal, e.ID, e.Status)
		}
		t := e.Task(key.TaskRef, key.Attempt)
		if t == nil {
			return false, taskNotFound(key.ExecutionID, key.TaskRef, key.Attempt)
		}

		exp := expiry.UTC()
		switch t.Status {
		case execution.TaskScheduled:
			now := eng.Now()
			t.Status = execution.TaskInProgress
			t.StartedAt = &now
			fx.hook(func(ctx context.Context, e *execution.Execution) {
				eng.extensions.EmitTaskStarted(ctx, e, t)
			})
		case execution.TaskInProgress:
		default:
			return false, fmt.Errorf("%w: %s attempt %d is %s", orchestra.ErrInvalidState, t.TaskRef, t.Attempt, t.Status)
		}
		t.LeaseOwner = owner
		t.LeaseExpiry = &exp
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e.Task(key.TaskRef, key.Attempt), nil
}

// RecordHeartbeat stores the extended lease expiry of an IN_PROGRESS
// attempt.
func (eng *Engine) RecordHeartbeat(ctx context.Context, key queue.Key, expiry time.Time) error {
	_, err := eng.mutate(ctx, key.ExecutionID, func(e *execution.Execution, _ *definition.Graph, _ *effects) (bool, error) {
		t := e.Task(key.TaskRef, key.Attempt)
		if t == nil {
			return false, taskNotFound(key.ExecutionID, key.TaskRef, key.Attempt)
		}
		if t.Status != execution.TaskInProgress {
			return false, fmt.Errorf("%w: %s attempt %d is %s", orchestra.ErrInvalidState, t.TaskRef, t.Attempt, t.Status)
		}
		exp := expiry.UTC()
		t.LeaseExpiry = &exp
		t.Heartbeats++
		return true, nil
	})
	return err
}

// timeOut fails an IN_PROGRESS attempt that ran past its timeout. On a
// stopped execution the attempt is closed as TIMED_OUT once its timeout or
// lease has passed, without a retry.
func (eng *Engine) timeOut(ctx context.Context, key queue.Key) error {
	_, err := eng.mutate(ctx, key.ExecutionID, func(e *execution.Execution, g *definition.Graph, fx *effects) (bool, error) {
		t := e.Task(key.TaskRef, key.Attempt)
		if t == nil || t.Status != execution.TaskInProgress {
			return false, nil
		}
		now := eng.Now()
		cause := &orchestra.TaskTimeoutError{TaskRef: t.TaskRef, Attempt: t.Attempt, Timeout: t.Timeout}
		leased := t.LeaseExpiry != nil && t.LeaseExpiry.After(now)

		if e.Status != execution.StatusRunning {
			if !stranded(t, now) {
				return false, nil
			}
			fx.remove = append(fx.remove, removal{key: key, taskType: t.TaskType, release: leased})
			t.Fail(execution.TaskTimedOut, orchestra.KindTaskTimeout, cause.Error(), now)
			return true, nil
		}
		if !expired(t, now) {
			return false, nil
		}

		fx.remove = append(fx.remove, removal{key: key, taskType: t.TaskType, release: leased})
		eng.failAttempt(e, g, fx, t, execution.TaskTimedOut, orchestra.KindTaskTimeout, cause, now)
		eng.advance(e, g, fx, now)
		return true, nil
	})
	return err
}

// expired reports whether an IN_PROGRESS attempt has run past its timeout.
func expired(t *execution.TaskExecution, now time.Time) bool {
	if t.Timeout <= 0 || t.StartedAt == nil {
		return false
	}
	return !now.Before(t.StartedAt.Add(t.Timeout))
}

func startOf(t *execution.TaskExecution) time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.ScheduledAt
}

func outcomeError(t *execution.TaskExecution, kind orchestra.ErrorKind, msg string) error {
	if msg == "" {
		msg = string(kind)
	}
	switch kind {
	case orchestra.KindInvalidOutput:
		return &orchestra.InvalidOutputError{TaskRef: t.TaskRef, Reason: msg}
	case orchestra.KindTaskTimeout:
		return &orchestra.TaskTimeoutError{TaskRef: t.TaskRef, Attempt: t.Attempt, Timeout: t.Timeout}
	default:
		return errors.New(msg)
	}
}

func taskNotFound(execID id.ExecutionID, ref string, attempt int) error {
	return fmt.Errorf("%w: %s/%s attempt %d", orchestra.ErrTaskNotFound, execID, ref, attempt)
}
