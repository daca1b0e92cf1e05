package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/expr"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/scheduler"
)

// maxCASRetries bounds how often a mutation is replayed after losing a
// revision race.
const maxCASRetries = 32

// effects are the side effects of one mutation. They run only after the
// execution update has committed, in field order.
type effects struct {
	enqueue []*queue.Entry
	remove  []removal
	dlq     []deadLetter
	hooks   []func(ctx context.Context, e *execution.Execution)
}

type removal struct {
	key      queue.Key
	taskType string
	release  bool
}

type deadLetter struct {
	task *execution.TaskExecution
	err  error
}

func (fx *effects) hook(fn func(ctx context.Context, e *execution.Execution)) {
	fx.hooks = append(fx.hooks, fn)
}

// mutateFunc changes e in place and reports whether anything changed.
type mutateFunc func(e *execution.Execution, g *definition.Graph, fx *effects) (bool, error)

// mutate loads the execution, applies fn, and commits under the revision
// check. A conflict reloads and replays fn with fresh effects.
func (eng *Engine) mutate(ctx context.Context, execID id.ExecutionID, fn mutateFunc) (*execution.Execution, error) {
	for attempt := 0; ; attempt++ {
		e, err := eng.store.GetExecution(ctx, execID)
		if err != nil {
			return nil, err
		}
		g, err := eng.graph(ctx, e.DefinitionName, e.DefinitionVersion)
		if err != nil {
			return nil, err
		}
		if e.Context == nil {
			e.Context = execution.NewContext()
		}

		fx := &effects{}
		changed, err := fn(e, g, fx)
		if err != nil {
			return nil, err
		}
		if !changed {
			return e, nil
		}

		e.UpdatedAt = eng.Now()
		err = eng.store.UpdateExecution(ctx, e)
		if err == nil {
			eng.runEffects(ctx, e, fx)
			return e, nil
		}
		if !isConflict(err) || attempt >= maxCASRetries {
			return nil, err
		}
		eng.logger.Debug("execution revision conflict, retrying",
			slog.String("execution_id", execID.String()),
			slog.Int("attempt", attempt+1),
		)
	}
}

// runEffects applies queue changes, dead letters, and hooks for a committed
// mutation. Failures are logged: the execution record is already durable.
// A missing entry for a SCHEDULED attempt is re-enqueued by the next Sweep
// or by Resume at startup.
func (eng *Engine) runEffects(ctx context.Context, e *execution.Execution, fx *effects) {
	for _, qe := range fx.enqueue {
		if err := eng.store.Enqueue(ctx, qe); err != nil {
			eng.logger.Error("failed to enqueue task",
				slog.String("execution_id", e.ID.String()),
				slog.String("task_ref", qe.TaskRef),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, r := range fx.remove {
		if err := eng.store.Remove(ctx, r.key); err != nil {
			eng.logger.Warn("failed to remove queue entry",
				slog.String("entry", r.key.String()),
				slog.String("error", err.Error()),
			)
		}
		if r.release {
			eng.queues.Release(r.taskType)
		}
	}
	for _, d := range fx.dlq {
		if _, err := eng.dlqService.Push(ctx, e, d.task, d.err); err != nil {
			eng.logger.Error("failed to push to dlq",
				slog.String("execution_id", e.ID.String()),
				slog.String("task_ref", d.task.TaskRef),
				slog.String("error", err.Error()),
			)
			continue
		}
		eng.extensions.EmitTaskDLQ(ctx, e, d.task, d.err)
	}
	for _, h := range fx.hooks {
		h(ctx, e)
	}
}

// ──────────────────────────────────────────────────
// Planning
// ──────────────────────────────────────────────────

// advance applies scheduler decisions until none are left, then settles
// the execution if every task is final.
func (eng *Engine) advance(e *execution.Execution, g *definition.Graph, fx *effects, now time.Time) {
	for e.Status == execution.StatusRunning {
		if failed, ok := scheduler.FatalFailure(g, e); ok {
			eng.failExecution(e, fx, failureReason(failed), now)
			return
		}
		decisions := scheduler.Plan(g, e)
		if len(decisions) == 0 {
			break
		}
		for _, d := range decisions {
			eng.apply(e, g, fx, d, now)
		}
	}
	if e.Status == execution.StatusRunning && scheduler.Done(g, e) {
		eng.complete(e, g, fx, now)
	}
}

func (eng *Engine) apply(e *execution.Execution, g *definition.Graph, fx *effects, d scheduler.Decision, now time.Time) {
	td, _ := g.Task(d.TaskRef)

	switch d.Action {
	case scheduler.ActionSchedule:
		t := eng.schedule(e, fx, td, d.Input, 1, now, now)
		fx.hook(func(ctx context.Context, e *execution.Execution) {
			eng.extensions.EmitTaskScheduled(ctx, e, t)
		})

	case scheduler.ActionSkip:
		t := &execution.TaskExecution{
			TaskRef:     td.Ref,
			TaskType:    td.Type,
			Attempt:     1,
			Status:      execution.TaskSkipped,
			Optional:    td.Optional,
			ScheduledAt: now,
			VisibleAt:   now,
			EndedAt:     &now,
		}
		e.Tasks = append(e.Tasks, t)
		reason := d.Reason
		fx.hook(func(ctx context.Context, e *execution.Execution) {
			eng.extensions.EmitTaskSkipped(ctx, e, td.Ref, reason)
		})

	case scheduler.ActionFail:
		kind := orchestra.KindTerminal
		if errors.Is(d.Err, orchestra.ErrUnresolvedReference) {
			kind = orchestra.KindUnresolvedReference
		}
		t := &execution.TaskExecution{
			TaskRef:     td.Ref,
			TaskType:    td.Type,
			Attempt:     1,
			Optional:    td.Optional,
			ScheduledAt: now,
			VisibleAt:   now,
		}
		t.Fail(execution.TaskFailed, kind, d.Reason, now)
		e.Tasks = append(e.Tasks, t)

		cause := d.Err
		if cause == nil {
			cause = errors.New(d.Reason)
		}
		fx.dlq = append(fx.dlq, deadLetter{task: t, err: cause})
		fx.hook(func(ctx context.Context, e *execution.Execution) {
			eng.extensions.EmitTaskFailed(ctx, e, t, cause)
		})
	}
}

// schedule appends a SCHEDULED attempt and queues its entry.
func (eng *Engine) schedule(e *execution.Execution, fx *effects, td definition.TaskDefinition, input map[string]any, attempt int, visibleAt, now time.Time) *execution.TaskExecution {
	t := &execution.TaskExecution{
		TaskRef:     td.Ref,
		TaskType:    td.Type,
		Domain:      domainFor(e, td),
		Attempt:     attempt,
		Status:      execution.TaskScheduled,
		Optional:    td.Optional,
		Input:       input,
		Timeout:     eng.timeoutFor(td),
		ScheduledAt: now,
		VisibleAt:   visibleAt,
	}
	e.Tasks = append(e.Tasks, t)
	fx.enqueue = append(fx.enqueue, entryFor(e, t, now))
	return t
}

func entryFor(e *execution.Execution, t *execution.TaskExecution, now time.Time) *queue.Entry {
	return &queue.Entry{
		TaskType:    t.TaskType,
		Domain:      t.Domain,
		ExecutionID: e.ID,
		TaskRef:     t.TaskRef,
		Attempt:     t.Attempt,
		Priority:    e.Priority,
		VisibleAt:   t.VisibleAt,
		EnqueuedAt:  now,
		ScopeAppID:  e.ScopeAppID,
		ScopeOrgID:  e.ScopeOrgID,
	}
}

// domainFor picks the queue domain of a task: the execution's mapping for
// the task type, then its "*" mapping, then the definition's own domain.
func domainFor(e *execution.Execution, td definition.TaskDefinition) string {
	if d, ok := e.TaskToDomain[td.Type]; ok {
		return d
	}
	if d, ok := e.TaskToDomain["*"]; ok {
		return d
	}
	return td.Domain
}

func (eng *Engine) timeoutFor(td definition.TaskDefinition) time.Duration {
	if d := td.Timeout.Std(); d > 0 {
		return d
	}
	return eng.config.DefaultTaskTimeout
}

func (eng *Engine) strategyFor(td definition.TaskDefinition) backoff.Strategy {
	if td.Retry.Backoff == "" {
		return eng.bo
	}
	return td.Retry.Strategy()
}

// ──────────────────────────────────────────────────
// Failure and completion
// ──────────────────────────────────────────────────

// failAttempt records a failed or timed out attempt, then either schedules
// the next attempt or fails the task for good.
func (eng *Engine) failAttempt(e *execution.Execution, g *definition.Graph, fx *effects, t *execution.TaskExecution, status execution.TaskStatus, kind orchestra.ErrorKind, cause error, now time.Time) {
	t.Fail(status, kind, cause.Error(), now)

	td, _ := g.Task(t.TaskRef)
	if e.Status != execution.StatusRunning {
		return
	}

	if kind.Retryable() && t.Attempt < td.Retry.Attempts() {
		delay := eng.strategyFor(td).Delay(t.Attempt)
		next := eng.schedule(e, fx, td, t.Input, t.Attempt+1, now.Add(delay), now)
		fx.hook(func(ctx context.Context, e *execution.Execution) {
			eng.extensions.EmitTaskRetrying(ctx, e, t, next)
		})
		eng.logger.Debug("task retry scheduled",
			slog.String("execution_id", e.ID.String()),
			slog.String("task_ref", t.TaskRef),
			slog.Int("attempt", next.Attempt),
			slog.Duration("delay", delay),
		)
		return
	}

	final := cause
	if kind.Retryable() {
		final = &orchestra.RetryBudgetExhaustedError{TaskRef: t.TaskRef, Attempts: t.Attempt, Last: cause}
		t.Error = &execution.TaskError{Kind: orchestra.KindRetryBudgetExhausted, Message: final.Error()}
	}
	fx.dlq = append(fx.dlq, deadLetter{task: t, err: final})
	fx.hook(func(ctx context.Context, e *execution.Execution) {
		eng.extensions.EmitTaskFailed(ctx, e, t, final)
	})
}

// failExecution cancels pending attempts and moves e to FAILED. IN_PROGRESS
// attempts keep their lease and may still report.
func (eng *Engine) failExecution(e *execution.Execution, fx *effects, reason string, now time.Time) {
	eng.cancelScheduled(e, fx, now)
	e.Finish(execution.StatusFailed, reason, now)
	fx.hook(func(ctx context.Context, e *execution.Execution) {
		eng.extensions.EmitExecutionFailed(ctx, e, reason)
	})
	eng.logger.Info("execution failed",
		slog.String("execution_id", e.ID.String()),
		slog.String("reason", reason),
	)
}

func (eng *Engine) complete(e *execution.Execution, g *definition.Graph, fx *effects, now time.Time) {
	if tmpl := g.Definition().Output; len(tmpl) > 0 {
		out, err := expr.ResolveMap(tmpl, e.Scope())
		if err != nil {
			eng.failExecution(e, fx, fmt.Sprintf("resolve output: %v", err), now)
			return
		}
		e.Output = out
	}
	e.Finish(execution.StatusCompleted, "", now)
	elapsed := now.Sub(e.CreatedAt)
	fx.hook(func(ctx context.Context, e *execution.Execution) {
		eng.extensions.EmitExecutionCompleted(ctx, e, elapsed)
	})
	eng.logger.Info("execution completed",
		slog.String("execution_id", e.ID.String()),
		slog.Duration("elapsed", elapsed),
	)
}

func (eng *Engine) cancelScheduled(e *execution.Execution, fx *effects, now time.Time) {
	for _, t := range e.Tasks {
		if t.Status != execution.TaskScheduled {
			continue
		}
		t.Status = execution.TaskCancelled
		t.EndedAt = &now
		fx.remove = append(fx.remove, removal{
			key:      queue.Key{ExecutionID: e.ID, TaskRef: t.TaskRef, Attempt: t.Attempt},
			taskType: t.TaskType,
		})
	}
}

func failureReason(t *execution.TaskExecution) string {
	if t.Error == nil {
		return fmt.Sprintf("task %s %s", t.TaskRef, t.Status)
	}
	return fmt.Sprintf("task %s failed: %s", t.TaskRef, t.Error.Message)
}
