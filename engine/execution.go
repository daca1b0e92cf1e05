package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/expr"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/scope"
)

// StartRequest asks for a new execution of a registered definition.
type StartRequest struct {
	DefinitionName string
	// Version pins the definition version. Zero means the latest.
	Version int
	Input   any
	// Priority orders this execution's tasks in the queue; higher first.
	Priority      int
	CorrelationID string
	// TaskToDomain overrides task domains by task type. The key "*"
	// applies to every type without its own entry.
	TaskToDomain map[string]string
}

// StartExecution creates a RUNNING execution, schedules its root tasks,
// and returns the stored record. The tenant scope is taken from ctx.
func (eng *Engine) StartExecution(ctx context.Context, req StartRequest) (*execution.Execution, error) {
	ctx, span := eng.tracer.Start(ctx, "orchestra.start_execution",
		trace.WithAttributes(attribute.String("orchestra.definition", req.DefinitionName)),
	)
	defer span.End()

	e, err := eng.startExecution(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("orchestra.execution_id", e.ID.String()))
	return e, nil
}

func (eng *Engine) startExecution(ctx context.Context, req StartRequest) (*execution.Execution, error) {
	d, err := eng.store.GetDefinition(ctx, req.DefinitionName, req.Version)
	if err != nil {
		return nil, err
	}
	g, err := eng.graph(ctx, d.Name, d.Version)
	if err != nil {
		return nil, err
	}

	input := map[string]any{}
	if req.Input != nil {
		input, err = expr.NormalizeObject(req.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orchestra.ErrInvalidInput, err)
		}
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	appID, orgID := scope.Capture(ctx)
	now := eng.Now()

	e := &execution.Execution{
		ID:                id.NewExecutionID(),
		DefinitionName:    d.Name,
		DefinitionVersion: d.Version,
		Status:            execution.StatusRunning,
		Input:             input,
		Context:           execution.NewContext(),
		Priority:          req.Priority,
		CorrelationID:     correlationID,
		TaskToDomain:      req.TaskToDomain,
		ScopeAppID:        appID,
		ScopeOrgID:        orgID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	fx := &effects{}
	fx.hook(func(ctx context.Context, e *execution.Execution) {
		eng.extensions.EmitExecutionStarted(ctx, e)
	})
	eng.advance(e, g, fx, now)

	if err := eng.store.CreateExecution(ctx, e); err != nil {
		return nil, err
	}
	eng.runEffects(ctx, e, fx)

	eng.logger.Info("execution started",
		slog.String("execution_id", e.ID.String()),
		slog.String("definition", d.Key()),
		slog.String("correlation_id", correlationID),
	)
	return e, nil
}

// GetExecution returns the stored execution.
func (eng *Engine) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	return eng.store.GetExecution(ctx, execID)
}

// ListExecutions returns executions matching opts, newest first.
func (eng *Engine) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	return eng.store.ListExecutions(ctx, opts)
}

// Terminate stops a RUNNING execution. Scheduled attempts are cancelled
// and their queue entries removed; attempts already in progress may still
// report, but nothing new is scheduled.
func (eng *Engine) Terminate(ctx context.Context, execID id.ExecutionID, reason string) (*execution.Execution, error) {
	if reason == "" {
		reason = "terminated"
	}
	return eng.mutate(ctx, execID, func(e *execution.Execution, _ *definition.Graph, fx *effects) (bool, error) {
		if e.Status.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", orchestra.ErrExecutionTerminal, e.ID, e.Status)
		}
		now := eng.Now()
		eng.cancelScheduled(e, fx, now)
		e.Finish(execution.StatusTerminated, reason, now)
		fx.hook(func(ctx context.Context, e *execution.Execution) {
			eng.extensions.EmitExecutionTerminated(ctx, e, reason)
		})
		eng.logger.Info("execution terminated",
			slog.String("execution_id", e.ID.String()),
			slog.String("reason", reason),
		)
		return true, nil
	})
}

// resumePageSize is how many RUNNING executions Resume loads per page.
const resumePageSize = 100

// Resume re-enqueues every SCHEDULED attempt of every RUNNING execution.
// Enqueue ignores keys that are already present, so calling it after a
// clean shutdown is harmless.
func (eng *Engine) Resume(ctx context.Context) error {
	var resumed int
	err := eng.eachRunning(ctx, func(e *execution.Execution) error {
		for _, t := range e.Tasks {
			if t.Status != execution.TaskScheduled {
				continue
			}
			if err := eng.store.Enqueue(ctx, entryFor(e, t, t.ScheduledAt)); err != nil {
				return fmt.Errorf("resume %s/%s: %w", e.ID, t.TaskRef, err)
			}
			resumed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	eng.logger.Info("executions resumed", slog.Int("attempts", resumed))
	return nil
}

// eachRunning visits every RUNNING execution, one page at a time.
func (eng *Engine) eachRunning(ctx context.Context, fn func(e *execution.Execution) error) error {
	return eng.eachExecution(ctx, execution.StatusRunning, fn)
}

// eachExecution visits every execution in status, one page at a time.
func (eng *Engine) eachExecution(ctx context.Context, status execution.Status, fn func(e *execution.Execution) error) error {
	seen := make(map[string]bool)
	for offset := 0; ; offset += resumePageSize {
		page, err := eng.store.ListExecutions(ctx, execution.ListOpts{
			Status: status,
			Limit:  resumePageSize,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for _, e := range page {
			if seen[e.ID.String()] {
				continue
			}
			seen[e.ID.String()] = true
			if err := fn(e); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				eng.logger.Warn("execution visit failed",
					slog.String("execution_id", e.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
		if len(page) < resumePageSize {
			return nil
		}
	}
}
