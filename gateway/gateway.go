// Package gateway is the worker-facing side of the engine. Workers poll
// for leased task attempts, heartbeat while they run, and report results.
// The gateway enforces poll limits, keeps the queue lease and the
// execution record in step, and turns malformed results into task
// failures.
//
// The api package serves the gateway over HTTP; worker pools running in
// the same process can use it directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/expr"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/scope"
)

// PollRequest asks for up to Count attempts of one task type.
type PollRequest struct {
	TaskType string
	// Domain must match the attempt's domain exactly; empty matches only
	// attempts without a domain.
	Domain string
	// Count defaults to 1 and is capped by Config.MaxPollCount.
	Count int
	// LeaseDuration defaults to Config.DefaultLease and is capped by
	// Config.MaxLease.
	LeaseDuration time.Duration
	WorkerID      string
}

// Task is a leased attempt handed to a worker.
type Task struct {
	// TaskID is the lease token. It must accompany every heartbeat and
	// report for this attempt.
	TaskID      string         `json:"taskId"`
	ExecutionID id.ExecutionID `json:"executionId"`
	TaskRef     string         `json:"taskRefName"`
	TaskType    string         `json:"taskType"`
	Domain      string         `json:"domain,omitempty"`
	Attempt     int            `json:"attempt"`
	Input       map[string]any `json:"input"`
	LeaseExpiry time.Time      `json:"leaseExpiry"`
	// Timeout bounds the attempt from when it was first leased.
	Timeout    time.Duration `json:"timeout,omitempty"`
	ScopeAppID string        `json:"scopeAppId,omitempty"`
	ScopeOrgID string        `json:"scopeOrgId,omitempty"`
}

// Key returns the queue key of the attempt.
func (t *Task) Key() queue.Key {
	return queue.Key{ExecutionID: t.ExecutionID, TaskRef: t.TaskRef, Attempt: t.Attempt}
}

// ResultStatus is the status a worker reports.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "COMPLETED"
	ResultFailed    ResultStatus = "FAILED"
	// ResultTerminal fails the task without retries.
	ResultTerminal ResultStatus = "FAILED_WITH_TERMINAL_ERROR"
)

// Result is a worker's report on one attempt.
type Result struct {
	TaskID      string         `json:"taskId"`
	ExecutionID id.ExecutionID `json:"executionId"`
	TaskRef     string         `json:"taskRefName"`
	Attempt     int            `json:"attempt"`
	Status      ResultStatus   `json:"status"`
	// Output must be a JSON object for a COMPLETED result.
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HeartbeatRequest extends the lease on an attempt.
type HeartbeatRequest struct {
	TaskID      string
	ExecutionID id.ExecutionID
	TaskRef     string
	Attempt     int
	// Extension defaults to Config.DefaultLease and is capped by
	// Config.MaxLease.
	Extension time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger. The engine logger is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway serves polls, heartbeats and reports against an Engine.
type Gateway struct {
	eng    *engine.Engine
	config orchestra.Config
	logger *slog.Logger
}

// New creates a Gateway.
func New(eng *engine.Engine, opts ...Option) *Gateway {
	g := &Gateway{eng: eng, config: eng.Config(), logger: eng.Logger()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Poll leases up to req.Count visible attempts and marks them started.
// Entries whose execution has stopped, or whose attempt is already final,
// are dropped from the queue and not returned.
func (g *Gateway) Poll(ctx context.Context, req PollRequest) ([]*Task, error) {
	if req.TaskType == "" {
		return nil, fmt.Errorf("%w: task type is required", orchestra.ErrInvalidRequest)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	if g.config.MaxPollCount > 0 && count > g.config.MaxPollCount {
		count = g.config.MaxPollCount
	}
	lease := g.clampLease(req.LeaseDuration)

	queues := g.eng.QueueManager()
	adm := queues.Admit(req.TaskType, scope.Tenant(ctx), count)
	if adm.N() == 0 {
		adm.Commit(0)
		return []*Task{}, nil
	}

	entries, err := g.eng.Store().Poll(ctx, queue.PollRequest{
		TaskType: req.TaskType,
		Domain:   req.Domain,
		Count:    adm.N(),
		Lease:    lease,
		Owner:    req.WorkerID,
	})
	if err != nil {
		adm.Commit(0)
		return nil, err
	}

	used := len(entries)
	tasks := make([]*Task, 0, len(entries))
	for _, qe := range entries {
		_, t, err := g.eng.MarkStarted(ctx, qe.Key(), req.WorkerID, qe.LeaseExpiry)
		if err != nil {
			if stale(err) {
				g.drop(ctx, qe, err)
				used--
				continue
			}
			g.logger.Error("failed to start polled task",
				slog.String("entry", qe.Key().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		tasks = append(tasks, &Task{
			TaskID:      qe.LeaseToken,
			ExecutionID: qe.ExecutionID,
			TaskRef:     qe.TaskRef,
			TaskType:    qe.TaskType,
			Domain:      qe.Domain,
			Attempt:     qe.Attempt,
			Input:       t.Input,
			LeaseExpiry: qe.LeaseExpiry,
			Timeout:     t.Timeout,
			ScopeAppID:  qe.ScopeAppID,
			ScopeOrgID:  qe.ScopeOrgID,
		})
	}
	adm.Commit(used)
	return tasks, nil
}

// Report acks the lease and applies the result. A COMPLETED result whose
// output is not an object is recorded as an INVALID_OUTPUT failure, and
// Report returns *orchestra.InvalidOutputError. Delivery is at most once:
// a result that fails to apply after the ack is logged and returned, and
// the attempt is later closed by its timeout.
func (g *Gateway) Report(ctx context.Context, res Result) error {
	out := engine.Outcome{
		ExecutionID: res.ExecutionID,
		TaskRef:     res.TaskRef,
		Attempt:     res.Attempt,
	}
	var invalid *orchestra.InvalidOutputError

	switch res.Status {
	case ResultCompleted:
		var output map[string]any
		var err error
		if res.Output != nil {
			output, err = expr.NormalizeObject(res.Output)
		}
		if err != nil {
			invalid = &orchestra.InvalidOutputError{TaskRef: res.TaskRef, Reason: err.Error()}
			out.Status = execution.TaskFailed
			out.ErrorKind = orchestra.KindInvalidOutput
			out.Error = invalid.Reason
		} else {
			out.Status = execution.TaskCompleted
			out.Output = output
		}
	case ResultFailed:
		out.Status = execution.TaskFailed
		out.ErrorKind = orchestra.KindFailed
		out.Error = res.Error
	case ResultTerminal:
		out.Status = execution.TaskFailed
		out.ErrorKind = orchestra.KindTerminal
		out.Error = res.Error
	default:
		return fmt.Errorf("%w: unknown result status %q", orchestra.ErrInvalidRequest, res.Status)
	}

	e, err := g.eng.GetExecution(ctx, res.ExecutionID)
	if err != nil {
		return err
	}
	t := e.Task(res.TaskRef, res.Attempt)
	if t == nil {
		return fmt.Errorf("%w: %s/%s attempt %d", orchestra.ErrTaskNotFound, res.ExecutionID, res.TaskRef, res.Attempt)
	}

	key := queue.Key{ExecutionID: res.ExecutionID, TaskRef: res.TaskRef, Attempt: res.Attempt}
	if err := g.eng.Store().Ack(ctx, key, res.TaskID); err != nil {
		return err
	}
	g.eng.QueueManager().Release(t.TaskType)

	// The lease is gone once acked, so a result that fails to apply here is
	// not redelivered. The log line is its only record.
	if _, err := g.eng.HandleOutcome(ctx, out); err != nil {
		g.logger.Error("acked result was not applied",
			slog.String("execution_id", out.ExecutionID.String()),
			slog.String("task_ref", out.TaskRef),
			slog.Int("attempt", out.Attempt),
			slog.String("status", string(out.Status)),
			slog.String("error_kind", string(out.ErrorKind)),
			slog.String("task_error", out.Error),
			slog.String("error", err.Error()),
		)
		return err
	}
	if invalid != nil {
		return invalid
	}
	return nil
}

// Heartbeat extends a held lease and returns the new expiry.
func (g *Gateway) Heartbeat(ctx context.Context, req HeartbeatRequest) (time.Time, error) {
	key := queue.Key{ExecutionID: req.ExecutionID, TaskRef: req.TaskRef, Attempt: req.Attempt}
	expiry, err := g.eng.Store().Heartbeat(ctx, key, req.TaskID, g.clampLease(req.Extension))
	if err != nil {
		return time.Time{}, err
	}
	if err := g.eng.RecordHeartbeat(ctx, key, expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

func (g *Gateway) clampLease(d time.Duration) time.Duration {
	if d <= 0 {
		d = g.config.DefaultLease
	}
	if g.config.MaxLease > 0 && d > g.config.MaxLease {
		d = g.config.MaxLease
	}
	return d
}

// drop removes an entry that can no longer run.
func (g *Gateway) drop(ctx context.Context, qe *queue.Entry, cause error) {
	if err := g.eng.Store().Remove(ctx, qe.Key()); err != nil {
		g.logger.Warn("failed to drop stale entry",
			slog.String("entry", qe.Key().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	g.logger.Debug("dropped stale entry",
		slog.String("entry", qe.Key().String()),
		slog.String("reason", cause.Error()),
	)
}

// stale reports whether MarkStarted failed because the attempt should not
// run any more.
func stale(err error) bool {
	return errors.Is(err, orchestra.ErrExecutionTerminal) ||
		errors.Is(err, orchestra.ErrInvalidState) ||
		errors.Is(err, orchestra.ErrTaskNotFound) ||
		errors.Is(err, orchestra.ErrExecutionNotFound)
}
