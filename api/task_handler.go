package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/id"
)

func (a *API) pollTasks(ctx forge.Context) error {
	count, err := intQuery(ctx, "count", 1)
	if err != nil {
		return a.fail(ctx, err)
	}
	leaseMs, err := intQuery(ctx, "leaseMs", 0)
	if err != nil {
		return a.fail(ctx, err)
	}

	tasks, err := a.gw.Poll(ctx.Context(), gateway.PollRequest{
		TaskType:      ctx.Query("type"),
		Domain:        ctx.Query("domain"),
		Count:         count,
		LeaseDuration: time.Duration(leaseMs) * time.Millisecond,
		WorkerID:      ctx.Query("workerId"),
	})
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, tasks)
}

func (a *API) reportTask(ctx forge.Context) error {
	execID, ref, attempt, err := taskPath(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}
	var req ReportRequest
	if err := ctx.Bind(&req); err != nil {
		return a.fail(ctx, badRequest("invalid request body: %v", err))
	}
	if req.TaskID == "" {
		return a.fail(ctx, badRequest("taskId is required"))
	}

	err = a.gw.Report(ctx.Context(), gateway.Result{
		TaskID:      req.TaskID,
		ExecutionID: execID,
		TaskRef:     ref,
		Attempt:     attempt,
		Status:      gateway.ResultStatus(req.Status),
		Output:      req.Output,
		Error:       req.Error,
	})
	if err != nil {
		var invalid *orchestra.InvalidOutputError
		if errors.As(err, &invalid) {
			// The failure is recorded; the worker still learns why.
			return ctx.Status(http.StatusUnprocessableEntity).JSON(ErrorResponse{
				Code:  orchestra.CodeInvalidOutput,
				Error: invalid.Reason,
			})
		}
		return a.fail(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (a *API) heartbeatTask(ctx forge.Context) error {
	execID, ref, attempt, err := taskPath(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}
	var req HeartbeatRequest
	if err := ctx.Bind(&req); err != nil {
		return a.fail(ctx, badRequest("invalid request body: %v", err))
	}
	if req.TaskID == "" {
		return a.fail(ctx, badRequest("taskId is required"))
	}

	expiry, err := a.gw.Heartbeat(ctx.Context(), gateway.HeartbeatRequest{
		TaskID:      req.TaskID,
		ExecutionID: execID,
		TaskRef:     ref,
		Attempt:     attempt,
		Extension:   time.Duration(req.ExtendMs) * time.Millisecond,
	})
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, HeartbeatResponse{LeaseExpiry: expiry})
}

func taskPath(ctx forge.Context) (id.ExecutionID, string, int, error) {
	execID, err := id.ParseExecutionID(ctx.Param("executionId"))
	if err != nil {
		return execID, "", 0, badRequest("invalid execution ID: %v", err)
	}
	attempt, err := strconv.Atoi(ctx.Param("attempt"))
	if err != nil || attempt < 1 {
		return execID, "", 0, badRequest("invalid attempt %q", ctx.Param("attempt"))
	}
	return execID, ctx.Param("taskRefName"), attempt, nil
}
