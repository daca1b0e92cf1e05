package api

import (
	"net/http"
	"strconv"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
)

func (a *API) startExecution(ctx forge.Context) error {
	var req StartExecutionRequest
	if err := ctx.Bind(&req); err != nil {
		return a.fail(ctx, badRequest("invalid request body: %v", err))
	}
	if req.DefinitionName == "" {
		return a.fail(ctx, badRequest("definitionName is required"))
	}

	e, err := a.eng.StartExecution(ctx.Context(), engine.StartRequest{
		DefinitionName: req.DefinitionName,
		Version:        req.Version,
		Input:          req.InputPayload,
		Priority:       req.Priority,
		CorrelationID:  req.CorrelationID,
		TaskToDomain:   req.TaskToDomain,
	})
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.Status(http.StatusCreated).JSON(StartExecutionResponse{ExecutionID: e.ID.String()})
}

func (a *API) listExecutions(ctx forge.Context) error {
	limit, err := intQuery(ctx, "limit", 50)
	if err != nil {
		return a.fail(ctx, err)
	}
	offset, err := intQuery(ctx, "offset", 0)
	if err != nil {
		return a.fail(ctx, err)
	}
	status := execution.Status(ctx.Query("status"))
	if status != "" && !status.Valid() {
		return a.fail(ctx, badRequest("unknown status %q", status))
	}

	list, err := a.eng.ListExecutions(ctx.Context(), execution.ListOpts{
		Status:         status,
		DefinitionName: ctx.Query("definition"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return a.fail(ctx, err)
	}
	if list == nil {
		list = []*execution.Execution{}
	}
	return ctx.JSON(http.StatusOK, list)
}

func (a *API) getExecution(ctx forge.Context) error {
	execID, err := id.ParseExecutionID(ctx.Param("executionId"))
	if err != nil {
		return a.fail(ctx, badRequest("invalid execution ID: %v", err))
	}
	e, err := a.eng.GetExecution(ctx.Context(), execID)
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, e)
}

func (a *API) terminateExecution(ctx forge.Context) error {
	execID, err := id.ParseExecutionID(ctx.Param("executionId"))
	if err != nil {
		return a.fail(ctx, badRequest("invalid execution ID: %v", err))
	}
	var req TerminateRequest
	// An empty body is allowed.
	_ = ctx.Bind(&req)

	e, err := a.eng.Terminate(ctx.Context(), execID, req.Reason)
	if err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, e)
}

func intQuery(ctx forge.Context, name string, def int) (int, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}
