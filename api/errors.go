package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra"
)

// statusOf maps a wire code to its HTTP status.
func statusOf(code string) int {
	switch code {
	case orchestra.CodeDefinitionNotFound, orchestra.CodeExecutionNotFound,
		orchestra.CodeTaskNotFound, orchestra.CodeEntryNotFound, orchestra.CodeDLQNotFound:
		return http.StatusNotFound
	case orchestra.CodeInvalidDefinition, orchestra.CodeCyclicDefinition,
		orchestra.CodeUnresolvedReference, orchestra.CodeInvalidInput, orchestra.CodeInvalidRequest:
		return http.StatusBadRequest
	case orchestra.CodeDefinitionExists, orchestra.CodeExecutionExists, orchestra.CodeRevisionConflict,
		orchestra.CodeLeaseExpired, orchestra.CodeExecutionTerminal, orchestra.CodeInvalidState:
		return http.StatusConflict
	case orchestra.CodeInvalidOutput:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse. Internal errors are logged and
// their message withheld.
func (a *API) fail(ctx forge.Context, err error) error {
	code := orchestra.Code(err)
	status := statusOf(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("api request failed", slog.String("error", err.Error()))
		msg = "internal error"
	}
	return ctx.Status(status).JSON(ErrorResponse{Code: code, Error: msg})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", orchestra.ErrInvalidRequest, fmt.Sprintf(format, args...))
}
