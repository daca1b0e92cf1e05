package orchestra

import "errors"

// Wire codes carried in API error bodies. Clients turn them back into the
// matching sentinel with FromCode.
const (
	CodeDefinitionNotFound  = "definition_not_found"
	CodeExecutionNotFound   = "execution_not_found"
	CodeTaskNotFound        = "task_not_found"
	CodeEntryNotFound       = "entry_not_found"
	CodeDLQNotFound         = "dlq_not_found"
	CodeDefinitionExists    = "definition_exists"
	CodeExecutionExists     = "execution_exists"
	CodeRevisionConflict    = "revision_conflict"
	CodeLeaseExpired        = "lease_expired"
	CodeExecutionTerminal   = "execution_terminal"
	CodeInvalidState        = "invalid_state"
	CodeCyclicDefinition    = "cyclic_definition"
	CodeInvalidDefinition   = "invalid_definition"
	CodeUnresolvedReference = "unresolved_reference"
	CodeInvalidInput        = "invalid_input"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidOutput       = "invalid_output"
	CodeInternal            = "internal"
)

// Order matters: CyclicDefinitionError also matches ErrInvalidDefinition.
var codes = []struct {
	code string
	err  error
}{
	{CodeDefinitionNotFound, ErrDefinitionNotFound},
	{CodeExecutionNotFound, ErrExecutionNotFound},
	{CodeTaskNotFound, ErrTaskNotFound},
	{CodeEntryNotFound, ErrEntryNotFound},
	{CodeDLQNotFound, ErrDLQNotFound},
	{CodeDefinitionExists, ErrDefinitionExists},
	{CodeExecutionExists, ErrExecutionExists},
	{CodeRevisionConflict, ErrRevisionConflict},
	{CodeLeaseExpired, ErrLeaseExpired},
	{CodeExecutionTerminal, ErrExecutionTerminal},
	{CodeInvalidState, ErrInvalidState},
	{CodeCyclicDefinition, ErrCyclicDefinition},
	{CodeInvalidDefinition, ErrInvalidDefinition},
	{CodeUnresolvedReference, ErrUnresolvedReference},
	{CodeInvalidInput, ErrInvalidInput},
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeInvalidOutput, ErrInvalidOutput},
}

// Code returns the wire code for err, or CodeInternal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// RemoteError is an error decoded from an API response.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Is matches the sentinel named by the error's code.
func (e *RemoteError) Is(target error) bool {
	if e.Code == CodeCyclicDefinition && target == ErrInvalidDefinition {
		return true
	}
	for _, c := range codes {
		if c.code == e.Code {
			return target == c.err
		}
	}
	return false
}
