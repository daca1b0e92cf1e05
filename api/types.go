package api

import "time"

// StartExecutionRequest is the body of POST executions.
type StartExecutionRequest struct {
	DefinitionName string            `json:"definitionName"`
	Version        int               `json:"version,omitempty"`
	InputPayload   any               `json:"inputPayload"`
	Priority       int               `json:"priority,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	TaskToDomain   map[string]string `json:"taskToDomain,omitempty"`
}

// StartExecutionResponse is returned with 201 Created.
type StartExecutionResponse struct {
	ExecutionID string `json:"executionId"`
}

// TerminateRequest is the body of POST executions/:id/terminate.
type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ReportRequest is the body of POST tasks/:executionId/:taskRefName/:attempt.
type ReportRequest struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HeartbeatRequest is the body of the heartbeat route.
type HeartbeatRequest struct {
	TaskID   string `json:"taskId"`
	ExtendMs int64  `json:"extendMs,omitempty"`
}

// HeartbeatResponse carries the new lease expiry.
type HeartbeatResponse struct {
	LeaseExpiry time.Time `json:"leaseExpiry"`
}

// PurgeDLQResponse reports how many dead letters were removed.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// QueueStats describes one task type's queue.
type QueueStats struct {
	TaskType string `json:"taskType"`
	Depth    int64  `json:"depth"`
	InFlight int    `json:"inFlight"`
}

// StatsResponse is returned by GET stats.
type StatsResponse struct {
	Executions map[string]int `json:"executions"`
	Queues     []QueueStats   `json:"queues"`
	DLQCount   int64          `json:"dlqCount"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
