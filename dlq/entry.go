package dlq

import (
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
)

// Entry is a dead-lettered task attempt.
type Entry struct {
	ID             id.DLQID            `json:"id"`
	ExecutionID    id.ExecutionID      `json:"executionId"`
	DefinitionName string              `json:"definitionName"`
	TaskRef        string              `json:"taskRefName"`
	TaskType       string              `json:"taskType"`
	Attempt        int                 `json:"attempt"`
	Input          map[string]any      `json:"input,omitempty"`
	ErrorKind      orchestra.ErrorKind `json:"errorKind"`
	Error          string              `json:"error"`
	ScopeAppID     string              `json:"scopeAppId,omitempty"`
	ScopeOrgID     string              `json:"scopeOrgId,omitempty"`
	FailedAt       time.Time           `json:"failedAt"`
	CreatedAt      time.Time           `json:"createdAt"`
}
