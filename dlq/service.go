package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
)

// Service builds and stores DLQ entries.
type Service struct {
	store Store
}

// NewService creates a DLQ service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Push records a finally failed attempt of e. The error kind comes from
// the attempt when it has one, otherwise from taskErr.
func (s *Service) Push(ctx context.Context, e *execution.Execution, t *execution.TaskExecution, taskErr error) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:             id.NewDLQID(),
		ExecutionID:    e.ID,
		DefinitionName: e.DefinitionName,
		TaskRef:        t.TaskRef,
		TaskType:       t.TaskType,
		Attempt:        t.Attempt,
		Input:          t.Input,
		ErrorKind:      kindOf(t, taskErr),
		ScopeAppID:     e.ScopeAppID,
		ScopeOrgID:     e.ScopeOrgID,
		FailedAt:       now,
		CreatedAt:      now,
	}
	if t.EndedAt != nil {
		entry.FailedAt = *t.EndedAt
	}
	switch {
	case taskErr != nil:
		entry.Error = taskErr.Error()
	case t.Error != nil:
		entry.Error = t.Error.Message
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func kindOf(t *execution.TaskExecution, taskErr error) orchestra.ErrorKind {
	var exhausted *orchestra.RetryBudgetExhaustedError
	if errors.As(taskErr, &exhausted) {
		return orchestra.KindRetryBudgetExhausted
	}
	if t.Error != nil {
		return t.Error.Kind
	}
	return orchestra.KindFailed
}

// DLQStore returns the underlying store for List, Get, Purge, and Count.
func (s *Service) DLQStore() Store {
	return s.store
}
