package execution

import (
	"context"
	"time"

	"github.com/xraph/orchestra/id"
)

// Store defines the persistence contract for workflow executions.
type Store interface {
	// CreateExecution persists a new execution at revision 1.
	CreateExecution(ctx context.Context, e *Execution) error

	// GetExecution returns an independent copy of the execution.
	GetExecution(ctx context.Context, execID id.ExecutionID) (*Execution, error)

	// UpdateExecution replaces the execution if e.Revision still matches
	// the stored revision, then increments e.Revision. A stale revision
	// fails with orchestra.ErrRevisionConflict.
	UpdateExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns executions matching opts, newest first.
	ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error)

	// PurgeExecutions deletes terminal executions that ended before the
	// given time and returns how many were removed.
	PurgeExecutions(ctx context.Context, before time.Time) (int64, error)
}
