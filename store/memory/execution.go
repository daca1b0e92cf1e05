package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
)

// CreateExecution stores a new execution at revision 1.
func (s *Store) CreateExecution(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.ID.String()
	if _, exists := s.executions[key]; exists {
		return orchestra.ErrExecutionExists
	}
	e.Revision = 1
	s.executions[key] = e.Clone()
	return nil
}

// GetExecution returns a copy of the execution.
func (s *Store) GetExecution(_ context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[execID.String()]
	if !ok {
		return nil, orchestra.ErrExecutionNotFound
	}
	return e.Clone(), nil
}

// UpdateExecution replaces the execution when the revision matches.
func (s *Store) UpdateExecution(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.ID.String()
	cur, ok := s.executions[key]
	if !ok {
		return orchestra.ErrExecutionNotFound
	}
	if cur.Revision != e.Revision {
		return orchestra.ErrRevisionConflict
	}
	e.Revision++
	s.executions[key] = e.Clone()
	return nil
}

// ListExecutions returns matching executions, newest first.
func (s *Store) ListExecutions(_ context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*execution.Execution
	for _, e := range s.executions {
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.DefinitionName != "" && e.DefinitionName != opts.DefinitionName {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})

	out = paginate(out, opts.Limit, opts.Offset)
	for i, e := range out {
		out[i] = e.Clone()
	}
	return out, nil
}

// PurgeExecutions deletes terminal executions that ended before the cut-off.
func (s *Store) PurgeExecutions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.executions {
		if e.Status.Terminal() && e.EndedAt != nil && e.EndedAt.Before(before) {
			delete(s.executions, key)
			n++
		}
	}
	return n, nil
}
