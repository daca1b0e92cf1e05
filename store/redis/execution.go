package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
)

// CreateExecution stores a new execution at revision 1.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	e.Revision = 1
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("orchestra/redis: encode execution: %w", err)
	}
	key := e.ID.String()
	created, err := createExecutionScript.Run(ctx, s.client,
		[]string{executionKey(key), executionIDsKey},
		key, doc, string(e.Status), micros(e.CreatedAt), endedScore(e),
	).Int()
	if err != nil {
		return fmt.Errorf("orchestra/redis: create execution: %w", err)
	}
	if created == 0 {
		return orchestra.ErrExecutionExists
	}
	return nil
}

// GetExecution loads an execution document.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	return s.getExecution(ctx, execID.String())
}

// UpdateExecution writes e if the stored revision still equals e.Revision.
func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	expected := e.Revision
	e.Revision = expected + 1
	doc, err := json.Marshal(e)
	if err != nil {
		e.Revision = expected
		return fmt.Errorf("orchestra/redis: encode execution: %w", err)
	}

	res, err := updateExecutionScript.Run(ctx, s.client,
		[]string{executionKey(e.ID.String())},
		strconv.FormatInt(expected, 10), strconv.FormatInt(e.Revision, 10),
		doc, string(e.Status), endedScore(e),
	).Int()
	if err != nil {
		e.Revision = expected
		return fmt.Errorf("orchestra/redis: update execution: %w", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		e.Revision = expected
		return orchestra.ErrExecutionNotFound
	default:
		e.Revision = expected
		return orchestra.ErrRevisionConflict
	}
}

// ListExecutions returns matching executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	ids, err := s.client.ZRevRange(ctx, executionIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list executions: %w", err)
	}

	var out []*execution.Execution
	for _, execID := range ids {
		e, getErr := s.getExecution(ctx, execID)
		if getErr != nil {
			if errors.Is(getErr, orchestra.ErrExecutionNotFound) {
				continue
			}
			return nil, getErr
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.DefinitionName != "" && e.DefinitionName != opts.DefinitionName {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts.Limit, opts.Offset), nil
}

// PurgeExecutions deletes terminal executions that ended before the cut-off.
func (s *Store) PurgeExecutions(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRange(ctx, executionIDsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("orchestra/redis: purge executions: %w", err)
	}

	cutoff := micros(before)
	var n int64
	for _, execID := range ids {
		vals, err := s.client.HMGet(ctx, executionKey(execID), "status", "ended_at").Result()
		if err != nil {
			return n, fmt.Errorf("orchestra/redis: purge executions: %w", err)
		}
		status, _ := vals[0].(string)
		ended, _ := vals[1].(string)
		endedAt := atoi64(ended)
		if status == "" || !execution.Status(status).Terminal() || endedAt == 0 || endedAt >= cutoff {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, executionKey(execID))
		pipe.ZRem(ctx, executionIDsKey, execID)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("orchestra/redis: purge execution %s: %w", execID, err)
		}
		n++
	}
	return n, nil
}

func (s *Store) getExecution(ctx context.Context, execID string) (*execution.Execution, error) {
	vals, err := s.client.HMGet(ctx, executionKey(execID), "document", "revision").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, orchestra.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("orchestra/redis: get execution: %w", err)
	}
	doc, ok := vals[0].(string)
	if !ok {
		return nil, orchestra.ErrExecutionNotFound
	}
	rev, _ := vals[1].(string)

	var e execution.Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("orchestra/redis: decode execution: %w", err)
	}
	e.Revision = atoi64(rev)
	return &e, nil
}

func endedScore(e *execution.Execution) int64 {
	if e.EndedAt == nil {
		return 0
	}
	return micros(*e.EndedAt)
}

// paginate applies offset and limit to an already-ordered slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
