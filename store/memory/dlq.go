package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/id"
)

// PushDLQ stores a dead letter entry.
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns matching entries, most recent failure first.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*dlq.Entry
	for _, e := range s.dlqs {
		if opts.TaskType != "" && e.TaskType != opts.TaskType {
			continue
		}
		if !opts.ExecutionID.IsNil() && e.ExecutionID.String() != opts.ExecutionID.String() {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return paginate(out, opts.Limit, opts.Offset), nil
}

// GetDLQ returns one entry.
func (s *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlqs[entryID.String()]
	if !ok {
		return nil, orchestra.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// PurgeDLQ removes entries that failed before the cut-off.
func (s *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.dlqs {
		if e.FailedAt.Before(before) {
			delete(s.dlqs, key)
			n++
		}
	}
	return n, nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.dlqs)), nil
}
