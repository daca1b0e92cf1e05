package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/queue"
)

// Enqueue adds an entry unless its key is already queued.
func (s *Store) Enqueue(_ context.Context, e *queue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.Key().String()
	if _, exists := s.entries[key]; exists {
		return nil
	}
	cp := *e
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = s.now().UTC()
	}
	if cp.VisibleAt.IsZero() {
		cp.VisibleAt = cp.EnqueuedAt
	}
	cp.LeaseToken, cp.LeaseOwner, cp.LeaseExpiry = "", "", time.Time{}
	s.entries[key] = &cp
	return nil
}

// Poll leases up to req.Count visible entries. The whole selection runs
// under the write lock, so concurrent pollers never share an entry.
func (s *Store) Poll(_ context.Context, req queue.PollRequest) ([]*queue.Entry, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var candidates []*queue.Entry
	for _, e := range s.entries {
		if e.TaskType != req.TaskType || e.Domain != req.Domain {
			continue
		}
		if e.LeaseToken != "" || e.VisibleAt.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	if len(candidates) > req.Count {
		candidates = candidates[:req.Count]
	}

	out := make([]*queue.Entry, 0, len(candidates))
	for _, e := range candidates {
		e.LeaseToken = queue.NewLeaseToken()
		e.LeaseOwner = req.Owner
		e.LeaseExpiry = now.Add(req.Lease)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Heartbeat extends a held lease.
func (s *Store) Heartbeat(_ context.Context, key queue.Key, token string, extension time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	e, ok := s.entries[key.String()]
	if !ok || e.LeaseToken != token || !e.Leased(now) {
		return time.Time{}, leaseExpired(key)
	}
	e.LeaseExpiry = now.Add(extension)
	return e.LeaseExpiry, nil
}

// Ack removes an entry whose lease token is still valid.
func (s *Store) Ack(_ context.Context, key queue.Key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	e, ok := s.entries[k]
	if !ok || e.LeaseToken != token || !e.Leased(s.now().UTC()) {
		return leaseExpired(key)
	}
	delete(s.entries, k)
	return nil
}

// Remove deletes an entry regardless of its lease.
func (s *Store) Remove(_ context.Context, key queue.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
	return nil
}

// ReapExpired clears lapsed leases and returns the affected entries.
func (s *Store) ReapExpired(_ context.Context, now time.Time) ([]*queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Entry
	for _, e := range s.entries {
		if e.LeaseToken == "" || e.LeaseExpiry.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)

		e.LeaseToken, e.LeaseOwner, e.LeaseExpiry = "", "", time.Time{}
		e.VisibleAt = now.UTC()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// QueueDepth counts waiting and leased entries of a task type.
func (s *Store) QueueDepth(_ context.Context, taskType string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.entries {
		if e.TaskType == taskType {
			n++
		}
	}
	return n, nil
}

func leaseExpired(key queue.Key) error {
	return &orchestra.LeaseExpiredError{
		ExecutionID: key.ExecutionID.String(),
		TaskRef:     key.TaskRef,
		Attempt:     key.Attempt,
	}
}
