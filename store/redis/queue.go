package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// Enqueue stores the entry and adds it to its ready set unless the key is
// already present.
func (s *Store) Enqueue(ctx context.Context, e *queue.Entry) error {
	cp := *e
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = s.clock()
	}
	if cp.VisibleAt.IsZero() {
		cp.VisibleAt = cp.EnqueuedAt
	}
	cp.LeaseToken, cp.LeaseOwner, cp.LeaseExpiry = "", "", time.Time{}

	member := cp.Key().String()
	args := append([]any{member, micros(cp.VisibleAt)}, entryToArgs(&cp)...)
	err := enqueueScript.Run(ctx, s.client,
		[]string{entryKey(member), readyKey(cp.TaskType, cp.Domain), typeKey(cp.TaskType)},
		args...,
	).Err()
	if err != nil {
		return fmt.Errorf("orchestra/redis: enqueue: %w", err)
	}
	return nil
}

// Poll leases up to req.Count visible entries in one atomic script.
func (s *Store) Poll(ctx context.Context, req queue.PollRequest) ([]*queue.Entry, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	now := s.clock()

	args := make([]any, 0, 5+req.Count)
	args = append(args, micros(now), req.Count, micros(now.Add(req.Lease)), req.Owner, entryKeyPrefix)
	for range req.Count {
		args = append(args, queue.NewLeaseToken())
	}

	res, err := pollScript.Run(ctx, s.client,
		[]string{readyKey(req.TaskType, req.Domain), leasesKey},
		args...,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: poll: %w", err)
	}
	return decodeEntries(res)
}

// Heartbeat extends a held lease.
func (s *Store) Heartbeat(ctx context.Context, key queue.Key, token string, extension time.Duration) (time.Time, error) {
	now := s.clock()
	expiry := now.Add(extension)
	member := key.String()

	ok, err := heartbeatScript.Run(ctx, s.client,
		[]string{entryKey(member), leasesKey},
		member, token, micros(now), micros(expiry),
	).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("orchestra/redis: heartbeat: %w", err)
	}
	if ok == 0 {
		return time.Time{}, leaseExpired(key)
	}
	return fromMicros(micros(expiry)), nil
}

// Ack deletes an entry whose lease token is still valid.
func (s *Store) Ack(ctx context.Context, key queue.Key, token string) error {
	member := key.String()
	ok, err := ackScript.Run(ctx, s.client,
		[]string{entryKey(member), leasesKey},
		member, token, micros(s.clock()), typeKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("orchestra/redis: ack: %w", err)
	}
	if ok == 0 {
		return leaseExpired(key)
	}
	return nil
}

// Remove deletes an entry regardless of its lease.
func (s *Store) Remove(ctx context.Context, key queue.Key) error {
	member := key.String()
	err := removeScript.Run(ctx, s.client,
		[]string{entryKey(member), leasesKey},
		member, readyKeyPrefix, typeKeyPrefix,
	).Err()
	if err != nil {
		return fmt.Errorf("orchestra/redis: remove: %w", err)
	}
	return nil
}

// ReapExpired clears lapsed leases and returns the affected entries.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*queue.Entry, error) {
	res, err := reapScript.Run(ctx, s.client,
		[]string{leasesKey},
		micros(now), entryKeyPrefix, readyKeyPrefix,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: reap: %w", err)
	}
	out, err := decodeEntries(res)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// QueueDepth counts waiting and leased entries of a task type.
func (s *Store) QueueDepth(ctx context.Context, taskType string) (int64, error) {
	n, err := s.client.SCard(ctx, typeKey(taskType)).Result()
	if err != nil {
		return 0, fmt.Errorf("orchestra/redis: queue depth: %w", err)
	}
	return n, nil
}

// ── Encoding ──

func entryToArgs(e *queue.Entry) []any {
	return []any{
		"task_type", e.TaskType,
		"domain", e.Domain,
		"execution_id", e.ExecutionID.String(),
		"task_ref", e.TaskRef,
		"attempt", e.Attempt,
		"priority", e.Priority,
		"visible_at", micros(e.VisibleAt),
		"enqueued_at", micros(e.EnqueuedAt),
		"lease_token", e.LeaseToken,
		"lease_owner", e.LeaseOwner,
		"lease_expiry", micros(e.LeaseExpiry),
		"scope_app_id", e.ScopeAppID,
		"scope_org_id", e.ScopeOrgID,
	}
}

// decodeEntries converts a script reply of HGETALL arrays into entries.
func decodeEntries(res []any) ([]*queue.Entry, error) {
	out := make([]*queue.Entry, 0, len(res))
	for _, item := range res {
		flat, ok := item.([]any)
		if !ok {
			return nil, fmt.Errorf("orchestra/redis: unexpected reply %T", item)
		}
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			fields[k] = v
		}
		e, err := entryFromMap(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entryFromMap(m map[string]string) (*queue.Entry, error) {
	execID, err := id.ParseExecutionID(m["execution_id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: decode entry: %w", err)
	}
	return &queue.Entry{
		TaskType:    m["task_type"],
		Domain:      m["domain"],
		ExecutionID: execID,
		TaskRef:     m["task_ref"],
		Attempt:     atoi(m["attempt"]),
		Priority:    atoi(m["priority"]),
		VisibleAt:   fromMicros(atoi64(m["visible_at"])),
		EnqueuedAt:  fromMicros(atoi64(m["enqueued_at"])),
		LeaseToken:  m["lease_token"],
		LeaseOwner:  m["lease_owner"],
		LeaseExpiry: fromMicros(atoi64(m["lease_expiry"])),
		ScopeAppID:  m["scope_app_id"],
		ScopeOrgID:  m["scope_org_id"],
	}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func leaseExpired(key queue.Key) error {
	return &orchestra.LeaseExpiredError{
		ExecutionID: key.ExecutionID.String(),
		TaskRef:     key.TaskRef,
		Attempt:     key.Attempt,
	}
}
