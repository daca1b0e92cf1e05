package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/orchestra/id"
)

// Key identifies one task attempt in the queue.
type Key struct {
	ExecutionID id.ExecutionID
	TaskRef     string
	Attempt     int
}

// String returns "executionID/taskRef/attempt".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.ExecutionID, k.TaskRef, k.Attempt)
}

// Entry is a ready task attempt waiting for, or held by, a worker.
type Entry struct {
	TaskType    string         `json:"taskType"`
	Domain      string         `json:"domain,omitempty"`
	ExecutionID id.ExecutionID `json:"executionId"`
	TaskRef     string         `json:"taskRefName"`
	Attempt     int            `json:"attempt"`
	Priority    int            `json:"priority"`
	VisibleAt   time.Time      `json:"visibleAt"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`

	// Lease state. Zero while the entry is visible.
	LeaseToken  string    `json:"leaseToken,omitempty"`
	LeaseOwner  string    `json:"leaseOwner,omitempty"`
	LeaseExpiry time.Time `json:"leaseExpiry"`

	ScopeAppID string `json:"scopeAppId,omitempty"`
	ScopeOrgID string `json:"scopeOrgId,omitempty"`
}

// Key returns the entry's identity.
func (e *Entry) Key() Key {
	return Key{ExecutionID: e.ExecutionID, TaskRef: e.TaskRef, Attempt: e.Attempt}
}

// Leased reports whether the entry holds a lease that is still valid at now.
func (e *Entry) Leased(now time.Time) bool {
	return e.LeaseToken != "" && now.Before(e.LeaseExpiry)
}

// Before reports whether e should be handed out ahead of other.
func (e *Entry) Before(other *Entry) bool {
	if e.Priority != other.Priority {
		return e.Priority > other.Priority
	}
	if !e.VisibleAt.Equal(other.VisibleAt) {
		return e.VisibleAt.Before(other.VisibleAt)
	}
	return e.EnqueuedAt.Before(other.EnqueuedAt)
}

// PollRequest asks for up to Count visible entries of one task type and
// domain. An empty Domain only matches entries without a domain.
type PollRequest struct {
	TaskType string
	Domain   string
	Count    int
	Lease    time.Duration
	Owner    string
}

// NewLeaseToken mints a lease token.
func NewLeaseToken() string { return id.NewLeaseID().String() }

// Store defines the persistence contract for the task queue.
type Store interface {
	// Enqueue adds an entry. An existing key is left untouched.
	Enqueue(ctx context.Context, e *Entry) error

	// Poll atomically leases up to req.Count visible entries. Each lease
	// gets a fresh token and expires at now + req.Lease. Concurrent
	// callers never receive the same entry.
	Poll(ctx context.Context, req PollRequest) ([]*Entry, error)

	// Heartbeat extends the lease held by token to now + extension and
	// returns the new expiry. It fails with *orchestra.LeaseExpiredError
	// if the lease lapsed or token no longer owns it.
	Heartbeat(ctx context.Context, key Key, token string, extension time.Duration) (time.Time, error)

	// Ack removes the entry if token still holds an unexpired lease on it,
	// and fails with *orchestra.LeaseExpiredError otherwise.
	Ack(ctx context.Context, key Key, token string) error

	// Remove deletes the entry whatever its lease state. Missing keys are
	// not an error.
	Remove(ctx context.Context, key Key) error

	// ReapExpired makes every entry whose lease expired at or before now
	// visible again and returns those entries, each exactly once.
	ReapExpired(ctx context.Context, now time.Time) ([]*Entry, error)

	// QueueDepth returns how many entries of taskType are waiting or
	// leased.
	QueueDepth(ctx context.Context, taskType string) (int64, error)
}
