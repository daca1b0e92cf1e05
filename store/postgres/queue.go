package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

const entryColumns = `
	execution_id, task_ref, attempt, task_type, domain, priority,
	visible_at, enqueued_at, lease_token, lease_owner, lease_expiry,
	scope_app_id, scope_org_id`

// Enqueue inserts an entry; an existing key is left as it is.
func (s *Store) Enqueue(ctx context.Context, e *queue.Entry) error {
	enqueuedAt := e.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = s.clock()
	}
	visibleAt := e.VisibleAt
	if visibleAt.IsZero() {
		visibleAt = enqueuedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestra_queue (
			execution_id, task_ref, attempt, task_type, domain, priority,
			visible_at, enqueued_at, scope_app_id, scope_org_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id, task_ref, attempt) DO NOTHING`,
		e.ExecutionID.String(), e.TaskRef, e.Attempt, e.TaskType, e.Domain, e.Priority,
		visibleAt.UTC(), enqueuedAt.UTC(), e.ScopeAppID, e.ScopeOrgID,
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: enqueue: %w", err)
	}
	return nil
}

// Poll leases up to req.Count visible entries. Rows are claimed with
// FOR UPDATE SKIP LOCKED so concurrent pollers never share an entry; each
// claimed row then gets its own lease token in the same transaction.
func (s *Store) Poll(ctx context.Context, req queue.PollRequest) ([]*queue.Entry, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	now := s.clock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: poll: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM orchestra_queue
		WHERE task_type = $1 AND domain = $2
		  AND lease_token = '' AND visible_at <= $3
		ORDER BY priority DESC, visible_at ASC, enqueued_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		req.TaskType, req.Domain, now, req.Count,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: poll: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	expiry := now.Add(req.Lease)
	batch := &pgx.Batch{}
	for _, e := range entries {
		e.LeaseToken = queue.NewLeaseToken()
		e.LeaseOwner = req.Owner
		e.LeaseExpiry = expiry
		batch.Queue(`
			UPDATE orchestra_queue
			SET lease_token = $4, lease_owner = $5, lease_expiry = $6
			WHERE execution_id = $1 AND task_ref = $2 AND attempt = $3`,
			e.ExecutionID.String(), e.TaskRef, e.Attempt, e.LeaseToken, e.LeaseOwner, expiry,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: lease entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: poll commit: %w", err)
	}
	return entries, nil
}

// Heartbeat extends a held lease.
func (s *Store) Heartbeat(ctx context.Context, key queue.Key, token string, extension time.Duration) (time.Time, error) {
	now := s.clock()
	var expiry time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE orchestra_queue SET lease_expiry = $5
		WHERE execution_id = $1 AND task_ref = $2 AND attempt = $3
		  AND lease_token = $4 AND lease_token <> '' AND lease_expiry > $6
		RETURNING lease_expiry`,
		key.ExecutionID.String(), key.TaskRef, key.Attempt, token, now.Add(extension), now,
	).Scan(&expiry)
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, leaseExpired(key)
		}
		return time.Time{}, fmt.Errorf("orchestra/postgres: heartbeat: %w", err)
	}
	return expiry.UTC(), nil
}

// Ack deletes an entry whose lease token is still valid.
func (s *Store) Ack(ctx context.Context, key queue.Key, token string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM orchestra_queue
		WHERE execution_id = $1 AND task_ref = $2 AND attempt = $3
		  AND lease_token = $4 AND lease_token <> '' AND lease_expiry > $5`,
		key.ExecutionID.String(), key.TaskRef, key.Attempt, token, s.clock(),
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return leaseExpired(key)
	}
	return nil
}

// Remove deletes an entry regardless of its lease.
func (s *Store) Remove(ctx context.Context, key queue.Key) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM orchestra_queue
		WHERE execution_id = $1 AND task_ref = $2 AND attempt = $3`,
		key.ExecutionID.String(), key.TaskRef, key.Attempt,
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: remove: %w", err)
	}
	return nil
}

// ReapExpired clears lapsed leases and returns the entries as they were
// before the lease was cleared.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*queue.Entry, error) {
	now = now.UTC()
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT `+entryColumns+`
			FROM orchestra_queue
			WHERE lease_token <> '' AND lease_expiry <= $1
			FOR UPDATE SKIP LOCKED
		), cleared AS (
			UPDATE orchestra_queue q
			SET lease_token = '', lease_owner = '', lease_expiry = NULL, visible_at = $1
			FROM expired x
			WHERE q.execution_id = x.execution_id AND q.task_ref = x.task_ref AND q.attempt = x.attempt
			RETURNING q.execution_id
		)
		SELECT `+entryColumns+` FROM expired
		ORDER BY priority DESC, visible_at ASC, enqueued_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: reap: %w", err)
	}
	return collectEntries(rows)
}

// QueueDepth counts waiting and leased entries of a task type.
func (s *Store) QueueDepth(ctx context.Context, taskType string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orchestra_queue WHERE task_type = $1`, taskType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("orchestra/postgres: queue depth: %w", err)
	}
	return n, nil
}

func collectEntries(rows pgx.Rows) ([]*queue.Entry, error) {
	defer rows.Close()

	var out []*queue.Entry
	for rows.Next() {
		var (
			e           queue.Entry
			execID      string
			leaseExpiry *time.Time
		)
		err := rows.Scan(
			&execID, &e.TaskRef, &e.Attempt, &e.TaskType, &e.Domain, &e.Priority,
			&e.VisibleAt, &e.EnqueuedAt, &e.LeaseToken, &e.LeaseOwner, &leaseExpiry,
			&e.ScopeAppID, &e.ScopeOrgID,
		)
		if err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan entry: %w", err)
		}
		if e.ExecutionID, err = id.ParseExecutionID(execID); err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan entry: %w", err)
		}
		if leaseExpiry != nil {
			e.LeaseExpiry = leaseExpiry.UTC()
		}
		e.VisibleAt = e.VisibleAt.UTC()
		e.EnqueuedAt = e.EnqueuedAt.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: scan entries: %w", err)
	}
	return out, nil
}

func leaseExpired(key queue.Key) error {
	return &orchestra.LeaseExpiredError{
		ExecutionID: key.ExecutionID.String(),
		TaskRef:     key.TaskRef,
		Attempt:     key.Attempt,
	}
}
