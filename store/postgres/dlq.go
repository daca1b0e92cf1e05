package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/id"
)

const dlqColumns = `
	id, execution_id, definition_name, task_ref, task_type, attempt,
	input, error_kind, error, scope_app_id, scope_org_id, failed_at, created_at`

// PushDLQ adds a dead letter entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	var input []byte
	if entry.Input != nil {
		var err error
		if input, err = json.Marshal(entry.Input); err != nil {
			return fmt.Errorf("orchestra/postgres: encode dlq input: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestra_dlq (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID.String(), entry.ExecutionID.String(), entry.DefinitionName,
		entry.TaskRef, entry.TaskType, entry.Attempt,
		input, string(entry.ErrorKind), entry.Error,
		entry.ScopeAppID, entry.ScopeOrgID,
		entry.FailedAt.UTC(), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns matching entries, most recent failure first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM orchestra_dlq WHERE 1=1`
	var args []any

	if opts.TaskType != "" {
		args = append(args, opts.TaskType)
		query += fmt.Sprintf(" AND task_type = $%d", len(args))
	}
	if !opts.ExecutionID.IsNil() {
		args = append(args, opts.ExecutionID.String())
		query += fmt.Sprintf(" AND execution_id = $%d", len(args))
	}
	query += " ORDER BY failed_at DESC, id DESC"
	query, args = pageClause(query, args, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Entry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDLQ returns one entry.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM orchestra_dlq WHERE id = $1`,
		entryID.String(),
	)
	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrDLQNotFound
		}
		return nil, err
	}
	return e, nil
}

// PurgeDLQ removes entries that failed before the cut-off.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orchestra_dlq WHERE failed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("orchestra/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orchestra_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("orchestra/postgres: count dlq: %w", err)
	}
	return n, nil
}

func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e               dlq.Entry
		entryID, execID string
		input           []byte
		kind            string
	)
	err := row.Scan(
		&entryID, &execID, &e.DefinitionName, &e.TaskRef, &e.TaskType, &e.Attempt,
		&input, &kind, &e.Error, &e.ScopeAppID, &e.ScopeOrgID, &e.FailedAt, &e.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("orchestra/postgres: scan dlq: %w", err)
	}
	if e.ID, err = id.ParseDLQID(entryID); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: scan dlq: %w", err)
	}
	if e.ExecutionID, err = id.ParseExecutionID(execID); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: scan dlq: %w", err)
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &e.Input); err != nil {
			return nil, fmt.Errorf("orchestra/postgres: decode dlq input: %w", err)
		}
	}
	e.ErrorKind = orchestra.ErrorKind(kind)
	e.FailedAt = e.FailedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
