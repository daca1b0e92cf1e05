package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
)

// CreateExecution inserts a new execution at revision 1.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	e.Revision = 1
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: encode execution: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orchestra_executions (
			id, definition_name, definition_version, status, revision,
			document, created_at, updated_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID.String(), e.DefinitionName, e.DefinitionVersion, string(e.Status), e.Revision,
		doc, e.CreatedAt.UTC(), e.UpdatedAt.UTC(), e.EndedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return orchestra.ErrExecutionExists
		}
		return fmt.Errorf("orchestra/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution document.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	var (
		doc      []byte
		revision int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT document, revision FROM orchestra_executions WHERE id = $1`,
		execID.String(),
	).Scan(&doc, &revision)
	if err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: get execution: %w", err)
	}
	return decodeExecution(doc, revision)
}

// UpdateExecution writes e if the stored revision still equals e.Revision.
func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	expected := e.Revision
	e.Revision = expected + 1
	doc, err := json.Marshal(e)
	if err != nil {
		e.Revision = expected
		return fmt.Errorf("orchestra/postgres: encode execution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestra_executions SET
			status = $3, revision = $4, document = $5, updated_at = $6, ended_at = $7
		WHERE id = $1 AND revision = $2`,
		e.ID.String(), expected, string(e.Status), e.Revision, doc, e.UpdatedAt.UTC(), e.EndedAt,
	)
	if err != nil {
		e.Revision = expected
		return fmt.Errorf("orchestra/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	e.Revision = expected
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orchestra_executions WHERE id = $1)`,
		e.ID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: update execution: %w", err)
	}
	if !exists {
		return orchestra.ErrExecutionNotFound
	}
	return orchestra.ErrRevisionConflict
}

// ListExecutions returns matching executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	query := `SELECT document, revision FROM orchestra_executions WHERE 1=1`
	var args []any

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if opts.DefinitionName != "" {
		args = append(args, opts.DefinitionName)
		query += fmt.Sprintf(" AND definition_name = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = pageClause(query, args, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.Execution
	for rows.Next() {
		var (
			doc      []byte
			revision int64
		)
		if err := rows.Scan(&doc, &revision); err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan execution: %w", err)
		}
		e, err := decodeExecution(doc, revision)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExecutions deletes terminal executions that ended before the cut-off.
func (s *Store) PurgeExecutions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM orchestra_executions
		WHERE status <> $1 AND ended_at IS NOT NULL AND ended_at < $2`,
		string(execution.StatusRunning), before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("orchestra/postgres: purge executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func decodeExecution(doc []byte, revision int64) (*execution.Execution, error) {
	var e execution.Execution
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: decode execution: %w", err)
	}
	e.Revision = revision
	return &e, nil
}
