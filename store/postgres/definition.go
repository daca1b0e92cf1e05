package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
)

// RegisterDefinition inserts a new (name, version).
func (s *Store) RegisterDefinition(ctx context.Context, d *definition.Definition) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: encode definition: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orchestra_definitions (name, version, document, created_at)
		VALUES ($1, $2, $3, $4)`,
		d.Name, d.Version, doc, d.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", orchestra.ErrDefinitionExists, d.Key())
		}
		return fmt.Errorf("orchestra/postgres: register definition: %w", err)
	}
	return nil
}

// GetDefinition returns one version; 0 selects the highest.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	var row pgx.Row
	if version == 0 {
		row = s.pool.QueryRow(ctx, `
			SELECT document FROM orchestra_definitions
			WHERE name = $1
			ORDER BY version DESC
			LIMIT 1`, name)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT document FROM orchestra_definitions
			WHERE name = $1 AND version = $2`, name, version)
	}

	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: get definition: %w", err)
	}
	return decodeDefinition(doc)
}

// ListDefinitions returns every version ordered by name, then version.
func (s *Store) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document FROM orchestra_definitions
		ORDER BY name ASC, version ASC`)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var out []*definition.Definition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan definition: %w", err)
		}
		d, err := decodeDefinition(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeDefinition(doc []byte) (*definition.Definition, error) {
	var d definition.Definition
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: decode definition: %w", err)
	}
	return &d, nil
}
