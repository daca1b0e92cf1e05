package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
)

// RegisterDefinition stores a new version with HSETNX so an existing
// (name, version) is never overwritten.
func (s *Store) RegisterDefinition(ctx context.Context, d *definition.Definition) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("orchestra/redis: encode definition: %w", err)
	}
	added, err := s.client.HSetNX(ctx, definitionKey(d.Name), strconv.Itoa(d.Version), doc).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: register definition: %w", err)
	}
	if !added {
		return fmt.Errorf("%w: %s", orchestra.ErrDefinitionExists, d.Key())
	}
	if err := s.client.SAdd(ctx, definitionNamesKey, d.Name).Err(); err != nil {
		return fmt.Errorf("orchestra/redis: index definition: %w", err)
	}
	return nil
}

// GetDefinition returns one version; 0 selects the highest.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	versions, err := s.definitionVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, orchestra.ErrDefinitionNotFound
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, d := range versions {
		if d.Version == version {
			return d, nil
		}
	}
	return nil, orchestra.ErrDefinitionNotFound
}

// ListDefinitions returns every version ordered by name, then version.
func (s *Store) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	names, err := s.client.SMembers(ctx, definitionNamesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list definitions: %w", err)
	}
	sort.Strings(names)

	var out []*definition.Definition
	for _, name := range names {
		versions, err := s.definitionVersions(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, versions...)
	}
	return out, nil
}

// definitionVersions loads every version of name in ascending order.
func (s *Store) definitionVersions(ctx context.Context, name string) ([]*definition.Definition, error) {
	raw, err := s.client.HGetAll(ctx, definitionKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: get definition: %w", err)
	}
	out := make([]*definition.Definition, 0, len(raw))
	for _, doc := range raw {
		var d definition.Definition
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("orchestra/redis: decode definition: %w", err)
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
