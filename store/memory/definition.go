package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
)

// RegisterDefinition stores a new definition version.
func (s *Store) RegisterDefinition(_ context.Context, d *definition.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[d.Name]
	for _, v := range versions {
		if v.Version == d.Version {
			return fmt.Errorf("%w: %s", orchestra.ErrDefinitionExists, d.Key())
		}
	}
	versions = append(versions, d.Clone())
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.definitions[d.Name] = versions
	return nil
}

// GetDefinition returns a version of a definition; 0 means the latest.
func (s *Store) GetDefinition(_ context.Context, name string, version int) (*definition.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[name]
	if len(versions) == 0 {
		return nil, orchestra.ErrDefinitionNotFound
	}
	if version == 0 {
		return versions[len(versions)-1].Clone(), nil
	}
	for _, v := range versions {
		if v.Version == version {
			return v.Clone(), nil
		}
	}
	return nil, orchestra.ErrDefinitionNotFound
}

// ListDefinitions returns every version ordered by name, then version.
func (s *Store) ListDefinitions(_ context.Context) ([]*definition.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*definition.Definition
	for _, name := range names {
		for _, v := range s.definitions[name] {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}
