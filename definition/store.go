package definition

import "context"

// Store defines the persistence contract for workflow definitions.
// Definitions are immutable once registered.
type Store interface {
	// RegisterDefinition persists a new (name, version). It returns
	// orchestra.ErrDefinitionExists if that pair is already registered.
	RegisterDefinition(ctx context.Context, d *Definition) error

	// GetDefinition returns the given version, or the latest one when
	// version is 0.
	GetDefinition(ctx context.Context, name string, version int) (*Definition, error)

	// ListDefinitions returns every registered version ordered by name,
	// then version.
	ListDefinitions(ctx context.Context) ([]*Definition, error)
}
