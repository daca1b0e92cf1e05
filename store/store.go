package store

import (
	"context"

	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/queue"
)

// Store is the aggregate persistence interface. A single backend implements
// every subsystem store.
type Store interface {
	definition.Store
	execution.Store
	queue.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
