// Package memory is a fully in-memory implementation of store.Store. It is
// safe for concurrent use and intended for tests, development, and
// single-process deployments that do not need durability.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/queue"
)

// Ensure Store implements every subsystem store at compile time. store.Store
// is checked in the store package tests to avoid an import cycle.
var (
	_ definition.Store = (*Store)(nil)
	_ execution.Store  = (*Store)(nil)
	_ queue.Store      = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
)

// Option configures a memory Store.
type Option func(*Store)

// WithClock replaces time.Now, which lets tests control lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps all state in maps guarded by one RWMutex. Records are copied
// on the way in and out so callers never share memory with the store.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	definitions map[string][]*definition.Definition // name -> versions ascending
	executions  map[string]*execution.Execution
	entries     map[string]*queue.Entry // key: queue.Key.String()
	dlqs        map[string]*dlq.Entry
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		definitions: make(map[string][]*definition.Definition),
		executions:  make(map[string]*execution.Execution),
		entries:     make(map[string]*queue.Entry),
		dlqs:        make(map[string]*dlq.Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
