package orchestra

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background loop lifecycle
// (the engine sweeper).
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Orchestrator holds configuration, logger, and store for a workflow
// engine. Create one with New() and functional options, then hand it to
// engine.Build.
type Orchestrator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runner     runner

	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// SetRunner sets the background runner (called by the engine package).
func (o *Orchestrator) SetRunner(r runner) { o.runner = r }

// SetExtensions sets the extension emitter (called by the engine package).
func (o *Orchestrator) SetExtensions(e extensionEmitter) { o.extensions = e }

// Start launches the background runner.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.runner == nil {
		return ErrNoStore
	}
	if err := o.runner.Start(ctx); err != nil {
		return err
	}
	o.started = true
	return nil
}

// Stop gracefully shuts down the runner, notifies extensions and closes
// the store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.runner != nil && o.started {
		if err := o.runner.Stop(ctx); err != nil {
			o.logger.Error("runner stop error", slog.String("error", err.Error()))
		}
		o.started = false
	}
	if o.extensions != nil {
		o.extensions.EmitShutdown(ctx)
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) error {
		o.config = cfg
		return nil
	}
}

// WithSweepInterval sets how often leases and timeouts are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return fmt.Errorf("orchestra: sweep interval must be positive, got %s", d)
		}
		o.config.SweepInterval = d
		return nil
	}
}

// WithDefaultTaskTimeout sets the timeout applied to tasks that do not
// declare one.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.DefaultTaskTimeout = d
		return nil
	}
}

// WithRetention sets how long terminal executions are kept.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.Retention = d
		return nil
	}
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; typically it will be a store.Store which embeds all subsystem
// store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}
