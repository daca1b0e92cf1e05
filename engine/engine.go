package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/observability"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store"
)

// tracerName is the instrumentation scope for engine spans.
const tracerName = "github.com/xraph/orchestra/engine"

// Engine is the workflow execution engine. Use Build to create one.
type Engine struct {
	o          *orchestra.Orchestrator
	store      store.Store
	config     orchestra.Config
	extensions *ext.Registry
	dlqService *dlq.Service
	queues     *queue.Manager
	bo         backoff.Strategy
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	queueConfigs   []queue.Config
	tenantConfigs  []queue.TenantConfig
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	graphMu sync.RWMutex
	graphs  map[string]*definition.Graph

	sweeper *sweeper
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithBackoff sets the retry delay for tasks whose retry policy does not
// name a backoff shape. Defaults to backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers per-task-type rate limits and in-flight caps
// applied at poll time. Task types not listed are not limited.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTenantConfig registers per-tenant rate limits for a task type.
func WithTenantConfig(configs ...queue.TenantConfig) Option {
	return func(eng *Engine) {
		eng.tenantConfigs = append(eng.tenantConfigs, configs...)
	}
}

// WithTracerProvider sets the provider used for engine spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets the provider used by the observability extension.
// The global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// WithClock overrides the engine clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		eng.now = now
	}
}

// Build creates an Engine from an Orchestrator. The Orchestrator's store
// must implement store.Store.
func Build(o *orchestra.Orchestrator, opts ...Option) (*Engine, error) {
	if o.Store() == nil {
		return nil, orchestra.ErrNoStore
	}
	s, ok := o.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("orchestra: store %T does not implement store.Store", o.Store())
	}

	logger := o.Logger()
	eng := &Engine{
		o:          o,
		store:      s,
		config:     o.Config(),
		extensions: ext.NewRegistry(logger),
		dlqService: dlq.NewService(s),
		logger:     logger,
		now:        time.Now,
		graphs:     make(map[string]*definition.Graph),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	tp := eng.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	eng.tracer = tp.Tracer(tracerName)

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/xraph/orchestra/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.queues = queue.NewManager(eng.queueConfigs...)
	for _, tc := range eng.tenantConfigs {
		eng.queues.SetTenantConfig(tc)
	}

	eng.sweeper = newSweeper(eng)
	o.SetRunner(eng.sweeper)
	o.SetExtensions(eng.extensions)

	return eng, nil
}

// Start resumes durable state and launches the sweeper.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.Resume(ctx); err != nil {
		eng.logger.Warn("failed to resume executions", slog.String("error", err.Error()))
	}
	return eng.o.Start(ctx)
}

// Stop drains the sweeper, notifies extensions, and closes the store.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.o.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// DLQService returns the dead letter service.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// QueueManager returns the poll admission manager.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queues }

// Config returns the engine configuration.
func (eng *Engine) Config() orchestra.Config { return eng.config }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Now returns the engine clock reading in UTC.
func (eng *Engine) Now() time.Time { return eng.now().UTC() }

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

// RegisterDefinition validates d and persists it. Registering the same
// (name, version) twice returns orchestra.ErrDefinitionExists.
func (eng *Engine) RegisterDefinition(ctx context.Context, d *definition.Definition) error {
	g, err := definition.Compile(d)
	if err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = eng.Now()
	}
	if err := eng.store.RegisterDefinition(ctx, d); err != nil {
		return err
	}

	eng.graphMu.Lock()
	eng.graphs[d.Key()] = g
	eng.graphMu.Unlock()

	eng.logger.Info("definition registered",
		slog.String("name", d.Name),
		slog.Int("version", d.Version),
		slog.Int("tasks", len(d.Tasks)),
	)
	return nil
}

// GetDefinition returns a registered definition; version 0 is the latest.
func (eng *Engine) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	return eng.store.GetDefinition(ctx, name, version)
}

// ListDefinitions returns every registered definition version.
func (eng *Engine) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	return eng.store.ListDefinitions(ctx)
}

// graph returns the compiled graph of a pinned definition version.
func (eng *Engine) graph(ctx context.Context, name string, version int) (*definition.Graph, error) {
	key := fmt.Sprintf("%s@%d", name, version)

	eng.graphMu.RLock()
	g, ok := eng.graphs[key]
	eng.graphMu.RUnlock()
	if ok {
		return g, nil
	}

	d, err := eng.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	g, err = definition.Compile(d)
	if err != nil {
		return nil, fmt.Errorf("compile stored definition %s: %w", key, err)
	}

	eng.graphMu.Lock()
	eng.graphs[key] = g
	eng.graphMu.Unlock()
	return g, nil
}

// isConflict reports whether err is an optimistic concurrency failure.
func isConflict(err error) bool {
	return errors.Is(err, orchestra.ErrRevisionConflict)
}
