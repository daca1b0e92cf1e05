// Package extension mounts Orchestra into a Forge application.
//
// The extension builds the engine and gateway on Register, provides both
// through the app's DI container, registers the HTTP routes, and runs
// migrations and definition registration on Start.
//
// Configuration can be provided programmatically via ExtOption functions
// or in the app config under the "extensions.orchestra" or "orchestra" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/api"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store"
	"github.com/xraph/orchestra/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "orchestra"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Durable DAG workflow orchestration with external workers"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

var _ forge.Extension = (*Extension)(nil)

// Extension adapts Orchestra as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	store      store.Store
	eng        *engine.Engine
	gw         *gateway.Gateway
	apiHandler *api.API
	logger     *slog.Logger
	exts       []ext.Extension
	queues     []queue.Config
	defs       []*definition.Definition
	bo         backoff.Strategy
}

// New creates an Orchestra Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the engine. It is nil until Register is called.
func (e *Extension) Engine() *engine.Engine { return e.eng }

// Gateway returns the worker gateway. It is nil until Register is called.
func (e *Extension) Gateway() *gateway.Gateway { return e.gw }

// API returns the API handler.
func (e *Extension) API() *api.API { return e.apiHandler }

// Register implements [forge.Extension].
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}
	if err := e.loadConfiguration(); err != nil {
		return err
	}
	if err := e.init(fapp); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*engine.Engine, error) {
		return e.eng, nil
	}); err != nil {
		return fmt.Errorf("orchestra: register engine in container: %w", err)
	}
	if err := vessel.Provide(fapp.Container(), func() (*gateway.Gateway, error) {
		return e.gw, nil
	}); err != nil {
		return fmt.Errorf("orchestra: register gateway in container: %w", err)
	}
	return nil
}

func (e *Extension) init(fapp forge.App) error {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}
	if e.store == nil {
		e.store = memory.New()
	}

	o, err := orchestra.New(
		orchestra.WithConfig(e.config.Engine),
		orchestra.WithStore(e.store),
		orchestra.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("orchestra: create orchestrator: %w", err)
	}

	engOpts := make([]engine.Option, 0, len(e.exts)+2)
	for _, x := range e.exts {
		engOpts = append(engOpts, engine.WithExtension(x))
	}
	if len(e.queues) > 0 {
		engOpts = append(engOpts, engine.WithQueueConfig(e.queues...))
	}
	if e.bo != nil {
		engOpts = append(engOpts, engine.WithBackoff(e.bo))
	}

	e.eng, err = engine.Build(o, engOpts...)
	if err != nil {
		return fmt.Errorf("orchestra: build engine: %w", err)
	}
	e.gw = gateway.New(e.eng)
	var apiOpts []api.Option
	if e.config.BasePath != "" {
		apiOpts = append(apiOpts, api.WithBasePath(e.config.BasePath))
	}
	e.apiHandler = api.New(e.eng, e.gw, fapp.Router(), apiOpts...)

	if !e.config.DisableRoutes {
		e.apiHandler.RegisterRoutes(fapp.Router())
	}
	return nil
}

// Start migrates the store, registers definitions and starts the engine.
func (e *Extension) Start(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("orchestra: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("orchestra: migration failed: %w", err)
		}
	}

	defs := e.defs
	for _, path := range e.config.Definitions {
		loaded, err := definition.LoadFile(path)
		if err != nil {
			return fmt.Errorf("orchestra: load %s: %w", path, err)
		}
		defs = append(defs, loaded...)
	}
	for _, d := range defs {
		if err := e.eng.RegisterDefinition(ctx, d); err != nil && !errors.Is(err, orchestra.ErrDefinitionExists) {
			return fmt.Errorf("orchestra: register %s v%d: %w", d.Name, d.Version, err)
		}
	}

	if err := e.eng.Start(ctx); err != nil {
		return err
	}
	e.MarkStarted()
	return nil
}

// Stop gracefully shuts down the engine.
func (e *Extension) Stop(ctx context.Context) error {
	if e.eng == nil {
		e.MarkStopped()
		return nil
	}
	err := e.eng.Stop(ctx)
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("orchestra: extension not initialized")
	}
	return e.store.Ping(ctx)
}

// Handler returns the HTTP handler for all API routes, for use outside
// Forge.
func (e *Extension) Handler() http.Handler {
	if e.apiHandler == nil {
		return http.NotFoundHandler()
	}
	return e.apiHandler.Handler()
}

// RegisterRoutes registers all API routes into a Forge router.
func (e *Extension) RegisterRoutes(router forge.Router) {
	if e.apiHandler != nil {
		e.apiHandler.RegisterRoutes(router)
	}
}

// loadConfiguration merges file config with programmatic options.
func (e *Extension) loadConfiguration() error {
	programmatic := e.config

	fileConfig, loaded := e.tryLoadFromConfigFile()
	if !loaded {
		if programmatic.RequireConfig {
			return errors.New("orchestra: configuration is required but not found in config files; " +
				"ensure 'extensions.orchestra' or 'orchestra' key exists in your config")
		}
		e.config = mergeWithDefaults(programmatic)
	} else {
		e.config = mergeConfigurations(fileConfig, programmatic)
	}

	e.Logger().Debug("orchestra: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("definitions", len(e.config.Definitions)),
	)
	return nil
}

func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	for _, key := range []string{"extensions.orchestra", "orchestra"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("orchestra: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("orchestra: failed to bind config", forge.F("key", key))
	}
	return Config{}, false
}

// mergeWithDefaults fills zero engine settings with defaults.
func mergeWithDefaults(cfg Config) Config {
	d := orchestra.DefaultConfig()
	c := &cfg.Engine
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DefaultLease <= 0 {
		c.DefaultLease = d.DefaultLease
	}
	if c.MaxLease <= 0 {
		c.MaxLease = d.MaxLease
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = d.DefaultTaskTimeout
	}
	if c.MaxPollCount <= 0 {
		c.MaxPollCount = d.MaxPollCount
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return cfg
}

// mergeConfigurations lets file config win, with programmatic bool flags
// and definitions added on top.
func mergeConfigurations(file, programmatic Config) Config {
	if programmatic.DisableRoutes {
		file.DisableRoutes = true
	}
	if programmatic.DisableMigrate {
		file.DisableMigrate = true
	}
	file.Definitions = append(file.Definitions, programmatic.Definitions...)
	return mergeWithDefaults(file)
}
