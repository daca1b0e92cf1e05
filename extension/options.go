package extension

import (
	"log/slog"

	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store"
)

// ExtOption configures the Orchestra Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend. A memory store is used otherwise.
func WithStore(s store.Store) ExtOption {
	return func(e *Extension) { e.store = s }
}

// WithExtension registers a lifecycle hook extension on the engine.
func WithExtension(x ext.Extension) ExtOption {
	return func(e *Extension) {
		e.exts = append(e.exts, x)
	}
}

// WithBackoff sets the fallback retry backoff strategy.
func WithBackoff(b backoff.Strategy) ExtOption {
	return func(e *Extension) { e.bo = b }
}

// WithQueueConfig sets per task type poll limits.
func WithQueueConfig(configs ...queue.Config) ExtOption {
	return func(e *Extension) {
		e.queues = append(e.queues, configs...)
	}
}

// WithDefinition registers d when the extension starts.
func WithDefinition(d *definition.Definition) ExtOption {
	return func(e *Extension) {
		e.defs = append(e.defs, d)
	}
}

// WithConfig sets the extension configuration directly.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes disables the registration of HTTP routes.
func WithDisableRoutes() ExtOption {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate disables auto-migration on start.
func WithDisableMigrate() ExtOption {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
func WithRequireConfig(require bool) ExtOption {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithLogger sets the structured logger for the engine.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) { e.logger = l }
}
