package extension

import "github.com/xraph/orchestra"

// Config holds configuration for the Orchestra Forge extension.
type Config struct {
	// DisableRoutes skips HTTP route registration. Useful when the app only
	// runs the engine and embedded workers.
	DisableRoutes bool `default:"false" json:"disable_routes"`

	// DisableMigrate disables auto-migration on start.
	DisableMigrate bool `default:"false" json:"disable_migrate"`

	// RequireConfig makes Register fail when no config key is present.
	RequireConfig bool `json:"require_config"`

	// BasePath prefixes the API routes. Empty means /v1; "/" mounts them at
	// the root.
	BasePath string `json:"base_path"`

	// Definitions are YAML definition files registered on start.
	Definitions []string `json:"definitions"`

	// Engine holds the core orchestrator configuration. Zero fields keep
	// their defaults.
	Engine orchestra.Config `json:"engine"`
}

// DefaultConfig returns the extension defaults.
func DefaultConfig() Config {
	return Config{Engine: orchestra.DefaultConfig()}
}
