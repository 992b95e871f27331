package extension

import "time"

// Config holds the Core extension configuration. Fields can be set
// programmatically via Option functions or loaded from YAML
// configuration files (under "extensions.core" or "core" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for core routes (default: "/core").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// RevalidateAfter controls how far in the future a freshly computed
	// entitlement's next revalidation is scheduled (default: 60s).
	RevalidateAfter time.Duration `json:"revalidate_after" mapstructure:"revalidate_after" yaml:"revalidate_after"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:        "/core",
		RevalidateAfter: 60 * time.Second,
	}
}
