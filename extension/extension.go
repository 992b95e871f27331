// Package extension provides the Forge extension adapter for Core.
//
// It implements the forge.Extension interface to integrate Core into a
// Forge application with automatic dependency discovery, DI
// registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.core" or "core" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	core "github.com/unprice/core"
	"github.com/unprice/core/coupon"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/reconcile"
	"github.com/unprice/core/subscription"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "core"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Entitlement and usage-metering billing engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Core as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config Config
	engine *core.Core

	grants    grant.Store
	storage   entitlement.Storage
	analytics reconcile.AnalyticsCursor
	aclUpdate entitlementsvc.ACLUpdater

	plans    plan.Store
	subs     subscription.Store
	coupons  coupon.Store
	invoices invoice.Store

	svcOpts  []entitlementsvc.Option
	coreOpts []core.Option
}

// New creates a new Core Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Core instance. This is nil until
// Register is called.
func (e *Extension) Engine() *core.Core { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the core engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Default every store to its in-process implementation when the
	// caller didn't supply a production-grade one programmatically.
	if e.grants == nil {
		e.grants = grant.NewMemoryStore()
	}
	if e.storage == nil {
		e.storage = entitlement.NewMemoryStorage(nil, nil)
	}
	if e.plans == nil {
		e.plans = plan.NewMemoryStore()
	}
	if e.subs == nil {
		e.subs = subscription.NewMemoryStore()
	}
	if e.coupons == nil {
		e.coupons = coupon.NewMemoryStore()
	}
	if e.invoices == nil {
		e.invoices = invoice.NewMemoryStore()
	}

	svcOpts := append([]entitlementsvc.Option{
		entitlementsvc.WithRevalidateAfter(e.config.RevalidateAfter),
	}, e.svcOpts...)
	svc := entitlementsvc.New(e.grants, e.storage, e.analytics, e.aclUpdate, svcOpts...)

	eng := core.New(svc, e.grants, e.plans, e.subs, e.coupons, e.invoices, e.coreOpts...)
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*core.Core, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("core: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(_ context.Context) error {
	if e.engine == nil {
		return errors.New("core: engine not initialized")
	}
	return nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("core: configuration is required but not found in config files; " +
				"ensure 'extensions.core' or 'core' key exists in your config")
		}

		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("core: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("revalidate_after", e.config.RevalidateAfter),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	if cm.IsSet("extensions.core") {
		if err := cm.Bind("extensions.core", &cfg); err == nil {
			e.Logger().Debug("core: loaded config from file", forge.F("key", "extensions.core"))
			return cfg, true
		}
		e.Logger().Warn("core: failed to bind extensions.core config", forge.F("error", "bind failed"))
	}

	if cm.IsSet("core") {
		if err := cm.Bind("core", &cfg); err == nil {
			e.Logger().Debug("core: loaded config from file", forge.F("key", "core"))
			return cfg, true
		}
		e.Logger().Warn("core: failed to bind core config", forge.F("error", "bind failed"))
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.RevalidateAfter == 0 {
		cfg.RevalidateAfter = defaults.RevalidateAfter
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags
// fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.BasePath == "" && programmaticConfig.BasePath != "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}

	if yamlConfig.RevalidateAfter == 0 && programmaticConfig.RevalidateAfter != 0 {
		yamlConfig.RevalidateAfter = programmaticConfig.RevalidateAfter
	}

	return e.mergeWithDefaults(yamlConfig)
}
