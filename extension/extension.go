// Package extension provides the Forge extension adapter for the
// credit ledger.
//
// It implements the forge.Extension interface to integrate the ledger
// engine into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.creditledger" or
// "creditledger" keys.
package extension

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/store/memory"
	"github.com/xraph/creditledger/store/postgres"
	"github.com/xraph/creditledger/store/sqlite"
	"github.com/xraph/creditledger/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "creditledger"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Credit ledger engine with reservations, payouts and revenue splits"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *ledger.Engine
	store      store.Store
	engineOpts []ledger.Option
}

// New creates a new credit ledger Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine instance.
// This is nil until Register is called.
func (e *Extension) Engine() *ledger.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the ledger engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Build the store from config unless one was provided
	// programmatically.
	if e.store == nil {
		s, err := e.buildStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	e.engine = ledger.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*ledger.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("creditledger: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
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
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("creditledger: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildStore constructs the configured storage backend.
func (e *Extension) buildStore() (store.Store, error) {
	switch e.config.Store {
	case "", StoreMemory:
		return memory.New(), nil

	case StoreSQLite:
		if e.config.SQLitePath == "" {
			return nil, errors.New("creditledger: sqlite backend requires sqlite_path")
		}
		return sqlite.Open(e.config.SQLitePath)

	case StorePostgres:
		if e.config.PostgresDSN == "" {
			return nil, errors.New("creditledger: postgres backend requires postgres_dsn")
		}
		return postgres.Open(context.Background(), e.config.PostgresDSN)

	default:
		return nil, fmt.Errorf("creditledger: unknown store backend %q", e.config.Store)
	}
}

// buildEngineOpts constructs ledger.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]ledger.Option, error) {
	opts := make([]ledger.Option, 0, len(e.engineOpts)+3)

	if e.config.SweepInterval != 0 {
		opts = append(opts, ledger.WithSweepInterval(e.config.SweepInterval))
	}
	if e.config.DistributionThreshold > 0 {
		opts = append(opts, ledger.WithDistributionThreshold(types.Micro(e.config.DistributionThreshold)))
	}
	if e.config.ProviderKey != "" {
		raw, err := hex.DecodeString(e.config.ProviderKey)
		if err != nil {
			return nil, fmt.Errorf("creditledger: decode provider key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("creditledger: provider key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
		}
		opts = append(opts, ledger.WithProviderKey(ed25519.PublicKey(raw)))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("creditledger: configuration is required but not found in config files; " +
				"ensure 'extensions.creditledger' or 'creditledger' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("creditledger: configuration loaded",
		forge.F("store", e.config.Store),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("distribution_threshold", e.config.DistributionThreshold),
		forge.F("provider_key_set", e.config.ProviderKey != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.creditledger" first (namespaced pattern).
	if cm.IsSet("extensions.creditledger") {
		if err := cm.Bind("extensions.creditledger", &cfg); err == nil {
			e.Logger().Debug("creditledger: loaded config from file",
				forge.F("key", "extensions.creditledger"),
			)
			return cfg, true
		}
		e.Logger().Warn("creditledger: failed to bind extensions.creditledger config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "creditledger" key.
	if cm.IsSet("creditledger") {
		if err := cm.Bind("creditledger", &cfg); err == nil {
			e.Logger().Debug("creditledger: loaded config from file",
				forge.F("key", "creditledger"),
			)
			return cfg, true
		}
		e.Logger().Warn("creditledger: failed to bind creditledger config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Store == "" {
		cfg.Store = defaults.Store
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.Store == "" && programmaticConfig.Store != "" {
		yamlConfig.Store = programmaticConfig.Store
	}
	if yamlConfig.SQLitePath == "" && programmaticConfig.SQLitePath != "" {
		yamlConfig.SQLitePath = programmaticConfig.SQLitePath
	}
	if yamlConfig.PostgresDSN == "" && programmaticConfig.PostgresDSN != "" {
		yamlConfig.PostgresDSN = programmaticConfig.PostgresDSN
	}
	if yamlConfig.ProviderKey == "" && programmaticConfig.ProviderKey != "" {
		yamlConfig.ProviderKey = programmaticConfig.ProviderKey
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.SweepInterval == 0 && programmaticConfig.SweepInterval != 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.DistributionThreshold == 0 && programmaticConfig.DistributionThreshold != 0 {
		yamlConfig.DistributionThreshold = programmaticConfig.DistributionThreshold
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
