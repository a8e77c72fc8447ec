package extension

import (
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/plugin"
	"github.com/xraph/creditledger/store"
)

// Option configures the credit ledger Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger engine, bypassing
// config-driven backend selection.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a ledger.Option through to the underlying engine.
func WithEngineOption(opt ledger.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, ledger.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMemoryStore selects the in-memory backend.
func WithMemoryStore() Option {
	return func(e *Extension) { e.config.Store = StoreMemory }
}

// WithSQLiteStore selects the sqlite backend at the given path.
func WithSQLiteStore(path string) Option {
	return func(e *Extension) {
		e.config.Store = StoreSQLite
		e.config.SQLitePath = path
	}
}

// WithPostgresStore selects the postgres backend with the given DSN.
func WithPostgresStore(dsn string) Option {
	return func(e *Extension) {
		e.config.Store = StorePostgres
		e.config.PostgresDSN = dsn
	}
}

// WithSweepInterval sets how frequently overdue reservations are expired.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithDistributionThreshold sets the minimum reward pool, in
// micro-units, a distribution will run against.
func WithDistributionThreshold(threshold int64) Option {
	return func(e *Extension) { e.config.DistributionThreshold = threshold }
}

// WithProviderKey sets the hex-encoded Ed25519 public key trusted for
// signed usage report verification.
func WithProviderKey(hexKey string) Option {
	return func(e *Extension) { e.config.ProviderKey = hexKey }
}
