package extension

import "time"

// Store backend identifiers accepted in Config.Store.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds the credit ledger extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.creditledger" or
// "creditledger" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Store selects the storage backend: "memory", "sqlite" or
	// "postgres" (default: "memory").
	Store string `json:"store" mapstructure:"store" yaml:"store"`

	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path" yaml:"sqlite_path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `json:"postgres_dsn" mapstructure:"postgres_dsn" yaml:"postgres_dsn"`

	// SweepInterval is how frequently overdue reservations are expired
	// (default: 1m). Zero keeps the default; a negative value disables
	// the sweep worker.
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// DistributionThreshold is the minimum reward pool, in micro-units,
	// a distribution will run against (default: 0, no floor).
	DistributionThreshold int64 `json:"distribution_threshold" mapstructure:"distribution_threshold" yaml:"distribution_threshold"`

	// ProviderKey is the hex-encoded Ed25519 public key trusted for
	// signed usage report verification. When empty, report settlement
	// is unavailable.
	ProviderKey string `json:"provider_key" mapstructure:"provider_key" yaml:"provider_key"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store:         StoreMemory,
		SweepInterval: time.Minute,
	}
}
