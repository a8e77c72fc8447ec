package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ledger "github.com/xraph/creditledger"
)

// migration is one named, forward-only schema step. Steps are applied
// in slice order and recorded in schema_migrations, so Migrate is safe
// to run on every start.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_accounts",
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 0,
    payout_seq INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (entity_type, entity_id)
);`,
	},
	{
		name: "002_lots",
		sql: `
CREATE TABLE IF NOT EXISTS lots (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    pool TEXT NOT NULL,
    original INTEGER NOT NULL,
    available INTEGER NOT NULL,
    reserved INTEGER NOT NULL,
    consumed INTEGER NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    expires_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (source_type, source_id),
    CHECK (available >= 0 AND reserved >= 0 AND consumed >= 0),
    CHECK (available + reserved + consumed = original)
);
CREATE INDEX IF NOT EXISTS idx_lots_account_pool ON lots (account_id, pool, created_at);`,
	},
	{
		name: "003_reservations",
		sql: `
CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    pool TEXT NOT NULL,
    amount INTEGER NOT NULL,
    status TEXT NOT NULL,
    allocations TEXT NOT NULL,
    actual_cost INTEGER,
    expires_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_pending
    ON reservations (account_id, pool) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_reservations_expiry
    ON reservations (expires_at) WHERE status = 'pending';`,
	},
	{
		name: "004_entries",
		sql: `
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    pool TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount INTEGER NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    reference_id TEXT,
    reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_account ON entries (account_id, created_at);`,
	},
	{
		name: "005_payouts",
		sql: `
CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    amount INTEGER NOT NULL,
    fee INTEGER NOT NULL,
    net INTEGER NOT NULL,
    address TEXT NOT NULL,
    status TEXT NOT NULL,
    sequence INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS treasury (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL
);
INSERT OR IGNORE INTO treasury (id, version) VALUES (1, 0);`,
	},
	{
		name: "006_rules",
		sql: `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    status TEXT NOT NULL,
    weight1 INTEGER NOT NULL,
    weight2 INTEGER NOT NULL,
    weight3 INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_active
    ON rules (status) WHERE status = 'active';
CREATE TABLE IF NOT EXISTS rule_audit (
    rule_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_audit_rule ON rule_audit (rule_id, occurred_at);`,
	},
	{
		name: "007_distributions",
		sql: `
CREATE TABLE IF NOT EXISTS distributions (
    id TEXT PRIMARY KEY,
    period TEXT NOT NULL UNIQUE,
    pool INTEGER NOT NULL,
    total_score INTEGER NOT NULL,
    entries TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);`,
	},
	{
		name: "008_reports",
		sql: `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    reservation_id TEXT NOT NULL,
    accepted_at INTEGER NOT NULL
);`,
	},
}

// Migrate applies pending schema migrations in order, each in its own
// transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("%w: ensure migration table: %v", ledger.ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.name)
		if err != nil {
			return fmt.Errorf("%w: check %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if applied {
			continue
		}

		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: exec %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name,
			toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: record %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
	}

	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM schema_migrations WHERE name = ?`,
		name,
	).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
