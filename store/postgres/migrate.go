package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	ledger "github.com/xraph/creditledger"
)

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
    version BIGINT NOT NULL DEFAULT 0,
    payout_seq BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
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
    original BIGINT NOT NULL,
    available BIGINT NOT NULL,
    reserved BIGINT NOT NULL,
    consumed BIGINT NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    expires_at BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
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
    amount BIGINT NOT NULL,
    status TEXT NOT NULL,
    allocations JSONB NOT NULL,
    actual_cost BIGINT,
    expires_at BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
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
    amount BIGINT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    reference_id TEXT,
    reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_account ON entries (account_id, created_at);`,
	},
	{
		name: "005_payouts",
		sql: `
CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    amount BIGINT NOT NULL,
    fee BIGINT NOT NULL,
    net BIGINT NOT NULL,
    address TEXT NOT NULL,
    status TEXT NOT NULL,
    sequence BIGINT NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS treasury (
    id INT PRIMARY KEY CHECK (id = 1),
    version BIGINT NOT NULL
);
INSERT INTO treasury (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;`,
	},
	{
		name: "006_rules",
		sql: `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    version BIGINT NOT NULL,
    status TEXT NOT NULL,
    weight1 BIGINT NOT NULL,
    weight2 BIGINT NOT NULL,
    weight3 BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_active
    ON rules (status) WHERE status = 'active';
CREATE TABLE IF NOT EXISTS rule_audit (
    seq BIGSERIAL PRIMARY KEY,
    rule_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    occurred_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_audit_rule ON rule_audit (rule_id, seq);`,
	},
	{
		name: "007_distributions",
		sql: `
CREATE TABLE IF NOT EXISTS distributions (
    id TEXT PRIMARY KEY,
    period TEXT NOT NULL UNIQUE,
    pool BIGINT NOT NULL,
    total_score BIGINT NOT NULL,
    entries JSONB NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);`,
	},
	{
		name: "008_reports",
		sql: `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    reservation_id TEXT NOT NULL,
    accepted_at BIGINT NOT NULL
);`,
	},
}

// Migrate applies pending schema migrations in order, each in its own
// transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
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

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("%w: begin %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: exec %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			m.name,
			toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: record %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: commit %s: %v", ledger.ErrMigrationFailed, m.name, err)
		}
	}

	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.pool.QueryRow(
		ctx,
		`SELECT 1 FROM schema_migrations WHERE name = $1`,
		name,
	).Scan(&found)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
