// Package sqlite provides a SQLite-backed store implementation for
// embedded and single-node deployments. Every mutating method runs as
// one transaction; idempotency and exclusivity rules are enforced with
// unique and partial unique indexes rather than application locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/types"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists credit ledger state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store. Call Migrate before first use.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping db: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Account methods

func (s *Store) CreateOrGetAccount(ctx context.Context, a *account.Account) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO accounts (id, entity_type, entity_id, version, payout_seq, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT(entity_type, entity_id) DO NOTHING`,
		a.ID.String(),
		string(a.EntityType),
		a.EntityID,
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create account: %w", err)
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, entity_type, entity_id, version, payout_seq, created_at, updated_at
		 FROM accounts
		 WHERE entity_type = ? AND entity_id = ?`,
		string(a.EntityType),
		a.EntityID,
	)
	return scanAccount(row)
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, entity_type, entity_id, version, payout_seq, created_at, updated_at
		 FROM accounts
		 WHERE id = ?`,
		accountID.String(),
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		a          account.Account
		rawID      string
		entityType string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&rawID, &entityType, &a.EntityID, &a.Version, &a.PayoutSeq, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan account: %w", err)
	}
	a.ID, err = id.ParseAccountID(rawID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan account: %w", err)
	}
	a.EntityType = account.EntityType(entityType)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// Lot methods

func (s *Store) MintLot(ctx context.Context, l *lot.Lot, e *entry.Entry) (*lot.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Fast path: a replayed mint returns the original lot.
	if existing, err := s.getLotBySource(ctx, l.SourceType, l.SourceID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrLotNotFound) {
		return nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin mint tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := insertLot(ctx, tx, l); err != nil {
		if isConstraintError(err) {
			// Lost the race with a concurrent replay.
			_ = tx.Rollback()
			return s.getLotBySource(ctx, l.SourceType, l.SourceID)
		}
		return nil, fmt.Errorf("sqlite: insert lot: %w", err)
	}
	if err := insertEntry(ctx, tx, e); err != nil {
		if isConstraintError(err) {
			return nil, ledger.ErrConflict
		}
		return nil, fmt.Errorf("sqlite: insert mint entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit mint: %w", err)
	}
	return l, nil
}

func (s *Store) getLotBySource(ctx context.Context, sourceType, sourceID string) (*lot.Lot, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		selectLotSQL+` WHERE source_type = ? AND source_id = ?`,
		sourceType,
		sourceID,
	)
	l, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrLotNotFound
	}
	return l, err
}

func (s *Store) GetLot(ctx context.Context, lotID id.LotID) (*lot.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx, selectLotSQL+` WHERE id = ?`, lotID.String())
	l, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrLotNotFound
	}
	return l, err
}

func (s *Store) ListLots(ctx context.Context, accountID id.AccountID, pool account.Pool) ([]*lot.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectLotSQL+` WHERE account_id = ? AND pool = ? ORDER BY created_at ASC, id ASC`,
		accountID.String(),
		string(pool),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list lots: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

func (s *Store) GetBalance(ctx context.Context, accountID id.AccountID, pool account.Pool) (types.Balance, error) {
	if err := ctx.Err(); err != nil {
		return types.Balance{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(available), 0), COALESCE(SUM(reserved), 0)
		 FROM lots
		 WHERE account_id = ? AND pool = ?`,
		accountID.String(),
		string(pool),
	)
	var b types.Balance
	if err := row.Scan(&b.Available, &b.Reserved); err != nil {
		return types.Balance{}, fmt.Errorf("sqlite: get balance: %w", err)
	}
	return b, nil
}

const selectLotSQL = `SELECT id, account_id, pool, original, available, reserved, consumed,
	source_type, source_id, expires_at, created_at, updated_at
	FROM lots`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLot(ctx context.Context, ex execer, l *lot.Lot) error {
	var expiresAt any
	if l.ExpiresAt != nil {
		expiresAt = toMillis(*l.ExpiresAt)
	}
	_, err := ex.ExecContext(
		ctx,
		`INSERT INTO lots (id, account_id, pool, original, available, reserved, consumed,
		 source_type, source_id, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(),
		l.AccountID.String(),
		string(l.Pool),
		int64(l.Original),
		int64(l.Available),
		int64(l.Reserved),
		int64(l.Consumed),
		l.SourceType,
		l.SourceID,
		expiresAt,
		toMillis(l.CreatedAt),
		toMillis(l.UpdatedAt),
	)
	return err
}

func scanLot(row rowScanner) (*lot.Lot, error) {
	var (
		l         lot.Lot
		rawID     string
		rawAcct   string
		pool      string
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &rawAcct, &pool, &l.Original, &l.Available, &l.Reserved, &l.Consumed,
		&l.SourceType, &l.SourceID, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan lot: %w", err)
	}
	if l.ID, err = id.ParseLotID(rawID); err != nil {
		return nil, fmt.Errorf("sqlite: scan lot: %w", err)
	}
	if l.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("sqlite: scan lot: %w", err)
	}
	l.Pool = account.Pool(pool)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		l.ExpiresAt = &t
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

func collectLots(rows *sql.Rows) ([]*lot.Lot, error) {
	result := make([]*lot.Lot, 0)
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate lots: %w", err)
	}
	return result, nil
}

// Entry methods

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, opts store.EntryListOpts) ([]*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := `SELECT id, account_id, pool, kind, amount, idempotency_key, reference_id, reason, created_at, updated_at
		FROM entries
		WHERE account_id = ?`
	args := []any{accountID.String()}
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(opts.Kind))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entries: %w", err)
	}
	defer rows.Close()

	result := make([]*entry.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate entries: %w", err)
	}
	return result, nil
}

func insertEntry(ctx context.Context, ex execer, e *entry.Entry) error {
	var refID any
	if !e.ReferenceID.IsNil() {
		refID = e.ReferenceID.String()
	}
	_, err := ex.ExecContext(
		ctx,
		`INSERT INTO entries (id, account_id, pool, kind, amount, idempotency_key, reference_id, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		e.AccountID.String(),
		string(e.Pool),
		string(e.Kind),
		int64(e.Amount),
		e.IdempotencyKey,
		refID,
		e.Reason,
		toMillis(e.CreatedAt),
		toMillis(e.UpdatedAt),
	)
	return err
}

func scanEntry(row rowScanner) (*entry.Entry, error) {
	var (
		e         entry.Entry
		rawID     string
		rawAcct   string
		pool      string
		kind      string
		refID     sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &rawAcct, &pool, &kind, &e.Amount, &e.IdempotencyKey, &refID, &e.Reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan entry: %w", err)
	}
	if e.ID, err = id.Parse(rawID); err != nil {
		return nil, fmt.Errorf("sqlite: scan entry: %w", err)
	}
	if e.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("sqlite: scan entry: %w", err)
	}
	e.Pool = account.Pool(pool)
	e.Kind = entry.Kind(kind)
	if refID.Valid {
		if e.ReferenceID, err = id.Parse(refID.String); err != nil {
			return nil, fmt.Errorf("sqlite: scan entry: %w", err)
		}
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// Report registry

func (s *Store) RegisterReport(ctx context.Context, reportID id.ReportID, resID id.ReservationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO reports (id, reservation_id, accepted_at) VALUES (?, ?, ?)`,
		reportID.String(),
		resID.String(),
		toMillis(time.Now()),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrReplayedReport
		}
		return fmt.Errorf("sqlite: register report: %w", err)
	}
	return nil
}

// Store management

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

var _ store.Store = (*Store)(nil)
