// Package postgres provides a PostgreSQL-backed store implementation
// built on pgx connection pools. It carries the same transactional
// guarantees as the sqlite backend: one transaction per mutating
// method, unique constraints for idempotency, and compare-and-swap
// updates for state machine guards.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/types"
)

// Store persists credit ledger state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a PostgreSQL store. Call Migrate before first use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// uniqueViolation reports whether err is a unique or exclusion
// constraint violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

// Account methods

func (s *Store) CreateOrGetAccount(ctx context.Context, a *account.Account) (*account.Account, error) {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO accounts (id, entity_type, entity_id, version, payout_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4, $5)
		 ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		a.ID.String(),
		string(a.EntityType),
		a.EntityID,
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: create account: %w", err)
	}

	row := s.pool.QueryRow(
		ctx,
		selectAccountSQL+` WHERE entity_type = $1 AND entity_id = $2`,
		string(a.EntityType),
		a.EntityID,
	)
	return scanAccount(row)
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	row := s.pool.QueryRow(ctx, selectAccountSQL+` WHERE id = $1`, accountID.String())
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	return a, err
}

const selectAccountSQL = `SELECT id, entity_type, entity_id, version, payout_seq, created_at, updated_at
	FROM accounts`

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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan account: %w", err)
	}
	a.ID, err = id.ParseAccountID(rawID)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan account: %w", err)
	}
	a.EntityType = account.EntityType(entityType)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// Lot methods

func (s *Store) MintLot(ctx context.Context, l *lot.Lot, e *entry.Entry) (*lot.Lot, error) {
	if existing, err := s.getLotBySource(ctx, l.SourceType, l.SourceID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrLotNotFound) {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("postgres: begin mint tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := insertLot(ctx, tx, l); err != nil {
		if uniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return s.getLotBySource(ctx, l.SourceType, l.SourceID)
		}
		return nil, fmt.Errorf("postgres: insert lot: %w", err)
	}
	if err := insertEntry(ctx, tx, e); err != nil {
		if uniqueViolation(err) {
			return nil, ledger.ErrConflict
		}
		return nil, fmt.Errorf("postgres: insert mint entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit mint: %w", err)
	}
	return l, nil
}

func (s *Store) getLotBySource(ctx context.Context, sourceType, sourceID string) (*lot.Lot, error) {
	row := s.pool.QueryRow(
		ctx,
		selectLotSQL+` WHERE source_type = $1 AND source_id = $2`,
		sourceType,
		sourceID,
	)
	l, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrLotNotFound
	}
	return l, err
}

func (s *Store) GetLot(ctx context.Context, lotID id.LotID) (*lot.Lot, error) {
	row := s.pool.QueryRow(ctx, selectLotSQL+` WHERE id = $1`, lotID.String())
	l, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrLotNotFound
	}
	return l, err
}

func (s *Store) ListLots(ctx context.Context, accountID id.AccountID, pool account.Pool) ([]*lot.Lot, error) {
	rows, err := s.pool.Query(
		ctx,
		selectLotSQL+` WHERE account_id = $1 AND pool = $2 ORDER BY created_at ASC, id ASC`,
		accountID.String(),
		string(pool),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lots: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

func (s *Store) GetBalance(ctx context.Context, accountID id.AccountID, pool account.Pool) (types.Balance, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT COALESCE(SUM(available), 0)::bigint, COALESCE(SUM(reserved), 0)::bigint
		 FROM lots
		 WHERE account_id = $1 AND pool = $2`,
		accountID.String(),
		string(pool),
	)
	var b types.Balance
	if err := row.Scan(&b.Available, &b.Reserved); err != nil {
		return types.Balance{}, fmt.Errorf("postgres: get balance: %w", err)
	}
	return b, nil
}

const selectLotSQL = `SELECT id, account_id, pool, original, available, reserved, consumed,
	source_type, source_id, expires_at, created_at, updated_at
	FROM lots`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLot(ctx context.Context, ex execer, l *lot.Lot) error {
	var expiresAt *int64
	if l.ExpiresAt != nil {
		millis := toMillis(*l.ExpiresAt)
		expiresAt = &millis
	}
	_, err := ex.Exec(
		ctx,
		`INSERT INTO lots (id, account_id, pool, original, available, reserved, consumed,
		 source_type, source_id, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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
		expiresAt *int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &rawAcct, &pool, &l.Original, &l.Available, &l.Reserved, &l.Consumed,
		&l.SourceType, &l.SourceID, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan lot: %w", err)
	}
	if l.ID, err = id.ParseLotID(rawID); err != nil {
		return nil, fmt.Errorf("postgres: scan lot: %w", err)
	}
	if l.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("postgres: scan lot: %w", err)
	}
	l.Pool = account.Pool(pool)
	if expiresAt != nil {
		t := fromMillis(*expiresAt)
		l.ExpiresAt = &t
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

func collectLots(rows pgx.Rows) ([]*lot.Lot, error) {
	result := make([]*lot.Lot, 0)
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate lots: %w", err)
	}
	return result, nil
}

// Entry methods

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, opts store.EntryListOpts) ([]*entry.Entry, error) {
	query := `SELECT id, account_id, pool, kind, amount, idempotency_key, reference_id, reason, created_at, updated_at
		FROM entries
		WHERE account_id = $1`
	args := []any{accountID.String()}
	if opts.Kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(opts.Kind))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries: %w", err)
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
		return nil, fmt.Errorf("postgres: iterate entries: %w", err)
	}
	return result, nil
}

func insertEntry(ctx context.Context, ex execer, e *entry.Entry) error {
	var refID *string
	if !e.ReferenceID.IsNil() {
		v := e.ReferenceID.String()
		refID = &v
	}
	_, err := ex.Exec(
		ctx,
		`INSERT INTO entries (id, account_id, pool, kind, amount, idempotency_key, reference_id, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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
		refID     *string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &rawAcct, &pool, &kind, &e.Amount, &e.IdempotencyKey, &refID, &e.Reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan entry: %w", err)
	}
	if e.ID, err = id.Parse(rawID); err != nil {
		return nil, fmt.Errorf("postgres: scan entry: %w", err)
	}
	if e.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("postgres: scan entry: %w", err)
	}
	e.Pool = account.Pool(pool)
	e.Kind = entry.Kind(kind)
	if refID != nil {
		if e.ReferenceID, err = id.Parse(*refID); err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// Report registry

func (s *Store) RegisterReport(ctx context.Context, reportID id.ReportID, resID id.ReservationID) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO reports (id, reservation_id, accepted_at) VALUES ($1, $2, $3)`,
		reportID.String(),
		resID.String(),
		toMillis(time.Now()),
	)
	if err != nil {
		if uniqueViolation(err) {
			return ledger.ErrReplayedReport
		}
		return fmt.Errorf("postgres: register report: %w", err)
	}
	return nil
}

// Store management

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

var _ store.Store = (*Store)(nil)
