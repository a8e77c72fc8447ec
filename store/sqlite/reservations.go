package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/types"
)

// CreateReservation selects lots FIFO, moves the drawn amounts from
// available to reserved, and inserts the reservation row, all in one
// transaction. The partial unique index on (account_id, pool) for
// pending rows turns a concurrent double-reserve into a constraint
// error.
func (s *Store) CreateReservation(ctx context.Context, res *reservation.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin reserve tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, res.AccountID.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	} else if err != nil {
		return fmt.Errorf("sqlite: check account: %w", err)
	}

	lots, err := listLotsTx(ctx, tx, res.AccountID, res.Pool)
	if err != nil {
		return err
	}

	result, ok := lot.AllocateFIFO(lots, res.Amount)
	if !ok {
		return ledger.ErrInsufficientBalance
	}

	now := toMillis(time.Now())
	for _, d := range result.Draws {
		outcome, err := tx.ExecContext(
			ctx,
			`UPDATE lots
			 SET available = available - ?, reserved = reserved + ?, updated_at = ?
			 WHERE id = ? AND available >= ?`,
			int64(d.Amount),
			int64(d.Amount),
			now,
			d.LotID.String(),
			int64(d.Amount),
		)
		if err != nil {
			return fmt.Errorf("sqlite: draw from lot: %w", err)
		}
		affected, err := outcome.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: draw from lot: %w", err)
		}
		if affected == 0 {
			return ledger.ErrStaleState
		}
	}

	allocations, err := json.Marshal(result.Draws)
	if err != nil {
		return fmt.Errorf("sqlite: marshal allocations: %w", err)
	}

	var expiresAt any
	if res.ExpiresAt != nil {
		expiresAt = toMillis(*res.ExpiresAt)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO reservations (id, account_id, pool, amount, status, allocations, actual_cost, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		res.ID.String(),
		res.AccountID.String(),
		string(res.Pool),
		int64(res.Amount),
		string(reservation.StatusPending),
		string(allocations),
		expiresAt,
		toMillis(res.CreatedAt),
		toMillis(res.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrReservationActive
		}
		return fmt.Errorf("sqlite: insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit reserve: %w", err)
	}

	res.Allocations = result.Draws
	res.Status = reservation.StatusPending
	return nil
}

func (s *Store) GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx, selectReservationSQL+` WHERE id = ?`, resID.String())
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	return res, err
}

// FinalizeReservation settles the reservation at actualCost. Replays
// with the stored cost reconstruct the original result; replays with a
// different cost are conflicts.
func (s *Store) FinalizeReservation(ctx context.Context, resID id.ReservationID, actualCost types.Micro) (*reservation.FinalizeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin finalize tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, selectReservationSQL+` WHERE id = ?`, resID.String())
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	} else if err != nil {
		return nil, err
	}

	switch res.Status {
	case reservation.StatusFinalized:
		if res.ActualCost == nil || *res.ActualCost != actualCost {
			return nil, ledger.ErrConflict
		}
		return &reservation.FinalizeResult{
			ReservationID: res.ID,
			ActualCost:    actualCost,
			Surplus:       res.Amount - actualCost,
			Settlements:   reservation.Settle(res.Allocations, actualCost),
			Replayed:      true,
		}, nil
	case reservation.StatusReleased, reservation.StatusExpired:
		return nil, ledger.ErrInvalidState
	}

	if actualCost > res.Amount {
		return nil, ledger.ErrInvalidAmount
	}

	settlements := reservation.Settle(res.Allocations, actualCost)
	now := toMillis(time.Now())
	for _, st := range settlements {
		outcome, err := tx.ExecContext(
			ctx,
			`UPDATE lots
			 SET reserved = reserved - ?, consumed = consumed + ?, available = available + ?, updated_at = ?
			 WHERE id = ? AND reserved >= ?`,
			int64(st.Consumed+st.Released),
			int64(st.Consumed),
			int64(st.Released),
			now,
			st.LotID.String(),
			int64(st.Consumed+st.Released),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: settle lot: %w", err)
		}
		affected, err := outcome.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: settle lot: %w", err)
		}
		if affected == 0 {
			return nil, ledger.ErrStaleState
		}
	}

	outcome, err := tx.ExecContext(
		ctx,
		`UPDATE reservations
		 SET status = ?, actual_cost = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(reservation.StatusFinalized),
		int64(actualCost),
		now,
		resID.String(),
		string(reservation.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: finalize reservation: %w", err)
	}
	affected, err := outcome.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: finalize reservation: %w", err)
	}
	if affected == 0 {
		return nil, ledger.ErrStaleState
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit finalize: %w", err)
	}

	return &reservation.FinalizeResult{
		ReservationID: res.ID,
		ActualCost:    actualCost,
		Surplus:       res.Amount - actualCost,
		Settlements:   settlements,
	}, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, resID id.ReservationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin release tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, selectReservationSQL+` WHERE id = ?`, resID.String())
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrReservationNotFound
	} else if err != nil {
		return err
	}
	if res.Status != reservation.StatusPending {
		return ledger.ErrInvalidState
	}

	if err := releaseHoldsTx(ctx, tx, res, reservation.StatusReleased); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit release: %w", err)
	}
	return nil
}

func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin expire tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.QueryContext(
		ctx,
		selectReservationSQL+` WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(reservation.StatusPending),
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: list overdue reservations: %w", err)
	}

	overdue := make([]*reservation.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		overdue = append(overdue, res)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sqlite: iterate overdue reservations: %w", err)
	}
	rows.Close()

	for _, res := range overdue {
		if err := releaseHoldsTx(ctx, tx, res, reservation.StatusExpired); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit expire: %w", err)
	}
	return len(overdue), nil
}

// releaseHoldsTx reverses a pending reservation's draws and marks it
// with the given terminal status, guarded on the pending state.
func releaseHoldsTx(ctx context.Context, tx *sql.Tx, res *reservation.Reservation, to reservation.Status) error {
	now := toMillis(time.Now())
	for _, d := range res.Allocations {
		outcome, err := tx.ExecContext(
			ctx,
			`UPDATE lots
			 SET reserved = reserved - ?, available = available + ?, updated_at = ?
			 WHERE id = ? AND reserved >= ?`,
			int64(d.Amount),
			int64(d.Amount),
			now,
			d.LotID.String(),
			int64(d.Amount),
		)
		if err != nil {
			return fmt.Errorf("sqlite: release lot hold: %w", err)
		}
		affected, err := outcome.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: release lot hold: %w", err)
		}
		if affected == 0 {
			return ledger.ErrStaleState
		}
	}

	outcome, err := tx.ExecContext(
		ctx,
		`UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to),
		now,
		res.ID.String(),
		string(reservation.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("sqlite: release reservation: %w", err)
	}
	affected, err := outcome.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: release reservation: %w", err)
	}
	if affected == 0 {
		return ledger.ErrStaleState
	}
	return nil
}

func listLotsTx(ctx context.Context, tx *sql.Tx, accountID id.AccountID, pool account.Pool) ([]*lot.Lot, error) {
	rows, err := tx.QueryContext(
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

const selectReservationSQL = `SELECT id, account_id, pool, amount, status, allocations, actual_cost, expires_at, created_at, updated_at
	FROM reservations`

func scanReservation(row rowScanner) (*reservation.Reservation, error) {
	var (
		res         reservation.Reservation
		rawID       string
		rawAcct     string
		pool        string
		status      string
		allocations string
		actualCost  sql.NullInt64
		expiresAt   sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&rawID, &rawAcct, &pool, &res.Amount, &status, &allocations, &actualCost, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan reservation: %w", err)
	}
	if res.ID, err = id.ParseReservationID(rawID); err != nil {
		return nil, fmt.Errorf("sqlite: scan reservation: %w", err)
	}
	if res.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("sqlite: scan reservation: %w", err)
	}
	res.Pool = account.Pool(pool)
	res.Status = reservation.Status(status)
	if err := json.Unmarshal([]byte(allocations), &res.Allocations); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal allocations: %w", err)
	}
	if actualCost.Valid {
		cost := types.Micro(actualCost.Int64)
		res.ActualCost = &cost
	}
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		res.ExpiresAt = &t
	}
	res.CreatedAt = fromMillis(createdAt)
	res.UpdatedAt = fromMillis(updatedAt)
	return &res, nil
}
