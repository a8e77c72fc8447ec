package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/types"
)

// CreateReservation selects lots FIFO under row locks, moves the drawn
// amounts from available to reserved, and inserts the reservation row,
// all in one transaction. The partial unique index on pending
// (account_id, pool) turns a concurrent double-reserve into a unique
// violation.
func (s *Store) CreateReservation(ctx context.Context, res *reservation.Reservation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE id = $1`, res.AccountID.String()).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrAccountNotFound
	} else if err != nil {
		return fmt.Errorf("postgres: check account: %w", err)
	}

	rows, err := tx.Query(
		ctx,
		selectLotSQL+` WHERE account_id = $1 AND pool = $2 ORDER BY created_at ASC, id ASC FOR UPDATE`,
		res.AccountID.String(),
		string(res.Pool),
	)
	if err != nil {
		return fmt.Errorf("postgres: lock lots: %w", err)
	}
	lots, err := collectLots(rows)
	if err != nil {
		return err
	}

	result, ok := lot.AllocateFIFO(lots, res.Amount)
	if !ok {
		return ledger.ErrInsufficientBalance
	}

	now := toMillis(time.Now())
	for _, d := range result.Draws {
		tag, err := tx.Exec(
			ctx,
			`UPDATE lots
			 SET available = available - $1, reserved = reserved + $1, updated_at = $2
			 WHERE id = $3 AND available >= $1`,
			int64(d.Amount),
			now,
			d.LotID.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: draw from lot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrStaleState
		}
	}

	allocations, err := json.Marshal(result.Draws)
	if err != nil {
		return fmt.Errorf("postgres: marshal allocations: %w", err)
	}

	var expiresAt *int64
	if res.ExpiresAt != nil {
		millis := toMillis(*res.ExpiresAt)
		expiresAt = &millis
	}
	_, err = tx.Exec(
		ctx,
		`INSERT INTO reservations (id, account_id, pool, amount, status, allocations, actual_cost, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9)`,
		res.ID.String(),
		res.AccountID.String(),
		string(res.Pool),
		int64(res.Amount),
		string(reservation.StatusPending),
		allocations,
		expiresAt,
		toMillis(res.CreatedAt),
		toMillis(res.UpdatedAt),
	)
	if err != nil {
		if uniqueViolation(err) {
			return ledger.ErrReservationActive
		}
		return fmt.Errorf("postgres: insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit reserve: %w", err)
	}

	res.Allocations = result.Draws
	res.Status = reservation.StatusPending
	return nil
}

func (s *Store) GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	row := s.pool.QueryRow(ctx, selectReservationSQL+` WHERE id = $1`, resID.String())
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	return res, err
}

func (s *Store) FinalizeReservation(ctx context.Context, resID id.ReservationID, actualCost types.Micro) (*reservation.FinalizeResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("postgres: begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, selectReservationSQL+` WHERE id = $1 FOR UPDATE`, resID.String())
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
		tag, err := tx.Exec(
			ctx,
			`UPDATE lots
			 SET reserved = reserved - $1, consumed = consumed + $2, available = available + $3, updated_at = $4
			 WHERE id = $5 AND reserved >= $1`,
			int64(st.Consumed+st.Released),
			int64(st.Consumed),
			int64(st.Released),
			now,
			st.LotID.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: settle lot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ledger.ErrStaleState
		}
	}

	tag, err := tx.Exec(
		ctx,
		`UPDATE reservations
		 SET status = $1, actual_cost = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(reservation.StatusFinalized),
		int64(actualCost),
		now,
		resID.String(),
		string(reservation.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: finalize reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ledger.ErrStaleState
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit finalize: %w", err)
	}

	return &reservation.FinalizeResult{
		ReservationID: res.ID,
		ActualCost:    actualCost,
		Surplus:       res.Amount - actualCost,
		Settlements:   settlements,
	}, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, resID id.ReservationID) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, selectReservationSQL+` WHERE id = $1 FOR UPDATE`, resID.String())
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit release: %w", err)
	}
	return nil
}

func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("postgres: begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(
		ctx,
		selectReservationSQL+` WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2 FOR UPDATE`,
		string(reservation.StatusPending),
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: list overdue reservations: %w", err)
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
		return 0, fmt.Errorf("postgres: iterate overdue reservations: %w", err)
	}
	rows.Close()

	for _, res := range overdue {
		if err := releaseHoldsTx(ctx, tx, res, reservation.StatusExpired); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit expire: %w", err)
	}
	return len(overdue), nil
}

func releaseHoldsTx(ctx context.Context, tx pgx.Tx, res *reservation.Reservation, to reservation.Status) error {
	now := toMillis(time.Now())
	for _, d := range res.Allocations {
		tag, err := tx.Exec(
			ctx,
			`UPDATE lots
			 SET reserved = reserved - $1, available = available + $1, updated_at = $2
			 WHERE id = $3 AND reserved >= $1`,
			int64(d.Amount),
			now,
			d.LotID.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: release lot hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrStaleState
		}
	}

	tag, err := tx.Exec(
		ctx,
		`UPDATE reservations SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to),
		now,
		res.ID.String(),
		string(reservation.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("postgres: release reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrStaleState
	}
	return nil
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
		allocations []byte
		actualCost  *int64
		expiresAt   *int64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&rawID, &rawAcct, &pool, &res.Amount, &status, &allocations, &actualCost, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan reservation: %w", err)
	}
	if res.ID, err = id.ParseReservationID(rawID); err != nil {
		return nil, fmt.Errorf("postgres: scan reservation: %w", err)
	}
	if res.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("postgres: scan reservation: %w", err)
	}
	res.Pool = account.Pool(pool)
	res.Status = reservation.Status(status)
	if err := json.Unmarshal(allocations, &res.Allocations); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal allocations: %w", err)
	}
	if actualCost != nil {
		cost := types.Micro(*actualCost)
		res.ActualCost = &cost
	}
	if expiresAt != nil {
		t := fromMillis(*expiresAt)
		res.ExpiresAt = &t
	}
	res.CreatedAt = fromMillis(createdAt)
	res.UpdatedAt = fromMillis(updatedAt)
	return &res, nil
}
