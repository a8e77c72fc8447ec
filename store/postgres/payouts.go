package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/store"
)

func (s *Store) CreatePayout(ctx context.Context, req *payout.Request) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO payouts (id, account_id, amount, fee, net, address, status, sequence, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID.String(),
		req.AccountID.String(),
		int64(req.Amount),
		int64(req.Fee),
		int64(req.Net),
		req.Address,
		string(req.Status),
		req.Sequence,
		req.Reason,
		toMillis(req.CreatedAt),
		toMillis(req.UpdatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ledger.ErrAccountNotFound
		}
		return fmt.Errorf("postgres: create payout: %w", err)
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Request, error) {
	row := s.pool.QueryRow(ctx, selectPayoutSQL+` WHERE id = $1`, payoutID.String())
	req, err := scanPayout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound
	}
	return req, err
}

// TransitionPayout applies one state machine step as a compare-and-swap
// on the expected prior status, with the escrow entry and treasury bump
// in the same transaction.
func (s *Store) TransitionPayout(ctx context.Context, t store.PayoutTransition) (*payout.TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("postgres: begin payout tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, selectPayoutSQL+` WHERE id = $1 FOR UPDATE`, t.PayoutID.String())
	req, err := scanPayout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound
	} else if err != nil {
		return nil, err
	}
	if req.Status != t.From {
		return nil, ledger.ErrStaleState
	}

	now := toMillis(time.Now())
	if t.EscrowHold {
		if err := tx.QueryRow(
			ctx,
			`UPDATE accounts
			 SET payout_seq = payout_seq + 1, version = version + 1, updated_at = $1
			 WHERE id = $2
			 RETURNING payout_seq`,
			now,
			req.AccountID.String(),
		).Scan(&req.Sequence); err != nil {
			return nil, fmt.Errorf("postgres: bump payout sequence: %w", err)
		}

		if err := insertEntry(ctx, tx, payout.HoldEntry(req)); err != nil {
			if uniqueViolation(err) {
				return nil, ledger.ErrConflict
			}
			return nil, fmt.Errorf("postgres: insert escrow hold: %w", err)
		}
	}
	if t.EscrowRelease {
		if err := insertEntry(ctx, tx, payout.ReleaseEntry(req, t.Reason)); err != nil {
			if uniqueViolation(err) {
				return nil, ledger.ErrConflict
			}
			return nil, fmt.Errorf("postgres: insert escrow release: %w", err)
		}
	}
	if t.BumpTreasury {
		if _, err := tx.Exec(ctx, `UPDATE treasury SET version = version + 1 WHERE id = 1`); err != nil {
			return nil, fmt.Errorf("postgres: bump treasury: %w", err)
		}
	}

	reason := req.Reason
	if t.Reason != "" {
		reason = t.Reason
	}
	tag, err := tx.Exec(
		ctx,
		`UPDATE payouts SET status = $1, sequence = $2, reason = $3, updated_at = $4 WHERE id = $5 AND status = $6`,
		string(t.To),
		req.Sequence,
		reason,
		now,
		t.PayoutID.String(),
		string(t.From),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: transition payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ledger.ErrStaleState
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit payout transition: %w", err)
	}

	return &payout.TransitionResult{
		PayoutID: req.ID,
		From:     t.From,
		To:       t.To,
		Reason:   t.Reason,
	}, nil
}

func (s *Store) TreasuryVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM treasury WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("postgres: treasury version: %w", err)
	}
	return version, nil
}

const selectPayoutSQL = `SELECT id, account_id, amount, fee, net, address, status, sequence, reason, created_at, updated_at
	FROM payouts`

func scanPayout(row rowScanner) (*payout.Request, error) {
	var (
		req       payout.Request
		rawID     string
		rawAcct   string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &rawAcct, &req.Amount, &req.Fee, &req.Net, &req.Address, &status, &req.Sequence, &req.Reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan payout: %w", err)
	}
	if req.ID, err = id.ParsePayoutID(rawID); err != nil {
		return nil, fmt.Errorf("postgres: scan payout: %w", err)
	}
	if req.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("postgres: scan payout: %w", err)
	}
	req.Status = payout.Status(status)
	req.CreatedAt = fromMillis(createdAt)
	req.UpdatedAt = fromMillis(updatedAt)
	return &req, nil
}
