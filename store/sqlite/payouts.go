package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/store"
)

func (s *Store) CreatePayout(ctx context.Context, req *payout.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO payouts (id, account_id, amount, fee, net, address, status, sequence, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		if isConstraintError(err) {
			return ledger.ErrAccountNotFound
		}
		return fmt.Errorf("sqlite: create payout: %w", err)
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx, selectPayoutSQL+` WHERE id = ?`, payoutID.String())
	req, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound
	}
	return req, err
}

// TransitionPayout applies one state machine step as a compare-and-swap
// on the expected prior status, writing the escrow entry and treasury
// bump the step calls for in the same transaction.
func (s *Store) TransitionPayout(ctx context.Context, t store.PayoutTransition) (*payout.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin payout tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, selectPayoutSQL+` WHERE id = ?`, t.PayoutID.String())
	req, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound
	} else if err != nil {
		return nil, err
	}
	if req.Status != t.From {
		return nil, ledger.ErrStaleState
	}

	now := toMillis(time.Now())
	if t.EscrowHold {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE accounts SET payout_seq = payout_seq + 1, version = version + 1, updated_at = ? WHERE id = ?`,
			now,
			req.AccountID.String(),
		); err != nil {
			return nil, fmt.Errorf("sqlite: bump payout sequence: %w", err)
		}
		if err := tx.QueryRowContext(
			ctx,
			`SELECT payout_seq FROM accounts WHERE id = ?`,
			req.AccountID.String(),
		).Scan(&req.Sequence); err != nil {
			return nil, fmt.Errorf("sqlite: read payout sequence: %w", err)
		}

		if err := insertEntry(ctx, tx, payout.HoldEntry(req)); err != nil {
			if isConstraintError(err) {
				return nil, ledger.ErrConflict
			}
			return nil, fmt.Errorf("sqlite: insert escrow hold: %w", err)
		}
	}
	if t.EscrowRelease {
		if err := insertEntry(ctx, tx, payout.ReleaseEntry(req, t.Reason)); err != nil {
			if isConstraintError(err) {
				return nil, ledger.ErrConflict
			}
			return nil, fmt.Errorf("sqlite: insert escrow release: %w", err)
		}
	}
	if t.BumpTreasury {
		if _, err := tx.ExecContext(ctx, `UPDATE treasury SET version = version + 1 WHERE id = 1`); err != nil {
			return nil, fmt.Errorf("sqlite: bump treasury: %w", err)
		}
	}

	reason := req.Reason
	if t.Reason != "" {
		reason = t.Reason
	}
	outcome, err := tx.ExecContext(
		ctx,
		`UPDATE payouts SET status = ?, sequence = ?, reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(t.To),
		req.Sequence,
		reason,
		now,
		t.PayoutID.String(),
		string(t.From),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: transition payout: %w", err)
	}
	affected, err := outcome.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: transition payout: %w", err)
	}
	if affected == 0 {
		return nil, ledger.ErrStaleState
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit payout transition: %w", err)
	}

	return &payout.TransitionResult{
		PayoutID: req.ID,
		From:     t.From,
		To:       t.To,
		Reason:   t.Reason,
	}, nil
}

func (s *Store) TreasuryVersion(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var version int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT version FROM treasury WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("sqlite: treasury version: %w", err)
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan payout: %w", err)
	}
	if req.ID, err = id.ParsePayoutID(rawID); err != nil {
		return nil, fmt.Errorf("sqlite: scan payout: %w", err)
	}
	if req.AccountID, err = id.ParseAccountID(rawAcct); err != nil {
		return nil, fmt.Errorf("sqlite: scan payout: %w", err)
	}
	req.Status = payout.Status(status)
	req.CreatedAt = fromMillis(createdAt)
	req.UpdatedAt = fromMillis(updatedAt)
	return &req, nil
}
