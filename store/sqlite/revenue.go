package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/revenue"
)

func (s *Store) CreateRule(ctx context.Context, r *revenue.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin rule tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM rules`,
	).Scan(&r.Version); err != nil {
		return fmt.Errorf("sqlite: next rule version: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO rules (id, version, status, weight1, weight2, weight3, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(),
		r.Version,
		string(r.Status),
		r.Weight1,
		r.Weight2,
		r.Weight3,
		toMillis(r.CreatedAt),
		toMillis(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*revenue.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx, selectRuleSQL+` WHERE id = ?`, ruleID.String())
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRuleNotFound
	}
	return r, err
}

func (s *Store) ActiveRule(ctx context.Context) (*revenue.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx, selectRuleSQL+` WHERE status = ?`, string(revenue.StatusActive))
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNoActiveRule
	}
	return r, err
}

// TransitionRule applies one governance step with its audit row.
// Activation supersedes the previously active rule in the same
// transaction; the partial unique index on active status backstops the
// at-most-one-active rule.
func (s *Store) TransitionRule(ctx context.Context, ruleID id.RuleID, from, to revenue.RuleStatus, actor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin rule transition tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := toMillis(time.Now())
	if to == revenue.StatusActive {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT id FROM rules WHERE status = ? AND id != ?`,
			string(revenue.StatusActive),
			ruleID.String(),
		)
		if err != nil {
			return fmt.Errorf("sqlite: find active rule: %w", err)
		}
		superseded := make([]string, 0, 1)
		for rows.Next() {
			var prevID string
			if err := rows.Scan(&prevID); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: find active rule: %w", err)
			}
			superseded = append(superseded, prevID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: find active rule: %w", err)
		}
		rows.Close()

		for _, prevID := range superseded {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE rules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(revenue.StatusSuperseded),
				now,
				prevID,
				string(revenue.StatusActive),
			); err != nil {
				return fmt.Errorf("sqlite: supersede rule: %w", err)
			}
			if err := insertRuleAudit(ctx, tx, prevID, revenue.StatusActive, revenue.StatusSuperseded, actor, now); err != nil {
				return err
			}
		}
	}

	outcome, err := tx.ExecContext(
		ctx,
		`UPDATE rules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to),
		now,
		ruleID.String(),
		string(from),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("sqlite: transition rule: %w", err)
	}
	affected, err := outcome.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: transition rule: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing rule from a stale status.
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM rules WHERE id = ?`, ruleID.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrRuleNotFound
		}
		return ledger.ErrStaleState
	}

	if err := insertRuleAudit(ctx, tx, ruleID.String(), from, to, actor, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit rule transition: %w", err)
	}
	return nil
}

func insertRuleAudit(ctx context.Context, ex execer, ruleID string, from, to revenue.RuleStatus, actor string, occurredAt int64) error {
	_, err := ex.ExecContext(
		ctx,
		`INSERT INTO rule_audit (rule_id, from_status, to_status, actor, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ruleID,
		string(from),
		string(to),
		actor,
		occurredAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert rule audit: %w", err)
	}
	return nil
}

func (s *Store) ListRuleAudit(ctx context.Context, ruleID id.RuleID) ([]*revenue.RuleAudit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT rule_id, from_status, to_status, actor, occurred_at
		 FROM rule_audit
		 WHERE rule_id = ?
		 ORDER BY occurred_at ASC, rowid ASC`,
		ruleID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rule audit: %w", err)
	}
	defer rows.Close()

	result := make([]*revenue.RuleAudit, 0)
	for rows.Next() {
		var (
			a          revenue.RuleAudit
			rawID      string
			from       string
			to         string
			occurredAt int64
		)
		if err := rows.Scan(&rawID, &from, &to, &a.Actor, &occurredAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan rule audit: %w", err)
		}
		if a.RuleID, err = id.ParseRuleID(rawID); err != nil {
			return nil, fmt.Errorf("sqlite: scan rule audit: %w", err)
		}
		a.From = revenue.RuleStatus(from)
		a.To = revenue.RuleStatus(to)
		a.OccurredAt = fromMillis(occurredAt)
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate rule audit: %w", err)
	}
	return result, nil
}

// RecordDistribution persists the distribution, mints its reward lots,
// and appends their audit entries in one transaction. The unique period
// column rejects a replayed period before any mutation lands.
func (s *Store) RecordDistribution(ctx context.Context, d *revenue.Distribution, lots []*lot.Lot, entries []*entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin distribution tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	payload, err := json.Marshal(d.Entries)
	if err != nil {
		return fmt.Errorf("sqlite: marshal distribution entries: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO distributions (id, period, pool, total_score, entries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(),
		d.Period,
		int64(d.Pool),
		d.TotalScore,
		string(payload),
		toMillis(d.CreatedAt),
		toMillis(d.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrAlreadyDistributed
		}
		return fmt.Errorf("sqlite: insert distribution: %w", err)
	}

	for _, l := range lots {
		if err := insertLot(ctx, tx, l); err != nil {
			if isConstraintError(err) {
				return ledger.ErrConflict
			}
			return fmt.Errorf("sqlite: insert reward lot: %w", err)
		}
	}
	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			if isConstraintError(err) {
				return ledger.ErrConflict
			}
			return fmt.Errorf("sqlite: insert reward entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit distribution: %w", err)
	}
	return nil
}

func (s *Store) GetDistribution(ctx context.Context, period string) (*revenue.Distribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, period, pool, total_score, entries, created_at, updated_at
		 FROM distributions
		 WHERE period = ?`,
		period,
	)
	var (
		d         revenue.Distribution
		rawID     string
		payload   string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &d.Period, &d.Pool, &d.TotalScore, &payload, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: scan distribution: %w", err)
	}
	if d.ID, err = id.ParseWithPrefix(rawID, id.PrefixDistribution); err != nil {
		return nil, fmt.Errorf("sqlite: scan distribution: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &d.Entries); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal distribution entries: %w", err)
	}
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}

const selectRuleSQL = `SELECT id, version, status, weight1, weight2, weight3, created_at, updated_at
	FROM rules`

func scanRule(row rowScanner) (*revenue.Rule, error) {
	var (
		r         revenue.Rule
		rawID     string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &r.Version, &status, &r.Weight1, &r.Weight2, &r.Weight3, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan rule: %w", err)
	}
	if r.ID, err = id.ParseRuleID(rawID); err != nil {
		return nil, fmt.Errorf("sqlite: scan rule: %w", err)
	}
	r.Status = revenue.RuleStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}
