package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/revenue"
)

func (s *Store) CreateRule(ctx context.Context, r *revenue.Rule) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin rule tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := tx.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM rules`,
	).Scan(&r.Version); err != nil {
		return fmt.Errorf("postgres: next rule version: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO rules (id, version, status, weight1, weight2, weight3, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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
		return fmt.Errorf("postgres: insert rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*revenue.Rule, error) {
	row := s.pool.QueryRow(ctx, selectRuleSQL+` WHERE id = $1`, ruleID.String())
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrRuleNotFound
	}
	return r, err
}

func (s *Store) ActiveRule(ctx context.Context) (*revenue.Rule, error) {
	row := s.pool.QueryRow(ctx, selectRuleSQL+` WHERE status = $1`, string(revenue.StatusActive))
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNoActiveRule
	}
	return r, err
}

// TransitionRule applies one governance step with its audit row;
// activation supersedes the previously active rule atomically.
func (s *Store) TransitionRule(ctx context.Context, ruleID id.RuleID, from, to revenue.RuleStatus, actor string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin rule transition tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	now := toMillis(time.Now())
	if to == revenue.StatusActive {
		rows, err := tx.Query(
			ctx,
			`SELECT id FROM rules WHERE status = $1 AND id != $2 FOR UPDATE`,
			string(revenue.StatusActive),
			ruleID.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: find active rule: %w", err)
		}
		superseded := make([]string, 0, 1)
		for rows.Next() {
			var prevID string
			if err := rows.Scan(&prevID); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: find active rule: %w", err)
			}
			superseded = append(superseded, prevID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: find active rule: %w", err)
		}
		rows.Close()

		for _, prevID := range superseded {
			if _, err := tx.Exec(
				ctx,
				`UPDATE rules SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
				string(revenue.StatusSuperseded),
				now,
				prevID,
				string(revenue.StatusActive),
			); err != nil {
				return fmt.Errorf("postgres: supersede rule: %w", err)
			}
			if err := insertRuleAudit(ctx, tx, prevID, revenue.StatusActive, revenue.StatusSuperseded, actor, now); err != nil {
				return err
			}
		}
	}

	tag, err := tx.Exec(
		ctx,
		`UPDATE rules SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to),
		now,
		ruleID.String(),
		string(from),
	)
	if err != nil {
		if uniqueViolation(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("postgres: transition rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM rules WHERE id = $1`, ruleID.String()).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrRuleNotFound
		}
		return ledger.ErrStaleState
	}

	if err := insertRuleAudit(ctx, tx, ruleID.String(), from, to, actor, now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit rule transition: %w", err)
	}
	return nil
}

func insertRuleAudit(ctx context.Context, ex execer, ruleID string, from, to revenue.RuleStatus, actor string, occurredAt int64) error {
	_, err := ex.Exec(
		ctx,
		`INSERT INTO rule_audit (rule_id, from_status, to_status, actor, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ruleID,
		string(from),
		string(to),
		actor,
		occurredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert rule audit: %w", err)
	}
	return nil
}

func (s *Store) ListRuleAudit(ctx context.Context, ruleID id.RuleID) ([]*revenue.RuleAudit, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT rule_id, from_status, to_status, actor, occurred_at
		 FROM rule_audit
		 WHERE rule_id = $1
		 ORDER BY seq ASC`,
		ruleID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rule audit: %w", err)
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
			return nil, fmt.Errorf("postgres: scan rule audit: %w", err)
		}
		if a.RuleID, err = id.ParseRuleID(rawID); err != nil {
			return nil, fmt.Errorf("postgres: scan rule audit: %w", err)
		}
		a.From = revenue.RuleStatus(from)
		a.To = revenue.RuleStatus(to)
		a.OccurredAt = fromMillis(occurredAt)
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate rule audit: %w", err)
	}
	return result, nil
}

// RecordDistribution persists the distribution, mints its reward lots,
// and appends their audit entries in one transaction.
func (s *Store) RecordDistribution(ctx context.Context, d *revenue.Distribution, lots []*lot.Lot, entries []*entry.Entry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin distribution tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	payload, err := json.Marshal(d.Entries)
	if err != nil {
		return fmt.Errorf("postgres: marshal distribution entries: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO distributions (id, period, pool, total_score, entries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID.String(),
		d.Period,
		int64(d.Pool),
		d.TotalScore,
		payload,
		toMillis(d.CreatedAt),
		toMillis(d.UpdatedAt),
	)
	if err != nil {
		if uniqueViolation(err) {
			return ledger.ErrAlreadyDistributed
		}
		return fmt.Errorf("postgres: insert distribution: %w", err)
	}

	for _, l := range lots {
		if err := insertLot(ctx, tx, l); err != nil {
			if uniqueViolation(err) {
				return ledger.ErrConflict
			}
			return fmt.Errorf("postgres: insert reward lot: %w", err)
		}
	}
	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			if uniqueViolation(err) {
				return ledger.ErrConflict
			}
			return fmt.Errorf("postgres: insert reward entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit distribution: %w", err)
	}
	return nil
}

func (s *Store) GetDistribution(ctx context.Context, period string) (*revenue.Distribution, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT id, period, pool, total_score, entries, created_at, updated_at
		 FROM distributions
		 WHERE period = $1`,
		period,
	)
	var (
		d         revenue.Distribution
		rawID     string
		payload   []byte
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rawID, &d.Period, &d.Pool, &d.TotalScore, &payload, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan distribution: %w", err)
	}
	if d.ID, err = id.ParseWithPrefix(rawID, id.PrefixDistribution); err != nil {
		return nil, fmt.Errorf("postgres: scan distribution: %w", err)
	}
	if err := json.Unmarshal(payload, &d.Entries); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal distribution entries: %w", err)
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan rule: %w", err)
	}
	if r.ID, err = id.ParseRuleID(rawID); err != nil {
		return nil, fmt.Errorf("postgres: scan rule: %w", err)
	}
	r.Status = revenue.RuleStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}
