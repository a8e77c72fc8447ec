package creditledger

import (
	"context"
	"fmt"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/revenue"
	"github.com/xraph/creditledger/types"
)

// ──────────────────────────────────────────────────
// Revenue rule governance
// ──────────────────────────────────────────────────

// ProposeRule drafts a new split rule. The store assigns the next
// version number; the rule stays inert until it walks the approval
// lifecycle and activates.
func (e *Engine) ProposeRule(ctx context.Context, weight1, weight2, weight3 int64) (*revenue.Rule, error) {
	r := &revenue.Rule{
		Entity:  types.NewEntity(),
		ID:      id.NewRuleID(),
		Status:  revenue.StatusDraft,
		Weight1: weight1,
		Weight2: weight2,
		Weight3: weight3,
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}

	if err := e.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SubmitRule moves a draft rule into review.
func (e *Engine) SubmitRule(ctx context.Context, ruleID id.RuleID, actor string) error {
	return e.transitionRule(ctx, ruleID, revenue.StatusPendingApproval, actor)
}

// ApproveRule moves a reviewed rule into its cooling-down window.
func (e *Engine) ApproveRule(ctx context.Context, ruleID id.RuleID, actor string) error {
	return e.transitionRule(ctx, ruleID, revenue.StatusCoolingDown, actor)
}

// RejectRule terminates a rule anywhere before activation.
func (e *Engine) RejectRule(ctx context.Context, ruleID id.RuleID, actor string) error {
	return e.transitionRule(ctx, ruleID, revenue.StatusRejected, actor)
}

// ActivateRule promotes a cooled-down rule to active. The store
// supersedes the previously active rule in the same transaction, so at
// most one rule is ever active.
func (e *Engine) ActivateRule(ctx context.Context, ruleID id.RuleID, actor string) error {
	if err := e.transitionRule(ctx, ruleID, revenue.StatusActive, actor); err != nil {
		return err
	}

	r, err := e.store.GetRule(ctx, ruleID)
	if err == nil {
		e.plugins.EmitRuleActivated(ctx, r)
	}
	return nil
}

// transitionRule loads the rule to learn its current status, validates
// the edge, and applies the guarded step with its audit row.
func (e *Engine) transitionRule(ctx context.Context, ruleID id.RuleID, to revenue.RuleStatus, actor string) error {
	if ruleID.IsNil() {
		return ErrInvalidInput
	}

	r, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if !revenue.CanTransition(r.Status, to) {
		return ErrInvalidState
	}

	return e.store.TransitionRule(ctx, ruleID, r.Status, to, actor)
}

// GetRule retrieves a rule by ID.
func (e *Engine) GetRule(ctx context.Context, ruleID id.RuleID) (*revenue.Rule, error) {
	return e.store.GetRule(ctx, ruleID)
}

// ActiveRule returns the single active rule, or ErrNoActiveRule.
func (e *Engine) ActiveRule(ctx context.Context) (*revenue.Rule, error) {
	return e.store.ActiveRule(ctx)
}

// ListRuleAudit returns a rule's append-only transition log.
func (e *Engine) ListRuleAudit(ctx context.Context, ruleID id.RuleID) ([]*revenue.RuleAudit, error) {
	return e.store.ListRuleAudit(ctx, ruleID)
}

// ──────────────────────────────────────────────────
// Splits and distributions
// ──────────────────────────────────────────────────

// Split divides an amount three ways per the active rule. The third
// share absorbs all truncation remainder, so the shares always sum back
// to the input exactly.
func (e *Engine) Split(ctx context.Context, amount types.Micro) (revenue.Shares, *revenue.Rule, error) {
	if amount.IsNegative() {
		return revenue.Shares{}, nil, ErrInvalidAmount
	}

	r, err := e.store.ActiveRule(ctx)
	if err != nil {
		return revenue.Shares{}, nil, err
	}

	return revenue.CalculateShares(r, amount), r, nil
}

// DistributeRewards splits a reward pool across participants in
// proportion to score and mints one rewards-pool lot per recipient, all
// in a single transaction. The period is the idempotency key: a period
// distributes at most once.
func (e *Engine) DistributeRewards(ctx context.Context, period string, pool types.Micro, participants []revenue.Participant) (*revenue.Distribution, error) {
	if period == "" {
		return nil, ErrInvalidInput
	}
	if !pool.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if e.distributionThreshold > 0 && pool < e.distributionThreshold {
		return nil, ErrBelowThreshold
	}

	eligible := make([]revenue.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Score > 0 && !p.AccountID.IsNil() {
			eligible = append(eligible, p)
		}
	}

	entries, totalScore := revenue.DistributeByScore(pool, eligible)
	if len(entries) == 0 {
		return nil, ErrNoParticipants
	}

	d := &revenue.Distribution{
		Entity:     types.NewEntity(),
		ID:         id.NewDistributionID(),
		Period:     period,
		Pool:       pool,
		TotalScore: totalScore,
		Entries:    entries,
	}

	lots := make([]*lot.Lot, 0, len(entries))
	auditEntries := make([]*entry.Entry, 0, len(entries))
	for _, re := range entries {
		sourceID := fmt.Sprintf("%s:%s", period, re.AccountID)
		lots = append(lots, &lot.Lot{
			Entity:     types.NewEntity(),
			ID:         id.NewLotID(),
			AccountID:  re.AccountID,
			Pool:       account.PoolRewards,
			Original:   re.Amount,
			Available:  re.Amount,
			SourceType: "reward",
			SourceID:   sourceID,
		})
		auditEntries = append(auditEntries, &entry.Entry{
			Entity:         types.NewEntity(),
			ID:             id.NewEntryID(),
			AccountID:      re.AccountID,
			Pool:           account.PoolRewards,
			Kind:           entry.KindReward,
			Amount:         re.Amount,
			IdempotencyKey: entry.DistributionKey(d.ID, re.AccountID),
			ReferenceID:    d.ID,
		})
	}

	if err := e.store.RecordDistribution(ctx, d, lots, auditEntries); err != nil {
		return nil, err
	}

	e.plugins.EmitDistributionRecorded(ctx, d)

	e.logger.Info("rewards distributed",
		"period", period,
		"pool", pool,
		"recipients", len(entries),
	)
	return d, nil
}

// GetDistribution retrieves a period's distribution record.
func (e *Engine) GetDistribution(ctx context.Context, period string) (*revenue.Distribution, error) {
	return e.store.GetDistribution(ctx, period)
}
