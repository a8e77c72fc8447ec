// Package revenue defines versioned, governance-approved split rules
// and the distribution arithmetic that divides settled amounts without
// losing a single micro-unit.
package revenue

import (
	"fmt"
	"time"

	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// RuleStatus is the governance lifecycle state of a split rule.
type RuleStatus string

const (
	StatusDraft           RuleStatus = "draft"
	StatusPendingApproval RuleStatus = "pending_approval"
	StatusCoolingDown     RuleStatus = "cooling_down"
	StatusActive          RuleStatus = "active"
	StatusSuperseded      RuleStatus = "superseded"
	StatusRejected        RuleStatus = "rejected"
)

// ruleTransitions is the legal edge set of the governance lifecycle.
// Rejection is reachable from any pre-active state.
var ruleTransitions = map[RuleStatus][]RuleStatus{
	StatusDraft:           {StatusPendingApproval, StatusRejected},
	StatusPendingApproval: {StatusCoolingDown, StatusRejected},
	StatusCoolingDown:     {StatusActive, StatusRejected},
	StatusActive:          {StatusSuperseded},
}

// CanTransition reports whether from → to is a legal governance edge.
func CanTransition(from, to RuleStatus) bool {
	for _, next := range ruleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rule is a versioned split policy: three basis-point weights that must
// sum to exactly 10000. At most one rule is active at any time,
// enforced by the storage layer.
type Rule struct {
	types.Entity
	ID      id.RuleID  `json:"id"`
	Version int64      `json:"version"`
	Status  RuleStatus `json:"status"`

	// Weights in basis points. The first two shares are computed
	// proportionally; the third absorbs all truncation remainder.
	Weight1 int64 `json:"weight1_bps"`
	Weight2 int64 `json:"weight2_bps"`
	Weight3 int64 `json:"weight3_bps"`
}

// Validate checks the weight triple.
func (r *Rule) Validate() error {
	if r.Weight1 < 0 || r.Weight2 < 0 || r.Weight3 < 0 {
		return fmt.Errorf("revenue: negative weight in rule %s", r.ID)
	}
	if sum := r.Weight1 + r.Weight2 + r.Weight3; sum != types.BpsWhole {
		return fmt.Errorf("revenue: weights sum to %d bps, want %d", sum, types.BpsWhole)
	}
	return nil
}

// RuleAudit is one immutable row in the append-only rule transition
// log.
type RuleAudit struct {
	RuleID     id.RuleID  `json:"rule_id"`
	From       RuleStatus `json:"from"`
	To         RuleStatus `json:"to"`
	Actor      string     `json:"actor,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Shares is the three-way split of a finalized amount.
type Shares struct {
	Share1 types.Micro `json:"share1"`
	Share2 types.Micro `json:"share2"`
	Share3 types.Micro `json:"share3"`
}

// Total returns the sum of the three shares.
func (s Shares) Total() types.Micro { return s.Share1 + s.Share2 + s.Share3 }

// Participant is one recipient in a proportional reward distribution.
type Participant struct {
	AccountID id.AccountID `json:"account_id"`
	Score     int64        `json:"score"`
}

// RewardEntry is one participant's computed share of a reward pool.
type RewardEntry struct {
	AccountID id.AccountID `json:"account_id"`
	Score     int64        `json:"score"`
	Amount    types.Micro  `json:"amount"`
}

// Distribution is the persisted record of one period's reward split.
// The period is unique-constrained so a period distributes at most
// once.
type Distribution struct {
	types.Entity
	ID         id.DistributionID `json:"id"`
	Period     string            `json:"period"`
	Pool       types.Micro       `json:"pool"`
	TotalScore int64             `json:"total_score"`
	Entries    []RewardEntry     `json:"entries"`
}
