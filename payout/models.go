// Package payout defines withdrawal requests and their guarded state
// machine. Every transition is a status-guarded compare-and-swap at the
// storage layer; fund movement rides in the same transaction as the
// status change.
package payout

import (
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// Status is the lifecycle state of a payout request.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusQuarantined Status = "quarantined"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the legal edge set of the state machine.
var transitions = map[Status][]Status{
	StatusPending:     {StatusApproved, StatusCancelled},
	StatusApproved:    {StatusProcessing, StatusCancelled},
	StatusProcessing:  {StatusCompleted, StatusFailed, StatusQuarantined},
	StatusQuarantined: {StatusProcessing, StatusFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Request is a withdrawal attempt. Net = Amount - Fee is what reaches
// the destination address; escrow holds are written for the full
// amount.
type Request struct {
	types.Entity
	ID        id.PayoutID  `json:"id"`
	AccountID id.AccountID `json:"account_id"`

	Amount  types.Micro `json:"amount"`
	Fee     types.Micro `json:"fee"`
	Net     types.Micro `json:"net"`
	Address string      `json:"address"`

	Status Status `json:"status"`

	// Sequence is the per-account payout sequence captured at approval
	// time; it feeds the escrow idempotency keys.
	Sequence int64 `json:"sequence"`

	// Reason records why a payout failed or was quarantined.
	Reason string `json:"reason,omitempty"`
}

// TransitionResult reports a state machine transition back to the
// caller.
type TransitionResult struct {
	PayoutID id.PayoutID `json:"payout_id"`
	From     Status      `json:"from"`
	To       Status      `json:"to"`
	Reason   string      `json:"reason,omitempty"`
}
