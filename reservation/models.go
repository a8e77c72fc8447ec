// Package reservation defines spend reservations — temporary holds
// against one or more lots pending finalize or release — and the
// settlement arithmetic that drains them.
package reservation

import (
	"time"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/types"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	// StatusPending is the only state from which finalize and release
	// succeed.
	StatusPending Status = "pending"

	// StatusFinalized, StatusReleased and StatusExpired are absorbing:
	// once reached, no state-changing operation succeeds again.
	StatusFinalized Status = "finalized"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusReleased || s == StatusExpired
}

// Reservation is a hold against one account's pool for a requested
// amount, with the exact lot allocation computed at reservation time.
type Reservation struct {
	types.Entity
	ID        id.ReservationID `json:"id"`
	AccountID id.AccountID     `json:"account_id"`
	Pool      account.Pool     `json:"pool"`
	Amount    types.Micro      `json:"amount"`
	Status    Status           `json:"status"`

	// Allocations is the ordered draw list recorded at reservation
	// time; release reverses it exactly.
	Allocations []lot.Draw `json:"allocations"`

	// ActualCost is set by the first successful finalize and never
	// changes afterwards. A replayed finalize with the same value is a
	// no-op; a different value is a conflict.
	ActualCost *types.Micro `json:"actual_cost,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// FinalizeResult is the outcome of settling a reservation.
type FinalizeResult struct {
	ReservationID id.ReservationID `json:"reservation_id"`
	ActualCost    types.Micro      `json:"actual_cost"`
	Surplus       types.Micro      `json:"surplus"`

	// Settlements mirrors the reservation's allocation list with the
	// consumed/released split per lot.
	Settlements []Settlement `json:"settlements"`

	// Replayed is true when the call matched a prior finalize and the
	// stored result was returned unchanged.
	Replayed bool `json:"replayed"`
}

// Settlement is the per-lot outcome of a finalize: consumed moves from
// reserved to consumed, released returns from reserved to available.
type Settlement struct {
	LotID    id.LotID    `json:"lot_id"`
	Consumed types.Micro `json:"consumed"`
	Released types.Micro `json:"released"`
}
