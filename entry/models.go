// Package entry defines the append-only ledger entry table — the
// system's durable audit trail. Every balance-affecting write records
// an entry with a unique idempotency key; entries are never updated or
// deleted.
package entry

import (
	"fmt"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// Kind classifies a ledger entry.
type Kind string

const (
	// KindMint records a lot grant.
	KindMint Kind = "mint"

	// KindEscrowHold is the negative-signed hold written when a payout
	// is approved.
	KindEscrowHold Kind = "escrow_hold"

	// KindEscrowRelease is the compensating positive entry written on
	// payout completion, failure, or cancellation. Hold and release
	// always net to zero.
	KindEscrowRelease Kind = "escrow_release"

	// KindReward records a reward lot minted by a distribution.
	KindReward Kind = "reward"

	// KindDistribution records a revenue split share.
	KindDistribution Kind = "distribution"
)

// Entry is one append-only audit record. Amount is signed: escrow holds
// are negative, everything else positive.
type Entry struct {
	types.Entity
	ID        id.EntryID   `json:"id"`
	AccountID id.AccountID `json:"account_id"`
	Pool      account.Pool `json:"pool"`
	Kind      Kind         `json:"kind"`
	Amount    types.Micro  `json:"amount"`

	// IdempotencyKey is unique-constrained at the storage layer; it is
	// what makes fund-moving retries safe without distributed locks.
	IdempotencyKey string `json:"idempotency_key"`

	// ReferenceID points at the payout, reservation, lot, or
	// distribution this entry belongs to.
	ReferenceID id.ID `json:"reference_id,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// MintKey builds the idempotency key for a lot mint.
func MintKey(sourceType, sourceID string) string {
	return fmt.Sprintf("mint:%s:%s", sourceType, sourceID)
}

// EscrowHoldKey builds the idempotency key for a payout escrow hold.
// The per-account sequence makes retried approvals collide instead of
// double-holding.
func EscrowHoldKey(payoutID id.PayoutID, seq int64) string {
	return fmt.Sprintf("escrow:%s:%d", payoutID, seq)
}

// EscrowReleaseKey builds the idempotency key for the compensating
// escrow release.
func EscrowReleaseKey(payoutID id.PayoutID, seq int64) string {
	return fmt.Sprintf("release:%s:%d", payoutID, seq)
}

// DistributionKey builds the idempotency key for one distribution share.
func DistributionKey(distID id.DistributionID, accountID id.AccountID) string {
	return fmt.Sprintf("dist:%s:%s", distID, accountID)
}
