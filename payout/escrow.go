package payout

import (
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// Escrow is modeled as a hold/release ledger-entry pair against the
// well-known escrow pool, not a separate balance column: the entry
// table stays the single source of truth for audit, and hold plus
// release always net to zero.

// HoldEntry builds the negative-signed escrow hold written when a
// payout is approved. The request's Sequence must already be set by the
// approving transaction.
func HoldEntry(req *Request) *entry.Entry {
	return &entry.Entry{
		Entity:         types.NewEntity(),
		ID:             id.NewEntryID(),
		AccountID:      req.AccountID,
		Pool:           account.PoolEscrow,
		Kind:           entry.KindEscrowHold,
		Amount:         req.Amount.Neg(),
		IdempotencyKey: entry.EscrowHoldKey(req.ID, req.Sequence),
		ReferenceID:    req.ID,
	}
}

// ReleaseEntry builds the compensating positive entry written on
// completion, failure, or cancellation of an approved payout.
func ReleaseEntry(req *Request, reason string) *entry.Entry {
	return &entry.Entry{
		Entity:         types.NewEntity(),
		ID:             id.NewEntryID(),
		AccountID:      req.AccountID,
		Pool:           account.PoolEscrow,
		Kind:           entry.KindEscrowRelease,
		Amount:         req.Amount,
		IdempotencyKey: entry.EscrowReleaseKey(req.ID, req.Sequence),
		ReferenceID:    req.ID,
		Reason:         reason,
	}
}
