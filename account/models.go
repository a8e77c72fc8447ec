// Package account defines credit accounts and the named pools they hold
// balances in.
package account

import (
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// EntityType classifies the owner of an account.
type EntityType string

// Known entity types. The engine treats the value as opaque; these are
// the conventional owners.
const (
	EntityPerson EntityType = "person"
	EntityAgent  EntityType = "agent"
	EntityPool   EntityType = "pool" // commons pools, treasury
)

// Pool is a named balance bucket within an account. Lots belong to
// exactly one pool; balances never move between pools implicitly.
type Pool string

const (
	// PoolGeneral holds spendable, withdrawable credit.
	PoolGeneral Pool = "general"

	// PoolRewards holds non-withdrawable reward credit.
	PoolRewards Pool = "rewards"

	// PoolEscrow is the well-known non-withdrawable pool payout escrow
	// entries are written against.
	PoolEscrow Pool = "escrow"
)

// Account is the aggregate root for one entity's balances.
// Accounts are created once per (entity type, entity id) pair on first
// use and never deleted.
type Account struct {
	types.Entity
	ID         id.AccountID `json:"id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`

	// Version increments on every aggregate-level mutation and is used
	// for optimistic concurrency by higher-level callers.
	Version int64 `json:"version"`

	// PayoutSeq is a monotonically increasing per-account sequence,
	// consumed when building escrow idempotency keys.
	PayoutSeq int64 `json:"payout_seq"`
}
