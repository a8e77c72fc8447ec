// Package store defines the unified storage interface for the credit
// ledger engine.
//
// Store methods are the transaction boundary: every mutating method
// executes as one atomic transaction, and partial application (one lot
// updated but not a sibling in the same reservation) must never be
// observable. Backends enforce idempotency with unique constraints on
// ledger entry keys and lot sources, and state guards with
// compare-and-swap updates on the expected prior status.
package store

import (
	"context"
	"time"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
	"github.com/xraph/creditledger/types"
)

// EntryListOpts narrows an audit trail query.
type EntryListOpts struct {
	Kind   entry.Kind
	Limit  int
	Offset int
}

// PayoutTransition describes one guarded state machine step. The store
// applies the status change as a compare-and-swap on From and, in the
// same transaction, writes the escrow entry and treasury bump the step
// calls for.
type PayoutTransition struct {
	PayoutID id.PayoutID
	From     payout.Status
	To       payout.Status
	Reason   string

	// EscrowHold allocates the next per-account payout sequence and
	// writes the negative hold entry (approval).
	EscrowHold bool

	// EscrowRelease writes the compensating positive entry using the
	// sequence captured at approval.
	EscrowRelease bool

	// BumpTreasury increments the global treasury version counter
	// (payout completion).
	BumpTreasury bool
}

// Store is the unified storage interface for all credit ledger
// entities. Instead of embedding sub-interfaces, all methods are
// declared explicitly to avoid naming conflicts.
type Store interface {
	// Account methods
	CreateOrGetAccount(ctx context.Context, a *account.Account) (*account.Account, error)
	GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error)

	// Lot methods. MintLot inserts the lot and its audit entry
	// atomically; a replayed (sourceType, sourceID) pair returns the
	// original lot unchanged.
	MintLot(ctx context.Context, l *lot.Lot, e *entry.Entry) (*lot.Lot, error)
	GetLot(ctx context.Context, lotID id.LotID) (*lot.Lot, error)
	ListLots(ctx context.Context, accountID id.AccountID, pool account.Pool) ([]*lot.Lot, error)
	GetBalance(ctx context.Context, accountID id.AccountID, pool account.Pool) (types.Balance, error)

	// Reservation methods. CreateReservation selects lots FIFO inside
	// its transaction, fills res.Allocations, and fails atomically
	// with ErrInsufficientBalance or ErrReservationActive.
	CreateReservation(ctx context.Context, res *reservation.Reservation) error
	GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error)
	FinalizeReservation(ctx context.Context, resID id.ReservationID, actualCost types.Micro) (*reservation.FinalizeResult, error)
	ReleaseReservation(ctx context.Context, resID id.ReservationID) error
	ExpireReservations(ctx context.Context, cutoff time.Time) (int, error)

	// Audit trail. Entries are written by the mutating methods above;
	// the trail itself is append-only and only ever queried.
	ListEntries(ctx context.Context, accountID id.AccountID, opts EntryListOpts) ([]*entry.Entry, error)

	// Payout methods
	CreatePayout(ctx context.Context, req *payout.Request) error
	GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Request, error)
	TransitionPayout(ctx context.Context, t PayoutTransition) (*payout.TransitionResult, error)
	TreasuryVersion(ctx context.Context) (int64, error)

	// Revenue rule methods. TransitionRule appends to the immutable
	// rule audit log in the same transaction; activation supersedes
	// the current active rule atomically, and at-most-one-active is
	// enforced by the storage layer itself.
	CreateRule(ctx context.Context, r *revenue.Rule) error
	GetRule(ctx context.Context, ruleID id.RuleID) (*revenue.Rule, error)
	ActiveRule(ctx context.Context) (*revenue.Rule, error)
	TransitionRule(ctx context.Context, ruleID id.RuleID, from, to revenue.RuleStatus, actor string) error
	ListRuleAudit(ctx context.Context, ruleID id.RuleID) ([]*revenue.RuleAudit, error)

	// Distribution methods. RecordDistribution persists the
	// distribution, mints the reward lots, and appends their entries
	// in one transaction; a reused period fails with
	// ErrAlreadyDistributed and no mutation.
	RecordDistribution(ctx context.Context, d *revenue.Distribution, lots []*lot.Lot, entries []*entry.Entry) error
	GetDistribution(ctx context.Context, period string) (*revenue.Distribution, error)

	// Boundary replay detection, keyed by report id.
	RegisterReport(ctx context.Context, reportID id.ReportID, resID id.ReservationID) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
