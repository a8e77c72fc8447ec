// Package plugin provides an extensible plugin system for the credit
// ledger engine. Plugins hook into lifecycle events to extend
// functionality; the engine carries a no-op default so call sites never
// nil-check collaborators.
package plugin

import (
	"context"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger core hooks
// ──────────────────────────────────────────────────

// OnAccountCreated is called when an account is created for the first
// time; replays of CreateOrGetAccount do not emit it.
type OnAccountCreated interface {
	Plugin
	OnAccountCreated(ctx context.Context, a *account.Account) error
}

// OnLotMinted is called when a new lot is minted. Idempotent mint
// replays do not emit it.
type OnLotMinted interface {
	Plugin
	OnLotMinted(ctx context.Context, l *lot.Lot) error
}

// OnReservationCreated is called when a reservation is placed.
type OnReservationCreated interface {
	Plugin
	OnReservationCreated(ctx context.Context, res *reservation.Reservation) error
}

// OnReservationFinalized is called when a reservation settles,
// including idempotent replays (result.Replayed distinguishes them).
type OnReservationFinalized interface {
	Plugin
	OnReservationFinalized(ctx context.Context, result *reservation.FinalizeResult) error
}

// OnReservationReleased is called when a pending reservation is
// reversed.
type OnReservationReleased interface {
	Plugin
	OnReservationReleased(ctx context.Context, res *reservation.Reservation) error
}

// OnReservationsExpired is called after an expiry sweep transitions
// overdue reservations.
type OnReservationsExpired interface {
	Plugin
	OnReservationsExpired(ctx context.Context, count int) error
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutTransitioned is called after every successful payout state
// machine transition.
type OnPayoutTransitioned interface {
	Plugin
	OnPayoutTransitioned(ctx context.Context, result *payout.TransitionResult) error
}

// ──────────────────────────────────────────────────
// Revenue hooks
// ──────────────────────────────────────────────────

// OnRuleActivated is called when a revenue rule becomes the single
// active rule.
type OnRuleActivated interface {
	Plugin
	OnRuleActivated(ctx context.Context, r *revenue.Rule) error
}

// OnDistributionRecorded is called after a reward distribution is
// persisted.
type OnDistributionRecorded interface {
	Plugin
	OnDistributionRecorded(ctx context.Context, d *revenue.Distribution) error
}

// ──────────────────────────────────────────────────
// Boundary hooks
// ──────────────────────────────────────────────────

// OnReportRejected is called when a signed usage report fails one of
// the verification checks. The error is one of the permanent
// verification failure modes.
type OnReportRejected interface {
	Plugin
	OnReportRejected(ctx context.Context, reportID string, err error) error
}
