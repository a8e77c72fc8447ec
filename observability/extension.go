// Package observability provides a metrics extension for the credit
// ledger that records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/plugin"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnAccountCreated       = (*MetricsExtension)(nil)
	_ plugin.OnLotMinted            = (*MetricsExtension)(nil)
	_ plugin.OnReservationCreated   = (*MetricsExtension)(nil)
	_ plugin.OnReservationFinalized = (*MetricsExtension)(nil)
	_ plugin.OnReservationReleased  = (*MetricsExtension)(nil)
	_ plugin.OnReservationsExpired  = (*MetricsExtension)(nil)
	_ plugin.OnPayoutTransitioned   = (*MetricsExtension)(nil)
	_ plugin.OnRuleActivated        = (*MetricsExtension)(nil)
	_ plugin.OnDistributionRecorded = (*MetricsExtension)(nil)
	_ plugin.OnReportRejected       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to automatically track ledger metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountsCreated Counter

	// Lot metrics
	LotsMinted   Counter
	MintedAmount Histogram

	// Reservation metrics
	ReservationsCreated   Counter
	ReservationsFinalized Counter
	ReservationsReplayed  Counter
	ReservationsReleased  Counter
	ReservationsExpired   Counter
	FinalizedSurplus      Histogram

	// Payout metrics
	PayoutsCompleted   Counter
	PayoutsFailed      Counter
	PayoutsQuarantined Counter
	PayoutsCancelled   Counter

	// Revenue metrics
	RulesActivated        Counter
	DistributionsRecorded Counter
	DistributionPool      Histogram

	// Boundary metrics
	ReportsRejected Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Account metrics
		AccountsCreated: factory.Counter("creditledger.account.created"),

		// Lot metrics
		LotsMinted:   factory.Counter("creditledger.lot.minted"),
		MintedAmount: factory.Histogram("creditledger.lot.minted_amount"),

		// Reservation metrics
		ReservationsCreated:   factory.Counter("creditledger.reservation.created"),
		ReservationsFinalized: factory.Counter("creditledger.reservation.finalized"),
		ReservationsReplayed:  factory.Counter("creditledger.reservation.replayed"),
		ReservationsReleased:  factory.Counter("creditledger.reservation.released"),
		ReservationsExpired:   factory.Counter("creditledger.reservation.expired"),
		FinalizedSurplus:      factory.Histogram("creditledger.reservation.surplus"),

		// Payout metrics
		PayoutsCompleted:   factory.Counter("creditledger.payout.completed"),
		PayoutsFailed:      factory.Counter("creditledger.payout.failed"),
		PayoutsQuarantined: factory.Counter("creditledger.payout.quarantined"),
		PayoutsCancelled:   factory.Counter("creditledger.payout.cancelled"),

		// Revenue metrics
		RulesActivated:        factory.Counter("creditledger.rule.activated"),
		DistributionsRecorded: factory.Counter("creditledger.distribution.recorded"),
		DistributionPool:      factory.Histogram("creditledger.distribution.pool_amount"),

		// Boundary metrics
		ReportsRejected: factory.Counter("creditledger.report.rejected"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Ledger core hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (m *MetricsExtension) OnAccountCreated(_ context.Context, _ *account.Account) error {
	m.AccountsCreated.Inc()
	return nil
}

// OnLotMinted implements plugin.OnLotMinted.
func (m *MetricsExtension) OnLotMinted(_ context.Context, l *lot.Lot) error {
	m.LotsMinted.Inc()
	m.MintedAmount.Observe(float64(l.Original.Int64()))
	return nil
}

// OnReservationCreated implements plugin.OnReservationCreated.
func (m *MetricsExtension) OnReservationCreated(_ context.Context, _ *reservation.Reservation) error {
	m.ReservationsCreated.Inc()
	return nil
}

// OnReservationFinalized implements plugin.OnReservationFinalized.
func (m *MetricsExtension) OnReservationFinalized(_ context.Context, result *reservation.FinalizeResult) error {
	if result.Replayed {
		m.ReservationsReplayed.Inc()
		return nil
	}
	m.ReservationsFinalized.Inc()
	m.FinalizedSurplus.Observe(float64(result.Surplus.Int64()))
	return nil
}

// OnReservationReleased implements plugin.OnReservationReleased.
func (m *MetricsExtension) OnReservationReleased(_ context.Context, _ *reservation.Reservation) error {
	m.ReservationsReleased.Inc()
	return nil
}

// OnReservationsExpired implements plugin.OnReservationsExpired.
func (m *MetricsExtension) OnReservationsExpired(_ context.Context, count int) error {
	m.ReservationsExpired.Add(float64(count))
	return nil
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutTransitioned implements plugin.OnPayoutTransitioned.
func (m *MetricsExtension) OnPayoutTransitioned(_ context.Context, result *payout.TransitionResult) error {
	switch result.To {
	case payout.StatusCompleted:
		m.PayoutsCompleted.Inc()
	case payout.StatusFailed:
		m.PayoutsFailed.Inc()
	case payout.StatusQuarantined:
		m.PayoutsQuarantined.Inc()
	case payout.StatusCancelled:
		m.PayoutsCancelled.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Revenue hooks
// ──────────────────────────────────────────────────

// OnRuleActivated implements plugin.OnRuleActivated.
func (m *MetricsExtension) OnRuleActivated(_ context.Context, _ *revenue.Rule) error {
	m.RulesActivated.Inc()
	return nil
}

// OnDistributionRecorded implements plugin.OnDistributionRecorded.
func (m *MetricsExtension) OnDistributionRecorded(_ context.Context, d *revenue.Distribution) error {
	m.DistributionsRecorded.Inc()
	m.DistributionPool.Observe(float64(d.Pool.Int64()))
	return nil
}

// ──────────────────────────────────────────────────
// Boundary hooks
// ──────────────────────────────────────────────────

// OnReportRejected implements plugin.OnReportRejected.
func (m *MetricsExtension) OnReportRejected(_ context.Context, _ string, _ error) error {
	m.ReportsRejected.Inc()
	return nil
}
