// Package audithook bridges ledger lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend
// on any particular audit store. Callers inject a RecorderFunc adapter
// that bridges to their backend at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/plugin"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnAccountCreated       = (*Extension)(nil)
	_ plugin.OnLotMinted            = (*Extension)(nil)
	_ plugin.OnReservationCreated   = (*Extension)(nil)
	_ plugin.OnReservationFinalized = (*Extension)(nil)
	_ plugin.OnReservationReleased  = (*Extension)(nil)
	_ plugin.OnReservationsExpired  = (*Extension)(nil)
	_ plugin.OnPayoutTransitioned   = (*Extension)(nil)
	_ plugin.OnRuleActivated        = (*Extension)(nil)
	_ plugin.OnDistributionRecorded = (*Extension)(nil)
	_ plugin.OnReportRejected       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ledger core hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (e *Extension) OnAccountCreated(ctx context.Context, a *account.Account) error {
	return e.record(ctx, ActionAccountCreated, SeverityInfo, OutcomeSuccess,
		ResourceAccount, a.ID.String(), CategoryLedger, nil,
		"entity_type", string(a.EntityType),
		"entity_id", a.EntityID,
	)
}

// OnLotMinted implements plugin.OnLotMinted.
func (e *Extension) OnLotMinted(ctx context.Context, l *lot.Lot) error {
	return e.record(ctx, ActionLotMinted, SeverityInfo, OutcomeSuccess,
		ResourceLot, l.ID.String(), CategoryLedger, nil,
		"account_id", l.AccountID.String(),
		"pool", string(l.Pool),
		"amount", l.Original.Int64(),
		"source_type", l.SourceType,
		"source_id", l.SourceID,
	)
}

// OnReservationCreated implements plugin.OnReservationCreated.
func (e *Extension) OnReservationCreated(ctx context.Context, res *reservation.Reservation) error {
	return e.record(ctx, ActionReservationCreated, SeverityInfo, OutcomeSuccess,
		ResourceReservation, res.ID.String(), CategoryLedger, nil,
		"account_id", res.AccountID.String(),
		"pool", string(res.Pool),
		"amount", res.Amount.Int64(),
		"lots_drawn", len(res.Allocations),
	)
}

// OnReservationFinalized implements plugin.OnReservationFinalized.
func (e *Extension) OnReservationFinalized(ctx context.Context, result *reservation.FinalizeResult) error {
	return e.record(ctx, ActionReservationFinalized, SeverityInfo, OutcomeSuccess,
		ResourceReservation, result.ReservationID.String(), CategoryLedger, nil,
		"actual_cost", result.ActualCost.Int64(),
		"surplus", result.Surplus.Int64(),
		"replayed", result.Replayed,
	)
}

// OnReservationReleased implements plugin.OnReservationReleased.
func (e *Extension) OnReservationReleased(ctx context.Context, res *reservation.Reservation) error {
	return e.record(ctx, ActionReservationReleased, SeverityInfo, OutcomeSuccess,
		ResourceReservation, res.ID.String(), CategoryLedger, nil,
		"account_id", res.AccountID.String(),
		"amount", res.Amount.Int64(),
	)
}

// OnReservationsExpired implements plugin.OnReservationsExpired.
func (e *Extension) OnReservationsExpired(ctx context.Context, count int) error {
	if count == 0 {
		return nil
	}
	return e.record(ctx, ActionReservationsExpired, SeverityWarning, OutcomeSuccess,
		ResourceReservation, "", CategoryLedger, nil,
		"count", count,
	)
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutTransitioned implements plugin.OnPayoutTransitioned.
func (e *Extension) OnPayoutTransitioned(ctx context.Context, result *payout.TransitionResult) error {
	severity := SeverityInfo
	if result.To == payout.StatusFailed || result.To == payout.StatusQuarantined {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionPayoutTransitioned, severity, OutcomeSuccess,
		ResourcePayout, result.PayoutID.String(), CategoryPayout, nil,
		"from", string(result.From),
		"to", string(result.To),
		"reason", result.Reason,
	)
}

// ──────────────────────────────────────────────────
// Revenue hooks
// ──────────────────────────────────────────────────

// OnRuleActivated implements plugin.OnRuleActivated.
func (e *Extension) OnRuleActivated(ctx context.Context, r *revenue.Rule) error {
	return e.record(ctx, ActionRuleActivated, SeverityInfo, OutcomeSuccess,
		ResourceRule, r.ID.String(), CategoryRevenue, nil,
		"version", r.Version,
		"weight1_bps", r.Weight1,
		"weight2_bps", r.Weight2,
		"weight3_bps", r.Weight3,
	)
}

// OnDistributionRecorded implements plugin.OnDistributionRecorded.
func (e *Extension) OnDistributionRecorded(ctx context.Context, d *revenue.Distribution) error {
	return e.record(ctx, ActionDistributionRecorded, SeverityInfo, OutcomeSuccess,
		ResourceDistribution, d.ID.String(), CategoryRevenue, nil,
		"period", d.Period,
		"pool", d.Pool.Int64(),
		"total_score", d.TotalScore,
		"recipients", len(d.Entries),
	)
}

// ──────────────────────────────────────────────────
// Boundary hooks
// ──────────────────────────────────────────────────

// OnReportRejected implements plugin.OnReportRejected.
func (e *Extension) OnReportRejected(ctx context.Context, reportID string, err error) error {
	return e.record(ctx, ActionReportRejected, SeverityCritical, OutcomeFailure,
		ResourceReport, reportID, CategoryBoundary, err,
		"report_id", reportID,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
