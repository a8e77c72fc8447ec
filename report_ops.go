package creditledger

import (
	"context"

	"github.com/xraph/creditledger/boundary"
	"github.com/xraph/creditledger/reservation"
)

// ──────────────────────────────────────────────────
// Signed usage report settlement
// ──────────────────────────────────────────────────

// SettleReport verifies a provider's signed usage report and, if every
// check passes, finalizes the referenced reservation at the reported
// cost. The checks run in a fixed order: signature, signing algorithm,
// claim schema, reservation liveness, replay by report ID, and the
// reserved-cost ceiling. Every failure is permanent; retrying a
// rejected report cannot succeed.
func (e *Engine) SettleReport(ctx context.Context, token string) (*reservation.FinalizeResult, error) {
	if e.verifier == nil {
		return nil, ErrInvalidInput
	}

	report, err := e.verifier.Parse(token)
	if err != nil {
		e.plugins.EmitReportRejected(ctx, "", err)
		return nil, err
	}

	res, err := e.store.GetReservation(ctx, report.ReservationID)
	if err != nil {
		e.plugins.EmitReportRejected(ctx, report.ID.String(), err)
		return nil, err
	}
	if res.Status != reservation.StatusPending {
		e.plugins.EmitReportRejected(ctx, report.ID.String(), ErrReservationInactive)
		return nil, ErrReservationInactive
	}

	if err := e.store.RegisterReport(ctx, report.ID, report.ReservationID); err != nil {
		e.plugins.EmitReportRejected(ctx, report.ID.String(), err)
		return nil, err
	}

	if report.Cost > res.Amount {
		e.plugins.EmitReportRejected(ctx, report.ID.String(), ErrCostExceedsReserved)
		return nil, ErrCostExceedsReserved
	}

	result, err := e.Finalize(ctx, report.ReservationID, report.Cost)
	if err != nil {
		return nil, err
	}

	e.logger.Info("usage report settled",
		"report_id", report.ID,
		"reservation_id", report.ReservationID,
		"cost", report.Cost,
		"provider", report.Provider,
	)
	return result, nil
}

// VerifyReport runs only the stateless checks — signature, algorithm,
// and schema — and returns the decoded report without touching the
// store. Use SettleReport to drive a finalize.
func (e *Engine) VerifyReport(token string) (*boundary.Report, error) {
	if e.verifier == nil {
		return nil, ErrInvalidInput
	}
	return e.verifier.Parse(token)
}
