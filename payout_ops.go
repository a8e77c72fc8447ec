package creditledger

import (
	"context"

	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/types"
)

// ──────────────────────────────────────────────────
// Payout state machine
// ──────────────────────────────────────────────────

// CreatePayout opens a withdrawal request in the pending state. Funds
// are not touched until approval writes the escrow hold.
func (e *Engine) CreatePayout(ctx context.Context, accountID id.AccountID, amount, fee types.Micro, address string) (*payout.Request, error) {
	if accountID.IsNil() || address == "" {
		return nil, ErrInvalidInput
	}
	if !amount.IsPositive() || fee.IsNegative() || fee > amount {
		return nil, ErrInvalidAmount
	}

	req := &payout.Request{
		Entity:    types.NewEntity(),
		ID:        id.NewPayoutID(),
		AccountID: accountID,
		Amount:    amount,
		Fee:       fee,
		Net:       amount.Sub(fee),
		Address:   address,
		Status:    payout.StatusPending,
	}

	if err := e.store.CreatePayout(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// GetPayout retrieves a payout request by ID.
func (e *Engine) GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Request, error) {
	return e.store.GetPayout(ctx, payoutID)
}

// ApprovePayout moves a pending payout to approved and, in the same
// transaction, allocates the account's next payout sequence and writes
// the negative escrow hold entry.
func (e *Engine) ApprovePayout(ctx context.Context, payoutID id.PayoutID) (*payout.TransitionResult, error) {
	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID:   payoutID,
		From:       payout.StatusPending,
		To:         payout.StatusApproved,
		EscrowHold: true,
	})
}

// MarkPayoutProcessing moves an approved payout to processing, meaning
// the transfer has been handed to the external rail.
func (e *Engine) MarkPayoutProcessing(ctx context.Context, payoutID id.PayoutID) (*payout.TransitionResult, error) {
	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID: payoutID,
		From:     payout.StatusApproved,
		To:       payout.StatusProcessing,
	})
}

// CompletePayout settles a processing payout: the escrow release entry
// is written and the global treasury version is bumped, all in one
// transaction.
func (e *Engine) CompletePayout(ctx context.Context, payoutID id.PayoutID) (*payout.TransitionResult, error) {
	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID:      payoutID,
		From:          payout.StatusProcessing,
		To:            payout.StatusCompleted,
		EscrowRelease: true,
		BumpTreasury:  true,
	})
}

// FailPayout marks a processing or quarantined payout failed and
// releases its escrow hold. The reason is recorded on the request.
func (e *Engine) FailPayout(ctx context.Context, payoutID id.PayoutID, reason string) (*payout.TransitionResult, error) {
	req, err := e.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !payout.CanTransition(req.Status, payout.StatusFailed) {
		return nil, ErrInvalidState
	}

	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID:      payoutID,
		From:          req.Status,
		To:            payout.StatusFailed,
		Reason:        reason,
		EscrowRelease: true,
	})
}

// QuarantinePayout parks a processing payout for manual review, keeping
// its escrow hold in place.
func (e *Engine) QuarantinePayout(ctx context.Context, payoutID id.PayoutID, reason string) (*payout.TransitionResult, error) {
	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID: payoutID,
		From:     payout.StatusProcessing,
		To:       payout.StatusQuarantined,
		Reason:   reason,
	})
}

// RetryPayout returns a quarantined payout to processing.
func (e *Engine) RetryPayout(ctx context.Context, payoutID id.PayoutID) (*payout.TransitionResult, error) {
	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID: payoutID,
		From:     payout.StatusQuarantined,
		To:       payout.StatusProcessing,
	})
}

// CancelPayout withdraws a payout before it reaches processing. A
// pending payout cancels cleanly; an approved one additionally releases
// its escrow hold.
func (e *Engine) CancelPayout(ctx context.Context, payoutID id.PayoutID, reason string) (*payout.TransitionResult, error) {
	req, err := e.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !payout.CanTransition(req.Status, payout.StatusCancelled) {
		return nil, ErrInvalidState
	}

	return e.transitionPayout(ctx, store.PayoutTransition{
		PayoutID:      payoutID,
		From:          req.Status,
		To:            payout.StatusCancelled,
		Reason:        reason,
		EscrowRelease: req.Status == payout.StatusApproved,
	})
}

// transitionPayout applies one guarded step and emits the plugin event.
// The store rejects the step with ErrStaleState when the payout is no
// longer in the expected prior status.
func (e *Engine) transitionPayout(ctx context.Context, t store.PayoutTransition) (*payout.TransitionResult, error) {
	if t.PayoutID.IsNil() {
		return nil, ErrInvalidInput
	}
	if !payout.CanTransition(t.From, t.To) {
		return nil, ErrInvalidState
	}

	result, err := e.store.TransitionPayout(ctx, t)
	if err != nil {
		return nil, err
	}

	e.plugins.EmitPayoutTransitioned(ctx, result)
	return result, nil
}
