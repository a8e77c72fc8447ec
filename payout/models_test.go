package payout_test

import (
	"testing"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to payout.Status
		want     bool
	}{
		{payout.StatusPending, payout.StatusApproved, true},
		{payout.StatusPending, payout.StatusCancelled, true},
		{payout.StatusPending, payout.StatusProcessing, false},
		{payout.StatusPending, payout.StatusCompleted, false},
		{payout.StatusApproved, payout.StatusProcessing, true},
		{payout.StatusApproved, payout.StatusCancelled, true},
		{payout.StatusApproved, payout.StatusCompleted, false},
		{payout.StatusProcessing, payout.StatusCompleted, true},
		{payout.StatusProcessing, payout.StatusFailed, true},
		{payout.StatusProcessing, payout.StatusQuarantined, true},
		{payout.StatusProcessing, payout.StatusCancelled, false},
		{payout.StatusQuarantined, payout.StatusProcessing, true},
		{payout.StatusQuarantined, payout.StatusFailed, true},
		{payout.StatusQuarantined, payout.StatusCompleted, false},
		{payout.StatusCompleted, payout.StatusProcessing, false},
		{payout.StatusFailed, payout.StatusProcessing, false},
		{payout.StatusCancelled, payout.StatusApproved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := payout.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s): got %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   payout.Status
		terminal bool
	}{
		{payout.StatusPending, false},
		{payout.StatusApproved, false},
		{payout.StatusProcessing, false},
		{payout.StatusQuarantined, false},
		{payout.StatusCompleted, true},
		{payout.StatusFailed, true},
		{payout.StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal: got %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestEscrowEntryPairNetsToZero(t *testing.T) {
	req := &payout.Request{
		ID:        id.NewPayoutID(),
		AccountID: id.NewAccountID(),
		Amount:    types.Micro(5_000_000),
		Fee:       types.Micro(500_000),
		Net:       types.Micro(4_500_000),
		Sequence:  3,
	}

	hold := payout.HoldEntry(req)
	release := payout.ReleaseEntry(req, "provider timeout")

	if hold.Amount != req.Amount.Neg() {
		t.Errorf("hold amount: got %d, want %d", hold.Amount, req.Amount.Neg())
	}
	if release.Amount != req.Amount {
		t.Errorf("release amount: got %d, want %d", release.Amount, req.Amount)
	}
	if sum := hold.Amount + release.Amount; sum != 0 {
		t.Errorf("pair nets to %d, want 0", sum)
	}

	if hold.Pool != account.PoolEscrow || release.Pool != account.PoolEscrow {
		t.Error("escrow entries must target the escrow pool")
	}
	if hold.Kind != entry.KindEscrowHold {
		t.Errorf("hold kind: got %s", hold.Kind)
	}
	if release.Kind != entry.KindEscrowRelease {
		t.Errorf("release kind: got %s", release.Kind)
	}
	if hold.ReferenceID != req.ID || release.ReferenceID != req.ID {
		t.Error("escrow entries must reference the payout")
	}
	if release.Reason != "provider timeout" {
		t.Errorf("release reason: got %q", release.Reason)
	}

	if hold.IdempotencyKey == release.IdempotencyKey {
		t.Error("hold and release must carry distinct idempotency keys")
	}
}

func TestEscrowKeysVaryBySequence(t *testing.T) {
	req := &payout.Request{ID: id.NewPayoutID(), AccountID: id.NewAccountID(), Amount: 100, Sequence: 1}
	first := payout.HoldEntry(req)
	req.Sequence = 2
	second := payout.HoldEntry(req)

	if first.IdempotencyKey == second.IdempotencyKey {
		t.Error("hold keys for different sequences must differ")
	}
}
