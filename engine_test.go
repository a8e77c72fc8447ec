package creditledger_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/boundary"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/store/memory"
	"github.com/xraph/creditledger/types"
)

func newTestEngine(t *testing.T, opts ...ledger.Option) *ledger.Engine {
	t.Helper()
	return ledger.New(memory.New(), opts...)
}

func mustAccount(t *testing.T, e *ledger.Engine, entityID string) *account.Account {
	t.Helper()
	a, err := e.CreateOrGetAccount(context.Background(), account.EntityPerson, entityID)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func entriesOf(kind entry.Kind) store.EntryListOpts {
	return store.EntryListOpts{Kind: kind}
}

func mustMint(t *testing.T, e *ledger.Engine, accountID id.AccountID, pool account.Pool, amount types.Micro, sourceID string) *lot.Lot {
	t.Helper()
	l, err := e.MintLot(context.Background(), accountID, pool, amount, "deposit", lot.MintOptions{SourceID: sourceID})
	if err != nil {
		t.Fatalf("mint lot: %v", err)
	}
	return l
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func TestCreateOrGetAccountIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.CreateOrGetAccount(ctx, account.EntityPerson, "user-1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := e.CreateOrGetAccount(ctx, account.EntityPerson, "user-1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("same owner must map to the same account: %s != %s", first.ID, second.ID)
	}

	other, err := e.CreateOrGetAccount(ctx, account.EntityAgent, "user-1")
	if err != nil {
		t.Fatalf("agent create: %v", err)
	}
	if other.ID == first.ID {
		t.Error("different entity types must map to different accounts")
	}
}

func TestCreateOrGetAccountValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOrGetAccount(ctx, "", "user-1"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("empty entity type: got %v", err)
	}
	if _, err := e.CreateOrGetAccount(ctx, account.EntityPerson, ""); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("empty entity id: got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Lots and balances
// ──────────────────────────────────────────────────

func TestMintLotIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	first := mustMint(t, e, a.ID, account.PoolGeneral, types.Units(10), "order-1")
	second := mustMint(t, e, a.ID, account.PoolGeneral, types.Units(10), "order-1")
	if first.ID != second.ID {
		t.Errorf("replayed mint must return the original lot: %s != %s", first.ID, second.ID)
	}

	b, err := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Available != types.Units(10) {
		t.Errorf("replayed mint must not grant twice: available %d", b.Available)
	}
}

func TestMintLotValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"nil account", func() error {
			_, err := e.MintLot(ctx, id.ID{}, account.PoolGeneral, 100, "deposit", lot.MintOptions{SourceID: "x"})
			return err
		}, ledger.ErrInvalidInput},
		{"missing source id", func() error {
			_, err := e.MintLot(ctx, a.ID, account.PoolGeneral, 100, "deposit", lot.MintOptions{})
			return err
		}, ledger.ErrInvalidInput},
		{"zero amount", func() error {
			_, err := e.MintLot(ctx, a.ID, account.PoolGeneral, 0, "deposit", lot.MintOptions{SourceID: "x"})
			return err
		}, ledger.ErrInvalidAmount},
		{"negative amount", func() error {
			_, err := e.MintLot(ctx, a.ID, account.PoolGeneral, -5, "deposit", lot.MintOptions{SourceID: "x"})
			return err
		}, ledger.ErrInvalidAmount},
		{"unknown account", func() error {
			_, err := e.MintLot(ctx, id.NewAccountID(), account.PoolGeneral, 100, "deposit", lot.MintOptions{SourceID: "x"})
			return err
		}, ledger.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoolsAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	mustMint(t, e, a.ID, account.PoolGeneral, types.Units(10), "order-1")
	mustMint(t, e, a.ID, account.PoolRewards, types.Units(3), "reward-1")

	general, err := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if err != nil {
		t.Fatalf("general balance: %v", err)
	}
	rewards, err := e.GetBalance(ctx, a.ID, account.PoolRewards)
	if err != nil {
		t.Fatalf("rewards balance: %v", err)
	}
	if general.Available != types.Units(10) || rewards.Available != types.Units(3) {
		t.Errorf("pool isolation broken: general %d, rewards %d", general.Available, rewards.Available)
	}

	// A reservation against general must not see rewards credit.
	if _, err := e.Reserve(ctx, a.ID, account.PoolGeneral, types.Units(11), 0); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("cross-pool draw: got %v, want ErrInsufficientBalance", err)
	}
}

func TestMintEntryWritten(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	l := mustMint(t, e, a.ID, account.PoolGeneral, types.Units(10), "order-1")

	entries, err := e.ListEntries(ctx, a.ID, entriesOf(entry.KindMint))
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entry count: got %d, want 1", len(entries))
	}
	if entries[0].Amount != types.Units(10) {
		t.Errorf("entry amount: got %d", entries[0].Amount)
	}
	if entries[0].ReferenceID != l.ID {
		t.Error("mint entry must reference the lot")
	}
}

// ──────────────────────────────────────────────────
// Reservations
// ──────────────────────────────────────────────────

func TestReserveDrawsFIFO(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	first := mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")
	second := mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-2")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 150, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Allocations) != 2 {
		t.Fatalf("allocations: got %d, want 2", len(res.Allocations))
	}
	if res.Allocations[0].LotID != first.ID || res.Allocations[0].Amount != 100 {
		t.Errorf("first draw: %+v", res.Allocations[0])
	}
	if res.Allocations[1].LotID != second.ID || res.Allocations[1].Amount != 50 {
		t.Errorf("second draw: %+v", res.Allocations[1])
	}

	b, err := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Available != 50 || b.Reserved != 150 {
		t.Errorf("balance after reserve: available %d, reserved %d", b.Available, b.Reserved)
	}
}

func TestReserveInsufficient(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	if _, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 101, 0); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}

	// A failed reserve must not move anything.
	b, _ := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if b.Available != 100 || b.Reserved != 0 {
		t.Errorf("failed reserve moved funds: %+v", b)
	}
}

func TestReserveSinglePendingPerPool(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 10, 0)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 10, 0); !errors.Is(err, ledger.ErrReservationActive) {
		t.Errorf("second reserve: got %v, want ErrReservationActive", err)
	}

	// Settling the first frees the scope.
	if _, err := e.Finalize(ctx, res.ID, 10); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 10, 0); err != nil {
		t.Errorf("reserve after finalize: %v", err)
	}
}

func TestFinalizeWithSurplus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	l := mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 80, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	result, err := e.Finalize(ctx, res.ID, 60)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.ActualCost != 60 || result.Surplus != 20 || result.Replayed {
		t.Errorf("result: %+v", result)
	}

	got, err := e.GetLot(ctx, l.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if got.Available != 40 || got.Reserved != 0 || got.Consumed != 60 {
		t.Errorf("lot after finalize: available %d, reserved %d, consumed %d", got.Available, got.Reserved, got.Consumed)
	}
	if !got.Conserved() {
		t.Error("lot conservation violated")
	}
}

func TestReserveFinalizeScenario(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	l := mustMint(t, e, a.ID, account.PoolGeneral, 10_000_000, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 4_000_000, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Finalize(ctx, res.ID, 3_500_000); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := e.GetLot(ctx, l.ID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if got.Available != 6_500_000 || got.Reserved != 0 || got.Consumed != 3_500_000 {
		t.Errorf("lot: available %d, reserved %d, consumed %d", got.Available, got.Reserved, got.Consumed)
	}
}

func TestFinalizeLargeReservation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	first := mustMint(t, e, a.ID, account.PoolGeneral, 5_000_000_000, "order-1")
	second := mustMint(t, e, a.ID, account.PoolGeneral, 5_000_000_000, "order-2")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 10_000_000_000, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Finalize(ctx, res.ID, 2_000_000_000); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for _, lotID := range []id.LotID{first.ID, second.ID} {
		l, err := e.GetLot(ctx, lotID)
		if err != nil {
			t.Fatalf("get lot: %v", err)
		}
		if l.Consumed != 1_000_000_000 || l.Available != 4_000_000_000 || l.Reserved != 0 {
			t.Errorf("lot %s: available %d, reserved %d, consumed %d", l.ID, l.Available, l.Reserved, l.Consumed)
		}
		if !l.Conserved() {
			t.Errorf("lot %s violates conservation", l.ID)
		}
	}

	b, _ := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if b.Available != 8_000_000_000 || b.Reserved != 0 {
		t.Errorf("balance: %+v", b)
	}
}

func TestFinalizeReplay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 80, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	first, err := e.Finalize(ctx, res.ID, 60)
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	// Same cost replays the stored result without moving funds again.
	replay, err := e.Finalize(ctx, res.ID, 60)
	if err != nil {
		t.Fatalf("replay finalize: %v", err)
	}
	if !replay.Replayed {
		t.Error("replay must be flagged")
	}
	if replay.ActualCost != first.ActualCost || replay.Surplus != first.Surplus {
		t.Errorf("replay result differs: %+v vs %+v", replay, first)
	}

	b, _ := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if b.Available != 40 || b.Reserved != 0 {
		t.Errorf("replay moved funds: %+v", b)
	}

	// A different cost is a conflict, never a second settlement.
	if _, err := e.Finalize(ctx, res.ID, 50); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("conflicting replay: got %v, want ErrConflict", err)
	}
}

func TestFinalizeOverReserved(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 80, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Finalize(ctx, res.ID, 81); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestReleaseReturnsHolds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 80, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := e.Release(ctx, res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	b, _ := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if b.Available != 100 || b.Reserved != 0 {
		t.Errorf("balance after release: %+v", b)
	}

	// A released reservation cannot settle.
	if _, err := e.Finalize(ctx, res.ID, 10); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("finalize after release: got %v, want ErrInvalidState", err)
	}
	if err := e.Release(ctx, res.ID); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("double release: got %v, want ErrInvalidState", err)
	}
}

func TestExpireReservations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 80, time.Millisecond)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	count, err := e.ExpireReservations(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Errorf("expired count: got %d, want 1", count)
	}

	got, err := e.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if got.Status != reservation.StatusExpired {
		t.Errorf("status: got %s, want expired", got.Status)
	}

	b, _ := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if b.Available != 100 || b.Reserved != 0 {
		t.Errorf("balance after expiry: %+v", b)
	}

	// Open-ended reservations never expire.
	res2, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 10, 0)
	if err != nil {
		t.Fatalf("open-ended reserve: %v", err)
	}
	count, err = e.ExpireReservations(ctx)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if count != 0 {
		t.Errorf("open-ended reservation expired")
	}
	got2, _ := e.GetReservation(ctx, res2.ID)
	if got2.Status != reservation.StatusPending {
		t.Errorf("open-ended status: got %s", got2.Status)
	}
}

func TestStopTwice(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

// Per-lot conservation must hold after every operation in an arbitrary
// mint/reserve/finalize/release/expire sequence. Amounts reach into the
// range where proportional products exceed 64 bits.
func TestConservationRandomized(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	rng := rand.New(rand.NewSource(7))

	var pendingID id.ReservationID
	var pendingAmount types.Micro
	hasPending := false

	for i := 0; i < 300; i++ {
		switch rng.Intn(5) {
		case 0:
			amount := types.Micro(1 + rng.Int63n(1<<40))
			mustMint(t, e, a.ID, account.PoolGeneral, amount, fmt.Sprintf("src-%d", i))

		case 1:
			amount := types.Micro(1 + rng.Int63n(1<<41))
			res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, amount, 0)
			switch {
			case err == nil:
				pendingID, pendingAmount, hasPending = res.ID, amount, true
			case errors.Is(err, ledger.ErrInsufficientBalance),
				errors.Is(err, ledger.ErrReservationActive):
				// Legitimate rejections, nothing moved.
			default:
				t.Fatalf("step %d: reserve: %v", i, err)
			}

		case 2:
			if !hasPending {
				continue
			}
			cost := types.Micro(rng.Int63n(int64(pendingAmount) + 1))
			if _, err := e.Finalize(ctx, pendingID, cost); err != nil {
				t.Fatalf("step %d: finalize: %v", i, err)
			}
			hasPending = false

		case 3:
			if !hasPending {
				continue
			}
			if err := e.Release(ctx, pendingID); err != nil {
				t.Fatalf("step %d: release: %v", i, err)
			}
			hasPending = false

		case 4:
			if _, err := e.ExpireReservations(ctx); err != nil {
				t.Fatalf("step %d: expire: %v", i, err)
			}
		}

		lots, err := e.ListLots(ctx, a.ID, account.PoolGeneral)
		if err != nil {
			t.Fatalf("step %d: list lots: %v", i, err)
		}
		for _, l := range lots {
			if !l.Conserved() {
				t.Fatalf("step %d: lot %s violates conservation: %+v", i, l.ID, l)
			}
			if l.Available < 0 || l.Reserved < 0 || l.Consumed < 0 {
				t.Fatalf("step %d: lot %s has negative component: %+v", i, l.ID, l)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Payouts
// ──────────────────────────────────────────────────

func TestPayoutHappyPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	before, err := e.TreasuryVersion(ctx)
	if err != nil {
		t.Fatalf("treasury version: %v", err)
	}

	req, err := e.CreatePayout(ctx, a.ID, types.Units(5), types.Micro(500_000), "addr-1")
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if req.Status != payout.StatusPending {
		t.Errorf("initial status: got %s", req.Status)
	}
	if req.Net != types.Micro(4_500_000) {
		t.Errorf("net: got %d", req.Net)
	}

	if _, err := e.ApprovePayout(ctx, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := e.MarkPayoutProcessing(ctx, req.ID); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if _, err := e.CompletePayout(ctx, req.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := e.GetPayout(ctx, req.ID)
	if err != nil {
		t.Fatalf("get payout: %v", err)
	}
	if got.Status != payout.StatusCompleted {
		t.Errorf("final status: got %s", got.Status)
	}
	if got.Sequence == 0 {
		t.Error("approval must allocate a payout sequence")
	}

	// Escrow hold and release must net to zero.
	holds, err := e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowHold))
	if err != nil {
		t.Fatalf("list holds: %v", err)
	}
	releases, err := e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowRelease))
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	if len(holds) != 1 || len(releases) != 1 {
		t.Fatalf("escrow entries: %d holds, %d releases", len(holds), len(releases))
	}
	if sum := holds[0].Amount + releases[0].Amount; sum != 0 {
		t.Errorf("escrow pair nets to %d, want 0", sum)
	}

	// Completion bumps the global treasury version exactly once.
	after, err := e.TreasuryVersion(ctx)
	if err != nil {
		t.Fatalf("treasury version: %v", err)
	}
	if after != before+1 {
		t.Errorf("treasury version: got %d, want %d", after, before+1)
	}
}

func TestPayoutValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	if _, err := e.CreatePayout(ctx, a.ID, 100, 0, ""); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("empty address: got %v", err)
	}
	if _, err := e.CreatePayout(ctx, a.ID, 0, 0, "addr"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := e.CreatePayout(ctx, a.ID, 100, 101, "addr"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("fee over amount: got %v", err)
	}
	if _, err := e.CreatePayout(ctx, a.ID, 100, -1, "addr"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("negative fee: got %v", err)
	}
}

func TestPayoutStaleTransition(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	req, err := e.CreatePayout(ctx, a.ID, 100, 0, "addr")
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if _, err := e.ApprovePayout(ctx, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// A second approval finds the payout no longer pending.
	if _, err := e.ApprovePayout(ctx, req.ID); !errors.Is(err, ledger.ErrStaleState) {
		t.Errorf("double approve: got %v, want ErrStaleState", err)
	}

	// Skipping processing is an illegal edge.
	if _, err := e.CompletePayout(ctx, req.ID); !errors.Is(err, ledger.ErrStaleState) {
		t.Errorf("complete from approved: got %v, want ErrStaleState", err)
	}
}

func TestPayoutCancelPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	req, err := e.CreatePayout(ctx, a.ID, 100, 0, "addr")
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if _, err := e.CancelPayout(ctx, req.ID, "user changed mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// No escrow was held, so no release entry exists.
	releases, _ := e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowRelease))
	if len(releases) != 0 {
		t.Errorf("pending cancel wrote %d release entries", len(releases))
	}
}

func TestPayoutCancelApprovedReleasesEscrow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	req, err := e.CreatePayout(ctx, a.ID, 100, 0, "addr")
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if _, err := e.ApprovePayout(ctx, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := e.CancelPayout(ctx, req.ID, "fraud review"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	holds, _ := e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowHold))
	releases, _ := e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowRelease))
	if len(holds) != 1 || len(releases) != 1 {
		t.Fatalf("escrow entries: %d holds, %d releases", len(holds), len(releases))
	}
	if sum := holds[0].Amount + releases[0].Amount; sum != 0 {
		t.Errorf("escrow pair nets to %d, want 0", sum)
	}
}

func TestPayoutQuarantineRetryFail(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	req, err := e.CreatePayout(ctx, a.ID, 100, 0, "addr")
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if _, err := e.ApprovePayout(ctx, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := e.MarkPayoutProcessing(ctx, req.ID); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if _, err := e.QuarantinePayout(ctx, req.ID, "rail flagged"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	got, _ := e.GetPayout(ctx, req.ID)
	if got.Status != payout.StatusQuarantined {
		t.Fatalf("status: got %s", got.Status)
	}
	if got.Reason != "rail flagged" {
		t.Errorf("reason: got %q", got.Reason)
	}

	// Quarantine keeps the hold; only failure releases it.
	releases, _ := e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowRelease))
	if len(releases) != 0 {
		t.Errorf("quarantine released escrow")
	}

	if _, err := e.RetryPayout(ctx, req.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := e.FailPayout(ctx, req.ID, "rail rejected"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ = e.GetPayout(ctx, req.ID)
	if got.Status != payout.StatusFailed {
		t.Errorf("status: got %s", got.Status)
	}
	releases, _ = e.ListEntries(ctx, a.ID, entriesOf(entry.KindEscrowRelease))
	if len(releases) != 1 {
		t.Errorf("failure must release escrow: got %d entries", len(releases))
	}

	// Terminal states admit nothing further.
	if _, err := e.RetryPayout(ctx, req.ID); !errors.Is(err, ledger.ErrStaleState) {
		t.Errorf("retry after failure: got %v, want ErrStaleState", err)
	}
	if _, err := e.CancelPayout(ctx, req.ID, ""); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("cancel after failure: got %v, want ErrInvalidState", err)
	}
}

// ──────────────────────────────────────────────────
// Revenue rules
// ──────────────────────────────────────────────────

func TestRuleGovernanceLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	r, err := e.ProposeRule(ctx, 3333, 3333, 3334)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if r.Status != revenue.StatusDraft || r.Version != 1 {
		t.Errorf("draft: %+v", r)
	}

	// A draft cannot activate directly.
	if err := e.ActivateRule(ctx, r.ID, "ops"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("activate from draft: got %v, want ErrInvalidState", err)
	}

	if err := e.SubmitRule(ctx, r.ID, "author"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ApproveRule(ctx, r.ID, "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := e.ActivateRule(ctx, r.ID, "ops"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	active, err := e.ActiveRule(ctx)
	if err != nil {
		t.Fatalf("active rule: %v", err)
	}
	if active.ID != r.ID {
		t.Errorf("active rule: got %s, want %s", active.ID, r.ID)
	}

	audit, err := e.ListRuleAudit(ctx, r.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	wantEdges := []revenue.RuleStatus{revenue.StatusPendingApproval, revenue.StatusCoolingDown, revenue.StatusActive}
	if len(audit) != len(wantEdges) {
		t.Fatalf("audit rows: got %d, want %d", len(audit), len(wantEdges))
	}
	for i, to := range wantEdges {
		if audit[i].To != to {
			t.Errorf("audit row %d: got %s, want %s", i, audit[i].To, to)
		}
	}
}

func TestProposeRuleInvalidWeights(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ProposeRule(ctx, 3333, 3333, 3333); !errors.Is(err, ledger.ErrInvalidWeights) {
		t.Errorf("bad sum: got %v", err)
	}
	if _, err := e.ProposeRule(ctx, -100, 5100, 5000); !errors.Is(err, ledger.ErrInvalidWeights) {
		t.Errorf("negative weight: got %v", err)
	}
}

func activatedRule(t *testing.T, e *ledger.Engine, w1, w2, w3 int64) *revenue.Rule {
	t.Helper()
	ctx := context.Background()
	r, err := e.ProposeRule(ctx, w1, w2, w3)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := e.SubmitRule(ctx, r.ID, "author"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ApproveRule(ctx, r.ID, "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := e.ActivateRule(ctx, r.ID, "ops"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return r
}

func TestActivationSupersedesPriorRule(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := activatedRule(t, e, 5000, 3000, 2000)
	second := activatedRule(t, e, 3333, 3333, 3334)

	active, err := e.ActiveRule(ctx)
	if err != nil {
		t.Fatalf("active rule: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active: got %s, want %s", active.ID, second.ID)
	}

	old, err := e.GetRule(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first rule: %v", err)
	}
	if old.Status != revenue.StatusSuperseded {
		t.Errorf("first rule status: got %s, want superseded", old.Status)
	}
	if second.Version != first.Version+1 {
		t.Errorf("versions: first %d, second %d", first.Version, second.Version)
	}
}

func TestSplitUsesActiveRule(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, _, err := e.Split(ctx, 1000); !errors.Is(err, ledger.ErrNoActiveRule) {
		t.Errorf("split without rule: got %v, want ErrNoActiveRule", err)
	}

	activatedRule(t, e, 3333, 3333, 3334)

	shares, r, err := e.Split(ctx, 10_000_001)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if r == nil {
		t.Fatal("split must return the rule it applied")
	}
	if shares.Share1 != 3_333_000 || shares.Share2 != 3_333_000 || shares.Share3 != 3_334_001 {
		t.Errorf("shares: %+v", shares)
	}
	if shares.Total() != 10_000_001 {
		t.Errorf("shares lose micro-units: total %d", shares.Total())
	}
}

// ──────────────────────────────────────────────────
// Reward distribution
// ──────────────────────────────────────────────────

func TestDistributeRewards(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	b := mustAccount(t, e, "user-2")

	d, err := e.DistributeRewards(ctx, "2026-08", 100, []revenue.Participant{
		{AccountID: a.ID, Score: 1},
		{AccountID: b.ID, Score: 3},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(d.Entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(d.Entries))
	}
	if d.Entries[0].Amount != 25 || d.Entries[1].Amount != 75 {
		t.Errorf("amounts: %d, %d", d.Entries[0].Amount, d.Entries[1].Amount)
	}

	// Each recipient holds a rewards-pool lot for their share.
	ba, _ := e.GetBalance(ctx, a.ID, account.PoolRewards)
	bb, _ := e.GetBalance(ctx, b.ID, account.PoolRewards)
	if ba.Available != 25 || bb.Available != 75 {
		t.Errorf("reward balances: %d, %d", ba.Available, bb.Available)
	}

	// The period is the idempotency key.
	if _, err := e.DistributeRewards(ctx, "2026-08", 100, []revenue.Participant{{AccountID: a.ID, Score: 1}}); !errors.Is(err, ledger.ErrAlreadyDistributed) {
		t.Errorf("repeat period: got %v, want ErrAlreadyDistributed", err)
	}

	got, err := e.GetDistribution(ctx, "2026-08")
	if err != nil {
		t.Fatalf("get distribution: %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("distribution: got %s, want %s", got.ID, d.ID)
	}
}

func TestDistributeRewardsFiltersIneligible(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")

	d, err := e.DistributeRewards(ctx, "2026-08", 100, []revenue.Participant{
		{AccountID: a.ID, Score: 2},
		{AccountID: id.NewAccountID(), Score: 0},
		{Score: 5},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(d.Entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(d.Entries))
	}
	if d.Entries[0].Amount != 100 {
		t.Errorf("sole eligible participant should take the pool: got %d", d.Entries[0].Amount)
	}
}

func TestDistributeRewardsValidation(t *testing.T) {
	e := newTestEngine(t, ledger.WithDistributionThreshold(1000))
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	ps := []revenue.Participant{{AccountID: a.ID, Score: 1}}

	if _, err := e.DistributeRewards(ctx, "", 2000, ps); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("empty period: got %v", err)
	}
	if _, err := e.DistributeRewards(ctx, "p", 0, ps); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero pool: got %v", err)
	}
	if _, err := e.DistributeRewards(ctx, "p", 999, ps); !errors.Is(err, ledger.ErrBelowThreshold) {
		t.Errorf("below threshold: got %v", err)
	}
	if _, err := e.DistributeRewards(ctx, "p", 2000, nil); !errors.Is(err, ledger.ErrNoParticipants) {
		t.Errorf("no participants: got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Signed report settlement
// ──────────────────────────────────────────────────

func reportToken(t *testing.T, priv ed25519.PrivateKey, resID id.ReservationID, cost types.Micro) (string, id.ReportID) {
	t.Helper()
	report := &boundary.Report{
		ID:            id.NewReportID(),
		ReservationID: resID,
		Cost:          cost,
		Provider:      "compute-1",
		IssuedAt:      time.Now(),
	}
	token, err := boundary.Sign(priv, report)
	if err != nil {
		t.Fatalf("sign report: %v", err)
	}
	return token, report.ID
}

func TestSettleReport(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := newTestEngine(t, ledger.WithProviderKey(pub))
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 100, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 80, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	token, _ := reportToken(t, priv, res.ID, 60)
	result, err := e.SettleReport(ctx, token)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.ActualCost != 60 || result.Surplus != 20 {
		t.Errorf("result: %+v", result)
	}

	b, _ := e.GetBalance(ctx, a.ID, account.PoolGeneral)
	if b.Available != 40 || b.Reserved != 0 {
		t.Errorf("balance after settle: %+v", b)
	}

	// The same report ID can never drive a second settlement.
	if _, err := e.SettleReport(ctx, token); !errors.Is(err, ledger.ErrReservationInactive) {
		t.Errorf("replayed token: got %v, want ErrReservationInactive", err)
	}
}

func TestSettleReportReplayedID(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := newTestEngine(t, ledger.WithProviderKey(pub))
	ctx := context.Background()
	a := mustAccount(t, e, "user-1")
	mustMint(t, e, a.ID, account.PoolGeneral, 1000, "order-1")

	res, err := e.Reserve(ctx, a.ID, account.PoolGeneral, 100, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// A report that fails the cost ceiling burns its ID; the
	// reservation stays pending but that ID is spent.
	report := &boundary.Report{
		ID:            id.NewReportID(),
		ReservationID: res.ID,
		Cost:          101,
		IssuedAt:      time.Now(),
	}
	over, err := boundary.Sign(priv, report)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := e.SettleReport(ctx, over); !errors.Is(err, ledger.ErrCostExceedsReserved) {
		t.Fatalf("over-cost: got %v, want ErrCostExceedsReserved", err)
	}

	report.Cost = 50
	replayed, err := boundary.Sign(priv, report)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := e.SettleReport(ctx, replayed); !errors.Is(err, ledger.ErrReplayedReport) {
		t.Errorf("reused report ID: got %v, want ErrReplayedReport", err)
	}

	// A fresh report still settles the reservation.
	token, _ := reportToken(t, priv, res.ID, 50)
	if _, err := e.SettleReport(ctx, token); err != nil {
		t.Errorf("fresh report: %v", err)
	}
}

func TestSettleReportRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	e := newTestEngine(t, ledger.WithProviderKey(pub))
	ctx := context.Background()

	token, _ := reportToken(t, otherPriv, id.NewReservationID(), 10)
	_, err = e.SettleReport(ctx, token)
	if !errors.Is(err, boundary.ErrBadSignature) {
		t.Errorf("got %v, want ErrBadSignature", err)
	}
	if !ledger.IsVerificationFailure(err) {
		t.Error("signature failure must classify as a verification failure")
	}
}

func TestSettleReportWithoutVerifier(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.SettleReport(context.Background(), "token"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}
