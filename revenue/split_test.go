package revenue_test

import (
	"math/rand"
	"testing"

	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/revenue"
	"github.com/xraph/creditledger/types"
)

func rule(w1, w2, w3 int64) *revenue.Rule {
	return &revenue.Rule{ID: id.NewRuleID(), Weight1: w1, Weight2: w2, Weight3: w3}
}

func TestCalculateShares(t *testing.T) {
	tests := []struct {
		name   string
		rule   *revenue.Rule
		amount types.Micro
		share1 types.Micro
		share2 types.Micro
		share3 types.Micro
	}{
		{
			name:   "even thirds with remainder to third share",
			rule:   rule(3333, 3333, 3334),
			amount: 10_000_001,
			share1: 3_333_000,
			share2: 3_333_000,
			share3: 3_334_001,
		},
		{
			name:   "half quarter quarter",
			rule:   rule(5000, 2500, 2500),
			amount: 1000,
			share1: 500,
			share2: 250,
			share3: 250,
		},
		{
			name:   "all to first",
			rule:   rule(10000, 0, 0),
			amount: 777,
			share1: 777,
			share2: 0,
			share3: 0,
		},
		{
			name:   "zero amount",
			rule:   rule(3333, 3333, 3334),
			amount: 0,
			share1: 0,
			share2: 0,
			share3: 0,
		},
		{
			name:   "one micro-unit lands on third share",
			rule:   rule(3333, 3333, 3334),
			amount: 1,
			share1: 0,
			share2: 0,
			share3: 1,
		},
		{
			// amount * weight exceeds int64; shares must stay exact.
			name:   "large amount half quarter quarter",
			rule:   rule(5000, 2500, 2500),
			amount: 3_000_000_000_000_000_000,
			share1: 1_500_000_000_000_000_000,
			share2: 750_000_000_000_000_000,
			share3: 750_000_000_000_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares := revenue.CalculateShares(tt.rule, tt.amount)
			if shares.Share1 != tt.share1 {
				t.Errorf("Share1: got %d, want %d", shares.Share1, tt.share1)
			}
			if shares.Share2 != tt.share2 {
				t.Errorf("Share2: got %d, want %d", shares.Share2, tt.share2)
			}
			if shares.Share3 != tt.share3 {
				t.Errorf("Share3: got %d, want %d", shares.Share3, tt.share3)
			}
			if shares.Total() != tt.amount {
				t.Errorf("Total: got %d, want %d", shares.Total(), tt.amount)
			}
		})
	}
}

// The three shares must reconstruct the amount exactly for any weight
// triple and amount.
func TestCalculateSharesZeroLossRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for trial := 0; trial < 500; trial++ {
		w1 := rng.Int63n(types.BpsWhole + 1)
		w2 := rng.Int63n(types.BpsWhole - w1 + 1)
		r := rule(w1, w2, types.BpsWhole-w1-w2)
		amount := types.Micro(rng.Int63n(1_000_000_000))

		shares := revenue.CalculateShares(r, amount)
		if shares.Total() != amount {
			t.Fatalf("trial %d: shares sum to %d, want %d (weights %d/%d/%d)",
				trial, shares.Total(), amount, r.Weight1, r.Weight2, r.Weight3)
		}
		if shares.Share1 < 0 || shares.Share2 < 0 || shares.Share3 < 0 {
			t.Fatalf("trial %d: negative share %+v", trial, shares)
		}
	}
}

// Same identity at magnitudes where amount * weight overflows int64.
func TestCalculateSharesZeroLossLargeAmounts(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	for trial := 0; trial < 500; trial++ {
		w1 := rng.Int63n(types.BpsWhole + 1)
		w2 := rng.Int63n(types.BpsWhole - w1 + 1)
		r := rule(w1, w2, types.BpsWhole-w1-w2)
		amount := types.Micro(rng.Int63n(1 << 62))

		shares := revenue.CalculateShares(r, amount)
		if shares.Total() != amount {
			t.Fatalf("trial %d: shares sum to %d, want %d (weights %d/%d/%d)",
				trial, shares.Total(), amount, r.Weight1, r.Weight2, r.Weight3)
		}
		if shares.Share1 < 0 || shares.Share2 < 0 || shares.Share3 < 0 {
			t.Fatalf("trial %d: negative share %+v", trial, shares)
		}
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    *revenue.Rule
		wantErr bool
	}{
		{"valid", rule(3333, 3333, 3334), false},
		{"valid all to one", rule(10000, 0, 0), false},
		{"sum too low", rule(3333, 3333, 3333), true},
		{"sum too high", rule(5000, 5000, 1), true},
		{"negative weight", rule(-1000, 5500, 5500), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate: got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestRuleCanTransition(t *testing.T) {
	tests := []struct {
		from, to revenue.RuleStatus
		want     bool
	}{
		{revenue.StatusDraft, revenue.StatusPendingApproval, true},
		{revenue.StatusDraft, revenue.StatusRejected, true},
		{revenue.StatusDraft, revenue.StatusActive, false},
		{revenue.StatusPendingApproval, revenue.StatusCoolingDown, true},
		{revenue.StatusPendingApproval, revenue.StatusActive, false},
		{revenue.StatusCoolingDown, revenue.StatusActive, true},
		{revenue.StatusCoolingDown, revenue.StatusRejected, true},
		{revenue.StatusActive, revenue.StatusSuperseded, true},
		{revenue.StatusActive, revenue.StatusRejected, false},
		{revenue.StatusSuperseded, revenue.StatusActive, false},
		{revenue.StatusRejected, revenue.StatusDraft, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := revenue.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s): got %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func participants(scores ...int64) []revenue.Participant {
	out := make([]revenue.Participant, len(scores))
	for i, s := range scores {
		out[i] = revenue.Participant{AccountID: id.NewAccountID(), Score: s}
	}
	return out
}

func TestDistributeByScore(t *testing.T) {
	tests := []struct {
		name        string
		pool        types.Micro
		scores      []int64
		wantAmounts []types.Micro
		wantTotal   int64
	}{
		{
			name:        "even split",
			pool:        100,
			scores:      []int64{1, 1},
			wantAmounts: []types.Micro{50, 50},
			wantTotal:   2,
		},
		{
			// floor(100/3)=33 each; last absorbs the remainder.
			name:        "remainder to last participant",
			pool:        100,
			scores:      []int64{1, 1, 1},
			wantAmounts: []types.Micro{33, 33, 34},
			wantTotal:   3,
		},
		{
			name:        "large pool equal scores",
			pool:        10_000_001,
			scores:      []int64{1, 1, 1},
			wantAmounts: []types.Micro{3_333_333, 3_333_333, 3_333_335},
			wantTotal:   3,
		},
		{
			name:        "proportional",
			pool:        1000,
			scores:      []int64{1, 3},
			wantAmounts: []types.Micro{250, 750},
			wantTotal:   4,
		},
		{
			name:        "single participant takes all",
			pool:        999,
			scores:      []int64{7},
			wantAmounts: []types.Micro{999},
			wantTotal:   7,
		},
		{
			name:        "pool smaller than participant count",
			pool:        2,
			scores:      []int64{1, 1, 1},
			wantAmounts: []types.Micro{0, 0, 2},
			wantTotal:   3,
		},
		{
			// pool * score exceeds int64 for these inputs.
			name:        "large pool large scores",
			pool:        5_000_000_000_000_000,
			scores:      []int64{1_000_000_000_000, 3_000_000_000_000},
			wantAmounts: []types.Micro{1_250_000_000_000_000, 3_750_000_000_000_000},
			wantTotal:   4_000_000_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := participants(tt.scores...)
			entries, total := revenue.DistributeByScore(tt.pool, ps)

			if total != tt.wantTotal {
				t.Errorf("total score: got %d, want %d", total, tt.wantTotal)
			}
			if len(entries) != len(ps) {
				t.Fatalf("entry count: got %d, want %d", len(entries), len(ps))
			}

			var sum types.Micro
			for i, e := range entries {
				if e.AccountID != ps[i].AccountID {
					t.Errorf("entry %d: account mismatch", i)
				}
				if e.Amount != tt.wantAmounts[i] {
					t.Errorf("entry %d: got %d, want %d", i, e.Amount, tt.wantAmounts[i])
				}
				sum += e.Amount
			}
			if sum != tt.pool {
				t.Errorf("entries sum to %d, want %d", sum, tt.pool)
			}
		})
	}
}

func TestDistributeByScoreNoScore(t *testing.T) {
	entries, total := revenue.DistributeByScore(1000, participants())
	if entries != nil || total != 0 {
		t.Errorf("empty participants: got (%v, %d), want (nil, 0)", entries, total)
	}
}

func TestDistributeByScoreZeroLossRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 500; trial++ {
		n := 1 + rng.Intn(8)
		scores := make([]int64, n)
		for i := range scores {
			scores[i] = 1 + rng.Int63n(1000)
		}
		pool := types.Micro(rng.Int63n(10_000_000))

		entries, _ := revenue.DistributeByScore(pool, participants(scores...))

		var sum types.Micro
		for _, e := range entries {
			if e.Amount < 0 {
				t.Fatalf("trial %d: negative entry %+v", trial, e)
			}
			sum += e.Amount
		}
		if sum != pool {
			t.Fatalf("trial %d: entries sum to %d, want %d", trial, sum, pool)
		}
	}
}

// Same identity at magnitudes where pool * score overflows int64.
func TestDistributeByScoreZeroLossLargeAmounts(t *testing.T) {
	rng := rand.New(rand.NewSource(6))

	for trial := 0; trial < 500; trial++ {
		n := 1 + rng.Intn(8)
		scores := make([]int64, n)
		for i := range scores {
			scores[i] = 1 + rng.Int63n(1<<40)
		}
		pool := types.Micro(rng.Int63n(1 << 60))

		entries, _ := revenue.DistributeByScore(pool, participants(scores...))

		var sum types.Micro
		for _, e := range entries {
			if e.Amount < 0 {
				t.Fatalf("trial %d: negative entry %+v", trial, e)
			}
			sum += e.Amount
		}
		if sum != pool {
			t.Fatalf("trial %d: entries sum to %d, want %d", trial, sum, pool)
		}
	}
}
