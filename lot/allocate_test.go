package lot_test

import (
	"testing"

	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/types"
)

func makeLot(available types.Micro) *lot.Lot {
	return &lot.Lot{
		ID:        id.NewLotID(),
		Original:  available,
		Available: available,
	}
}

func TestAllocateFIFO(t *testing.T) {
	tests := []struct {
		name      string
		available []types.Micro
		amount    types.Micro
		wantDraws []types.Micro
		wantOK    bool
	}{
		{
			name:      "single lot exact",
			available: []types.Micro{100},
			amount:    100,
			wantDraws: []types.Micro{100},
			wantOK:    true,
		},
		{
			name:      "single lot partial",
			available: []types.Micro{100},
			amount:    40,
			wantDraws: []types.Micro{40},
			wantOK:    true,
		},
		{
			name:      "spans two lots",
			available: []types.Micro{100, 100},
			amount:    150,
			wantDraws: []types.Micro{100, 50},
			wantOK:    true,
		},
		{
			name:      "spans three lots",
			available: []types.Micro{50, 50, 50},
			amount:    120,
			wantDraws: []types.Micro{50, 50, 20},
			wantOK:    true,
		},
		{
			name:      "skips drained lots",
			available: []types.Micro{0, 100, 0, 100},
			amount:    150,
			wantDraws: []types.Micro{100, 50},
			wantOK:    true,
		},
		{
			name:      "insufficient",
			available: []types.Micro{100, 40},
			amount:    141,
			wantOK:    false,
		},
		{
			name:      "no lots",
			available: nil,
			amount:    1,
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lots := make([]*lot.Lot, len(tt.available))
			for i, a := range tt.available {
				lots[i] = makeLot(a)
			}

			result, ok := lot.AllocateFIFO(lots, tt.amount)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}

			if result.Total != tt.amount {
				t.Errorf("Total: got %d, want %d", result.Total, tt.amount)
			}
			if len(result.Draws) != len(tt.wantDraws) {
				t.Fatalf("draw count: got %d, want %d", len(result.Draws), len(tt.wantDraws))
			}

			var sum types.Micro
			for i, d := range result.Draws {
				if d.Amount != tt.wantDraws[i] {
					t.Errorf("draw %d: got %d, want %d", i, d.Amount, tt.wantDraws[i])
				}
				sum += d.Amount
			}
			if sum != tt.amount {
				t.Errorf("draws sum to %d, want %d", sum, tt.amount)
			}
		})
	}
}

func TestAllocateFIFOOldestFirst(t *testing.T) {
	first := makeLot(100)
	second := makeLot(100)

	result, ok := lot.AllocateFIFO([]*lot.Lot{first, second}, 100)
	if !ok {
		t.Fatal("allocation failed")
	}
	if len(result.Draws) != 1 {
		t.Fatalf("expected one draw, got %d", len(result.Draws))
	}
	if result.Draws[0].LotID != first.ID {
		t.Error("draw should come from the oldest lot")
	}
}

func TestAllocateFIFODoesNotMutate(t *testing.T) {
	l := makeLot(100)
	if _, ok := lot.AllocateFIFO([]*lot.Lot{l}, 60); !ok {
		t.Fatal("allocation failed")
	}
	if l.Available != 100 {
		t.Errorf("AllocateFIFO mutated lot: available %d, want 100", l.Available)
	}
}

func TestConserved(t *testing.T) {
	tests := []struct {
		name string
		lot  lot.Lot
		want bool
	}{
		{"fresh", lot.Lot{Original: 100, Available: 100}, true},
		{"split", lot.Lot{Original: 100, Available: 30, Reserved: 20, Consumed: 50}, true},
		{"leak", lot.Lot{Original: 100, Available: 30, Reserved: 20, Consumed: 49}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lot.Conserved(); got != tt.want {
				t.Errorf("Conserved: got %v, want %v", got, tt.want)
			}
		})
	}
}
