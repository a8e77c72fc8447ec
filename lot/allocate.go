package lot

import (
	"github.com/xraph/creditledger/types"
)

// AllocationResult is the outcome of a successful FIFO allocation.
type AllocationResult struct {
	Draws []Draw
	Total types.Micro
}

// AllocateFIFO walks lots in the order given — callers pass them sorted
// by creation time ascending — drawing from each lot's available
// balance until amount is satisfied. Lots with zero available are
// skipped. It returns ok=false without partial results when the total
// available across all lots is insufficient.
//
// AllocateFIFO is pure: it never mutates the input lots. Store backends
// call it inside their transaction and apply the returned draws to the
// rows they hold.
func AllocateFIFO(lots []*Lot, amount types.Micro) (AllocationResult, bool) {
	remaining := amount
	draws := make([]Draw, 0, 2)

	for _, l := range lots {
		if remaining == 0 {
			break
		}
		if l.Available == 0 {
			continue
		}

		take := l.Available.Min(remaining)
		draws = append(draws, Draw{LotID: l.ID, Amount: take})
		remaining -= take
	}

	if remaining > 0 {
		return AllocationResult{}, false
	}

	return AllocationResult{Draws: draws, Total: amount}, true
}
