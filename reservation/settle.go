package reservation

import (
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/types"
)

// Settle splits an actual cost across the recorded allocations.
//
// Each lot consumes its proportional share of the cost, floored, capped
// at the amount it had reserved; the truncation remainder is then
// assigned in allocation order to lots with headroom, so the consumed
// amounts always sum to actualCost exactly. Whatever a lot reserved but
// did not consume is released back to available.
//
// The caller guarantees actualCost <= the sum of the draws. Settle is
// pure; store backends apply the returned settlements to lot rows
// inside their transaction.
func Settle(draws []lot.Draw, actualCost types.Micro) []Settlement {
	reservedTotal := types.Micro(0)
	for _, d := range draws {
		reservedTotal += d.Amount
	}

	settlements := make([]Settlement, len(draws))
	consumedTotal := types.Micro(0)
	for i, d := range draws {
		consumed := types.Micro(0)
		if reservedTotal > 0 {
			consumed = actualCost.MulDiv(int64(d.Amount), int64(reservedTotal))
		}
		settlements[i] = Settlement{LotID: d.LotID, Consumed: consumed}
		consumedTotal += consumed
	}

	// Assign the flooring remainder in allocation order.
	remainder := actualCost - consumedTotal
	for i := range settlements {
		if remainder == 0 {
			break
		}
		headroom := draws[i].Amount - settlements[i].Consumed
		extra := headroom.Min(remainder)
		settlements[i].Consumed += extra
		remainder -= extra
	}

	for i := range settlements {
		settlements[i].Released = draws[i].Amount - settlements[i].Consumed
	}

	return settlements
}
