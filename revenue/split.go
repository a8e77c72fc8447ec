package revenue

import (
	"github.com/xraph/creditledger/types"
)

// CalculateShares splits amount under the rule's weight triple. The
// first two shares are floored proportional cuts; the third is the
// amount minus the other two, never computed independently, so the
// three always sum back to amount exactly — correctness is structural,
// not a post-hoc remainder patch.
func CalculateShares(r *Rule, amount types.Micro) Shares {
	share1 := amount.MulBps(r.Weight1)
	share2 := amount.MulBps(r.Weight2)
	return Shares{
		Share1: share1,
		Share2: share2,
		Share3: amount - share1 - share2,
	}
}

// DistributeByScore splits a reward pool across participants by score.
// Each participant receives the floored proportional share
// floor(pool * score / totalScore); the truncation remainder — at most
// len(participants)-1 micro-units — is absorbed by the final
// participant in stable input order, the same absorbing-share rule
// CalculateShares applies to its third share. The whole remainder lands
// on that one participant; it is not spread one unit at a time across
// the largest fractional remainders, so individual amounts can differ
// from a largest-remainder assignment for unequal scores. Entry amounts
// always sum to pool exactly for any participant set.
//
// Returns (nil, 0) when the total score is not positive; the caller
// validates participants before calling.
func DistributeByScore(pool types.Micro, participants []Participant) ([]RewardEntry, int64) {
	var totalScore int64
	for _, p := range participants {
		totalScore += p.Score
	}
	if totalScore <= 0 {
		return nil, 0
	}

	entries := make([]RewardEntry, len(participants))
	var assigned types.Micro
	for i, p := range participants {
		amount := pool.MulDiv(p.Score, totalScore)
		entries[i] = RewardEntry{AccountID: p.AccountID, Score: p.Score, Amount: amount}
		assigned += amount
	}

	entries[len(entries)-1].Amount += pool - assigned

	return entries, totalScore
}
