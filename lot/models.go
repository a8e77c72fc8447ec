// Package lot defines credit lots — discrete, originally-fixed grants of
// credit — and the FIFO allocation algorithm that draws spend from them.
package lot

import (
	"time"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// Lot is a discrete grant of credit belonging to one account and pool.
// Its original amount is partitioned into available, reserved, and
// consumed; the three always sum back to the original. Lots are never
// deleted — they drain to zero and stop being selected.
type Lot struct {
	types.Entity
	ID        id.LotID     `json:"id"`
	AccountID id.AccountID `json:"account_id"`
	Pool      account.Pool `json:"pool"`

	Original  types.Micro `json:"original"`
	Available types.Micro `json:"available"`
	Reserved  types.Micro `json:"reserved"`
	Consumed  types.Micro `json:"consumed"`

	// SourceType and SourceID identify the originating grant (deposit,
	// reward, promo). The pair is unique-constrained at the storage
	// layer, making mints idempotent under retry.
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Conserved reports whether available + reserved + consumed equals the
// original grant. Every store mutation must keep this true.
func (l *Lot) Conserved() bool {
	return l.Available+l.Reserved+l.Consumed == l.Original
}

// Exhausted reports whether the lot has nothing left to draw or settle.
func (l *Lot) Exhausted() bool {
	return l.Available == 0 && l.Reserved == 0
}

// MintOptions carries the optional fields of a mint.
type MintOptions struct {
	// SourceID is the caller-supplied idempotency component; combined
	// with the source type it is unique per grant.
	SourceID string

	// ExpiresAt marks the lot for expiry by a higher-level sweep.
	ExpiresAt *time.Time
}

// Draw records the amount taken from one lot during reservation.
// The ordered draw list is persisted on the reservation so a release
// can reverse the allocation exactly.
type Draw struct {
	LotID  id.LotID    `json:"lot_id"`
	Amount types.Micro `json:"amount"`
}
