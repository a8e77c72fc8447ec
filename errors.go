package creditledger

import (
	"errors"
	"fmt"

	"github.com/xraph/creditledger/boundary"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("creditledger: not found")
	ErrInvalidInput = errors.New("creditledger: invalid input")

	// Account errors
	ErrAccountNotFound = errors.New("creditledger: account not found")

	// Lot errors
	ErrLotNotFound   = errors.New("creditledger: lot not found")
	ErrInvalidAmount = errors.New("creditledger: amount must be a non-negative integer")

	// Reservation errors
	ErrReservationNotFound = errors.New("creditledger: reservation not found")
	ErrInsufficientBalance = errors.New("creditledger: insufficient balance")
	ErrReservationActive   = errors.New("creditledger: an active reservation already exists")
	ErrInvalidState        = errors.New("creditledger: operation not valid in current state")
	ErrConflict            = errors.New("creditledger: conflicting replay of a settled operation")

	// Payout errors
	ErrPayoutNotFound = errors.New("creditledger: payout not found")
	ErrStaleState     = errors.New("creditledger: state changed concurrently, re-fetch and retry")

	// Revenue / distribution errors
	ErrRuleNotFound       = errors.New("creditledger: revenue rule not found")
	ErrNoActiveRule       = errors.New("creditledger: no active revenue rule")
	ErrInvalidWeights     = errors.New("creditledger: rule weights must sum to 10000 bps")
	ErrAlreadyDistributed = errors.New("creditledger: period already distributed")
	ErrBelowThreshold     = errors.New("creditledger: pool below distribution threshold")
	ErrNoParticipants     = errors.New("creditledger: no participants with positive score")

	// Boundary verification errors for the store-backed checks; the
	// parse-stage failure modes live in the boundary package. All are
	// permanent: a report that fails verification will never succeed
	// on retry.
	ErrReservationInactive = errors.New("creditledger: reservation not in active state")
	ErrReplayedReport      = errors.New("creditledger: report already accepted")
	ErrCostExceedsReserved = errors.New("creditledger: reported cost exceeds reserved amount")

	// Store errors
	ErrStoreClosed     = errors.New("creditledger: store is closed")
	ErrMigrationFailed = errors.New("creditledger: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("creditledger: validation failed for %s: %s", e.Field, e.Message)
}

// IsNotFound returns true if the error is a typed not-found result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrLotNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrPayoutNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsConflict returns true for errors that are never auto-resolved:
// mismatched finalize replays and duplicate idempotency keys with
// different payloads.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsVerificationFailure returns true for the boundary verifier's
// permanent rejection codes.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, boundary.ErrBadSignature) ||
		errors.Is(err, boundary.ErrAlgorithmNotAllowed) ||
		errors.Is(err, boundary.ErrMalformedReport) ||
		errors.Is(err, ErrReservationInactive) ||
		errors.Is(err, ErrReplayedReport) ||
		errors.Is(err, ErrCostExceedsReserved)
}

// IsRetryable returns true if the caller may retry after re-reading
// state or funding the account. The engine itself never retries;
// fund-moving retries without idempotency keys are a double-spend
// risk.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrStaleState)
}
