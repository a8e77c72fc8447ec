// Package boundary verifies signed usage reports crossing the trust
// boundary between external compute providers and the ledger.
//
// A report must pass six ordered checks before it may drive a
// finalize: signature validity, signing-algorithm allowlist, claim
// schema, reservation liveness, replay detection, and the reserved-cost
// ceiling. The first three live here; the engine runs the rest against
// the store. Every failure is permanent — a malformed or over-cost
// report will never succeed on retry.
package boundary

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/types"
)

// AllowedAlgorithm is the single accepted signing algorithm. Any other
// algorithm is rejected even if its signature verifies, closing
// algorithm-confusion attacks.
const AllowedAlgorithm = "EdDSA"

// Verification failure modes for the checks this package owns.
var (
	ErrBadSignature        = errors.New("boundary: report signature invalid")
	ErrAlgorithmNotAllowed = errors.New("boundary: report signing algorithm not allowed")
	ErrMalformedReport     = errors.New("boundary: report claims malformed")
)

// Report is a verified completion report.
type Report struct {
	ID            id.ReportID      `json:"id"`
	ReservationID id.ReservationID `json:"reservation_id"`
	Cost          types.Micro      `json:"cost"`
	Provider      string           `json:"provider"`
	IssuedAt      time.Time        `json:"issued_at"`
}

// reportClaims is the raw JWT claim set of a usage report.
type reportClaims struct {
	jwt.RegisteredClaims

	ReservationID string `json:"rsv"`
	CostMicro     *int64 `json:"cost_micro"`
	Provider      string `json:"provider"`
}

// Verifier validates signed usage reports against a known provider
// public key.
type Verifier struct {
	key ed25519.PublicKey
}

// New creates a Verifier trusting the given Ed25519 public key.
func New(key ed25519.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Parse runs the signature, algorithm, and schema checks and returns
// the decoded report. The returned errors are permanent.
func (v *Verifier) Parse(token string) (*Report, error) {
	claims := new(reportClaims)

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != AllowedAlgorithm {
			return nil, ErrAlgorithmNotAllowed
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{AllowedAlgorithm}))
	if err != nil {
		if errors.Is(err, ErrAlgorithmNotAllowed) ||
			(errors.Is(err, jwt.ErrTokenSignatureInvalid) && algorithmMismatch(token)) {
			return nil, ErrAlgorithmNotAllowed
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	return claimsToReport(claims)
}

// algorithmMismatch peeks at the unverified header to distinguish a
// wrong algorithm from a wrong signature. jwt.WithValidMethods rejects
// disallowed algorithms before the keyfunc runs.
func algorithmMismatch(token string) bool {
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	return unverified.Method.Alg() != AllowedAlgorithm
}

// claimsToReport validates the claim schema.
func claimsToReport(claims *reportClaims) (*Report, error) {
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing report id", ErrMalformedReport)
	}
	reportID, err := id.ParseWithPrefix(claims.ID, id.PrefixReport)
	if err != nil {
		return nil, fmt.Errorf("%w: report id: %v", ErrMalformedReport, err)
	}

	resID, err := id.ParseReservationID(claims.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("%w: reservation id: %v", ErrMalformedReport, err)
	}

	if claims.CostMicro == nil {
		return nil, fmt.Errorf("%w: missing cost", ErrMalformedReport)
	}
	if *claims.CostMicro < 0 {
		return nil, fmt.Errorf("%w: negative cost", ErrMalformedReport)
	}

	report := &Report{
		ID:            reportID,
		ReservationID: resID,
		Cost:          types.Micro(*claims.CostMicro),
		Provider:      claims.Provider,
	}
	if claims.IssuedAt != nil {
		report.IssuedAt = claims.IssuedAt.Time
	}

	return report, nil
}

// Sign builds a signed report token. It exists for provider-side use
// and for tests; the engine only ever verifies.
func Sign(key ed25519.PrivateKey, report *Report) (string, error) {
	claims := reportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       report.ID.String(),
			IssuedAt: jwt.NewNumericDate(report.IssuedAt),
		},
		ReservationID: report.ReservationID.String(),
		CostMicro:     costPtr(report.Cost),
		Provider:      report.Provider,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("boundary: sign report: %w", err)
	}
	return signed, nil
}

func costPtr(m types.Micro) *int64 {
	v := m.Int64()
	return &v
}
