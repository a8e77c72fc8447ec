// Package types provides common value types used across the credit ledger.
package types

import (
	"encoding/json"
	"fmt"
	"math/bits"
)

// MicroPerUnit is the number of micro-units in one nominal currency unit.
const MicroPerUnit = 1_000_000

// Micro is a monetary amount denominated in micro-units of value
// (1,000,000 micro-units = 1 nominal unit). All arithmetic is
// integer-only — no floating point.
//
// Examples:
//   - Units(10) = 10,000,000 micro-units
//   - Micro(3_500_000) = 3.5 nominal units
type Micro int64

// Units creates a Micro amount from whole nominal units.
func Units(n int64) Micro { return Micro(n * MicroPerUnit) }

// Add returns m + other.
func (m Micro) Add(other Micro) Micro { return m + other }

// Sub returns m - other.
func (m Micro) Sub(other Micro) Micro { return m - other }

// Neg returns the negated amount.
func (m Micro) Neg() Micro { return -m }

// Min returns the smaller of two amounts.
func (m Micro) Min(other Micro) Micro {
	if other < m {
		return other
	}
	return m
}

// IsZero reports whether the amount is zero.
func (m Micro) IsZero() bool { return m == 0 }

// IsPositive reports whether the amount is greater than zero.
func (m Micro) IsPositive() bool { return m > 0 }

// IsNegative reports whether the amount is less than zero.
func (m Micro) IsNegative() bool { return m < 0 }

// Int64 returns the raw micro-unit count.
func (m Micro) Int64() int64 { return int64(m) }

// MulBps returns floor(m * bps / 10000). The caller is responsible for
// assigning any truncation remainder; see revenue.CalculateShares.
func (m Micro) MulBps(bps int64) Micro {
	return m.MulDiv(bps, BpsWhole)
}

// MulDiv returns m * num / den, truncated toward zero, with the product
// held in a 128-bit intermediate so it cannot overflow. den must be
// positive and num in [0, den]; every proportional split in the engine
// satisfies both, which also bounds the quotient by |m|.
func (m Micro) MulDiv(num, den int64) Micro {
	abs := uint64(m)
	if m < 0 {
		abs = uint64(-m)
	}

	hi, lo := bits.Mul64(abs, uint64(num))
	q, _ := bits.Div64(hi, lo, uint64(den))

	if m < 0 {
		return -Micro(q)
	}
	return Micro(q)
}

// BpsWhole is the number of basis points in 100%.
const BpsWhole = 10_000

// String returns the nominal-unit representation, e.g. "3.500000".
func (m Micro) String() string {
	neg := m < 0
	abs := int64(m)
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%06d", abs/MicroPerUnit, abs%MicroPerUnit)
	if neg {
		return "-" + s
	}
	return s
}

// MarshalJSON implements json.Marshaler. Amounts serialize as raw
// micro-unit integers so no precision is lost in transport.
func (m Micro) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(m))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Micro) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("types: unmarshal micro amount: %w", err)
	}
	*m = Micro(v)
	return nil
}

// Balance is the point-in-time position of one (account, pool) pair.
type Balance struct {
	Available Micro `json:"available"`
	Reserved  Micro `json:"reserved"`
}

// Total returns available + reserved.
func (b Balance) Total() Micro { return b.Available + b.Reserved }

// SumMicro calculates the sum of multiple amounts.
func SumMicro(values ...Micro) Micro {
	var total Micro
	for _, v := range values {
		total += v
	}
	return total
}
