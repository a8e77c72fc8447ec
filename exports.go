package creditledger

import "github.com/xraph/creditledger/types"

// Re-export common types for convenience so users don't have to import types package.

// Micro is re-exported from types package.
type Micro = types.Micro

// Balance is re-exported from types package.
type Balance = types.Balance

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Micro constructors and helpers
var (
	Units    = types.Units
	SumMicro = types.SumMicro
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
