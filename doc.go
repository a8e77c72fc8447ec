// Package creditledger provides an embeddable credit ledger engine for Go applications.
//
// The engine is designed as a library, not a service. Import it directly into
// your Go application for maximum performance and flexibility. It provides:
//
//   - Lot-based credit accounting with strict integer conservation
//   - FIFO reservations with exactly-once finalization and automatic expiry
//   - A guarded payout state machine with escrow entry pairs
//   - Versioned, governance-approved revenue split rules
//   - Proportional reward distribution with zero-loss remainder handling
//   - Ed25519-signed usage report verification at the trust boundary
//   - Pluggable storage (in-memory, SQLite, Postgres)
//
// # Quick Start
//
// Create an engine instance with your preferred store:
//
//	import (
//	    "github.com/xraph/creditledger"
//	    "github.com/xraph/creditledger/store/sqlite"
//	)
//
//	// Initialize store
//	store, err := sqlite.Open("ledger.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create engine
//	eng := creditledger.New(store)
//
//	// Start the engine (migrates and begins background workers)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Accounts hold credit in pools; credit arrives as lots, each recording
// where every micro-unit is at all times:
//
//	acct, err := eng.CreateOrGetAccount(ctx, account.EntityPerson, "user-42")
//	l, err := eng.MintLot(ctx, acct.ID, account.PoolGeneral,
//	    types.Units(10), "purchase", lot.MintOptions{SourceID: "order-7"})
//
// Reservations hold credit for in-flight work, then settle at the
// actual cost:
//
//	res, err := eng.Reserve(ctx, acct.ID, account.PoolGeneral, types.Units(2), time.Hour)
//	result, err := eng.Finalize(ctx, res.ID, actualCost)
//
// Every mutation appends an audit entry; balances are always derivable
// from the lots alone.
//
// # Arithmetic
//
// All monetary calculations use integer arithmetic — no floating point
// anywhere. The Micro type represents amounts in micro-units
// (1,000,000 micro-units = 1 nominal unit), and every split or
// distribution assigns its truncation remainder explicitly so totals
// always reconcile to the last micro-unit.
//
// # Integration
//
// The engine integrates with the Forgery ecosystem:
//
//   - Forge: application lifecycle via the extension package
//   - Vessel: DI registration of the engine
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	rsv_01h2xcejqtf2nbrexx3vqjhp41   // Reservation ID
//	pay_01h455vb4pex5vsknk084sn02q   // Payout ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package creditledger
