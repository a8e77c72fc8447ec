package creditledger

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/boundary"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/plugin"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/types"
)

// Engine is the main credit ledger engine.
type Engine struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	verifier *boundary.Verifier

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	sweepInterval         time.Duration
	distributionThreshold types.Micro
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		stopChan:      make(chan struct{}),
		sweepInterval: time.Minute,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithSweepInterval sets the reservation expiry sweep interval. A
// non-positive interval disables the sweep worker.
func WithSweepInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = interval
	}
}

// WithDistributionThreshold sets the minimum pool size a reward
// distribution will run against. Zero disables the floor.
func WithDistributionThreshold(threshold types.Micro) Option {
	return func(e *Engine) {
		e.distributionThreshold = threshold
	}
}

// WithProviderKey trusts the given Ed25519 public key for signed usage
// report verification.
func WithProviderKey(key ed25519.PublicKey) Option {
	return func(e *Engine) {
		e.verifier = boundary.New(key)
	}
}

// Start migrates the store, initializes plugins, and begins background
// workers.
func (e *Engine) Start(ctx context.Context) error {
	// Migrate database
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	// Initialize plugins
	e.plugins.EmitInit(ctx, e)

	// Start expiry sweep worker
	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepWorker(ctx)
	}

	e.logger.Info("credit ledger started",
		"sweep_interval", e.sweepInterval,
		"distribution_threshold", e.distributionThreshold,
	)

	return nil
}

// Stop shuts down the Engine. Safe to call more than once.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Plugins exposes the plugin registry.
func (e *Engine) Plugins() *plugin.Registry {
	return e.plugins
}

// ──────────────────────────────────────────────────
// Account Management
// ──────────────────────────────────────────────────

// CreateOrGetAccount returns the account for the given owner, creating
// it on first use. Repeated calls with the same owner return the same
// account.
func (e *Engine) CreateOrGetAccount(ctx context.Context, entityType account.EntityType, entityID string) (*account.Account, error) {
	if entityType == "" || entityID == "" {
		return nil, ErrInvalidInput
	}

	candidate := &account.Account{
		Entity:     types.NewEntity(),
		ID:         id.NewAccountID(),
		EntityType: entityType,
		EntityID:   entityID,
	}

	a, err := e.store.CreateOrGetAccount(ctx, candidate)
	if err != nil {
		return nil, err
	}

	if a.ID == candidate.ID {
		e.plugins.EmitAccountCreated(ctx, a)
	}
	return a, nil
}

// GetAccount retrieves an account by ID.
func (e *Engine) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

// ──────────────────────────────────────────────────
// Lots and Balances
// ──────────────────────────────────────────────────

// MintLot grants a new credit lot to an account's pool. The
// (sourceType, opts.SourceID) pair is the idempotency key: a retried
// mint returns the original lot without granting twice.
func (e *Engine) MintLot(ctx context.Context, accountID id.AccountID, pool account.Pool, amount types.Micro, sourceType string, opts lot.MintOptions) (*lot.Lot, error) {
	if accountID.IsNil() || pool == "" || sourceType == "" || opts.SourceID == "" {
		return nil, ErrInvalidInput
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	l := &lot.Lot{
		Entity:     types.NewEntity(),
		ID:         id.NewLotID(),
		AccountID:  accountID,
		Pool:       pool,
		Original:   amount,
		Available:  amount,
		SourceType: sourceType,
		SourceID:   opts.SourceID,
		ExpiresAt:  opts.ExpiresAt,
	}
	ent := &entry.Entry{
		Entity:         types.NewEntity(),
		ID:             id.NewEntryID(),
		AccountID:      accountID,
		Pool:           pool,
		Kind:           entry.KindMint,
		Amount:         amount,
		IdempotencyKey: entry.MintKey(sourceType, opts.SourceID),
		ReferenceID:    l.ID,
	}

	minted, err := e.store.MintLot(ctx, l, ent)
	if err != nil {
		return nil, err
	}

	if minted.ID == l.ID {
		e.plugins.EmitLotMinted(ctx, minted)
	}
	return minted, nil
}

// GetLot retrieves a lot by ID.
func (e *Engine) GetLot(ctx context.Context, lotID id.LotID) (*lot.Lot, error) {
	return e.store.GetLot(ctx, lotID)
}

// ListLots returns an account's lots in FIFO (creation) order.
func (e *Engine) ListLots(ctx context.Context, accountID id.AccountID, pool account.Pool) ([]*lot.Lot, error) {
	return e.store.ListLots(ctx, accountID, pool)
}

// GetBalance returns the available and reserved totals across an
// account's lots in one pool.
func (e *Engine) GetBalance(ctx context.Context, accountID id.AccountID, pool account.Pool) (types.Balance, error) {
	return e.store.GetBalance(ctx, accountID, pool)
}

// ListEntries returns the append-only audit trail for an account.
func (e *Engine) ListEntries(ctx context.Context, accountID id.AccountID, opts store.EntryListOpts) ([]*entry.Entry, error) {
	return e.store.ListEntries(ctx, accountID, opts)
}

// ──────────────────────────────────────────────────
// Reservations
// ──────────────────────────────────────────────────

// Reserve places a hold for the given amount against an account's pool,
// drawing from lots oldest-first. A positive ttl marks the reservation
// for the expiry sweep; a non-positive ttl leaves it open-ended.
func (e *Engine) Reserve(ctx context.Context, accountID id.AccountID, pool account.Pool, amount types.Micro, ttl time.Duration) (*reservation.Reservation, error) {
	if accountID.IsNil() || pool == "" {
		return nil, ErrInvalidInput
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	res := &reservation.Reservation{
		Entity:    types.NewEntity(),
		ID:        id.NewReservationID(),
		AccountID: accountID,
		Pool:      pool,
		Amount:    amount,
		Status:    reservation.StatusPending,
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		res.ExpiresAt = &expires
	}

	if err := e.store.CreateReservation(ctx, res); err != nil {
		return nil, err
	}

	e.plugins.EmitReservationCreated(ctx, res)
	return res, nil
}

// GetReservation retrieves a reservation by ID.
func (e *Engine) GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	return e.store.GetReservation(ctx, resID)
}

// Finalize settles a pending reservation at the actual cost, consuming
// credit proportionally across the reserved lots and returning any
// surplus to available. Finalize is exactly-once: a replay with the
// same cost returns the stored result, a replay with a different cost
// fails with ErrConflict.
func (e *Engine) Finalize(ctx context.Context, resID id.ReservationID, actualCost types.Micro) (*reservation.FinalizeResult, error) {
	if resID.IsNil() {
		return nil, ErrInvalidInput
	}
	if actualCost.IsNegative() {
		return nil, ErrInvalidAmount
	}

	result, err := e.store.FinalizeReservation(ctx, resID, actualCost)
	if err != nil {
		return nil, err
	}

	e.plugins.EmitReservationFinalized(ctx, result)
	return result, nil
}

// Release reverses a pending reservation, returning every reserved
// micro-unit to the lots it was drawn from.
func (e *Engine) Release(ctx context.Context, resID id.ReservationID) error {
	if resID.IsNil() {
		return ErrInvalidInput
	}

	if err := e.store.ReleaseReservation(ctx, resID); err != nil {
		return err
	}

	res, err := e.store.GetReservation(ctx, resID)
	if err == nil {
		e.plugins.EmitReservationReleased(ctx, res)
	}
	return nil
}

// ExpireReservations transitions every pending reservation whose
// deadline has passed, releasing its holds. It returns the number of
// reservations expired.
func (e *Engine) ExpireReservations(ctx context.Context) (int, error) {
	count, err := e.store.ExpireReservations(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	if count > 0 {
		e.plugins.EmitReservationsExpired(ctx, count)
	}
	return count, nil
}

// sweepWorker periodically expires overdue reservations.
func (e *Engine) sweepWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return

		case <-ticker.C:
			count, err := e.ExpireReservations(ctx)
			if err != nil {
				e.logger.Error("reservation expiry sweep failed",
					"error", err,
				)
				continue
			}
			if count > 0 {
				e.logger.Debug("expired reservations",
					"count", count,
				)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Treasury
// ──────────────────────────────────────────────────

// TreasuryVersion returns the global treasury version counter. It
// increments once per completed payout, giving reconciliation jobs a
// cheap change cursor.
func (e *Engine) TreasuryVersion(ctx context.Context) (int64, error) {
	return e.store.TreasuryVersion(ctx)
}
