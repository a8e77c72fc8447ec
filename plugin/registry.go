package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onAccountCreated       []OnAccountCreated
	onLotMinted            []OnLotMinted
	onReservationCreated   []OnReservationCreated
	onReservationFinalized []OnReservationFinalized
	onReservationReleased  []OnReservationReleased
	onReservationsExpired  []OnReservationsExpired
	onPayoutTransitioned   []OnPayoutTransitioned
	onRuleActivated        []OnRuleActivated
	onDistributionRecorded []OnDistributionRecorded
	onReportRejected       []OnReportRejected
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountCreated); ok {
		r.onAccountCreated = append(r.onAccountCreated, v)
	}
	if v, ok := p.(OnLotMinted); ok {
		r.onLotMinted = append(r.onLotMinted, v)
	}
	if v, ok := p.(OnReservationCreated); ok {
		r.onReservationCreated = append(r.onReservationCreated, v)
	}
	if v, ok := p.(OnReservationFinalized); ok {
		r.onReservationFinalized = append(r.onReservationFinalized, v)
	}
	if v, ok := p.(OnReservationReleased); ok {
		r.onReservationReleased = append(r.onReservationReleased, v)
	}
	if v, ok := p.(OnReservationsExpired); ok {
		r.onReservationsExpired = append(r.onReservationsExpired, v)
	}
	if v, ok := p.(OnPayoutTransitioned); ok {
		r.onPayoutTransitioned = append(r.onPayoutTransitioned, v)
	}
	if v, ok := p.(OnRuleActivated); ok {
		r.onRuleActivated = append(r.onRuleActivated, v)
	}
	if v, ok := p.(OnDistributionRecorded); ok {
		r.onDistributionRecorded = append(r.onDistributionRecorded, v)
	}
	if v, ok := p.(OnReportRejected); ok {
		r.onReportRejected = append(r.onReportRejected, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnAccountCreated)(nil)).Elem(), "OnAccountCreated")
	checkInterface(reflect.TypeOf((*OnLotMinted)(nil)).Elem(), "OnLotMinted")
	checkInterface(reflect.TypeOf((*OnReservationCreated)(nil)).Elem(), "OnReservationCreated")
	checkInterface(reflect.TypeOf((*OnReservationFinalized)(nil)).Elem(), "OnReservationFinalized")
	checkInterface(reflect.TypeOf((*OnReservationReleased)(nil)).Elem(), "OnReservationReleased")
	checkInterface(reflect.TypeOf((*OnReservationsExpired)(nil)).Elem(), "OnReservationsExpired")
	checkInterface(reflect.TypeOf((*OnPayoutTransitioned)(nil)).Elem(), "OnPayoutTransitioned")
	checkInterface(reflect.TypeOf((*OnRuleActivated)(nil)).Elem(), "OnRuleActivated")
	checkInterface(reflect.TypeOf((*OnDistributionRecorded)(nil)).Elem(), "OnDistributionRecorded")
	checkInterface(reflect.TypeOf((*OnReportRejected)(nil)).Elem(), "OnReportRejected")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountCreated emits an account created event.
func (r *Registry) EmitAccountCreated(ctx context.Context, a *account.Account) {
	r.mu.RLock()
	plugins := r.onAccountCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAccountCreated(ctx, a)
		}); err != nil {
			r.logger.Warn("plugin OnAccountCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitLotMinted emits a lot minted event.
func (r *Registry) EmitLotMinted(ctx context.Context, l *lot.Lot) {
	r.mu.RLock()
	plugins := r.onLotMinted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnLotMinted(ctx, l)
		}); err != nil {
			r.logger.Warn("plugin OnLotMinted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReservationCreated emits a reservation created event.
func (r *Registry) EmitReservationCreated(ctx context.Context, res *reservation.Reservation) {
	r.mu.RLock()
	plugins := r.onReservationCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReservationCreated(ctx, res)
		}); err != nil {
			r.logger.Warn("plugin OnReservationCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReservationFinalized emits a reservation finalized event.
func (r *Registry) EmitReservationFinalized(ctx context.Context, result *reservation.FinalizeResult) {
	r.mu.RLock()
	plugins := r.onReservationFinalized
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReservationFinalized(ctx, result)
		}); err != nil {
			r.logger.Warn("plugin OnReservationFinalized failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReservationReleased emits a reservation released event.
func (r *Registry) EmitReservationReleased(ctx context.Context, res *reservation.Reservation) {
	r.mu.RLock()
	plugins := r.onReservationReleased
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReservationReleased(ctx, res)
		}); err != nil {
			r.logger.Warn("plugin OnReservationReleased failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReservationsExpired emits a reservations expired event.
func (r *Registry) EmitReservationsExpired(ctx context.Context, count int) {
	r.mu.RLock()
	plugins := r.onReservationsExpired
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReservationsExpired(ctx, count)
		}); err != nil {
			r.logger.Warn("plugin OnReservationsExpired failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPayoutTransitioned emits a payout transitioned event.
func (r *Registry) EmitPayoutTransitioned(ctx context.Context, result *payout.TransitionResult) {
	r.mu.RLock()
	plugins := r.onPayoutTransitioned
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPayoutTransitioned(ctx, result)
		}); err != nil {
			r.logger.Warn("plugin OnPayoutTransitioned failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRuleActivated emits a rule activated event.
func (r *Registry) EmitRuleActivated(ctx context.Context, rule *revenue.Rule) {
	r.mu.RLock()
	plugins := r.onRuleActivated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRuleActivated(ctx, rule)
		}); err != nil {
			r.logger.Warn("plugin OnRuleActivated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitDistributionRecorded emits a distribution recorded event.
func (r *Registry) EmitDistributionRecorded(ctx context.Context, d *revenue.Distribution) {
	r.mu.RLock()
	plugins := r.onDistributionRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnDistributionRecorded(ctx, d)
		}); err != nil {
			r.logger.Warn("plugin OnDistributionRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReportRejected emits a report rejected event.
func (r *Registry) EmitReportRejected(ctx context.Context, reportID string, cause error) {
	r.mu.RLock()
	plugins := r.onReportRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReportRejected(ctx, reportID, cause)
		}); err != nil {
			r.logger.Warn("plugin OnReportRejected failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the ledger pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
