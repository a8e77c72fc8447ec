// Package memory provides an in-memory store implementation. All
// mutations run under one mutex, which makes every store method
// naturally atomic; it exists for tests and embedded use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	ledger "github.com/xraph/creditledger"
	"github.com/xraph/creditledger/account"
	"github.com/xraph/creditledger/entry"
	"github.com/xraph/creditledger/id"
	"github.com/xraph/creditledger/lot"
	"github.com/xraph/creditledger/payout"
	"github.com/xraph/creditledger/reservation"
	"github.com/xraph/creditledger/revenue"
	"github.com/xraph/creditledger/store"
	"github.com/xraph/creditledger/types"
)

type Store struct {
	mu sync.RWMutex

	// Account storage
	accounts        map[string]*account.Account
	accountsByOwner map[string]*account.Account

	// Lot storage; lotOrder preserves insertion order for FIFO draws
	lots         map[string]*lot.Lot
	lotOrder     []string
	lotsBySource map[string]string

	// Reservation storage; pendingByScope enforces one pending
	// reservation per (account, pool)
	reservations   map[string]*reservation.Reservation
	pendingByScope map[string]string

	// Append-only audit trail
	entries   []*entry.Entry
	entryKeys map[string]struct{}

	// Payout storage
	payouts         map[string]*payout.Request
	treasuryVersion int64

	// Revenue rule storage
	rules        map[string]*revenue.Rule
	nextRuleVer  int64
	activeRuleID string
	ruleAudit    map[string][]*revenue.RuleAudit

	// Distribution storage, keyed by period
	distributions map[string]*revenue.Distribution

	// Accepted report registry for replay detection
	reports map[string]string

	closed bool
}

func New() *Store {
	return &Store{
		accounts:        make(map[string]*account.Account),
		accountsByOwner: make(map[string]*account.Account),
		lots:            make(map[string]*lot.Lot),
		lotsBySource:    make(map[string]string),
		reservations:    make(map[string]*reservation.Reservation),
		pendingByScope:  make(map[string]string),
		entries:         make([]*entry.Entry, 0),
		entryKeys:       make(map[string]struct{}),
		payouts:         make(map[string]*payout.Request),
		rules:           make(map[string]*revenue.Rule),
		ruleAudit:       make(map[string][]*revenue.RuleAudit),
		distributions:   make(map[string]*revenue.Distribution),
		reports:         make(map[string]string),
	}
}

func ownerKey(entityType account.EntityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}

func sourceKey(sourceType, sourceID string) string {
	return fmt.Sprintf("%s:%s", sourceType, sourceID)
}

func scopeKey(accountID id.AccountID, pool account.Pool) string {
	return fmt.Sprintf("%s:%s", accountID, pool)
}

// Account Store implementation
func (s *Store) CreateOrGetAccount(_ context.Context, a *account.Account) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(a.EntityType, a.EntityID)
	if existing, ok := s.accountsByOwner[key]; ok {
		return existing, nil
	}

	s.accounts[a.ID.String()] = a
	s.accountsByOwner[key] = a
	return a, nil
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountID.String()]; ok {
		return a, nil
	}
	return nil, ledger.ErrAccountNotFound
}

// Lot Store implementation
func (s *Store) MintLot(_ context.Context, l *lot.Lot, e *entry.Entry) (*lot.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[l.AccountID.String()]; !ok {
		return nil, ledger.ErrAccountNotFound
	}

	key := sourceKey(l.SourceType, l.SourceID)
	if existingID, ok := s.lotsBySource[key]; ok {
		return s.lots[existingID], nil
	}
	if _, ok := s.entryKeys[e.IdempotencyKey]; ok {
		return nil, ledger.ErrConflict
	}

	s.lots[l.ID.String()] = l
	s.lotOrder = append(s.lotOrder, l.ID.String())
	s.lotsBySource[key] = l.ID.String()
	s.appendEntry(e)
	return l, nil
}

func (s *Store) GetLot(_ context.Context, lotID id.LotID) (*lot.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.lots[lotID.String()]; ok {
		return l, nil
	}
	return nil, ledger.ErrLotNotFound
}

func (s *Store) ListLots(_ context.Context, accountID id.AccountID, pool account.Pool) ([]*lot.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lotsFIFO(accountID, pool), nil
}

// lotsFIFO returns the account's lots for one pool in insertion order.
// Callers hold the lock.
func (s *Store) lotsFIFO(accountID id.AccountID, pool account.Pool) []*lot.Lot {
	result := make([]*lot.Lot, 0)
	for _, lotID := range s.lotOrder {
		l := s.lots[lotID]
		if l.AccountID == accountID && l.Pool == pool {
			result = append(result, l)
		}
	}
	return result
}

func (s *Store) GetBalance(_ context.Context, accountID id.AccountID, pool account.Pool) (types.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b types.Balance
	for _, lotID := range s.lotOrder {
		l := s.lots[lotID]
		if l.AccountID == accountID && l.Pool == pool {
			b.Available += l.Available
			b.Reserved += l.Reserved
		}
	}
	return b, nil
}

// Reservation Store implementation
func (s *Store) CreateReservation(_ context.Context, res *reservation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[res.AccountID.String()]; !ok {
		return ledger.ErrAccountNotFound
	}

	scope := scopeKey(res.AccountID, res.Pool)
	if _, ok := s.pendingByScope[scope]; ok {
		return ledger.ErrReservationActive
	}

	result, ok := lot.AllocateFIFO(s.lotsFIFO(res.AccountID, res.Pool), res.Amount)
	if !ok {
		return ledger.ErrInsufficientBalance
	}

	for _, d := range result.Draws {
		l := s.lots[d.LotID.String()]
		l.Available -= d.Amount
		l.Reserved += d.Amount
		l.Touch()
	}

	res.Allocations = result.Draws
	res.Status = reservation.StatusPending
	s.reservations[res.ID.String()] = res
	s.pendingByScope[scope] = res.ID.String()
	return nil
}

func (s *Store) GetReservation(_ context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if res, ok := s.reservations[resID.String()]; ok {
		return res, nil
	}
	return nil, ledger.ErrReservationNotFound
}

func (s *Store) FinalizeReservation(_ context.Context, resID id.ReservationID, actualCost types.Micro) (*reservation.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[resID.String()]
	if !ok {
		return nil, ledger.ErrReservationNotFound
	}

	switch res.Status {
	case reservation.StatusFinalized:
		// Idempotent replay: same cost returns the original outcome,
		// a different cost is a conflict.
		if res.ActualCost == nil || *res.ActualCost != actualCost {
			return nil, ledger.ErrConflict
		}
		return &reservation.FinalizeResult{
			ReservationID: res.ID,
			ActualCost:    actualCost,
			Surplus:       res.Amount - actualCost,
			Settlements:   reservation.Settle(res.Allocations, actualCost),
			Replayed:      true,
		}, nil
	case reservation.StatusReleased, reservation.StatusExpired:
		return nil, ledger.ErrInvalidState
	}

	if actualCost > res.Amount {
		return nil, ledger.ErrInvalidAmount
	}

	settlements := reservation.Settle(res.Allocations, actualCost)
	for _, st := range settlements {
		l := s.lots[st.LotID.String()]
		l.Reserved -= st.Consumed + st.Released
		l.Consumed += st.Consumed
		l.Available += st.Released
		l.Touch()
	}

	res.Status = reservation.StatusFinalized
	res.ActualCost = &actualCost
	res.Touch()
	delete(s.pendingByScope, scopeKey(res.AccountID, res.Pool))

	return &reservation.FinalizeResult{
		ReservationID: res.ID,
		ActualCost:    actualCost,
		Surplus:       res.Amount - actualCost,
		Settlements:   settlements,
	}, nil
}

func (s *Store) ReleaseReservation(_ context.Context, resID id.ReservationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[resID.String()]
	if !ok {
		return ledger.ErrReservationNotFound
	}
	if res.Status != reservation.StatusPending {
		return ledger.ErrInvalidState
	}

	s.releaseHolds(res, reservation.StatusReleased)
	return nil
}

func (s *Store) ExpireReservations(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, res := range s.reservations {
		if res.Status != reservation.StatusPending || res.ExpiresAt == nil {
			continue
		}
		if res.ExpiresAt.After(cutoff) {
			continue
		}
		s.releaseHolds(res, reservation.StatusExpired)
		count++
	}
	return count, nil
}

// releaseHolds reverses a pending reservation's draws and marks it with
// the given terminal status. Callers hold the lock.
func (s *Store) releaseHolds(res *reservation.Reservation, to reservation.Status) {
	for _, d := range res.Allocations {
		l := s.lots[d.LotID.String()]
		l.Reserved -= d.Amount
		l.Available += d.Amount
		l.Touch()
	}
	res.Status = to
	res.Touch()
	delete(s.pendingByScope, scopeKey(res.AccountID, res.Pool))
}

// Entry Store implementation
func (s *Store) ListEntries(_ context.Context, accountID id.AccountID, opts store.EntryListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entry.Entry, 0)
	for _, e := range s.entries {
		if e.AccountID == accountID {
			if opts.Kind == "" || e.Kind == opts.Kind {
				result = append(result, e)
			}
		}
	}

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

// appendEntry records one audit row. Callers hold the lock and have
// already checked the idempotency key.
func (s *Store) appendEntry(e *entry.Entry) {
	s.entries = append(s.entries, e)
	s.entryKeys[e.IdempotencyKey] = struct{}{}
}

// Payout Store implementation
func (s *Store) CreatePayout(_ context.Context, req *payout.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[req.AccountID.String()]; !ok {
		return ledger.ErrAccountNotFound
	}

	s.payouts[req.ID.String()] = req
	return nil
}

func (s *Store) GetPayout(_ context.Context, payoutID id.PayoutID) (*payout.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req, ok := s.payouts[payoutID.String()]; ok {
		return req, nil
	}
	return nil, ledger.ErrPayoutNotFound
}

func (s *Store) TransitionPayout(_ context.Context, t store.PayoutTransition) (*payout.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.payouts[t.PayoutID.String()]
	if !ok {
		return nil, ledger.ErrPayoutNotFound
	}
	// Compare-and-swap on the expected prior status.
	if req.Status != t.From {
		return nil, ledger.ErrStaleState
	}

	if t.EscrowHold {
		// Reject the duplicate before touching the account or request
		// so a conflict leaves no partial write behind.
		a := s.accounts[req.AccountID.String()]
		seq := a.PayoutSeq + 1
		prevSeq := req.Sequence
		req.Sequence = seq

		hold := payout.HoldEntry(req)
		if _, dup := s.entryKeys[hold.IdempotencyKey]; dup {
			req.Sequence = prevSeq
			return nil, ledger.ErrConflict
		}

		a.PayoutSeq = seq
		a.Version++
		a.Touch()
		s.appendEntry(hold)
	}
	if t.EscrowRelease {
		release := payout.ReleaseEntry(req, t.Reason)
		if _, dup := s.entryKeys[release.IdempotencyKey]; dup {
			return nil, ledger.ErrConflict
		}
		s.appendEntry(release)
	}
	if t.BumpTreasury {
		s.treasuryVersion++
	}

	req.Status = t.To
	if t.Reason != "" {
		req.Reason = t.Reason
	}
	req.Touch()

	return &payout.TransitionResult{
		PayoutID: req.ID,
		From:     t.From,
		To:       t.To,
		Reason:   t.Reason,
	}, nil
}

func (s *Store) TreasuryVersion(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.treasuryVersion, nil
}

// Revenue rule Store implementation
func (s *Store) CreateRule(_ context.Context, r *revenue.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRuleVer++
	r.Version = s.nextRuleVer
	s.rules[r.ID.String()] = r
	return nil
}

func (s *Store) GetRule(_ context.Context, ruleID id.RuleID) (*revenue.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rules[ruleID.String()]; ok {
		return r, nil
	}
	return nil, ledger.ErrRuleNotFound
}

func (s *Store) ActiveRule(_ context.Context) (*revenue.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeRuleID == "" {
		return nil, ledger.ErrNoActiveRule
	}
	return s.rules[s.activeRuleID], nil
}

func (s *Store) TransitionRule(_ context.Context, ruleID id.RuleID, from, to revenue.RuleStatus, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID.String()]
	if !ok {
		return ledger.ErrRuleNotFound
	}
	if r.Status != from {
		return ledger.ErrStaleState
	}

	now := time.Now()
	if to == revenue.StatusActive && s.activeRuleID != "" {
		// Supersede the currently active rule in the same step so at
		// most one rule is ever active.
		prev := s.rules[s.activeRuleID]
		prev.Status = revenue.StatusSuperseded
		prev.Touch()
		s.ruleAudit[prev.ID.String()] = append(s.ruleAudit[prev.ID.String()], &revenue.RuleAudit{
			RuleID:     prev.ID,
			From:       revenue.StatusActive,
			To:         revenue.StatusSuperseded,
			Actor:      actor,
			OccurredAt: now,
		})
	}

	r.Status = to
	r.Touch()
	if to == revenue.StatusActive {
		s.activeRuleID = r.ID.String()
	} else if s.activeRuleID == r.ID.String() {
		s.activeRuleID = ""
	}

	s.ruleAudit[ruleID.String()] = append(s.ruleAudit[ruleID.String()], &revenue.RuleAudit{
		RuleID:     r.ID,
		From:       from,
		To:         to,
		Actor:      actor,
		OccurredAt: now,
	})
	return nil
}

func (s *Store) ListRuleAudit(_ context.Context, ruleID id.RuleID) ([]*revenue.RuleAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	audit := s.ruleAudit[ruleID.String()]
	result := make([]*revenue.RuleAudit, len(audit))
	copy(result, audit)
	return result, nil
}

// Distribution Store implementation
func (s *Store) RecordDistribution(_ context.Context, d *revenue.Distribution, lots []*lot.Lot, entries []*entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.distributions[d.Period]; ok {
		return ledger.ErrAlreadyDistributed
	}
	for _, e := range entries {
		if _, dup := s.entryKeys[e.IdempotencyKey]; dup {
			return ledger.ErrConflict
		}
	}
	for _, l := range lots {
		if _, dup := s.lotsBySource[sourceKey(l.SourceType, l.SourceID)]; dup {
			return ledger.ErrConflict
		}
	}

	s.distributions[d.Period] = d
	for _, l := range lots {
		s.lots[l.ID.String()] = l
		s.lotOrder = append(s.lotOrder, l.ID.String())
		s.lotsBySource[sourceKey(l.SourceType, l.SourceID)] = l.ID.String()
	}
	for _, e := range entries {
		s.appendEntry(e)
	}
	return nil
}

func (s *Store) GetDistribution(_ context.Context, period string) (*revenue.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.distributions[period]; ok {
		return d, nil
	}
	return nil, ledger.ErrNotFound
}

// Report registry implementation
func (s *Store) RegisterReport(_ context.Context, reportID id.ReportID, resID id.ReservationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[reportID.String()]; ok {
		return ledger.ErrReplayedReport
	}
	s.reports[reportID.String()] = resID.String()
	return nil
}

// Store management
func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ledger.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
