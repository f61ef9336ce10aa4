// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/household-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	households  map[ledger.HouseholdID]ledger.Household
	categories  map[ledger.FeeCategoryID]ledger.FeeCategory
	payments    map[ledger.PaymentID]ledger.Payment
	idempotency map[string]ledger.PaymentID
	runs        []ledger.SweepRun
}

func NewMemory() *Memory {
	return &Memory{
		households:  make(map[ledger.HouseholdID]ledger.Household),
		categories:  make(map[ledger.FeeCategoryID]ledger.FeeCategory),
		payments:    make(map[ledger.PaymentID]ledger.Payment),
		idempotency: make(map[string]ledger.PaymentID),
	}
}

var (
	_ ledger.TxStore       = (*Memory)(nil)
	_ ledger.Directory     = (*Memory)(nil)
	_ ledger.SweepRunStore = (*Memory)(nil)
)

// =============================================================================
// HOUSEHOLDS
// =============================================================================

func (m *Memory) GetHousehold(_ context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHousehold(id), nil
}

// LockHousehold outside WithTx is a plain read; inside WithTx the whole
// store is already exclusively held.
func (m *Memory) LockHousehold(ctx context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	return m.GetHousehold(ctx, id)
}

func (m *Memory) AdjustBalance(_ context.Context, id ledger.HouseholdID, delta ledger.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustBalance(id, delta)
}

func (m *Memory) ListActiveHouseholds(_ context.Context) ([]ledger.Household, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listHouseholds(true), nil
}

func (m *Memory) ListHouseholds(_ context.Context) ([]ledger.Household, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listHouseholds(false), nil
}

func (m *Memory) getHousehold(id ledger.HouseholdID) *ledger.Household {
	h, ok := m.households[id]
	if !ok {
		return nil
	}
	return &h
}

func (m *Memory) adjustBalance(id ledger.HouseholdID, delta ledger.Money) error {
	h, ok := m.households[id]
	if !ok {
		return fmt.Errorf("adjust balance: household %s: %w", id, ledger.ErrNotFound)
	}
	h.Balance = h.Balance.Add(delta)
	m.households[id] = h
	return nil
}

func (m *Memory) listHouseholds(activeOnly bool) []ledger.Household {
	out := make([]ledger.Household, 0, len(m.households))
	for _, h := range m.households {
		if activeOnly && h.Status != ledger.HouseholdActive {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// =============================================================================
// FEE CATEGORIES
// =============================================================================

func (m *Memory) GetFeeCategory(_ context.Context, id ledger.FeeCategoryID) (*ledger.FeeCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getFeeCategory(id), nil
}

func (m *Memory) getFeeCategory(id ledger.FeeCategoryID) *ledger.FeeCategory {
	c, ok := m.categories[id]
	if !ok {
		return nil
	}
	return &c
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayment(id), nil
}

func (m *Memory) ListPayments(_ context.Context, filter ledger.PaymentFilter) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPayments(filter), nil
}

func (m *Memory) InsertPayment(_ context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPayment(p)
}

func (m *Memory) UpdatePayment(_ context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePayment(p)
}

func (m *Memory) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePayment(id)
}

func (m *Memory) TransitionStatus(_ context.Context, id ledger.PaymentID, from, to ledger.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionStatus(id, from, to, at), nil
}

func (m *Memory) getPayment(id ledger.PaymentID) *ledger.Payment {
	p, ok := m.payments[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *Memory) listPayments(filter ledger.PaymentFilter) []ledger.Payment {
	var out []ledger.Payment
	for _, p := range m.payments {
		if filter.HouseholdID != "" && p.HouseholdID != filter.HouseholdID {
			continue
		}
		if filter.FeeCategoryID != "" && p.FeeCategoryID != filter.FeeCategoryID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.DueBefore != nil && !p.DueDate.Before(*filter.DueBefore) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) insertPayment(p ledger.Payment) error {
	if _, ok := m.payments[p.ID]; ok {
		return fmt.Errorf("insert payment %s: already exists", p.ID)
	}
	if p.IdempotencyKey != "" {
		if _, ok := m.idempotency[p.IdempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	if _, ok := m.households[p.HouseholdID]; !ok {
		return fmt.Errorf("insert payment: household %s: %w", p.HouseholdID, ledger.ErrNotFound)
	}
	if _, ok := m.categories[p.FeeCategoryID]; !ok {
		return fmt.Errorf("insert payment: fee category %s: %w", p.FeeCategoryID, ledger.ErrNotFound)
	}
	m.payments[p.ID] = p
	if p.IdempotencyKey != "" {
		m.idempotency[p.IdempotencyKey] = p.ID
	}
	return nil
}

func (m *Memory) updatePayment(p ledger.Payment) error {
	cur, ok := m.payments[p.ID]
	if !ok {
		return fmt.Errorf("update payment %s: %w", p.ID, ledger.ErrNotFound)
	}
	// Foreign keys and the generation key are immutable.
	p.HouseholdID = cur.HouseholdID
	p.FeeCategoryID = cur.FeeCategoryID
	p.IdempotencyKey = cur.IdempotencyKey
	p.CreatedAt = cur.CreatedAt
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) deletePayment(id ledger.PaymentID) error {
	p, ok := m.payments[id]
	if !ok {
		return fmt.Errorf("delete payment %s: %w", id, ledger.ErrNotFound)
	}
	delete(m.payments, id)
	if p.IdempotencyKey != "" {
		delete(m.idempotency, p.IdempotencyKey)
	}
	return nil
}

func (m *Memory) transitionStatus(id ledger.PaymentID, from, to ledger.Status, at time.Time) bool {
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return false
	}
	p.Status = to
	p.UpdatedAt = at
	m.payments[id] = p
	return true
}

// =============================================================================
// DIRECTORY (seeding)
// =============================================================================

// SaveHousehold inserts or updates a household. The balance of an existing
// household is kept; a new household starts at zero.
func (m *Memory) SaveHousehold(_ context.Context, h ledger.Household) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.households {
		if id != h.ID && other.Unit == h.Unit {
			return fmt.Errorf("save household: unit %q already used by %s: %w", h.Unit, id, ledger.ErrAlreadyExists)
		}
	}
	if cur, ok := m.households[h.ID]; ok {
		h.Balance = cur.Balance
		h.CreatedAt = cur.CreatedAt
	} else {
		h.Balance = ledger.NewMoney(0)
		if h.CreatedAt.IsZero() {
			h.CreatedAt = time.Now().UTC()
		}
	}
	if h.Status == "" {
		h.Status = ledger.HouseholdActive
	}
	m.households[h.ID] = h
	return nil
}

func (m *Memory) SaveFeeCategory(_ context.Context, c ledger.FeeCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.categories {
		if id != c.ID && other.Name == c.Name {
			return fmt.Errorf("save fee category: name %q already used by %s: %w", c.Name, id, ledger.ErrAlreadyExists)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.categories[c.ID] = c
	return nil
}

func (m *Memory) ListFeeCategories(_ context.Context) ([]ledger.FeeCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.FeeCategory, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.households = make(map[ledger.HouseholdID]ledger.Household)
	m.categories = make(map[ledger.FeeCategoryID]ledger.FeeCategory)
	m.payments = make(map[ledger.PaymentID]ledger.Payment)
	m.idempotency = make(map[string]ledger.PaymentID)
	m.runs = nil
	return nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run ledger.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListSweepRuns returns the newest runs first.
func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]ledger.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.SweepRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so transactions serialize.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	households  map[ledger.HouseholdID]ledger.Household
	payments    map[ledger.PaymentID]ledger.Payment
	idempotency map[string]ledger.PaymentID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		households:  make(map[ledger.HouseholdID]ledger.Household, len(m.households)),
		payments:    make(map[ledger.PaymentID]ledger.Payment, len(m.payments)),
		idempotency: make(map[string]ledger.PaymentID, len(m.idempotency)),
	}
	for k, v := range m.households {
		s.households[k] = v
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.households = s.households
	m.payments = s.payments
	m.idempotency = s.idempotency
}

// txView runs against the parent's maps without locking; WithTx holds the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) GetHousehold(_ context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	return tv.parent.getHousehold(id), nil
}

func (tv *txView) LockHousehold(_ context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	return tv.parent.getHousehold(id), nil
}

func (tv *txView) AdjustBalance(_ context.Context, id ledger.HouseholdID, delta ledger.Money) error {
	return tv.parent.adjustBalance(id, delta)
}

func (tv *txView) ListActiveHouseholds(_ context.Context) ([]ledger.Household, error) {
	return tv.parent.listHouseholds(true), nil
}

func (tv *txView) ListHouseholds(_ context.Context) ([]ledger.Household, error) {
	return tv.parent.listHouseholds(false), nil
}

func (tv *txView) GetFeeCategory(_ context.Context, id ledger.FeeCategoryID) (*ledger.FeeCategory, error) {
	return tv.parent.getFeeCategory(id), nil
}

func (tv *txView) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return tv.parent.getPayment(id), nil
}

func (tv *txView) ListPayments(_ context.Context, filter ledger.PaymentFilter) ([]ledger.Payment, error) {
	return tv.parent.listPayments(filter), nil
}

func (tv *txView) InsertPayment(_ context.Context, p ledger.Payment) error {
	return tv.parent.insertPayment(p)
}

func (tv *txView) UpdatePayment(_ context.Context, p ledger.Payment) error {
	return tv.parent.updatePayment(p)
}

func (tv *txView) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	return tv.parent.deletePayment(id)
}

func (tv *txView) TransitionStatus(_ context.Context, id ledger.PaymentID, from, to ledger.Status, at time.Time) (bool, error) {
	return tv.parent.transitionStatus(id, from, to, at), nil
}
