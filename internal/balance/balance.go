// Package balance tracks tradeable balance over a cached wire balance plus
// an in-memory reservation ledger for orders that have not yet settled.
//
// The balance cache is a correctness bound, not an optimization: the wire
// adapter's own balance figure is aggressively cached upstream and goes
// stale the moment a fill happens, so RefreshBalance must be called by the
// caller after every fill, cancel, failure, and resolution rather than
// relying on the cache to expire on its own.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// InsufficientBalanceError is a pre-submit validation failure: safe to
// retry, since no order was placed — the caller's trigger claim may be
// removed.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", e.Required, e.Available)
}

// WireBalance is the narrow wire-adapter dependency: fetch the current
// on-chain/CLOB USDC balance.
type WireBalance interface {
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
}

// Config holds the balance manager's tunables.
type Config struct {
	MinReserve     decimal.Decimal // default 100
	CacheTTL       time.Duration   // default 60s
}

func (c Config) withDefaults() Config {
	if c.MinReserve.IsZero() {
		c.MinReserve = decimal.NewFromInt(100)
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	return c
}

// Reservation is a balance hold for a pending order.
type Reservation struct {
	OrderID   string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Manager is the Balance Manager.
type Manager struct {
	cfg  Config
	wire WireBalance

	mu             sync.Mutex
	cachedBalance  decimal.Decimal
	cacheValid     bool
	cacheTime      time.Time
	reservations   map[string]Reservation
}

// New builds a Manager.
func New(cfg Config, wire WireBalance) *Manager {
	return &Manager{
		cfg:          cfg.withDefaults(),
		wire:         wire,
		reservations: make(map[string]Reservation),
	}
}

// AvailableBalance returns total cached/fetched balance minus everything
// currently reserved.
func (m *Manager) AvailableBalance(ctx context.Context) decimal.Decimal {
	total := m.cachedOrFetch(ctx)
	m.mu.Lock()
	reserved := m.totalReservedLocked()
	m.mu.Unlock()
	return total.Sub(reserved)
}

// TradeableBalance is available balance minus the configured minimum
// reserve, floored at zero.
func (m *Manager) TradeableBalance(ctx context.Context) decimal.Decimal {
	available := m.AvailableBalance(ctx)
	tradeable := available.Sub(m.cfg.MinReserve)
	if tradeable.IsNegative() {
		return decimal.Zero
	}
	return tradeable
}

// TotalBalance is the cached/fetched balance with no reservation deduction.
func (m *Manager) TotalBalance(ctx context.Context) decimal.Decimal {
	return m.cachedOrFetch(ctx)
}

// Reserve holds amount against orderID. Fails with InsufficientBalanceError
// if tradeable balance can't cover it — a pre-submit validation error.
func (m *Manager) Reserve(ctx context.Context, amount decimal.Decimal, orderID string) error {
	available := m.TradeableBalance(ctx)
	if amount.GreaterThan(available) {
		return &InsufficientBalanceError{Required: amount, Available: available}
	}

	m.mu.Lock()
	m.reservations[orderID] = Reservation{OrderID: orderID, Amount: amount, CreatedAt: time.Now().UTC()}
	m.mu.Unlock()
	log.Debug().Str("order_id", orderID).Str("amount", amount.String()).Msg("balance reserved")
	return nil
}

// ReleaseReservation drops a reservation after fill, cancel, or failure.
func (m *Manager) ReleaseReservation(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reservations[orderID]; ok {
		delete(m.reservations, orderID)
		log.Debug().Str("order_id", orderID).Str("amount", r.Amount.String()).Msg("reservation released")
	}
}

// AdjustForPartialFill reduces a reservation by the cost basis of the
// filled portion, releasing it entirely once the remainder is non-positive.
func (m *Manager) AdjustForPartialFill(orderID string, filledCost decimal.Decimal) {
	m.mu.Lock()
	r, ok := m.reservations[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	remaining := r.Amount.Sub(filledCost)
	if remaining.Sign() <= 0 {
		delete(m.reservations, orderID)
		m.mu.Unlock()
		return
	}
	m.reservations[orderID] = Reservation{OrderID: orderID, Amount: remaining, CreatedAt: r.CreatedAt}
	m.mu.Unlock()
	log.Debug().Str("order_id", orderID).Str("from", r.Amount.String()).Str("to", remaining.String()).Msg("reservation adjusted for partial fill")
}

// HasReservation reports whether orderID currently holds a reservation.
func (m *Manager) HasReservation(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reservations[orderID]
	return ok
}

// ActiveReservations returns a snapshot of all current reservations.
func (m *Manager) ActiveReservations() []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}
	return out
}

// ClearStaleReservations releases reservations older than maxAge — a safety
// valve for orphaned reservations left by a crash between submit and
// fill/cancel observation. Returns the count cleared.
func (m *Manager) ClearStaleReservations(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var stale []string
	for id, r := range m.reservations {
		if now.Sub(r.CreatedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.reservations, id)
	}
	if len(stale) > 0 {
		log.Warn().Int("count", len(stale)).Msg("cleared stale balance reservations")
	}
	return len(stale)
}

// LowBalance reports whether available balance has fallen below the
// configured reserve floor, returning the figures for the operator alert.
func (m *Manager) LowBalance(ctx context.Context) (bool, decimal.Decimal, decimal.Decimal) {
	available := m.AvailableBalance(ctx)
	return available.LessThan(m.cfg.MinReserve), available, m.cfg.MinReserve
}

// RefreshBalance forces a fresh wire fetch, invalidating the cache. This is
// the G4 fix: callers MUST invoke this after every fill, cancel, order
// failure, and market resolution — the wire balance API caches aggressively
// and will otherwise serve a stale figure indefinitely.
func (m *Manager) RefreshBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	m.cacheValid = false
	m.mu.Unlock()
	return m.fetchBalance(ctx)
}

func (m *Manager) cachedOrFetch(ctx context.Context) decimal.Decimal {
	m.mu.Lock()
	if m.cacheValid && time.Since(m.cacheTime) < m.cfg.CacheTTL {
		bal := m.cachedBalance
		m.mu.Unlock()
		return bal
	}
	m.mu.Unlock()

	bal, err := m.fetchBalance(ctx)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cacheValid {
			return m.cachedBalance
		}
		return decimal.Zero
	}
	return bal
}

func (m *Manager) fetchBalance(ctx context.Context) (decimal.Decimal, error) {
	if m.wire == nil {
		return decimal.Zero, nil
	}

	bal, err := m.wire.FetchBalance(ctx)
	if err != nil {
		log.Error().Err(err).Msg("balance: fetch failed")
		return decimal.Zero, fmt.Errorf("fetch balance: %w", err)
	}

	m.mu.Lock()
	m.cachedBalance = bal
	m.cacheValid = true
	m.cacheTime = time.Now().UTC()
	m.mu.Unlock()

	return bal, nil
}

func (m *Manager) totalReservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, r := range m.reservations {
		total = total.Add(r.Amount)
	}
	return total
}
