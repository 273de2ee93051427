// Package orders handles order submission with price/balance validation,
// CLOB status synchronization with reservation bookkeeping, cancellation,
// and startup recovery of open orders. Submission reserves balance under a
// pending id and transfers the reservation to the real order id once the
// CLOB accepts it; loading on startup restores every open order's
// reservation the same way.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/balance"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/storage"
)

// PriceTooHighError is a pre-submit validation failure.
type PriceTooHighError struct {
	Price, MaxPrice decimal.Decimal
}

func (e *PriceTooHighError) Error() string {
	return fmt.Sprintf("price %s exceeds maximum %s", e.Price, e.MaxPrice)
}

// SubmissionError wraps a CLOB response that did not yield a usable order id.
type SubmissionError struct{ Detail string }

func (e *SubmissionError) Error() string { return "order submission: " + e.Detail }

// WireOrders is the narrow wire-adapter dependency.
type WireOrders interface {
	SubmitOrder(ctx context.Context, tokenID string, side market.Side, price, size decimal.Decimal) (string, error)
	GetOrder(ctx context.Context, orderID string) (market.WireOrderState, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// Config holds the order manager's tunables.
type Config struct {
	MaxPrice     decimal.Decimal // default 0.95, BUY orders only
	PositionSize decimal.Decimal // default 20
}

func (c Config) withDefaults() Config {
	if c.MaxPrice.IsZero() {
		c.MaxPrice = decimal.NewFromFloat(0.95)
	}
	if c.PositionSize.IsZero() {
		c.PositionSize = decimal.NewFromInt(20)
	}
	return c
}

// Manager is the Order Manager.
type Manager struct {
	cfg     Config
	wire    WireOrders
	db      *storage.Database
	balance *balance.Manager

	mu     sync.Mutex
	orders map[string]*storage.Order
}

// New builds a Manager.
func New(cfg Config, wire WireOrders, db *storage.Database, bal *balance.Manager) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		wire:    wire,
		db:      db,
		balance: bal,
		orders:  make(map[string]*storage.Order),
	}
}

// SubmitOrder validates price/balance, submits to the wire, and persists
// the resulting order. BUY orders reserve balance under a temporary id
// before submission and transfer the reservation to the real order id on
// success, releasing it on any failure path.
func (m *Manager) SubmitOrder(ctx context.Context, tokenID, conditionID string, side market.Side, price, size decimal.Decimal) (string, error) {
	if side == market.SideBuy && price.GreaterThan(m.cfg.MaxPrice) {
		return "", &PriceTooHighError{Price: price, MaxPrice: m.cfg.MaxPrice}
	}

	cost := price.Mul(size)
	tempID := fmt.Sprintf("pending_%s_%s", tokenID, uuid.NewString())

	if side == market.SideBuy {
		if err := m.balance.Reserve(ctx, cost, tempID); err != nil {
			return "", err
		}
	}

	orderID, err := m.wire.SubmitOrder(ctx, tokenID, side, price, size)
	if err != nil {
		if side == market.SideBuy {
			m.balance.ReleaseReservation(tempID)
		}
		return "", fmt.Errorf("submit order: %w", err)
	}
	if orderID == "" {
		if side == market.SideBuy {
			m.balance.ReleaseReservation(tempID)
		}
		log.Error().Str("token_id", tokenID).Str("side", string(side)).
			Str("size", size.String()).Str("price", price.String()).
			Msg("wire returned empty order id")
		return "", &SubmissionError{Detail: "wire returned empty order id"}
	}

	now := time.Now().UTC()
	row := &storage.Order{
		OrderID:     orderID,
		TokenID:     tokenID,
		ConditionID: conditionID,
		Side:        string(side),
		Price:       price,
		Size:        size,
		Status:      string(market.OrderPending),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.db.SaveOrder(row); err != nil {
		if side == market.SideBuy {
			m.balance.ReleaseReservation(tempID)
		}
		return "", fmt.Errorf("persist order: %w", err)
	}

	m.mu.Lock()
	m.orders[orderID] = row
	m.mu.Unlock()

	if side == market.SideBuy {
		m.balance.ReleaseReservation(tempID)
		if err := m.balance.Reserve(ctx, cost, orderID); err != nil {
			// Wire-side order exists regardless; track it and warn rather
			// than lose visibility of a real order on a reservation race.
			log.Warn().Err(err).Str("order_id", orderID).Msg("could not transfer reservation to real order id")
		}
	}

	log.Info().Str("order_id", orderID).Str("side", string(side)).
		Str("size", size.String()).Str("price", price.String()).Msg("order submitted")
	return orderID, nil
}

// SyncOrderStatus polls the wire for orderID's current state, maps it onto
// the local/terminal status set, and manages reservations: terminal states
// release the reservation and force a G4 balance refresh; a partial fill
// adjusts the reservation by the newly-filled cost and also forces refresh.
func (m *Manager) SyncOrderStatus(ctx context.Context, orderID string) (*storage.Order, error) {
	m.mu.Lock()
	order, known := m.orders[orderID]
	m.mu.Unlock()
	if !known {
		dbOrder, err := m.db.GetOrder(orderID)
		if err != nil {
			return nil, fmt.Errorf("sync order status: %w", err)
		}
		order = dbOrder
		m.mu.Lock()
		m.orders[orderID] = order
		m.mu.Unlock()
	}

	state, err := m.wire.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("sync order status: %w", err)
	}

	previousFilled := order.FilledSize
	previousAvgPrice := order.AvgFillPrice

	order.FilledSize = state.FilledSize
	order.Status = string(state.Status)
	if state.AvgFillPrice.IsPositive() {
		order.AvgFillPrice = state.AvgFillPrice
	}
	order.UpdatedAt = time.Now().UTC()

	if err := m.db.SaveOrder(order); err != nil {
		return nil, fmt.Errorf("persist synced order: %w", err)
	}

	switch market.OrderStatus(order.Status) {
	case market.OrderFilled, market.OrderCancelled, market.OrderFailed:
		m.balance.ReleaseReservation(orderID)
		if _, err := m.balance.RefreshBalance(ctx); err != nil {
			log.Warn().Err(err).Msg("g4 refresh after terminal order failed")
		}
	case market.OrderPartial:
		newFilled := order.FilledSize.Sub(previousFilled)
		if newFilled.IsPositive() {
			var filledCost decimal.Decimal
			if order.AvgFillPrice.IsPositive() && previousAvgPrice.IsPositive() {
				filledCost = order.FilledSize.Mul(order.AvgFillPrice).Sub(previousFilled.Mul(previousAvgPrice))
			} else {
				fillPrice := order.AvgFillPrice
				if fillPrice.IsZero() {
					fillPrice = order.Price
				}
				filledCost = newFilled.Mul(fillPrice)
			}
			if filledCost.IsPositive() {
				m.balance.AdjustForPartialFill(orderID, filledCost)
			}
		}
		if _, err := m.balance.RefreshBalance(ctx); err != nil {
			log.Warn().Err(err).Msg("g4 refresh after partial fill failed")
		}
	}

	log.Debug().Str("order_id", orderID).Str("status", order.Status).Msg("order status synced")
	return order, nil
}

// CancelOrder cancels orderID on the wire, marks it cancelled locally, and
// releases its reservation.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	ok, err := m.wire.CancelOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	order, known := m.orders[orderID]
	m.mu.Unlock()
	if known {
		order.Status = string(market.OrderCancelled)
		order.UpdatedAt = time.Now().UTC()
		if err := m.db.SaveOrder(order); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("failed to persist cancelled order")
		}
	}

	m.balance.ReleaseReservation(orderID)
	log.Info().Str("order_id", orderID).Msg("order cancelled")
	return true, nil
}

// GetOrder returns a locally-cached order.
func (m *Manager) GetOrder(orderID string) (*storage.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return o, ok
}

// OpenOrders returns orders in PENDING, LIVE, or PARTIAL.
func (m *Manager) OpenOrders() []*storage.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Order
	for _, o := range m.orders {
		switch market.OrderStatus(o.Status) {
		case market.OrderPending, market.OrderLive, market.OrderPartial:
			out = append(out, o)
		}
	}
	return out
}

// LoadOrders restores non-terminal orders from the durable store on
// startup and re-establishes balance reservations for their unfilled
// portion. A reservation shortfall is logged, not fatal — the order is
// real on the wire regardless and must still be tracked.
func (m *Manager) LoadOrders(ctx context.Context) (int, error) {
	rows, err := m.db.GetNonTerminalOrders()
	if err != nil {
		return 0, fmt.Errorf("load orders: %w", err)
	}

	count := 0
	for i := range rows {
		order := &rows[i]
		unfilled := order.Size.Sub(order.FilledSize)

		if order.Side == string(market.SideBuy) && unfilled.IsPositive() {
			reserveAmount := order.Price.Mul(unfilled)
			if err := m.balance.Reserve(ctx, reserveAmount, order.OrderID); err != nil {
				log.Warn().Err(err).Str("order_id", order.OrderID).
					Msg("could not restore full reservation on startup; order still tracked")
			}
		}

		m.mu.Lock()
		m.orders[order.OrderID] = order
		m.mu.Unlock()
		count++
	}

	log.Info().Int("count", count).Msg("loaded open orders from durable store")
	return count, nil
}
