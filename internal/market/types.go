// Package market defines the core exchange-facing types shared by every
// component of the pipeline: markets, outcomes, price updates, trades and
// orderbooks. Money and price fields are shopspring/decimal fixed-point
// values, never float64, to keep comparisons and arithmetic exact.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one tradeable leg of a Market (e.g. "Yes" or "No").
type Outcome struct {
	TokenID      string
	OutcomeLabel string
	OutcomeIndex int
}

// Market is a binary-outcome (or multi-outcome) condition.
type Market struct {
	ConditionID string
	Question    string
	Category    string
	EndTime     time.Time
	Outcomes    []Outcome
	Active      bool
}

// Outcome returns the outcome with the given token id, or false.
func (m Market) Outcome(tokenID string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.TokenID == tokenID {
			return o, true
		}
	}
	return Outcome{}, false
}

// TimeToEndHours is the non-negative hours remaining until resolution.
func (m Market) TimeToEndHours(now time.Time) float64 {
	d := m.EndTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Hours()
}

// PriceUpdate is a streaming price tick. Never carries size — size is only
// ever attached by the event processor's G3 backfill, and only on the
// ProcessedEvent, never on the wire type itself.
type PriceUpdate struct {
	TokenID    string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Side of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a single executed trade observed on the tape.
type Trade struct {
	ID          string
	TokenID     string
	ConditionID string
	Price       decimal.Decimal
	Size        decimal.Decimal
	Side        Side
	TradedAt    time.Time
}

// Age is now - TradedAt.
func (t Trade) Age(now time.Time) time.Duration {
	return now.Sub(t.TradedAt)
}

// Fresh reports whether the trade's age is within maxAge.
func (t Trade) Fresh(now time.Time, maxAge time.Duration) bool {
	return t.Age(now) <= maxAge
}

// Level is one (price, size) rung of an orderbook.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook is a depth snapshot for one token. Bids are ordered descending
// by price, asks ascending, so index 0 is always the best level on either
// side.
type Orderbook struct {
	TokenID    string
	Bids       []Level
	Asks       []Level
	ObservedAt time.Time
}

// BestBid returns the top bid level, if any.
func (ob Orderbook) BestBid() (Level, bool) {
	if len(ob.Bids) == 0 {
		return Level{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (ob Orderbook) BestAsk() (Level, bool) {
	if len(ob.Asks) == 0 {
		return Level{}, false
	}
	return ob.Asks[0], true
}

// OrderStatus mirrors the wire adapter's terminal/non-terminal lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderLive      OrderStatus = "LIVE"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

// WireOrderState is what get_order returns from the exchange.
type WireOrderState struct {
	OrderID      string
	Status       OrderStatus
	Size         decimal.Decimal
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	CreatedAt    time.Time
}
