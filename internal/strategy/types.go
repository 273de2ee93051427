// Package strategy holds pluggable, pure decision functions over a trading
// Context, plus the hard filters that run ahead of them before a strategy
// ever sees a candidate market.
package strategy

import "github.com/shopspring/decimal"

// Context is the value object strategies and filters evaluate against.
type Context struct {
	ConditionID     string
	TokenID         string
	Question        string
	Category        string
	TriggerPrice    decimal.Decimal
	TradeSize       *decimal.Decimal
	TimeToEndHours  float64
	TradeAgeSeconds float64
	ModelScore      *float64
	Outcome         string
	OutcomeIndex    int
	CurrentPosition bool
}

// SignalType discriminates the Signal variants.
type SignalType string

const (
	SignalEntry     SignalType = "entry"
	SignalExit      SignalType = "exit"
	SignalHold      SignalType = "hold"
	SignalWatchlist SignalType = "watchlist"
	SignalIgnore    SignalType = "ignore"
)

// Side mirrors market.Side without importing it, keeping strategies free of
// I/O-adjacent dependencies — strategies are referentially transparent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is returned by a Strategy or a hard filter. Exactly one of the
// type-specific field groups is meaningful, selected by Type.
type Signal struct {
	Type   SignalType
	Reason string

	// Entry
	TokenID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal

	// Exit
	PositionID string

	// Watchlist
	CurrentScore float64

	// Ignore
	FilterName string
}

func Entry(tokenID string, side Side, price, size decimal.Decimal, reason string) Signal {
	return Signal{Type: SignalEntry, TokenID: tokenID, Side: side, Price: price, Size: size, Reason: reason}
}

func Exit(positionID, reason string) Signal {
	return Signal{Type: SignalExit, PositionID: positionID, Reason: reason}
}

func Hold(reason string) Signal {
	return Signal{Type: SignalHold, Reason: reason}
}

func Watchlist(tokenID string, score float64, reason string) Signal {
	return Signal{Type: SignalWatchlist, TokenID: tokenID, CurrentScore: score, Reason: reason}
}

func Ignore(filterName, reason string) Signal {
	return Signal{Type: SignalIgnore, FilterName: filterName, Reason: reason}
}

// Strategy is a pluggable decision function. Implementations must be
// referentially transparent: no I/O, no global state, same Context always
// yields the same Signal.
type Strategy interface {
	Name() string
	Evaluate(ctx Context) Signal
}
