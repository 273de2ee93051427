// Package execution is the single entry point the trading engine uses to
// run an entry or exit signal, coordinating the order manager, position
// tracker, exit manager and balance manager so the engine never talks to
// them directly.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/balance"
	"github.com/hazardguard/predictbot/internal/exits"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/orders"
	"github.com/hazardguard/predictbot/internal/positions"
	"github.com/hazardguard/predictbot/internal/storage"
	"github.com/hazardguard/predictbot/internal/strategy"
)

// ErrorType discriminates ExecutionResult failure modes: callers branch on
// this rather than string-matching Error().
type ErrorType string

const (
	ErrPriceTooHigh        ErrorType = "price_too_high"
	ErrInsufficientBalance ErrorType = "insufficient_balance"
	ErrValidation          ErrorType = "validation_error"
	ErrExecution           ErrorType = "execution_error"
	ErrFillTimeout         ErrorType = "fill_timeout"
	ErrExit                ErrorType = "exit_error"
)

// Result is the outcome of an entry or exit execution attempt.
type Result struct {
	Success    bool
	OrderID    string
	PositionID string
	Err        error
	ErrorType  ErrorType
}

// Config bundles the sub-manager configs the facade wires together.
type Config struct {
	Order        orders.Config
	Balance      balance.Config
	Exit         exits.Config
	WaitForFill  bool
	FillTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FillTimeout <= 0 {
		c.FillTimeout = 30 * time.Second
	}
	return c
}

// Wire is the union of wire-adapter capabilities the facade's managers need.
type Wire interface {
	orders.WireOrders
	exits.WireOrderbook
	balance.WireBalance
}

// Service is the Execution Facade.
type Service struct {
	cfg Config

	db        *storage.Database
	Balance   *balance.Manager
	Orders    *orders.Manager
	Positions *positions.Tracker
	Exits     *exits.Manager
}

// New builds a Service wiring every sub-manager over db and wire.
func New(cfg Config, db *storage.Database, wire Wire) *Service {
	cfg = cfg.withDefaults()

	bal := balance.New(cfg.Balance, wire)
	posTracker := positions.New(db)
	ordMgr := orders.New(cfg.Order, wire, db, bal)
	exitMgr := exits.New(cfg.Exit, db, posTracker, bal, ordMgr, wire)

	return &Service{
		cfg:       cfg,
		db:        db,
		Balance:   bal,
		Orders:    ordMgr,
		Positions: posTracker,
		Exits:     exitMgr,
	}
}

// LoadState restores durable state on startup: balance is refreshed before
// orders are loaded so reservation validation runs against a fresh figure,
// then open orders (with their reservations) and open positions load.
func (s *Service) LoadState(ctx context.Context) error {
	if _, err := s.Balance.RefreshBalance(ctx); err != nil {
		log.Warn().Err(err).Msg("initial balance refresh failed, continuing with zero cache")
	}

	ordersLoaded, err := s.Orders.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if err := s.Positions.LoadPositions(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	log.Info().Int("positions", len(s.Positions.OpenPositions())).
		Int("orders", ordersLoaded).Msg("execution state loaded")
	return nil
}

// ExecuteEntry submits an order for sig, syncs its status once, and opens a
// position if it filled immediately (the common path for marketable limit
// orders at the trigger price).
func (s *Service) ExecuteEntry(ctx context.Context, sig strategy.Signal, conditionID string) Result {
	orderID, err := s.Orders.SubmitOrder(ctx, sig.TokenID, conditionID, market.Side(sig.Side), sig.Price, sig.Size)
	if err != nil {
		return classifySubmitError(err)
	}
	log.Info().Str("order_id", orderID).Str("token_id", sig.TokenID).Msg("entry order submitted")

	order, err := s.Orders.SyncOrderStatus(ctx, orderID)
	if err != nil {
		return Result{Success: true, OrderID: orderID}
	}

	var positionID string
	if order != nil && market.OrderStatus(order.Status) == market.OrderFilled {
		pos, err := s.Positions.RecordFillDelta(ctx, positions.FillInput{
			TokenID:     order.TokenID,
			ConditionID: order.ConditionID,
			Side:        market.Side(order.Side),
			FillPrice:   effectiveFillPrice(order),
			AgeSource:   "actual",
		}, order.FilledSize)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("failed to record fill")
		} else if pos != nil {
			positionID = pos.ID
			log.Info().Str("position_id", positionID).Str("order_id", orderID).Msg("position opened from entry fill")
		}
	}

	return Result{Success: true, OrderID: orderID, PositionID: positionID}
}

func classifySubmitError(err error) Result {
	switch err.(type) {
	case *orders.PriceTooHighError:
		return Result{Success: false, Err: err, ErrorType: ErrPriceTooHigh}
	case *balance.InsufficientBalanceError:
		return Result{Success: false, Err: err, ErrorType: ErrInsufficientBalance}
	case *orders.SubmissionError:
		return Result{Success: false, Err: err, ErrorType: ErrValidation}
	default:
		return Result{Success: false, Err: err, ErrorType: ErrExecution}
	}
}

// ExecuteExit runs sig against pos via the Exit Manager, honoring the
// facade's configured wait-for-fill policy.
func (s *Service) ExecuteExit(ctx context.Context, sig strategy.Signal, pos *storage.Position, currentPrice decimal.Decimal) Result {
	if currentPrice.IsZero() {
		currentPrice = pos.EntryPrice
	}

	closed, orderID, err := s.Exits.ExecuteExit(ctx, pos, currentPrice, sig.Reason, s.cfg.WaitForFill, s.cfg.FillTimeout)
	if err != nil {
		return Result{Success: false, PositionID: pos.ID, Err: err, ErrorType: ErrExit}
	}
	if !closed {
		if s.cfg.WaitForFill {
			return Result{Success: false, PositionID: pos.ID, OrderID: orderID,
				Err: fmt.Errorf("exit order not confirmed"), ErrorType: ErrFillTimeout}
		}
		// Blocked by the liquidity guard, lost the claim race, or an exit is
		// already pending — nothing was submitted on this call.
		return Result{Success: false, PositionID: pos.ID, OrderID: orderID,
			Err: fmt.Errorf("exit not submitted"), ErrorType: ErrExit}
	}

	log.Info().Str("position_id", pos.ID).Str("reason", sig.Reason).Msg("exit executed")
	return Result{Success: true, PositionID: pos.ID, OrderID: orderID}
}

// SyncOpenOrders polls every open order, detects newly-filled deltas, and
// feeds exactly the delta (never the cumulative filled_size) to the
// Position Tracker to avoid double-counting across repeated syncs.
func (s *Service) SyncOpenOrders(ctx context.Context) int {
	synced := 0
	for _, order := range s.Orders.OpenOrders() {
		oldFilled := order.FilledSize

		updated, err := s.Orders.SyncOrderStatus(ctx, order.OrderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("sync open orders: failed")
			continue
		}
		synced++

		newFilled := updated.FilledSize.Sub(oldFilled)
		if newFilled.IsPositive() {
			_, err := s.Positions.RecordFillDelta(ctx, positions.FillInput{
				TokenID:     updated.TokenID,
				ConditionID: updated.ConditionID,
				Side:        market.Side(updated.Side),
				FillPrice:   effectiveFillPrice(updated),
				AgeSource:   "actual",
			}, newFilled)
			if err != nil {
				log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to record fill delta")
				continue
			}
			log.Info().Str("order_id", order.OrderID).Str("delta", newFilled.String()).
				Str("total", updated.FilledSize.String()).Msg("fill detected")
		}
	}
	return synced
}

// EvaluateExits runs the Exit Manager's pure evaluation against every open
// position for the given price snapshot.
func (s *Service) EvaluateExits(currentPrices map[string]decimal.Decimal) []struct {
	Position *storage.Position
	Reason   string
} {
	return s.Exits.EvaluateAllPositions(currentPrices, time.Now().UTC())
}

// HandleResolution closes out the position for a resolved token.
func (s *Service) HandleResolution(ctx context.Context, tokenID string, resolvedPrice decimal.Decimal) (bool, error) {
	return s.Exits.HandleResolution(ctx, tokenID, resolvedPrice)
}

func effectiveFillPrice(order *storage.Order) decimal.Decimal {
	if order.AvgFillPrice.IsPositive() {
		return order.AvgFillPrice
	}
	return order.Price
}
