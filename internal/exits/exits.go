// Package exits decides when and how an open position should be closed: a
// hold-policy dispatch between holding to market resolution and a
// conditional price-based exit, a pre-submission liquidity guard that
// refuses to sell into an empty or too-thin book, atomic exit claiming so
// only one caller ever executes a given position's exit, and reconciliation
// of exits left pending by a crash or a slow fill.
package exits

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/balance"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/orders"
	"github.com/hazardguard/predictbot/internal/positions"
	"github.com/hazardguard/predictbot/internal/storage"
)

const (
	StrategyHoldToResolution = "hold_to_resolution"
	StrategyConditionalExit  = "conditional_exit"

	claimingStaleTimeout = 60 * time.Second
)

// WireOrderbook is the narrow wire-adapter dependency for the G13 guard.
type WireOrderbook interface {
	FetchOrderbook(ctx context.Context, tokenID string) (market.Orderbook, error)
}

// Config holds the exit manager's tunables.
type Config struct {
	ProfitTarget      decimal.Decimal // default 0.99
	StopLoss          decimal.Decimal // default 0.90
	MinHoldDays       int             // default 7

	// liquidity-guard tolerances
	MaxSlippagePercent decimal.Decimal // default 0.10
	MaxSpreadPercent   decimal.Decimal // default 0.20
	MinExitPriceFloor  decimal.Decimal // default 0.50, fraction of entry price
	VerifyLiquidity    bool
}

func (c Config) withDefaults() Config {
	if c.ProfitTarget.IsZero() {
		c.ProfitTarget = decimal.NewFromFloat(0.99)
	}
	if c.StopLoss.IsZero() {
		c.StopLoss = decimal.NewFromFloat(0.90)
	}
	if c.MinHoldDays <= 0 {
		c.MinHoldDays = 7
	}
	if c.MaxSlippagePercent.IsZero() {
		c.MaxSlippagePercent = decimal.NewFromFloat(0.10)
	}
	if c.MaxSpreadPercent.IsZero() {
		c.MaxSpreadPercent = decimal.NewFromFloat(0.20)
	}
	if c.MinExitPriceFloor.IsZero() {
		c.MinExitPriceFloor = decimal.NewFromFloat(0.50)
	}
	return c
}

// Manager is the Exit Manager.
type Manager struct {
	cfg Config

	db        *storage.Database
	positions *positions.Tracker
	balance   *balance.Manager
	orders    *orders.Manager
	wire      WireOrderbook
}

// New builds a Manager.
func New(cfg Config, db *storage.Database, pos *positions.Tracker, bal *balance.Manager, ord *orders.Manager, wire WireOrderbook) *Manager {
	return &Manager{cfg: cfg.withDefaults(), db: db, positions: pos, balance: bal, orders: ord, wire: wire}
}

// StrategyForPosition picks hold_to_resolution or conditional_exit. Unknown
// age is ALWAYS eligible for exit — the permanent fix for the recurring bug
// where a synced position's hold_start_at was reset to "now" and the
// 7-day hold then blocked a profitable exit forever.
func (m *Manager) StrategyForPosition(pos *storage.Position, now time.Time) string {
	if pos.AgeSource != "actual" {
		log.Debug().Str("position_id", pos.ID).Str("age_source", pos.AgeSource).Msg("unknown age, eligible for exit")
		return StrategyConditionalExit
	}

	holdStart := pos.HoldStartAt
	if holdStart.IsZero() {
		holdStart = pos.EntryTimestamp
	}
	if now.Sub(holdStart) < time.Duration(m.cfg.MinHoldDays)*24*time.Hour {
		return StrategyHoldToResolution
	}
	return StrategyConditionalExit
}

// EvaluateExit is the pure decision function: should this position exit at
// currentPrice, and why.
func (m *Manager) EvaluateExit(pos *storage.Position, currentPrice decimal.Decimal, now time.Time) (bool, string) {
	strategy := m.StrategyForPosition(pos, now)
	if strategy == StrategyHoldToResolution {
		return false, ""
	}
	return m.evaluateConditionalExit(currentPrice)
}

func (m *Manager) evaluateConditionalExit(currentPrice decimal.Decimal) (bool, string) {
	if currentPrice.GreaterThanOrEqual(m.cfg.ProfitTarget) {
		return true, "profit_target"
	}
	if currentPrice.LessThanOrEqual(m.cfg.StopLoss) {
		return true, "stop_loss"
	}
	return false, ""
}

// hasPendingExit reports an in-flight exit: exit_pending set, or exit_status
// in a non-terminal pending state, or an order id recorded with no status
// yet (a claim interrupted between mark-submitted and first reconcile).
func hasPendingExit(pos *storage.Position) bool {
	if pos.ExitPending {
		return true
	}
	if pos.ExitStatus == "pending" || pos.ExitStatus == "timeout" {
		return true
	}
	if pos.ExitOrderID != "" && pos.ExitStatus == "" {
		return true
	}
	return false
}

// VerifyExitLiquidity is the G13 guard: reject an exit into an empty or
// too-wide book, or one that would slip past the configured tolerances. On
// success it returns the best bid as the price the caller must actually use
// — never the originally requested price, which may sit above the book.
func (m *Manager) VerifyExitLiquidity(ctx context.Context, pos *storage.Position, exitPrice decimal.Decimal) (bool, string, *decimal.Decimal) {
	if !m.cfg.VerifyLiquidity {
		return true, "liquidity_check_disabled", &exitPrice
	}
	if m.wire == nil {
		return true, "dry_run", &exitPrice
	}

	ob, err := m.wire.FetchOrderbook(ctx, pos.TokenID)
	if err != nil {
		return false, fmt.Sprintf("g13: could not fetch orderbook: %v", err), nil
	}

	bestBid, ok := ob.BestBid()
	if !ok {
		return false, "g13: no bids in orderbook - market is illiquid", nil
	}

	if bestAsk, ok := ob.BestAsk(); ok && bestAsk.Price.IsPositive() {
		spread := bestAsk.Price.Sub(bestBid.Price)
		spreadPercent := spread.Div(bestAsk.Price)
		if spreadPercent.GreaterThan(m.cfg.MaxSpreadPercent) {
			return false, fmt.Sprintf("g13: spread too wide (%s) - bid=%s ask=%s max=%s",
				spreadPercent, bestBid.Price, bestAsk.Price, m.cfg.MaxSpreadPercent), nil
		}
	}

	minFloor := pos.EntryPrice.Mul(m.cfg.MinExitPriceFloor)
	if bestBid.Price.LessThan(minFloor) {
		return false, fmt.Sprintf("g13: best bid (%s) below minimum floor (%s) - entry was %s",
			bestBid.Price, minFloor, pos.EntryPrice), nil
	}

	if exitPrice.IsPositive() {
		slippage := exitPrice.Sub(bestBid.Price).Div(exitPrice)
		if slippage.GreaterThan(m.cfg.MaxSlippagePercent) {
			return false, fmt.Sprintf("g13: slippage too high (%s) - expected %s best_bid=%s max=%s",
				slippage, exitPrice, bestBid.Price, m.cfg.MaxSlippagePercent), nil
		}
	}

	log.Info().Str("position_id", pos.ID).Str("best_bid", bestBid.Price.String()).Msg("g13: exit liquidity verified")
	return true, "liquidity_verified", &bestBid.Price
}

// ExecuteExit is the full orchestration: reconcile any existing pending
// exit, atomically claim the exit slot, run the G13 guard, submit the SELL
// order, wait for fill, and close the position. Returns (done, orderID, err):
// done is true when the position was closed, and also, when waitForFill is
// false, as soon as the SELL order is submitted, before any fill.
func (m *Manager) ExecuteExit(ctx context.Context, pos *storage.Position, currentPrice decimal.Decimal, reason string, waitForFill bool, fillTimeout time.Duration) (bool, string, error) {
	if hasPendingExit(pos) {
		status, err := m.ReconcilePendingExit(ctx, pos, &currentPrice, reason, fillTimeout)
		if err != nil {
			return false, pos.ExitOrderID, err
		}
		switch status {
		case "pending":
			log.Info().Str("position_id", pos.ID).Str("order_id", pos.ExitOrderID).Msg("exit already pending, skipping new order")
			return false, pos.ExitOrderID, nil
		case "closed":
			return true, pos.ExitOrderID, nil
		}
	}

	claimed, err := m.positions.TryClaimExit(ctx, pos.ID)
	if err != nil {
		return false, "", fmt.Errorf("execute exit: %w", err)
	}
	if !claimed {
		log.Info().Str("position_id", pos.ID).Msg("exit already claimed by another process")
		return false, "", nil
	}

	safe, safetyReason, safePrice := m.VerifyExitLiquidity(ctx, pos, currentPrice)
	if !safe {
		log.Warn().Str("position_id", pos.ID).Str("reason", safetyReason).Msg("g13: exit blocked")
		if err := m.positions.ClearExitPending(ctx, pos.ID, "liquidity_blocked"); err != nil {
			log.Warn().Err(err).Msg("failed to clear exit pending after g13 block")
		}
		return false, "", nil
	}
	actualExitPrice := currentPrice
	if safePrice != nil {
		actualExitPrice = *safePrice
	}

	orderID, err := m.orders.SubmitOrder(ctx, pos.TokenID, pos.ConditionID, market.SideSell, actualExitPrice, pos.Size)
	if err != nil || orderID == "" {
		log.Warn().Err(err).Str("position_id", pos.ID).Msg("exit order failed, position not closed to avoid desync")
		if clearErr := m.positions.ClearExitPending(ctx, pos.ID, "failed"); clearErr != nil {
			log.Warn().Err(clearErr).Msg("failed to clear exit pending after submit failure")
		}
		return false, "", nil
	}

	if err := m.positions.MarkExitSubmitted(ctx, pos.ID, orderID); err != nil {
		log.Warn().Err(err).Msg("failed to mark exit submitted")
	}

	if !waitForFill {
		log.Info().Str("order_id", orderID).Str("position_id", pos.ID).Msg("exit submitted, not waiting for fill")
		return true, orderID, nil
	}

	switch m.waitForOrderFill(ctx, orderID, fillTimeout) {
	case fillOutcomeTimeout:
		log.Warn().Str("order_id", orderID).Str("position_id", pos.ID).Msg("exit order not confirmed within timeout")
		if err := m.positions.ClearExitPending(ctx, pos.ID, "timeout"); err != nil {
			log.Warn().Err(err).Msg("failed to record exit timeout")
		}
		return false, orderID, nil
	case fillOutcomeTerminal:
		log.Warn().Str("order_id", orderID).Str("position_id", pos.ID).Msg("exit order cancelled or failed before fill")
		if err := m.positions.ClearExitPending(ctx, pos.ID, "cancelled"); err != nil {
			log.Warn().Err(err).Msg("failed to clear exit pending after terminal non-fill")
		}
		return false, orderID, nil
	}

	if _, err := m.positions.ClosePosition(ctx, pos.ID, actualExitPrice, reason); err != nil {
		return false, orderID, fmt.Errorf("execute exit: close position: %w", err)
	}
	if _, err := m.balance.RefreshBalance(ctx); err != nil {
		log.Warn().Err(err).Msg("g4 refresh after exit failed")
	}

	log.Info().Str("position_id", pos.ID).Str("price", currentPrice.String()).Str("reason", reason).Msg("exit executed")
	return true, orderID, nil
}

// fillOutcome is the result of polling an exit order while waiting for it
// to fill.
type fillOutcome int

const (
	fillOutcomeFilled fillOutcome = iota
	fillOutcomeTerminal
	fillOutcomeTimeout
)

// waitForOrderFill polls SyncOrderStatus until the order is filled, reaches
// a terminal non-fill state (cancelled/failed), or timeout elapses. A LIVE
// status is not a fill — only a FILLED status or filled_size >= size ends
// the wait successfully.
func (m *Manager) waitForOrderFill(ctx context.Context, orderID string, timeout time.Duration) fillOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		order, err := m.orders.SyncOrderStatus(ctx, orderID)
		if err == nil && order != nil {
			switch market.OrderStatus(order.Status) {
			case market.OrderFilled:
				return fillOutcomeFilled
			case market.OrderCancelled, market.OrderFailed:
				return fillOutcomeTerminal
			}
		}

		select {
		case <-ctx.Done():
			return fillOutcomeTimeout
		case <-ticker.C:
		}
	}
}

// ReconcilePendingExit checks a previously-claimed or submitted exit
// against current state: "pending" (still live, including an in-flight
// claim), "closed" (the exit order filled and the position was closed
// here), "cleared" (pending state reset — terminal/cancelled/stale), "none"
// (nothing to reconcile).
func (m *Manager) ReconcilePendingExit(ctx context.Context, pos *storage.Position, currentPrice *decimal.Decimal, reason string, staleAfter time.Duration) (string, error) {
	if !hasPendingExit(pos) {
		return "none", nil
	}

	if pos.ExitOrderID == "" {
		if pos.ExitStatus == "claiming" {
			if staleAfter > 0 && time.Since(pos.UpdatedAt) > claimingStaleTimeout {
				log.Warn().Str("position_id", pos.ID).Msg("claiming state stuck; clearing for retry")
				if err := m.positions.ClearExitPending(ctx, pos.ID, "stale_claim"); err != nil {
					return "", fmt.Errorf("reconcile pending exit: %w", err)
				}
				return "cleared", nil
			}
			return "pending", nil
		}
		log.Warn().Str("position_id", pos.ID).Msg("exit_pending without order_id; clearing")
		if err := m.positions.ClearExitPending(ctx, pos.ID, "cancelled"); err != nil {
			return "", fmt.Errorf("reconcile pending exit: %w", err)
		}
		return "cleared", nil
	}

	state, err := m.orders.SyncOrderStatus(ctx, pos.ExitOrderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", pos.ExitOrderID).Msg("exit order not found, keeping pending")
		return "pending", nil
	}

	switch market.OrderStatus(state.Status) {
	case market.OrderFilled:
		exitPrice := pos.EntryPrice
		if currentPrice != nil {
			exitPrice = *currentPrice
		}
		if state.AvgFillPrice.IsPositive() {
			exitPrice = state.AvgFillPrice
		}
		exitReason := reason
		if exitReason == "" {
			exitReason = "exit_reconcile"
		}
		if _, err := m.positions.ClosePosition(ctx, pos.ID, exitPrice, exitReason); err != nil {
			return "", fmt.Errorf("reconcile pending exit: close position: %w", err)
		}
		return "closed", nil

	case market.OrderCancelled, market.OrderFailed:
		terminalStatus := "cancelled"
		if market.OrderStatus(state.Status) == market.OrderFailed {
			terminalStatus = "failed"
		}
		log.Warn().Str("order_id", pos.ExitOrderID).Str("status", state.Status).Msg("exit order terminal, clearing pending")
		if err := m.positions.ClearExitPending(ctx, pos.ID, terminalStatus); err != nil {
			return "", fmt.Errorf("reconcile pending exit: %w", err)
		}
		return "cleared", nil
	}

	if staleAfter > 0 && time.Since(pos.UpdatedAt) > staleAfter {
		if _, err := m.orders.CancelOrder(ctx, pos.ExitOrderID); err == nil {
			log.Warn().Str("order_id", pos.ExitOrderID).Msg("cancelled stale exit order")
			if err := m.positions.ClearExitPending(ctx, pos.ID, "cancelled"); err != nil {
				return "", fmt.Errorf("reconcile pending exit: %w", err)
			}
			return "cleared", nil
		}
	}

	return "pending", nil
}

// HandleResolution closes the open position for tokenID at the market's
// resolution price and forces a G4 balance refresh to account for
// settlement proceeds.
func (m *Manager) HandleResolution(ctx context.Context, tokenID string, resolvedPrice decimal.Decimal) (bool, error) {
	pos, ok := m.positions.PositionByToken(tokenID)
	if !ok {
		return false, nil
	}

	reason := "resolution_no"
	if resolvedPrice.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		reason = "resolution_yes"
	}

	if _, err := m.positions.ClosePosition(ctx, pos.ID, resolvedPrice, reason); err != nil {
		return false, fmt.Errorf("handle resolution: %w", err)
	}
	if _, err := m.balance.RefreshBalance(ctx); err != nil {
		log.Warn().Err(err).Msg("g4 refresh after resolution failed")
	}

	log.Info().Str("position_id", pos.ID).Str("reason", reason).Msg("position resolved")
	return true, nil
}

// EvaluateAllPositions runs EvaluateExit against every open position given
// a tokenID -> currentPrice map, returning the positions that should exit.
func (m *Manager) EvaluateAllPositions(currentPrices map[string]decimal.Decimal, now time.Time) []struct {
	Position *storage.Position
	Reason   string
} {
	var out []struct {
		Position *storage.Position
		Reason   string
	}
	for _, pos := range m.positions.OpenPositions() {
		price, ok := currentPrices[pos.TokenID]
		if !ok {
			continue
		}
		if should, reason := m.EvaluateExit(pos, price, now); should {
			out = append(out, struct {
				Position *storage.Position
				Reason   string
			}{pos, reason})
		}
	}
	return out
}
