// Package engine is the per-event pipeline that turns a processed wire
// event into a routed strategy signal: filter by type, extract the trigger
// price, check the threshold, dedup the trigger (G2), build a strategy
// context, run the hard filters, dispatch to the strategy, and route the
// resulting signal. A trigger is claimed atomically only once orderbook
// verification (G5) has already passed, and is only released on a
// pre-submit validation error — never on a post-submission failure where an
// order may already be live.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/dedup"
	"github.com/hazardguard/predictbot/internal/events"
	"github.com/hazardguard/predictbot/internal/execution"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/storage"
	"github.com/hazardguard/predictbot/internal/strategy"
	"github.com/hazardguard/predictbot/internal/watchlist"
)

// Rejection is one sampled entry of a signal the pipeline declined to act
// on, surfaced by the dashboard's /api/rejections endpoint so
// an operator can see why a market isn't trading without combing logs.
type Rejection struct {
	TokenID   string
	Filter    string
	Reason    string
	At        time.Time
}

const rejectionBufferSize = 200

// MarketLookup resolves the metadata an engine pipeline pass needs beyond
// what's on the wire event itself (question, category, outcome label).
type MarketLookup interface {
	Lookup(tokenID string) (mkt market.Market, outcome market.Outcome, ok bool)
}

// Config holds the trading engine's tunables.
type Config struct {
	PriceThreshold      decimal.Decimal // default 0.95
	PositionSize        decimal.Decimal // default 20
	MaxPositions        int             // default 50
	DryRun              bool
	VerifyOrderbook     bool // G5
	MaxPriceDeviation   decimal.Decimal
	DefaultTimeToEndHrs float64 // default 720 (30 days), used when a market lookup misses
}

func (c Config) withDefaults() Config {
	if c.PriceThreshold.IsZero() {
		c.PriceThreshold = decimal.NewFromFloat(0.95)
	}
	if c.PositionSize.IsZero() {
		c.PositionSize = decimal.NewFromInt(20)
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 50
	}
	if c.MaxPriceDeviation.IsZero() {
		c.MaxPriceDeviation = decimal.NewFromFloat(0.10)
	}
	if c.DefaultTimeToEndHrs <= 0 {
		c.DefaultTimeToEndHrs = 720
	}
	return c
}

// Stats is a snapshot of rolling pipeline counters, exposed to Health &
// Metrics (component M).
type Stats struct {
	EventsProcessed     int64
	TriggersEvaluated   int64
	EntriesExecuted     int64
	DryRunSignals       int64
	WatchlistAdditions  int64
	FiltersRejected     int64
	OrderbookRejections int64
	Errors              int64
}

// RawEvent is the engine's input shape: a G1/G3/G5-processed wire event
// plus the fields only the wire frame itself carries (question/category as
// a fallback when MarketLookup misses, and end_date for time-to-end).
type RawEvent struct {
	Processed   events.ProcessedEvent
	Question    string
	Category    string
	EndTime     *time.Time
}

// PriceVerifier is the narrow wire dependency for the G5 entry-time check —
// distinct from events.PriceVerifier in that the engine only needs
// VerifyPrice, never FetchTrades.
type PriceVerifier interface {
	VerifyPrice(ctx context.Context, tokenID string, expected, maxDeviation decimal.Decimal) (ok bool, bestBid decimal.Decimal, reason string, err error)
}

// Alerter is the narrow alerting dependency the engine needs: a trade
// notification on successful entry/exit execution, and a manual-review
// escalation when an ambiguous submission failure leaves a trigger held
// against an order that may be live. Optional — a nil Alerter (the zero
// value) makes every alert call a no-op.
type Alerter interface {
	AlertTradeExecuted(ctx context.Context, orderID, tokenID, summary string)
	AlertExecutionError(ctx context.Context, tokenID, summary string)
}

// Engine is the Trading Engine.
type Engine struct {
	cfg Config

	strategies *strategy.Registry
	active     strategy.Strategy
	hardFilters []strategy.HardFilter
	scorer     strategy.Scorer

	dedup     *dedup.Tracker
	exec      *execution.Service
	watchlist *watchlist.Service
	lookup    MarketLookup
	wire      PriceVerifier
	alerter   Alerter

	stats Stats

	rejectMu  sync.Mutex
	rejects   []Rejection
}

// SetAlerter wires an optional trade-execution notifier after construction,
// so main's dependency order (alerting is built after the engine) doesn't
// force a constructor parameter every caller must thread through.
func (e *Engine) SetAlerter(a Alerter) { e.alerter = a }

// New builds an Engine. active must be registered in strategies.
func New(cfg Config, active strategy.Strategy, strategies *strategy.Registry, filters []strategy.HardFilter, scorer strategy.Scorer,
	dedupTracker *dedup.Tracker, exec *execution.Service, watchlistSvc *watchlist.Service, lookup MarketLookup, wire PriceVerifier) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		strategies:  strategies,
		active:      active,
		hardFilters: filters,
		scorer:      scorer,
		dedup:       dedupTracker,
		exec:        exec,
		watchlist:   watchlistSvc,
		lookup:      lookup,
		wire:        wire,
	}
}

// Stats returns a snapshot of the rolling counters.
func (e *Engine) Stats() Stats { return e.stats }

func (e *Engine) recordRejection(tokenID, filter, reason string) {
	e.rejectMu.Lock()
	defer e.rejectMu.Unlock()
	e.rejects = append(e.rejects, Rejection{TokenID: tokenID, Filter: filter, Reason: reason, At: time.Now().UTC()})
	if len(e.rejects) > rejectionBufferSize {
		e.rejects = e.rejects[len(e.rejects)-rejectionBufferSize:]
	}
}

// RecentRejections returns up to limit of the most recently sampled
// rejected signals, newest first.
func (e *Engine) RecentRejections(limit int) []Rejection {
	e.rejectMu.Lock()
	defer e.rejectMu.Unlock()
	n := len(e.rejects)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Rejection, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.rejects[n-1-i]
	}
	return out
}

// ProcessEvent runs the full eight-step pipeline against a single processed
// wire event. Returns the strategy's signal, the Ignore signal of the hard
// filter that rejected the event, or nil if the event was dropped earlier
// (processor rejection, below threshold, duplicate, dedup error).
func (e *Engine) ProcessEvent(ctx context.Context, raw RawEvent) *strategy.Signal {
	e.stats.EventsProcessed++

	if !raw.Processed.Accepted {
		if raw.Processed.Reason != "" {
			e.stats.FiltersRejected++
			e.recordRejection(raw.Processed.TokenID, raw.Processed.Reason, "event rejected by processor")
		}
		return nil
	}

	if !raw.Processed.Price.GreaterThanOrEqual(e.cfg.PriceThreshold) {
		return nil
	}
	e.stats.TriggersEvaluated++

	shouldTrigger, err := e.dedup.ShouldTrigger(ctx, raw.Processed.TokenID, raw.Processed.ConditionID, e.cfg.PriceThreshold)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("engine: dedup check failed")
		e.stats.Errors++
		return nil
	}
	if !shouldTrigger {
		log.Ctx(ctx).Debug().Str("token_id", raw.Processed.TokenID).Msg("duplicate trigger ignored")
		e.stats.FiltersRejected++
		e.recordRejection(raw.Processed.TokenID, "duplicate", "trigger already recorded for condition/threshold")
		return nil
	}

	stratCtx := e.buildContext(ctx, raw)

	if sig := strategy.ApplyHardFilters(e.hardFilters, stratCtx); sig != nil {
		e.stats.FiltersRejected++
		e.recordRejection(stratCtx.TokenID, sig.FilterName, sig.Reason)
		log.Ctx(ctx).Debug().Str("filter", sig.FilterName).Str("reason", sig.Reason).Msg("hard filter rejected")
		return sig
	}

	sig := e.active.Evaluate(stratCtx)
	e.routeSignal(ctx, sig, stratCtx)
	return &sig
}

func (e *Engine) buildContext(ctx context.Context, raw RawEvent) strategy.Context {
	question := raw.Question
	category := raw.Category
	timeToEnd := e.cfg.DefaultTimeToEndHrs
	var outcome string
	var outcomeIdx int

	if e.lookup != nil {
		if mkt, o, ok := e.lookup.Lookup(raw.Processed.TokenID); ok {
			if question == "" {
				question = mkt.Question
			}
			if category == "" {
				category = mkt.Category
			}
			outcome = o.OutcomeLabel
			outcomeIdx = o.OutcomeIndex
			timeToEnd = mkt.TimeToEndHours(time.Now().UTC())
		}
	}
	if raw.EndTime != nil {
		d := raw.EndTime.Sub(time.Now().UTC())
		if d < 0 {
			d = 0
		}
		timeToEnd = d.Hours()
	}

	var modelScore *float64
	if e.scorer != nil {
		if score, _, ok := e.scorer.Score(ctx, raw.Processed.TokenID); ok {
			modelScore = &score
		}
	}

	return strategy.Context{
		ConditionID:     raw.Processed.ConditionID,
		TokenID:         raw.Processed.TokenID,
		Question:        question,
		Category:        category,
		TriggerPrice:    raw.Processed.Price,
		TradeSize:       raw.Processed.Size,
		TimeToEndHours:  timeToEnd,
		TradeAgeSeconds: time.Since(raw.Processed.ObservedAt).Seconds(),
		ModelScore:      modelScore,
		Outcome:         outcome,
		OutcomeIndex:    outcomeIdx,
	}
}

func (e *Engine) routeSignal(ctx context.Context, sig strategy.Signal, stratCtx strategy.Context) {
	switch sig.Type {
	case strategy.SignalEntry:
		e.handleEntry(ctx, sig, stratCtx)
	case strategy.SignalExit:
		e.handleExit(ctx, sig, stratCtx)
	case strategy.SignalWatchlist:
		e.handleWatchlist(ctx, sig, stratCtx)
	case strategy.SignalIgnore:
		e.stats.FiltersRejected++
		e.recordRejection(stratCtx.TokenID, "strategy", sig.Reason)
	}
	// Hold needs no action.
}

// handleEntry verifies orderbook (G5) before atomically claiming the
// trigger (G2). Claiming happens only after verification passes. Once
// claimed, the trigger is removed only on a pre-submit validation failure,
// to allow retry; it stays after a success, a dry run, or any other
// failure, since an order may already be live.
func (e *Engine) handleEntry(ctx context.Context, sig strategy.Signal, stratCtx strategy.Context) {
	if e.cfg.VerifyOrderbook && e.wire != nil {
		ok, _, reason, err := e.wire.VerifyPrice(ctx, stratCtx.TokenID, stratCtx.TriggerPrice, e.cfg.MaxPriceDeviation)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("g5: orderbook verification errored, rejecting entry")
			e.stats.OrderbookRejections++
			e.recordRejection(stratCtx.TokenID, "g5_orderbook", err.Error())
			return
		}
		if !ok {
			log.Ctx(ctx).Warn().Str("token_id", stratCtx.TokenID).Str("reason", reason).Msg("g5: orderbook mismatch, rejecting")
			e.stats.OrderbookRejections++
			e.recordRejection(stratCtx.TokenID, "g5_orderbook", reason)
			return
		}
	}

	// Concurrent-open cap, checked before the trigger claim so a capped-out
	// engine doesn't burn the one claim a condition gets.
	if open := len(e.exec.Positions.OpenPositions()); open >= e.cfg.MaxPositions {
		e.stats.FiltersRejected++
		e.recordRejection(stratCtx.TokenID, "max_positions", fmt.Sprintf("open positions at cap (%d/%d)", open, e.cfg.MaxPositions))
		log.Ctx(ctx).Warn().Int("open", open).Int("max", e.cfg.MaxPositions).Msg("max positions reached, entry rejected")
		return
	}

	won, err := e.dedup.TryRecordAtomic(ctx, stratCtx.TokenID, stratCtx.ConditionID, e.cfg.PriceThreshold, dedup.TriggerInput{
		Price:        stratCtx.TriggerPrice,
		Size:         sig.Size,
		ModelScore:   stratCtx.ModelScore,
		Outcome:      stratCtx.Outcome,
		OutcomeIndex: stratCtx.OutcomeIndex,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("g2: atomic trigger claim failed")
		e.stats.Errors++
		return
	}
	if !won {
		log.Ctx(ctx).Debug().Str("token_id", stratCtx.TokenID).Msg("g2: atomic dedup blocked duplicate")
		return
	}

	if e.cfg.DryRun {
		e.stats.DryRunSignals++
		log.Ctx(ctx).Info().Str("token_id", sig.TokenID).Str("size", sig.Size.String()).
			Str("price", sig.Price.String()).Str("reason", sig.Reason).Msg("dry run: would buy")
		return
	}

	result := e.exec.ExecuteEntry(ctx, sig, stratCtx.ConditionID)
	if !result.Success {
		if result.ErrorType == execution.ErrPriceTooHigh || result.ErrorType == execution.ErrInsufficientBalance || result.ErrorType == execution.ErrValidation {
			if err := e.dedup.Remove(ctx, stratCtx.TokenID, stratCtx.ConditionID, e.cfg.PriceThreshold); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("failed to remove trigger after pre-submit validation failure")
			} else {
				log.Ctx(ctx).Warn().Err(result.Err).Str("token_id", stratCtx.TokenID).Msg("pre-submit validation failed; trigger removed for retry")
			}
		} else {
			log.Ctx(ctx).Error().Err(result.Err).Str("token_id", stratCtx.TokenID).
				Msg("execution error; trigger NOT removed, order may have been placed")
			e.stats.Errors++
			if e.alerter != nil {
				e.alerter.AlertExecutionError(ctx, stratCtx.TokenID,
					fmt.Sprintf("Entry on %s failed after submission may have occurred: %v. Trigger kept; manual review needed.", stratCtx.TokenID, result.Err))
			}
		}
		return
	}

	e.stats.EntriesExecuted++
	log.Ctx(ctx).Info().Str("token_id", stratCtx.TokenID).Str("order_id", result.OrderID).Msg("entry executed")
	if e.alerter != nil {
		e.alerter.AlertTradeExecuted(ctx, result.OrderID, stratCtx.TokenID,
			fmt.Sprintf("Bought %s @ %s on %s", sig.Size.String(), sig.Price.String(), stratCtx.Question))
	}
}

func (e *Engine) handleExit(ctx context.Context, sig strategy.Signal, stratCtx strategy.Context) {
	if e.cfg.DryRun {
		log.Ctx(ctx).Info().Str("position_id", sig.PositionID).Str("reason", sig.Reason).Msg("dry run: would exit position")
		return
	}

	pos, ok := e.exec.Positions.Position(sig.PositionID)
	if !ok {
		log.Ctx(ctx).Warn().Str("position_id", sig.PositionID).Msg("position not found for exit")
		return
	}

	result := e.exec.ExecuteExit(ctx, sig, pos, stratCtx.TriggerPrice)
	if !result.Success {
		log.Ctx(ctx).Error().Err(result.Err).Str("position_id", sig.PositionID).Msg("exit execution failed")
		return
	}
	log.Ctx(ctx).Info().Str("position_id", result.PositionID).Msg("exit executed")
	if e.alerter != nil {
		e.alerter.AlertTradeExecuted(ctx, "", sig.PositionID,
			fmt.Sprintf("Closed position %s @ %s: %s", sig.PositionID, stratCtx.TriggerPrice.String(), sig.Reason))
	}
}

func (e *Engine) handleWatchlist(ctx context.Context, sig strategy.Signal, stratCtx strategy.Context) {
	err := e.watchlist.Add(ctx, watchlist.AddInput{
		TokenID:        sig.TokenID,
		ConditionID:    stratCtx.ConditionID,
		Question:       stratCtx.Question,
		TriggerPrice:   stratCtx.TriggerPrice,
		InitialScore:   decimal.NewFromFloat(sig.CurrentScore),
		TimeToEndHours: stratCtx.TimeToEndHours,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("token_id", sig.TokenID).Msg("failed to add to watchlist")
		return
	}
	e.stats.WatchlistAdditions++
	log.Ctx(ctx).Info().Str("token_id", sig.TokenID).Float64("score", sig.CurrentScore).Msg("added to watchlist")
}

// RescoreWatchlist re-scores every active watchlist entry via the model
// scorer (falling back to the service's time-decay heuristic when no
// scorer is wired) and returns the entries promoted to execution.
func (e *Engine) RescoreWatchlist(ctx context.Context) ([]watchlist.Promotion, error) {
	var rescorer watchlist.Rescorer
	if e.scorer != nil {
		rescorer = func(entry storage.WatchlistEntry) float64 {
			if score, _, ok := e.scorer.Score(ctx, entry.TokenID); ok {
				return score
			}
			current, _ := entry.CurrentScore.Float64()
			return current
		}
	}
	return e.watchlist.RescoreAll(ctx, rescorer)
}
