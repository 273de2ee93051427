// Package events applies the stale-trade, size-backfill and
// orderbook-divergence hazard filters (G1, G3, G5) to raw wire events,
// producing accepted ProcessedEvents. Counter updates are guarded by a
// mutex; I/O for backfill and divergence checks runs outside the lock.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/market"
)

// PriceVerifier is the subset of the wire adapter the processor needs for
// G5 (orderbook divergence). Declared narrowly so tests can fake it.
type PriceVerifier interface {
	VerifyPrice(ctx context.Context, tokenID string, expected, maxDeviation decimal.Decimal) (ok bool, bestBid decimal.Decimal, reason string, err error)
	FetchTrades(ctx context.Context, tokenID string, maxAge time.Duration) ([]market.Trade, int, error)
}

// Config holds the event processor's tunables.
type Config struct {
	MaxTradeAge          time.Duration // G1, default 300s
	BackfillMissingSize  bool          // G3
	SizeBackfillTimeout  time.Duration // default 5s
	CheckPriceDivergence bool          // G5
	MaxPriceDeviation    decimal.Decimal
	DivergenceTimeout    time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxTradeAge <= 0 {
		c.MaxTradeAge = 300 * time.Second
	}
	if c.SizeBackfillTimeout <= 0 {
		c.SizeBackfillTimeout = 5 * time.Second
	}
	if c.MaxPriceDeviation.IsZero() {
		c.MaxPriceDeviation = decimal.NewFromFloat(0.10)
	}
	if c.DivergenceTimeout <= 0 {
		c.DivergenceTimeout = 5 * time.Second
	}
	return c
}

// ProcessedEvent is the accepted/rejected outcome of running an event
// through the hazard filters.
type ProcessedEvent struct {
	EventType   string
	TokenID     string
	ConditionID string
	Price       decimal.Decimal
	Size        *decimal.Decimal
	ObservedAt  time.Time

	Accepted    bool
	G1Filtered  bool
	G3Backfilled bool
	G5Flagged   bool
	Reason      string
}

// Stats is a snapshot of rolling counters, exposed read-only to Health &
// Metrics (component M).
type Stats struct {
	TotalProcessed int64
	TotalAccepted  int64
	TotalRejected  int64
	G1Filtered     int64
	G3Backfilled   int64
	G3Failed       int64
	G5Flagged      int64
}

// Processor is the Event Processor.
type Processor struct {
	cfg      Config
	verifier PriceVerifier

	mu    sync.Mutex // guards stats only — never held across I/O
	stats Stats
}

// New builds a Processor.
func New(cfg Config, verifier PriceVerifier) *Processor {
	return &Processor{cfg: cfg.withDefaults(), verifier: verifier}
}

// Stats returns a copy of the current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ProcessPriceUpdate runs a streaming PriceUpdate through G3 (size
// backfill) and G5 (divergence flag). PriceUpdates never carry size or a
// staleness check of their own — they are accepted unless a step below
// marks them otherwise; the G1 staleness check only applies to Trades.
func (p *Processor) ProcessPriceUpdate(ctx context.Context, conditionID string, update market.PriceUpdate) ProcessedEvent {
	p.mu.Lock()
	p.stats.TotalProcessed++
	p.mu.Unlock()

	result := ProcessedEvent{
		EventType:   "price_update",
		TokenID:     update.TokenID,
		ConditionID: conditionID,
		Price:       update.Price,
		ObservedAt:  update.ObservedAt,
		Accepted:    true,
	}

	// Phase 2: I/O without holding the stats lock.
	g3ok := false
	if p.cfg.BackfillMissingSize {
		if size, ok := p.backfillSize(ctx, update.TokenID, update.Price); ok {
			result.Size = &size
			result.G3Backfilled = true
			g3ok = true
		}
	}

	g5flagged := false
	if p.cfg.CheckPriceDivergence {
		g5flagged = p.checkDivergence(ctx, update.TokenID, update.Price)
		result.G5Flagged = g5flagged
	}

	p.mu.Lock()
	if g3ok {
		p.stats.G3Backfilled++
	} else if p.cfg.BackfillMissingSize {
		p.stats.G3Failed++
	}
	if g5flagged {
		p.stats.G5Flagged++
	}
	p.stats.TotalAccepted++
	p.mu.Unlock()

	return result
}

// ProcessTrade runs a Trade through G1 (staleness) and, if accepted, G5.
func (p *Processor) ProcessTrade(ctx context.Context, trade market.Trade) ProcessedEvent {
	p.mu.Lock()
	p.stats.TotalProcessed++
	p.mu.Unlock()

	result := ProcessedEvent{
		EventType:   "trade",
		TokenID:     trade.TokenID,
		ConditionID: trade.ConditionID,
		Price:       trade.Price,
		Size:        &trade.Size,
		ObservedAt:  trade.TradedAt,
		Accepted:    true,
	}

	now := time.Now().UTC()
	stale := !trade.Fresh(now, p.cfg.MaxTradeAge)
	if stale {
		result.Accepted = false
		result.G1Filtered = true
		result.Reason = "g1_trade_age"
	}

	g5flagged := false
	if result.Accepted && p.cfg.CheckPriceDivergence {
		g5flagged = p.checkDivergence(ctx, trade.TokenID, trade.Price)
		result.G5Flagged = g5flagged
	}

	p.mu.Lock()
	if stale {
		p.stats.G1Filtered++
		p.stats.TotalRejected++
	} else {
		p.stats.TotalAccepted++
	}
	if g5flagged {
		p.stats.G5Flagged++
	}
	p.mu.Unlock()

	return result
}

// backfillSize implements G3: query for a recent trade within ±0.01 of the
// update price, aged ≤ 60s, bounded by SizeBackfillTimeout. Failure is
// silent — the event still proceeds, just without a size.
func (p *Processor) backfillSize(ctx context.Context, tokenID string, price decimal.Decimal) (decimal.Decimal, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SizeBackfillTimeout)
	defer cancel()

	trades, _, err := p.verifier.FetchTrades(ctx, tokenID, 60*time.Second)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("token", tokenID).Msg("g3: backfill failed")
		return decimal.Zero, false
	}

	tolerance := decimal.NewFromFloat(0.01)
	for _, t := range trades {
		if t.Price.Sub(price).Abs().LessThanOrEqual(tolerance) {
			return t.Size, true
		}
	}
	return decimal.Zero, false
}

// checkDivergence implements G5: flags but never rejects. Timeouts and
// errors are swallowed as "not divergent" — a verification outage must not
// itself become a trading signal.
func (p *Processor) checkDivergence(ctx context.Context, tokenID string, price decimal.Decimal) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DivergenceTimeout)
	defer cancel()

	ok, _, reason, err := p.verifier.VerifyPrice(ctx, tokenID, price, p.cfg.MaxPriceDeviation)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("token", tokenID).Msg("g5: verify failed")
		return false
	}
	if !ok {
		log.Ctx(ctx).Warn().Str("token", tokenID).Str("reason", reason).Msg("g5: price divergence detected")
		return true
	}
	return false
}
