package strategy

import "github.com/shopspring/decimal"

// HighProbYes enters when the trigger price and model score both clear
// high-confidence thresholds, adds to the watchlist for a
// promising-but-unproven score band, and otherwise holds.
type HighProbYes struct {
	EntryPrice decimal.Decimal // default 0.95
	EntrySize  decimal.Decimal // default 50
	EntryScore float64         // default 0.97
	WatchScore float64         // default 0.90
}

// NewHighProbYes builds a HighProbYes with its default thresholds.
func NewHighProbYes() *HighProbYes {
	return &HighProbYes{
		EntryPrice: decimal.NewFromFloat(0.95),
		EntrySize:  decimal.NewFromInt(50),
		EntryScore: 0.97,
		WatchScore: 0.90,
	}
}

func (h *HighProbYes) Name() string { return "high_prob_yes" }

func (h *HighProbYes) Evaluate(ctx Context) Signal {
	if ctx.ModelScore == nil {
		return Hold("no model score available")
	}
	score := *ctx.ModelScore

	meetsPrice := ctx.TriggerPrice.GreaterThanOrEqual(h.EntryPrice)
	meetsSize := ctx.TradeSize != nil && ctx.TradeSize.GreaterThanOrEqual(h.EntrySize)

	if meetsPrice && meetsSize && score >= h.EntryScore {
		return Entry(ctx.TokenID, SideBuy, ctx.TriggerPrice, h.EntrySize, "high_prob_yes: price/size/score thresholds met")
	}
	if score >= h.WatchScore && score < h.EntryScore {
		return Watchlist(ctx.TokenID, score, "high_prob_yes: promising score below entry threshold")
	}
	return Hold("high_prob_yes: thresholds not met")
}
