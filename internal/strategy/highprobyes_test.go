package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestHighProbYes_EntersOnAllThresholdsMet(t *testing.T) {
	h := NewHighProbYes()
	score := 0.98
	size := decimal.NewFromInt(60)
	ctx := Context{
		TokenID:      "tok-1",
		TriggerPrice: decimal.NewFromFloat(0.96),
		TradeSize:    &size,
		ModelScore:   &score,
	}

	sig := h.Evaluate(ctx)
	assert.Equal(t, SignalEntry, sig.Type)
	assert.Equal(t, SideBuy, sig.Side)
	assert.True(t, sig.Size.Equal(h.EntrySize))
}

func TestHighProbYes_WatchlistOnMidBandScore(t *testing.T) {
	h := NewHighProbYes()
	score := 0.92
	size := decimal.NewFromInt(60)
	ctx := Context{
		TokenID:      "tok-1",
		TriggerPrice: decimal.NewFromFloat(0.96),
		TradeSize:    &size,
		ModelScore:   &score,
	}

	sig := h.Evaluate(ctx)
	assert.Equal(t, SignalWatchlist, sig.Type)
	assert.Equal(t, score, sig.CurrentScore)
}

func TestHighProbYes_HoldsBelowWatchThreshold(t *testing.T) {
	h := NewHighProbYes()
	score := 0.5
	ctx := Context{ModelScore: &score}

	sig := h.Evaluate(ctx)
	assert.Equal(t, SignalHold, sig.Type)
}

func TestHighProbYes_HoldsWithNoModelScore(t *testing.T) {
	h := NewHighProbYes()
	sig := h.Evaluate(Context{})
	assert.Equal(t, SignalHold, sig.Type)
}

func TestHighProbYes_HighScoreButPriceTooLowHolds(t *testing.T) {
	h := NewHighProbYes()
	score := 0.99
	size := decimal.NewFromInt(60)
	ctx := Context{
		TriggerPrice: decimal.NewFromFloat(0.5), // below EntryPrice
		TradeSize:    &size,
		ModelScore:   &score,
	}

	sig := h.Evaluate(ctx)
	assert.Equal(t, SignalHold, sig.Type, "a score at or above the entry threshold is outside the watch band, so a too-low price holds")
}
