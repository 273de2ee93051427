package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/hazardguard/predictbot/internal/market"
)

type fakeVerifier struct {
	verifyOK   bool
	verifyBid  decimal.Decimal
	verifyErr  error
	trades     []market.Trade
	tradesErr  error
	tradeCalls int
}

func (f *fakeVerifier) VerifyPrice(ctx context.Context, tokenID string, expected, maxDeviation decimal.Decimal) (bool, decimal.Decimal, string, error) {
	if f.verifyErr != nil {
		return false, decimal.Zero, "", f.verifyErr
	}
	if !f.verifyOK {
		return false, f.verifyBid, "price_deviation", nil
	}
	return true, f.verifyBid, "", nil
}

func (f *fakeVerifier) FetchTrades(ctx context.Context, tokenID string, maxAge time.Duration) ([]market.Trade, int, error) {
	f.tradeCalls++
	if f.tradesErr != nil {
		return nil, 0, f.tradesErr
	}
	return f.trades, 0, nil
}

func TestProcessTrade_G1RejectsStaleTrade(t *testing.T) {
	p := New(Config{MaxTradeAge: 300 * time.Second}, &fakeVerifier{verifyOK: true})

	trade := market.Trade{
		TokenID:  "tok-1",
		Price:    decimal.NewFromFloat(0.97),
		Size:     decimal.NewFromInt(100),
		TradedAt: time.Now().UTC().Add(-400 * time.Second),
	}
	result := p.ProcessTrade(context.Background(), trade)

	assert.False(t, result.Accepted)
	assert.True(t, result.G1Filtered)
	assert.Equal(t, "g1_trade_age", result.Reason)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.G1Filtered)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, int64(0), stats.TotalAccepted)
}

func TestProcessTrade_FreshTradeAccepted(t *testing.T) {
	p := New(Config{MaxTradeAge: 300 * time.Second}, &fakeVerifier{verifyOK: true})

	trade := market.Trade{
		TokenID:  "tok-1",
		Price:    decimal.NewFromFloat(0.97),
		Size:     decimal.NewFromInt(100),
		TradedAt: time.Now().UTC().Add(-10 * time.Second),
	}
	result := p.ProcessTrade(context.Background(), trade)

	assert.True(t, result.Accepted)
	assert.False(t, result.G1Filtered)
	if assert.NotNil(t, result.Size) {
		assert.True(t, result.Size.Equal(decimal.NewFromInt(100)))
	}
}

func TestProcessPriceUpdate_G3BackfillAttachesSize(t *testing.T) {
	v := &fakeVerifier{
		verifyOK: true,
		trades: []market.Trade{
			{Price: decimal.NewFromFloat(0.955), Size: decimal.NewFromInt(75), TradedAt: time.Now().UTC()},
		},
	}
	p := New(Config{BackfillMissingSize: true}, v)

	update := market.PriceUpdate{TokenID: "tok-1", Price: decimal.NewFromFloat(0.96), ObservedAt: time.Now().UTC()}
	result := p.ProcessPriceUpdate(context.Background(), "cond-1", update)

	assert.True(t, result.Accepted)
	assert.True(t, result.G3Backfilled)
	if assert.NotNil(t, result.Size) {
		assert.True(t, result.Size.Equal(decimal.NewFromInt(75)))
	}
	assert.Equal(t, int64(1), p.Stats().G3Backfilled)
}

func TestProcessPriceUpdate_G3NoMatchLeavesSizeNil(t *testing.T) {
	v := &fakeVerifier{
		verifyOK: true,
		trades: []market.Trade{
			// 0.90 vs an update at 0.96 is outside the ±0.01 tolerance
			{Price: decimal.NewFromFloat(0.90), Size: decimal.NewFromInt(75), TradedAt: time.Now().UTC()},
		},
	}
	p := New(Config{BackfillMissingSize: true}, v)

	update := market.PriceUpdate{TokenID: "tok-1", Price: decimal.NewFromFloat(0.96), ObservedAt: time.Now().UTC()}
	result := p.ProcessPriceUpdate(context.Background(), "cond-1", update)

	assert.True(t, result.Accepted)
	assert.False(t, result.G3Backfilled)
	assert.Nil(t, result.Size)
	assert.Equal(t, int64(1), p.Stats().G3Failed)
}

func TestProcessPriceUpdate_G3FetchErrorIsSilent(t *testing.T) {
	v := &fakeVerifier{verifyOK: true, tradesErr: errors.New("api down")}
	p := New(Config{BackfillMissingSize: true}, v)

	update := market.PriceUpdate{TokenID: "tok-1", Price: decimal.NewFromFloat(0.96), ObservedAt: time.Now().UTC()}
	result := p.ProcessPriceUpdate(context.Background(), "cond-1", update)

	assert.True(t, result.Accepted, "a failed backfill must not reject the event")
	assert.Nil(t, result.Size)
}

func TestProcessPriceUpdate_G5FlagsButNeverRejects(t *testing.T) {
	v := &fakeVerifier{verifyOK: false, verifyBid: decimal.NewFromFloat(0.80)}
	p := New(Config{CheckPriceDivergence: true}, v)

	update := market.PriceUpdate{TokenID: "tok-1", Price: decimal.NewFromFloat(0.97), ObservedAt: time.Now().UTC()}
	result := p.ProcessPriceUpdate(context.Background(), "cond-1", update)

	assert.True(t, result.Accepted, "g5 flags, the engine blocks execution")
	assert.True(t, result.G5Flagged)
	assert.Equal(t, int64(1), p.Stats().G5Flagged)
}

func TestProcessPriceUpdate_G5VerifyErrorTreatedAsNotDivergent(t *testing.T) {
	v := &fakeVerifier{verifyErr: errors.New("timeout")}
	p := New(Config{CheckPriceDivergence: true}, v)

	update := market.PriceUpdate{TokenID: "tok-1", Price: decimal.NewFromFloat(0.97), ObservedAt: time.Now().UTC()}
	result := p.ProcessPriceUpdate(context.Background(), "cond-1", update)

	assert.True(t, result.Accepted)
	assert.False(t, result.G5Flagged, "a verification outage must not itself become a signal")
}
