package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardguard/predictbot/internal/exits"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/positions"
	"github.com/hazardguard/predictbot/internal/storage"
	"github.com/hazardguard/predictbot/internal/strategy"
)

// fakeExchange implements the full Wire union for the facade.
type fakeExchange struct {
	balance   decimal.Decimal
	submitID  string
	submitErr error
	state     market.WireOrderState
	book      market.Orderbook
}

func (f *fakeExchange) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, tokenID string, side market.Side, price, size decimal.Decimal) (string, error) {
	return f.submitID, f.submitErr
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (market.WireOrderState, error) {
	return f.state, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeExchange) FetchOrderbook(ctx context.Context, tokenID string) (market.Orderbook, error) {
	return f.book, nil
}

func newTestService(t *testing.T, wire *fakeExchange) *Service {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	return New(Config{}, db, wire)
}

func seedOpenPosition(t *testing.T, svc *Service, tokenID string, entry float64, size int64, ageSource string) *storage.Position {
	t.Helper()
	pos, err := svc.Positions.RecordFillDelta(context.Background(), positions.FillInput{
		TokenID:     tokenID,
		ConditionID: "cond-1",
		Side:        market.SideBuy,
		FillPrice:   decimal.NewFromFloat(entry),
		AgeSource:   ageSource,
		HoldStartAt: time.Now().UTC(),
	}, decimal.NewFromInt(size))
	require.NoError(t, err)
	require.NotNil(t, pos)
	return pos
}

// S1: a marketable entry that fills on the first sync opens a position at
// the fill price with the reservation gone.
func TestExecuteEntry_ImmediateFillOpensPosition(t *testing.T) {
	wire := &fakeExchange{
		balance:  decimal.NewFromInt(1000),
		submitID: "O1",
		state: market.WireOrderState{
			OrderID: "O1", Status: market.OrderFilled,
			Size: decimal.NewFromInt(20), FilledSize: decimal.NewFromInt(20),
			AvgFillPrice: decimal.NewFromFloat(0.95),
		},
	}
	svc := newTestService(t, wire)

	sig := strategy.Entry("tok-1", strategy.SideBuy, decimal.NewFromFloat(0.95), decimal.NewFromInt(20), "test")
	result := svc.ExecuteEntry(context.Background(), sig, "cond-1")

	require.True(t, result.Success, "err=%v", result.Err)
	assert.Equal(t, "O1", result.OrderID)
	require.NotEmpty(t, result.PositionID)

	pos, ok := svc.Positions.Position(result.PositionID)
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(20)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromFloat(0.95)))
	assert.True(t, pos.EntryCost.Equal(decimal.NewFromInt(19)), "entry cost was %s", pos.EntryCost)
	assert.False(t, svc.Balance.HasReservation("O1"), "terminal fill must release the reservation")
}

func TestExecuteEntry_PriceTooHighClassified(t *testing.T) {
	svc := newTestService(t, &fakeExchange{balance: decimal.NewFromInt(1000), submitID: "O1"})

	sig := strategy.Entry("tok-1", strategy.SideBuy, decimal.NewFromFloat(0.99), decimal.NewFromInt(20), "test")
	result := svc.ExecuteEntry(context.Background(), sig, "cond-1")

	assert.False(t, result.Success)
	assert.Equal(t, ErrPriceTooHigh, result.ErrorType)
}

func TestExecuteEntry_InsufficientBalanceClassified(t *testing.T) {
	svc := newTestService(t, &fakeExchange{balance: decimal.NewFromInt(1), submitID: "O1"})

	sig := strategy.Entry("tok-1", strategy.SideBuy, decimal.NewFromFloat(0.95), decimal.NewFromInt(20), "test")
	result := svc.ExecuteEntry(context.Background(), sig, "cond-1")

	assert.False(t, result.Success)
	assert.Equal(t, ErrInsufficientBalance, result.ErrorType)
}

func TestExecuteEntry_EmptyOrderIDClassifiedAsValidation(t *testing.T) {
	svc := newTestService(t, &fakeExchange{balance: decimal.NewFromInt(1000), submitID: ""})

	sig := strategy.Entry("tok-1", strategy.SideBuy, decimal.NewFromFloat(0.95), decimal.NewFromInt(20), "test")
	result := svc.ExecuteEntry(context.Background(), sig, "cond-1")

	assert.False(t, result.Success)
	assert.Equal(t, ErrValidation, result.ErrorType)
}

// Invariant: syncing the same order repeatedly feeds only the newly-filled
// delta to the tracker, so the final position matches a single sync of the
// final state.
func TestSyncOpenOrders_DeltaOnlyFeedsTracker(t *testing.T) {
	wire := &fakeExchange{balance: decimal.NewFromInt(1000), submitID: "O1"}
	svc := newTestService(t, wire)

	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderLive,
		Size: decimal.NewFromInt(100), FilledSize: decimal.Zero,
	}
	sig := strategy.Entry("tok-1", strategy.SideBuy, decimal.NewFromFloat(0.95), decimal.NewFromInt(100), "test")
	result := svc.ExecuteEntry(context.Background(), sig, "cond-1")
	require.True(t, result.Success)
	require.Empty(t, result.PositionID, "no fill yet, no position yet")

	// Partial fill appears; sync it twice — same wire state both times.
	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderPartial,
		Size: decimal.NewFromInt(100), FilledSize: decimal.NewFromInt(40),
		AvgFillPrice: decimal.NewFromFloat(0.95),
	}
	svc.SyncOpenOrders(context.Background())
	svc.SyncOpenOrders(context.Background())

	pos, ok := svc.Positions.PositionByToken("tok-1")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(40)), "repeated syncs must not double-count; size was %s", pos.Size)

	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderFilled,
		Size: decimal.NewFromInt(100), FilledSize: decimal.NewFromInt(100),
		AvgFillPrice: decimal.NewFromFloat(0.953),
	}
	svc.SyncOpenOrders(context.Background())

	pos, ok = svc.Positions.PositionByToken("tok-1")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(100)), "size was %s", pos.Size)
}

func TestEvaluateExits_UsesExitManagerRules(t *testing.T) {
	wire := &fakeExchange{balance: decimal.NewFromInt(1000), submitID: "O1"}
	svc := newTestService(t, wire)

	pos := seedOpenPosition(t, svc, "tok-1", 0.95, 20, "unknown")

	due := svc.EvaluateExits(map[string]decimal.Decimal{"tok-1": decimal.NewFromFloat(0.995)})
	require.Len(t, due, 1)
	assert.Equal(t, pos.ID, due[0].Position.ID)
	assert.Equal(t, "profit_target", due[0].Reason)

	due = svc.EvaluateExits(map[string]decimal.Decimal{"tok-1": decimal.NewFromFloat(0.93)})
	assert.Empty(t, due)
}

// S5: an orderbook with a token bid far below entry trips the liquidity
// guard; the position stays open and no SELL is submitted.
func TestExecuteExit_LiquidityGuardBlocksThinBook(t *testing.T) {
	wire := &fakeExchange{
		balance:  decimal.NewFromInt(1000),
		submitID: "O-exit",
		book: market.Orderbook{
			TokenID: "tok-1",
			Bids:    []market.Level{{Price: decimal.NewFromFloat(0.001), Size: decimal.NewFromInt(100)}},
			Asks:    []market.Level{{Price: decimal.NewFromFloat(0.999), Size: decimal.NewFromInt(100)}},
		},
	}
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	svc := New(Config{Exit: exits.Config{VerifyLiquidity: true}}, db, wire)

	pos := seedOpenPosition(t, svc, "tok-1", 0.915, 40, "unknown")

	sig := strategy.Exit(pos.ID, "profit_target")
	result := svc.ExecuteExit(context.Background(), sig, pos, decimal.NewFromFloat(0.96))

	assert.False(t, result.Success)
	assert.Equal(t, ErrExit, result.ErrorType)

	blocked, ok := svc.Positions.Position(pos.ID)
	require.True(t, ok)
	assert.Equal(t, "open", blocked.Status)
	assert.Equal(t, "liquidity_blocked", blocked.ExitStatus)
	assert.False(t, blocked.ExitPending)
}

func TestHandleResolution_ClosesPositionAtResolvedPrice(t *testing.T) {
	wire := &fakeExchange{balance: decimal.NewFromInt(1000)}
	svc := newTestService(t, wire)

	pos := seedOpenPosition(t, svc, "tok-1", 0.95, 20, "actual")

	closedAny, err := svc.HandleResolution(context.Background(), "tok-1", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, closedAny)

	closed, ok := svc.Positions.Position(pos.ID)
	require.True(t, ok)
	assert.Equal(t, "closed", closed.Status)
}
