package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardguard/predictbot/internal/balance"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/storage"
)

type fakeBalanceWire struct {
	balance decimal.Decimal
	fetches int
}

func (f *fakeBalanceWire) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	f.fetches++
	return f.balance, nil
}

type fakeOrderWire struct {
	submitID  string
	submitErr error
	state     market.WireOrderState
	getErr    error
	cancelOK  bool
}

func (f *fakeOrderWire) SubmitOrder(ctx context.Context, tokenID string, side market.Side, price, size decimal.Decimal) (string, error) {
	return f.submitID, f.submitErr
}

func (f *fakeOrderWire) GetOrder(ctx context.Context, orderID string) (market.WireOrderState, error) {
	if f.getErr != nil {
		return market.WireOrderState{}, f.getErr
	}
	return f.state, nil
}

func (f *fakeOrderWire) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return f.cancelOK, nil
}

func newTestManager(t *testing.T, wire *fakeOrderWire, balWire *fakeBalanceWire) (*Manager, *balance.Manager) {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	bal := balance.New(balance.Config{MinReserve: decimal.NewFromInt(0)}, balWire)
	return New(Config{MaxPrice: decimal.NewFromFloat(0.98)}, wire, db, bal), bal
}

func TestSubmitOrder_BuyAboveMaxPriceFailsPreSubmit(t *testing.T) {
	m, bal := newTestManager(t, &fakeOrderWire{submitID: "O1"}, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.99), decimal.NewFromInt(20))

	var tooHigh *PriceTooHighError
	require.ErrorAs(t, err, &tooHigh)
	assert.Empty(t, bal.ActiveReservations(), "nothing should be reserved for a rejected submit")
}

func TestSubmitOrder_SellAboveMaxPriceAllowed(t *testing.T) {
	m, _ := newTestManager(t, &fakeOrderWire{submitID: "O1"}, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	id, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideSell,
		decimal.NewFromFloat(0.99), decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, "O1", id)
}

func TestSubmitOrder_InsufficientBalancePropagates(t *testing.T) {
	m, _ := newTestManager(t, &fakeOrderWire{submitID: "O1"}, &fakeBalanceWire{balance: decimal.NewFromInt(5)})

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))

	var insufficient *balance.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
}

func TestSubmitOrder_EmptyOrderIDReleasesReservation(t *testing.T) {
	m, bal := newTestManager(t, &fakeOrderWire{submitID: ""}, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))

	var submission *SubmissionError
	require.ErrorAs(t, err, &submission)
	assert.Empty(t, bal.ActiveReservations())
}

func TestSubmitOrder_WireErrorReleasesReservation(t *testing.T) {
	m, bal := newTestManager(t, &fakeOrderWire{submitErr: errors.New("boom")}, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))
	require.Error(t, err)
	assert.Empty(t, bal.ActiveReservations())
}

func TestSubmitOrder_ReservationKeyedByRealOrderID(t *testing.T) {
	m, bal := newTestManager(t, &fakeOrderWire{submitID: "O1"}, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	id, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, "O1", id)

	assert.True(t, bal.HasReservation("O1"))
	reservations := bal.ActiveReservations()
	require.Len(t, reservations, 1)
	assert.True(t, reservations[0].Amount.Equal(decimal.NewFromInt(19)))
}

func TestSyncOrderStatus_TerminalReleasesReservationAndRefreshes(t *testing.T) {
	wire := &fakeOrderWire{submitID: "O1"}
	balWire := &fakeBalanceWire{balance: decimal.NewFromInt(1000)}
	m, bal := newTestManager(t, wire, balWire)

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))
	require.NoError(t, err)

	fetchesBefore := balWire.fetches
	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderFilled,
		Size: decimal.NewFromInt(20), FilledSize: decimal.NewFromInt(20),
		AvgFillPrice: decimal.NewFromFloat(0.95),
	}
	order, err := m.SyncOrderStatus(context.Background(), "O1")
	require.NoError(t, err)

	assert.Equal(t, string(market.OrderFilled), order.Status)
	assert.False(t, bal.HasReservation("O1"))
	assert.Greater(t, balWire.fetches, fetchesBefore, "g4: terminal transition must force a balance refresh")
}

// The S6 shape: BUY 100 @ 0.95, partially fills 40 @ 0.95, then completes
// at a 0.953 average. The reservation shrinks by the filled cost on the
// partial and disappears at FILLED.
func TestSyncOrderStatus_PartialFillAdjustsReservation(t *testing.T) {
	wire := &fakeOrderWire{submitID: "O1"}
	balWire := &fakeBalanceWire{balance: decimal.NewFromInt(1000)}
	m, bal := newTestManager(t, wire, balWire)

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(100))
	require.NoError(t, err)

	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderPartial,
		Size: decimal.NewFromInt(100), FilledSize: decimal.NewFromInt(40),
		AvgFillPrice: decimal.NewFromFloat(0.95),
	}
	order, err := m.SyncOrderStatus(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, string(market.OrderPartial), order.Status)

	reservations := bal.ActiveReservations()
	require.Len(t, reservations, 1)
	// 95 reserved − 40·0.95 filled = 57 still held
	assert.True(t, reservations[0].Amount.Equal(decimal.NewFromInt(57)), "reservation was %s", reservations[0].Amount)

	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderFilled,
		Size: decimal.NewFromInt(100), FilledSize: decimal.NewFromInt(100),
		AvgFillPrice: decimal.NewFromFloat(0.953),
	}
	order, err = m.SyncOrderStatus(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, string(market.OrderFilled), order.Status)
	assert.True(t, order.FilledSize.Equal(decimal.NewFromInt(100)))
	assert.False(t, bal.HasReservation("O1"))
}

// Repeating the same PARTIAL sync must not shrink the reservation twice.
func TestSyncOrderStatus_RepeatedPartialSyncIsIdempotent(t *testing.T) {
	wire := &fakeOrderWire{submitID: "O1"}
	m, bal := newTestManager(t, wire, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(100))
	require.NoError(t, err)

	wire.state = market.WireOrderState{
		OrderID: "O1", Status: market.OrderPartial,
		Size: decimal.NewFromInt(100), FilledSize: decimal.NewFromInt(40),
		AvgFillPrice: decimal.NewFromFloat(0.95),
	}
	for i := 0; i < 3; i++ {
		_, err = m.SyncOrderStatus(context.Background(), "O1")
		require.NoError(t, err)
	}

	reservations := bal.ActiveReservations()
	require.Len(t, reservations, 1)
	assert.True(t, reservations[0].Amount.Equal(decimal.NewFromInt(57)), "reservation was %s", reservations[0].Amount)
}

func TestCancelOrder_ReleasesReservation(t *testing.T) {
	wire := &fakeOrderWire{submitID: "O1", cancelOK: true}
	m, bal := newTestManager(t, wire, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})

	_, err := m.SubmitOrder(context.Background(), "tok-1", "cond-1", market.SideBuy,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))
	require.NoError(t, err)

	ok, err := m.CancelOrder(context.Background(), "O1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, bal.HasReservation("O1"))

	order, known := m.GetOrder("O1")
	require.True(t, known)
	assert.Equal(t, string(market.OrderCancelled), order.Status)
}

func TestLoadOrders_RestoresReservationForUnfilledBuyPortion(t *testing.T) {
	db, err := storage.New(":memory:")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, db.SaveOrder(&storage.Order{
		OrderID: "O1", TokenID: "tok-1", Side: string(market.SideBuy),
		Price: decimal.NewFromFloat(0.95), Size: decimal.NewFromInt(100),
		FilledSize: decimal.NewFromInt(40), Status: string(market.OrderPartial),
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.SaveOrder(&storage.Order{
		OrderID: "O2", TokenID: "tok-2", Side: string(market.SideBuy),
		Price: decimal.NewFromFloat(0.9), Size: decimal.NewFromInt(10),
		Status: string(market.OrderFilled), CreatedAt: now, UpdatedAt: now,
	}))

	bal := balance.New(balance.Config{MinReserve: decimal.NewFromInt(0)}, &fakeBalanceWire{balance: decimal.NewFromInt(1000)})
	m := New(Config{}, &fakeOrderWire{}, db, bal)

	count, err := m.LoadOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only non-terminal orders load")

	reservations := bal.ActiveReservations()
	require.Len(t, reservations, 1)
	// unfilled 60 shares at 0.95 = 57
	assert.True(t, reservations[0].Amount.Equal(decimal.NewFromInt(57)), "reservation was %s", reservations[0].Amount)
}
