package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWire struct {
	balance decimal.Decimal
	err     error
	calls   int
}

func (f *fakeWire) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balance, nil
}

func TestTradeableBalance_DeductsMinReserve(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	tradeable := m.TradeableBalance(context.Background())
	assert.True(t, tradeable.Equal(decimal.NewFromInt(400)))
}

func TestTradeableBalance_FlooredAtZero(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(50)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	tradeable := m.TradeableBalance(context.Background())
	assert.True(t, tradeable.IsZero())
}

func TestReserve_RejectsOverTradeable(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(150)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	err := m.Reserve(context.Background(), decimal.NewFromInt(60), "order-1")
	var insufficient *InsufficientBalanceError
	assert.ErrorAs(t, err, &insufficient)
}

func TestReserve_DeductsFromSubsequentAvailable(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	require.NoError(t, m.Reserve(context.Background(), decimal.NewFromInt(200), "order-1"))

	available := m.AvailableBalance(context.Background())
	assert.True(t, available.Equal(decimal.NewFromInt(300)))
}

func TestReleaseReservation_FreesBalance(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	require.NoError(t, m.Reserve(context.Background(), decimal.NewFromInt(200), "order-1"))
	m.ReleaseReservation("order-1")

	assert.False(t, m.HasReservation("order-1"))
	available := m.AvailableBalance(context.Background())
	assert.True(t, available.Equal(decimal.NewFromInt(500)))
}

func TestAdjustForPartialFill_ReducesRemaining(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	require.NoError(t, m.Reserve(context.Background(), decimal.NewFromInt(200), "order-1"))
	m.AdjustForPartialFill("order-1", decimal.NewFromInt(50))

	reservations := m.ActiveReservations()
	require.Len(t, reservations, 1)
	assert.True(t, reservations[0].Amount.Equal(decimal.NewFromInt(150)))
}

func TestAdjustForPartialFill_FullFillReleases(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	require.NoError(t, m.Reserve(context.Background(), decimal.NewFromInt(200), "order-1"))
	m.AdjustForPartialFill("order-1", decimal.NewFromInt(200))

	assert.False(t, m.HasReservation("order-1"))
}

func TestClearStaleReservations(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	m.mu.Lock()
	m.reservations["stale"] = Reservation{OrderID: "stale", Amount: decimal.NewFromInt(10), CreatedAt: time.Now().Add(-time.Hour)}
	m.reservations["fresh"] = Reservation{OrderID: "fresh", Amount: decimal.NewFromInt(10), CreatedAt: time.Now()}
	m.mu.Unlock()

	cleared := m.ClearStaleReservations(time.Minute)
	assert.Equal(t, 1, cleared)
	assert.False(t, m.HasReservation("stale"))
	assert.True(t, m.HasReservation("fresh"))
}

func TestCachedOrFetch_ServesStaleCacheOnFetchError(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(500)}
	m := New(Config{CacheTTL: time.Hour}, w)

	_ = m.TotalBalance(context.Background()) // primes the cache
	w.err = errors.New("wire down")

	total := m.TotalBalance(context.Background())
	assert.True(t, total.Equal(decimal.NewFromInt(500)), "a fetch error should serve the last good cached value")
}

func TestRefreshBalance_InvalidatesCache(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(100)}
	m := New(Config{CacheTTL: time.Hour}, w)

	_ = m.TotalBalance(context.Background())
	w.balance = decimal.NewFromInt(200)

	cached := m.TotalBalance(context.Background())
	assert.True(t, cached.Equal(decimal.NewFromInt(100)), "cache should still serve the old value before refresh")

	refreshed, err := m.RefreshBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed.Equal(decimal.NewFromInt(200)))
}

func TestLowBalance(t *testing.T) {
	w := &fakeWire{balance: decimal.NewFromInt(80)}
	m := New(Config{MinReserve: decimal.NewFromInt(100)}, w)

	low, available, floor := m.LowBalance(context.Background())
	assert.True(t, low)
	assert.True(t, available.Equal(decimal.NewFromInt(80)))
	assert.True(t, floor.Equal(decimal.NewFromInt(100)))

	w.balance = decimal.NewFromInt(500)
	_, err := m.RefreshBalance(context.Background())
	require.NoError(t, err)

	low, _, _ = m.LowBalance(context.Background())
	assert.False(t, low)
}
