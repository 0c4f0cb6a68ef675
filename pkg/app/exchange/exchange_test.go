package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/callmarket/params"
	"github.com/uhyunpark/callmarket/pkg/app/core/account"
	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/callmarket/pkg/metrics"
	"github.com/uhyunpark/callmarket/pkg/storage"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func testBootstrap() params.Bootstrap {
	return params.Bootstrap{
		Instruments: []params.InstrumentSpec{
			{Symbol: "XYZ", Name: "XYZ Corp", Price: dec(50)},
			{Symbol: "ABC", Name: "ABC Inc", Price: dec(10)},
		},
		Accounts: []params.AccountSpec{
			{Name: "A", Cash: dec(10_000)},
			{Name: "B", Cash: dec(0), Holdings: map[string]int64{"XYZ": 100, "ABC": 50}},
		},
	}
}

func newTestExchange(t *testing.T) (*Exchange, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC))
	journal, err := storage.OpenJournal("", clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	ex := New(orderbook.DefaultConfig(),
		WithClock(clk),
		WithJournal(journal),
		WithMetrics(metrics.New()))
	require.NoError(t, ex.Bootstrap(testBootstrap()))
	return ex, clk
}

func TestBootstrap(t *testing.T) {
	ex, _ := newTestExchange(t)

	assert.Equal(t, 2, ex.Directory().Count())
	assert.Equal(t, []string{"A", "B"}, ex.Accounts().List())

	b, err := ex.Accounts().Snapshot("B")
	require.NoError(t, err)
	assert.True(t, b.Cash.IsZero(), "holdings are paid from the opening cash")
	pos, ok := b.Position("XYZ")
	require.True(t, ok)
	assert.Equal(t, int64(100), pos.Size)

	err = ex.Bootstrap(params.Bootstrap{Instruments: []params.InstrumentSpec{{Symbol: "XYZ", Price: dec(1)}}})
	assert.Error(t, err)
}

func TestExchangeRoundEndToEnd(t *testing.T) {
	ex, _ := newTestExchange(t)

	_, err := ex.PlaceOrder("A", order.Request{Symbol: "XYZ", Side: order.Buy, Size: 100, Price: dec(50)})
	require.NoError(t, err)
	_, err = ex.PlaceOrder("B", order.Request{Symbol: "XYZ", Side: order.Sell, Size: 100, Price: dec(50)})
	require.NoError(t, err)
	_, err = ex.PlaceOrder("B", order.Request{Symbol: "XYZ", Side: order.Sell, Size: 1, Price: dec(50)})
	assert.ErrorIs(t, err, account.ErrDuplicateOrder)

	report, err := ex.RunRound(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Crossed(), 1)
	assert.Equal(t, report.Round, ex.LastReport().Round)

	a, err := ex.Accounts().Snapshot("A")
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(dec(5000)))

	rounds, err := ex.Journal().RecentRounds(10)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, int64(100), rounds[0].Volume)

	fills, err := ex.Journal().AccountFills("B", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, order.Sell, fills[0].Side)

	n, err := testutil.GatherAndCount(ex.Metrics().Registry(), "callmarket_rounds_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunTriggersRounds(t *testing.T) {
	ex, clk := newTestExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx, time.Second) }()

	for round := uint64(1); round <= 2; round++ {
		require.Eventually(t, func() bool {
			clk.Add(time.Second)
			return ex.Book().Round() >= round
		}, time.Second, 5*time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunDisabled(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, ex.Run(ctx, 0))
	assert.Equal(t, uint64(0), ex.Book().Round())
}

func TestOrderGenerator(t *testing.T) {
	ex, _ := newTestExchange(t)
	gen := NewOrderGenerator(ex, FeederConfig{Spread: 0.05, MaxSize: 10, Seed: 42})

	for i := 0; i < 200; i++ {
		owner, req, ok := gen.Next()
		require.True(t, ok)
		assert.Contains(t, []string{"A", "B"}, owner)
		assert.Contains(t, []string{"XYZ", "ABC"}, req.Symbol)
		assert.Positive(t, req.Size)
		if req.Market {
			continue
		}
		ref, err := ex.Directory().GetReferencePrice(req.Symbol)
		require.NoError(t, err)
		lo := ref.Mul(decimal.RequireFromString("0.94"))
		hi := ref.Mul(decimal.RequireFromString("1.06"))
		assert.True(t, req.Price.GreaterThanOrEqual(lo) && req.Price.LessThanOrEqual(hi), "price %s", req.Price)
	}

	empty := New(orderbook.DefaultConfig())
	_, _, ok := NewOrderGenerator(empty, DefaultFeederConfig()).Next()
	assert.False(t, ok)
}

func TestFeederPlacesOrders(t *testing.T) {
	ex, clk := newTestExchange(t)
	stop := StartFeeder(context.Background(), ex, FeederConfig{
		Interval: 100 * time.Millisecond, BatchSize: 20, Spread: 0.01, MaxSize: 5, Seed: 7,
	})
	defer stop()

	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		return ex.Book().Len("XYZ")+ex.Book().Len("ABC") > 0
	}, time.Second, 5*time.Millisecond)
}
