package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
)

func sampleResult(round uint64, symbol string, price int64) orderbook.Result {
	p := decimal.NewFromInt(price)
	return orderbook.Result{
		Round:         round,
		Symbol:        symbol,
		Crossed:       true,
		ClearingPrice: p,
		Tradable:      10,
		Volume:        10,
		Fills: []order.Fill{
			{Round: round, OrderID: "b", Owner: "alice", Symbol: symbol, Side: order.Buy, Size: 10, Price: p},
			{Round: round, OrderID: "s", Owner: "bob", Symbol: symbol, Side: order.Sell, Size: 10, Price: p},
		},
	}
}

func TestJournalInMemory(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC))
	j, err := OpenJournal("", clk, nil)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.RecordResult(sampleResult(1, "XYZ", 50)))
	require.NoError(t, j.RecordResult(sampleResult(2, "XYZ", 52)))
	res := sampleResult(2, "ABC", 11)
	res.DirectoryErr = errors.New("rejected")
	res.Failures = []orderbook.Failure{{OrderID: "x", Owner: "carol", Side: order.Buy, Reason: "no funds"}}
	require.NoError(t, j.RecordResult(res))

	rounds, err := j.RecentRounds(10)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.Equal(t, uint64(2), rounds[0].Round)
	assert.Equal(t, "XYZ", rounds[0].Symbol)
	assert.Equal(t, "ABC", rounds[1].Symbol)
	assert.Equal(t, "rejected", rounds[1].DirectoryError)
	require.Len(t, rounds[1].Failures, 1)
	assert.Equal(t, "carol", rounds[1].Failures[0].Owner)
	assert.Equal(t, uint64(1), rounds[2].Round)
	assert.True(t, rounds[2].ClearingPrice.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 2, rounds[2].Fills)
	assert.True(t, rounds[2].RecordedAt.Equal(clk.Now()))

	limited, err := j.RecentRounds(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	fills, err := j.RecentFills("XYZ", 0)
	require.NoError(t, err)
	require.Len(t, fills, 4)
	assert.Equal(t, uint64(2), fills[0].Round)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(52)))

	alice, err := j.AccountFills("alice", 10)
	require.NoError(t, err)
	require.Len(t, alice, 3)
	for _, f := range alice {
		assert.Equal(t, order.Buy, f.Side)
	}

	none, err := j.RecentFills("NOPE", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir, nil, nil)
	require.NoError(t, err)
	require.NoError(t, j.RecordResult(sampleResult(7, "XYZ", 50)))
	require.NoError(t, j.Close())

	j, err = OpenJournal(dir, nil, nil)
	require.NoError(t, err)
	defer j.Close()

	rounds, err := j.RecentRounds(0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, uint64(7), rounds[0].Round)

	bob, err := j.AccountFills("bob", 0)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, order.Sell, bob[0].Side)
}

func TestJournalNamesSharingAPrefix(t *testing.T) {
	j, err := OpenJournal("", nil, nil)
	require.NoError(t, err)
	defer j.Close()

	p := decimal.NewFromInt(50)
	require.NoError(t, j.RecordResult(orderbook.Result{
		Round: 1, Symbol: "XY:Z", Crossed: true, ClearingPrice: p, Volume: 1,
		Fills: []order.Fill{
			{Round: 1, OrderID: "o1", Owner: "bob:evil", Symbol: "XY:Z", Side: order.Buy, Size: 1, Price: p},
		},
	}))
	require.NoError(t, j.RecordResult(orderbook.Result{
		Round: 2, Symbol: "XY", Crossed: true, ClearingPrice: p, Volume: 1,
		Fills: []order.Fill{
			{Round: 2, OrderID: "o2", Owner: "bob", Symbol: "XY", Side: order.Buy, Size: 1, Price: p},
		},
	}))

	bob, err := j.AccountFills("bob", 0)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "o2", bob[0].OrderID)

	evil, err := j.AccountFills("bob:evil", 0)
	require.NoError(t, err)
	require.Len(t, evil, 1)
	assert.Equal(t, "o1", evil[0].OrderID)

	xy, err := j.RecentFills("XY", 0)
	require.NoError(t, err)
	require.Len(t, xy, 1)
	assert.Equal(t, "XY", xy[0].Symbol)
}
