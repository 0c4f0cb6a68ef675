package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/callmarket/pkg/app/core/account"
	"github.com/uhyunpark/callmarket/pkg/app/core/market"
	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
)

func TestObserveRound(t *testing.T) {
	c := New()
	c.ObserveRound(orderbook.Report{
		Round: 1,
		Results: []orderbook.Result{
			{Symbol: "XYZ", Crossed: true, ClearingPrice: decimal.RequireFromString("51.5"), Volume: 40,
				Failures: []orderbook.Failure{{OrderID: "x"}}},
			{Symbol: "ABC"},
		},
	}, 3*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.rounds))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.crossed.WithLabelValues("XYZ")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.crossed.WithLabelValues("ABC")))
	assert.Equal(t, float64(40), testutil.ToFloat64(c.volume.WithLabelValues("XYZ")))
	assert.Equal(t, 51.5, testutil.ToFloat64(c.clearingPrice.WithLabelValues("XYZ")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.settleFailures.WithLabelValues("XYZ")))
}

func TestAdmissionCounters(t *testing.T) {
	c := New()
	c.OrderAdmitted(order.Order{Side: order.Buy, Market: true})
	c.OrderAdmitted(order.Order{Side: order.Sell})
	c.OrderRejected(order.Buy, errors.Wrap(account.ErrInsufficientFunds, "alice"))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.admitted.WithLabelValues("buy", "market")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.admitted.WithLabelValues("sell", "limit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.rejected.WithLabelValues("buy", "insufficient_funds")))
}

func TestReason(t *testing.T) {
	tests := map[string]error{
		"insufficient_position": account.ErrInsufficientPosition,
		"not_owned":             errors.Wrap(account.ErrNotOwned, "x"),
		"duplicate_order":       account.ErrDuplicateOrder,
		"unknown_instrument":    errors.Wrap(market.ErrUnknownInstrument, "NOPE"),
		"halted":                market.ErrInstrumentHalted,
		"other":                 errors.New("boom"),
	}
	for want, err := range tests {
		assert.Equal(t, want, Reason(err))
	}
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObserveRound(orderbook.Report{Round: 1}, time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "callmarket_rounds_total 1")
}
