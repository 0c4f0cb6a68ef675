package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/callmarket/params"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/callmarket/pkg/app/exchange"
	"github.com/uhyunpark/callmarket/pkg/metrics"
	"github.com/uhyunpark/callmarket/pkg/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC))
	journal, err := storage.OpenJournal("", clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	ex := exchange.New(orderbook.DefaultConfig(),
		exchange.WithClock(clk),
		exchange.WithJournal(journal),
		exchange.WithMetrics(metrics.New()))
	require.NoError(t, ex.Bootstrap(params.Bootstrap{
		Instruments: []params.InstrumentSpec{{Symbol: "XYZ", Name: "XYZ Corp", Price: decimal.NewFromInt(50)}},
		Accounts: []params.AccountSpec{
			{Name: "A", Cash: decimal.NewFromInt(10_000)},
			{Name: "B", Cash: decimal.Zero, Holdings: map[string]int64{"XYZ": 100}},
		},
	}))

	srv := httptest.NewServer(NewServer(ex, []string{"http://localhost:3000"}, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var status StatusInfo
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/status", nil, &status))
	assert.Equal(t, 1, status.Instruments)
	assert.Equal(t, 2, status.Accounts)
	assert.Equal(t, "exact", status.Execution)
}

func TestTradingFlow(t *testing.T) {
	srv := newTestServer(t)

	var placed OrderInfo
	code := do(t, srv, "POST", "/api/v1/orders",
		SubmitOrderRequest{Account: "A", Symbol: "XYZ", Side: "buy", Size: 100, Price: decimal.NewFromInt(50)}, &placed)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, placed.ID)

	code = do(t, srv, "POST", "/api/v1/orders",
		SubmitOrderRequest{Account: "B", Symbol: "XYZ", Side: "SELL", Size: 40, Price: decimal.NewFromInt(50)}, nil)
	require.Equal(t, http.StatusCreated, code)

	var book OrderbookSnapshot
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/instruments/XYZ/orderbook", nil, &book))
	require.Len(t, book.Bids, 1)
	assert.Equal(t, int64(100), book.Bids[0].Size)

	var round RoundInfo
	require.Equal(t, http.StatusOK, do(t, srv, "POST", "/api/v1/rounds", nil, &round))
	require.Len(t, round.Results, 1)
	assert.True(t, round.Results[0].Crossed)
	assert.Equal(t, int64(40), round.Results[0].Volume)

	var acc AccountInfo
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/accounts/A", nil, &acc))
	assert.True(t, acc.Cash.Equal(decimal.NewFromInt(8000)))
	require.Len(t, acc.OpenOrders, 1)
	assert.Equal(t, int64(60), acc.OpenOrders[0].Size)
	assert.True(t, acc.Equity.Equal(decimal.NewFromInt(10_000)))

	var fills []FillInfo
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/instruments/XYZ/executions", nil, &fills))
	assert.Len(t, fills, 2)

	var accountFills []FillInfo
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/accounts/B/fills?limit=5", nil, &accountFills))
	require.Len(t, accountFills, 1)
	assert.Equal(t, "sell", accountFills[0].Side)

	var journal []JournalEntry
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/rounds", nil, &journal))
	require.Len(t, journal, 1)
	assert.True(t, journal[0].ClearingPrice.Equal(decimal.NewFromInt(50)))

	var last RoundInfo
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/rounds/last", nil, &last))
	assert.Equal(t, round.Round, last.Round)
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown account", "GET", "/api/v1/accounts/nobody", nil, http.StatusNotFound},
		{"unknown instrument", "GET", "/api/v1/instruments/NOPE", nil, http.StatusNotFound},
		{"unknown orderbook", "GET", "/api/v1/instruments/NOPE/orderbook", nil, http.StatusNotFound},
		{"duplicate account", "POST", "/api/v1/accounts", OpenAccountRequest{Name: "A", Cash: decimal.NewFromInt(1)}, http.StatusConflict},
		{"insufficient funds", "POST", "/api/v1/orders",
			SubmitOrderRequest{Account: "A", Symbol: "XYZ", Side: "buy", Size: 1000, Price: decimal.NewFromInt(50)}, http.StatusUnprocessableEntity},
		{"not owned", "POST", "/api/v1/orders",
			SubmitOrderRequest{Account: "A", Symbol: "XYZ", Side: "sell", Size: 1, Price: decimal.NewFromInt(50)}, http.StatusUnprocessableEntity},
		{"bad side", "POST", "/api/v1/orders",
			SubmitOrderRequest{Account: "A", Symbol: "XYZ", Side: "hold", Size: 1, Price: decimal.NewFromInt(50)}, http.StatusBadRequest},
		{"zero size", "POST", "/api/v1/orders",
			SubmitOrderRequest{Account: "A", Symbol: "XYZ", Side: "buy", Size: 0, Price: decimal.NewFromInt(50)}, http.StatusBadRequest},
		{"bad status", "POST", "/api/v1/instruments/XYZ/status", SetStatusRequest{Status: "paused"}, http.StatusBadRequest},
		{"purchase unknown instrument", "POST", "/api/v1/purchases", PurchaseRequest{Account: "A", Symbol: "NOPE", Volume: 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, tt.want, do(t, srv, tt.method, tt.path, tt.body, &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestInstrumentLifecycle(t *testing.T) {
	srv := newTestServer(t)

	var inst InstrumentInfo
	require.Equal(t, http.StatusCreated, do(t, srv, "POST", "/api/v1/instruments",
		ListInstrumentRequest{Symbol: "NEW", Name: "New Co", Price: decimal.RequireFromString("12.5")}, &inst))
	assert.Equal(t, "Active", inst.Status)

	require.Equal(t, http.StatusOK, do(t, srv, "POST", "/api/v1/instruments/NEW/status", SetStatusRequest{Status: "halted"}, &inst))
	assert.Equal(t, "Halted", inst.Status)

	code := do(t, srv, "POST", "/api/v1/orders",
		SubmitOrderRequest{Account: "A", Symbol: "NEW", Side: "buy", Size: 1, Price: decimal.NewFromInt(12)}, nil)
	assert.Equal(t, http.StatusConflict, code)

	var list []InstrumentInfo
	require.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/instruments", nil, &list))
	assert.Len(t, list, 2)

	var acc AccountInfo
	require.Equal(t, http.StatusOK, do(t, srv, "POST", "/api/v1/purchases", PurchaseRequest{Account: "A", Symbol: "XYZ", Volume: 2}, &acc))
	require.Len(t, acc.Positions, 1)
	assert.Equal(t, int64(2), acc.Positions[0].Size)

	require.Equal(t, http.StatusCreated, do(t, srv, "POST", "/api/v1/accounts", OpenAccountRequest{Name: "C", Cash: decimal.NewFromInt(5)}, &acc))
	assert.Equal(t, "C", acc.Name)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, "POST", "/api/v1/rounds", nil, nil)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
