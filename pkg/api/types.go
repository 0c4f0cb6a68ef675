package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/callmarket/pkg/app/core/account"
	"github.com/uhyunpark/callmarket/pkg/app/core/market"
	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
)

// API request and response types

// ==============================
// Requests
// ==============================

type ListInstrumentRequest struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

type SetStatusRequest struct {
	Status string `json:"status"` // "active" or "halted"
}

type OpenAccountRequest struct {
	Name string          `json:"name"`
	Cash decimal.Decimal `json:"cash"`
}

type SubmitOrderRequest struct {
	Account string          `json:"account"`
	Symbol  string          `json:"symbol"`
	Side    string          `json:"side"` // "buy" or "sell"
	Size    int64           `json:"size"`
	Price   decimal.Decimal `json:"price"` // ignored for market orders
	Market  bool            `json:"market"`
}

type PurchaseRequest struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Volume  int64  `json:"volume"`
}

// ==============================
// Responses
// ==============================

type InstrumentInfo struct {
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	UpdatedAt      int64           `json:"updatedAt"` // Unix milliseconds
}

func instrumentInfo(inst market.Instrument) InstrumentInfo {
	return InstrumentInfo{
		Symbol:         inst.Symbol,
		Name:           inst.Name,
		Status:         inst.Status.String(),
		ReferencePrice: inst.ReferencePrice,
		UpdatedAt:      inst.UpdatedAt.UnixMilli(),
	}
}

// PriceLevel is one consolidated level; Cumulative is size at this price or better
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Market     bool            `json:"market,omitempty"`
	Size       int64           `json:"size"`
	Orders     int             `json:"orders"`
	Cumulative int64           `json:"cumulative"`
}

type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // market level first, then high to low
	Asks      []PriceLevel `json:"asks"` // market level first, then low to high
	Timestamp int64        `json:"timestamp"`
}

func priceLevels(levels []orderbook.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Market: l.Market, Size: l.Size, Orders: l.Orders, Cumulative: l.Cumulative}
	}
	return out
}

type OrderInfo struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Size      int64           `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Market    bool            `json:"market"`
	CreatedAt int64           `json:"createdAt"`
}

func orderInfo(o order.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Account:   o.Owner,
		Symbol:    o.Symbol,
		Side:      o.Side.String(),
		Size:      o.Size,
		Price:     o.Price,
		Market:    o.Market,
		CreatedAt: o.CreatedAt.UnixMilli(),
	}
}

type PositionInfo struct {
	Symbol string          `json:"symbol"`
	Size   int64           `json:"size"`
	Price  decimal.Decimal `json:"price"`
}

type AccountInfo struct {
	Name       string          `json:"name"`
	Cash       decimal.Decimal `json:"cash"`
	Equity     decimal.Decimal `json:"equity"`
	Positions  []PositionInfo  `json:"positions"`
	OpenOrders []OrderInfo     `json:"openOrders"`
}

func accountInfo(v account.View, equity decimal.Decimal) AccountInfo {
	info := AccountInfo{
		Name:       v.Name,
		Cash:       v.Cash,
		Equity:     equity,
		Positions:  make([]PositionInfo, len(v.Positions)),
		OpenOrders: make([]OrderInfo, len(v.OpenOrders)),
	}
	for i, p := range v.Positions {
		info.Positions[i] = PositionInfo{Symbol: p.Symbol, Size: p.Size, Price: p.Price}
	}
	for i, o := range v.OpenOrders {
		info.OpenOrders[i] = orderInfo(o)
	}
	return info
}

type FillInfo struct {
	Round     uint64          `json:"round"`
	OrderID   string          `json:"orderId"`
	Account   string          `json:"account"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Size      int64           `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Market    bool            `json:"market"`
	Residual  int64           `json:"residual"`
	Timestamp int64           `json:"timestamp"`
}

func fillInfos(fills []order.Fill) []FillInfo {
	out := make([]FillInfo, len(fills))
	for i, f := range fills {
		out[i] = FillInfo{
			Round:     f.Round,
			OrderID:   f.OrderID,
			Account:   f.Owner,
			Symbol:    f.Symbol,
			Side:      f.Side.String(),
			Size:      f.Size,
			Price:     f.Price,
			Market:    f.Market,
			Residual:  f.Residual,
			Timestamp: f.Timestamp.UnixMilli(),
		}
	}
	return out
}

type FailureInfo struct {
	OrderID string `json:"orderId"`
	Account string `json:"account"`
	Side    string `json:"side"`
	Reason  string `json:"reason"`
}

type ResultInfo struct {
	Symbol         string          `json:"symbol"`
	Crossed        bool            `json:"crossed"`
	ClearingPrice  decimal.Decimal `json:"clearingPrice"`
	Tradable       int64           `json:"tradable"`
	Volume         int64           `json:"volume"`
	Fills          []FillInfo      `json:"fills"`
	Failures       []FailureInfo   `json:"failures"`
	DirectoryError string          `json:"directoryError,omitempty"`
}

type RoundInfo struct {
	Round     uint64       `json:"round"`
	StartedAt int64        `json:"startedAt"`
	Results   []ResultInfo `json:"results"`
}

func failureInfos(failures []orderbook.Failure) []FailureInfo {
	out := make([]FailureInfo, len(failures))
	for i, f := range failures {
		out[i] = FailureInfo{OrderID: f.OrderID, Account: f.Owner, Side: f.Side.String(), Reason: f.Reason}
	}
	return out
}

func roundInfo(r orderbook.Report) RoundInfo {
	info := RoundInfo{Round: r.Round, StartedAt: r.StartedAt.UnixMilli(), Results: make([]ResultInfo, len(r.Results))}
	for i, res := range r.Results {
		info.Results[i] = ResultInfo{
			Symbol:        res.Symbol,
			Crossed:       res.Crossed,
			ClearingPrice: res.ClearingPrice,
			Tradable:      res.Tradable,
			Volume:        res.Volume,
			Fills:         fillInfos(res.Fills),
			Failures:      failureInfos(res.Failures),
		}
		if res.DirectoryErr != nil {
			info.Results[i].DirectoryError = res.DirectoryErr.Error()
		}
	}
	return info
}

// JournalEntry is a journaled round summary of one instrument
type JournalEntry struct {
	Round          uint64          `json:"round"`
	Symbol         string          `json:"symbol"`
	ClearingPrice  decimal.Decimal `json:"clearingPrice"`
	Tradable       int64           `json:"tradable"`
	Volume         int64           `json:"volume"`
	Fills          int             `json:"fills"`
	Failures       []FailureInfo   `json:"failures"`
	DirectoryError string          `json:"directoryError,omitempty"`
	RecordedAt     int64           `json:"recordedAt"`
}

type StatusInfo struct {
	Round       uint64    `json:"round"`
	Instruments int       `json:"instruments"`
	Accounts    int       `json:"accounts"`
	Execution   string    `json:"execution"`
	Time        time.Time `json:"time"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
