package orderbook

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
)

// Recorder persists crossed round results (the execution journal).
type Recorder interface {
	RecordResult(res Result) error
}

// Observer is told about every finished round.
type Observer interface {
	ObserveRound(report Report, elapsed time.Duration)
}

// Report is the outcome of one matching round over all instruments.
type Report struct {
	Round     uint64    `json:"round"`
	StartedAt time.Time `json:"started_at"`
	Results   []Result  `json:"results"` // one per instrument with bids, by symbol
}

// Crossed returns the results that traded.
func (r Report) Crossed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Crossed {
			out = append(out, res)
		}
	}
	return out
}

// Result is the outcome of one instrument's round.
type Result struct {
	Round  uint64 `json:"round"`
	Symbol string `json:"symbol"`

	Crossed       bool            `json:"crossed"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	Tradable      int64           `json:"tradable"` // min CLFP at the clearing price
	Volume        int64           `json:"volume"`   // shares bought, equal to shares sold

	Fills    []order.Fill `json:"fills"`
	Failures []Failure    `json:"failures,omitempty"`

	// Set when the directory rejected the clearing price.
	DirectoryErr error `json:"-"`
}

// Failure is an order whose settlement failed. The order is evicted from the
// book; fills already settled for its counterparties stand.
type Failure struct {
	OrderID string     `json:"order_id"`
	Owner   string     `json:"owner"`
	Side    order.Side `json:"side"`
	Reason  string     `json:"reason"`
	Err     error      `json:"-"`
}

// RunMatchingRound runs one round over every instrument that has at least one
// bid. Instruments are independent and are matched in parallel, each under its
// own lock. A cancelled ctx stops instruments that have not started yet.
func (b *Book) RunMatchingRound(ctx context.Context) (Report, error) {
	b.roundMu.Lock()
	defer b.roundMu.Unlock()

	start := b.clock.Now()
	round := b.round.Add(1)
	report := Report{Round: round, StartedAt: start}

	var symbols []string
	for _, symbol := range b.Symbols() {
		ib := b.instrument(symbol, false)
		ib.mu.Lock()
		hasBids := len(ib.bids) > 0
		ib.mu.Unlock()
		if hasBids {
			symbols = append(symbols, symbol)
		}
	}

	results := make([]Result, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = b.matchInstrument(round, symbol, b.instrument(symbol, false))
			return nil
		})
	}
	err := g.Wait()

	for _, res := range results {
		if res.Symbol != "" {
			report.Results = append(report.Results, res)
		}
	}

	if b.recorder != nil {
		for _, res := range report.Crossed() {
			if rerr := b.recorder.RecordResult(res); rerr != nil {
				b.log.Error("journal_write_failed", zap.Uint64("round", round), zap.String("symbol", res.Symbol), zap.Error(rerr))
			}
		}
	}

	elapsed := b.clock.Now().Sub(start)
	if b.observer != nil {
		b.observer.ObserveRound(report, elapsed)
	}
	b.log.Info("round_completed",
		zap.Uint64("round", round),
		zap.Int("instruments", len(report.Results)),
		zap.Int("crossed", len(report.Crossed())),
		zap.Duration("elapsed", elapsed))

	return report, err
}

// matchInstrument runs aggregation, discovery, execution and settlement for
// one instrument and swaps in the surviving orders.
func (b *Book) matchInstrument(round uint64, symbol string, ib *instrumentBook) Result {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	res := Result{Round: round, Symbol: symbol}

	bids := sortSide(ib.bids, order.Buy)
	asks := sortSide(ib.asks, order.Sell)

	d, ok := discover(aggregate(bids), aggregate(asks))
	if !ok {
		b.log.Debug("no_crossing", zap.Uint64("round", round), zap.String("symbol", symbol))
		return res
	}
	res.Crossed = true
	res.ClearingPrice = d.price
	res.Tradable = d.tradable

	// Settlement is all or nothing per attempt. Orders that cannot settle are
	// evicted and the remaining orders are paired again, so every share sold
	// has a buyer that paid for it.
	now := b.clock.Now()
	evicted := make(map[string]struct{})
	var bidFilled, askFilled []int64
	for {
		bidFilled, askFilled = b.execute(bids, asks, d.price, evicted)
		fills := append(
			roundFills(round, symbol, d.price, now, bids, bidFilled),
			roundFills(round, symbol, d.price, now, asks, askFilled)...)
		if len(fills) == 0 {
			break
		}
		failed := b.settler.SettleExecutions(fills)
		if len(failed) == 0 {
			res.Fills = fills
			break
		}
		before := len(evicted)
		for _, f := range fills {
			err, ok := failed[f.OrderID]
			if !ok {
				continue
			}
			res.Failures = append(res.Failures, Failure{
				OrderID: f.OrderID, Owner: f.Owner, Side: f.Side, Reason: err.Error(), Err: err,
			})
			evicted[f.OrderID] = struct{}{}
			if r, ok := b.settler.(Releaser); ok {
				r.ReleaseOrder(f.Owner, symbol, f.OrderID)
			}
			b.log.Warn("settlement_failed",
				zap.Uint64("round", round),
				zap.String("symbol", symbol),
				zap.String("order_id", f.OrderID),
				zap.String("account", f.Owner),
				zap.Error(err))
		}
		if len(evicted) == before {
			// failures name no order of this attempt; nothing was applied
			bidFilled, askFilled = make([]int64, len(bids)), make([]int64, len(asks))
			break
		}
	}
	for _, f := range res.Fills {
		if f.Side == order.Buy {
			res.Volume += f.Size
		}
	}

	if res.Volume > 0 {
		if err := b.prices.UpdateReferencePrice(symbol, d.price); err != nil {
			res.DirectoryErr = err
			b.log.Error("reference_price_update_failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	ref, err := b.prices.GetReferencePrice(symbol)
	if err != nil {
		ref = d.price
	}

	ib.bids = residuals(bids, bidFilled, evicted, ref)
	ib.asks = residuals(asks, askFilled, evicted, ref)

	b.log.Info("instrument_crossed",
		zap.Uint64("round", round),
		zap.String("symbol", symbol),
		zap.Stringer("clearing_price", d.price),
		zap.Int64("tradable", d.tradable),
		zap.Int64("volume", res.Volume),
		zap.Int("fills", len(res.Fills)),
		zap.Int("failures", len(res.Failures)))
	return res
}

// execute pairs eligible bids and asks in priority order at price and returns
// the size filled per order, indexed like bids and asks.
func (b *Book) execute(bids, asks []order.Order, price decimal.Decimal, evicted map[string]struct{}) (bidFilled, askFilled []int64) {
	bidFilled = make([]int64, len(bids))
	askFilled = make([]int64, len(asks))

	i, j := 0, 0
	for i < len(bids) && j < len(asks) {
		if !b.eligible(bids[i], price, evicted) {
			i++
			continue
		}
		if !b.eligible(asks[j], price, evicted) {
			j++
			continue
		}
		rb := bids[i].Size - bidFilled[i]
		ra := asks[j].Size - askFilled[j]
		q := min(rb, ra)
		bidFilled[i] += q
		askFilled[j] += q
		if q == rb {
			i++
		}
		if q == ra {
			j++
		}
	}
	return bidFilled, askFilled
}

func (b *Book) eligible(o order.Order, price decimal.Decimal, evicted map[string]struct{}) bool {
	if _, gone := evicted[o.ID]; gone {
		return false
	}
	if o.Market {
		return true
	}
	c := o.Price.Cmp(price)
	if b.cfg.Execution == ExecutionCrossing {
		if o.Side == order.Buy {
			return c >= 0
		}
		return c <= 0
	}
	return c == 0
}

// roundFills builds one fill per order with a non-zero filled size.
func roundFills(round uint64, symbol string, price decimal.Decimal, now time.Time, orders []order.Order, filled []int64) []order.Fill {
	var fills []order.Fill
	for i, o := range orders {
		if filled[i] == 0 {
			continue
		}
		fills = append(fills, order.Fill{
			Round:     round,
			OrderID:   o.ID,
			Owner:     o.Owner,
			Symbol:    symbol,
			Side:      o.Side,
			Size:      filled[i],
			Price:     price,
			Market:    o.Market,
			Residual:  o.Size - filled[i],
			Timestamp: now,
		})
	}
	return fills
}

// residuals returns the orders that stay in the book with their remaining
// size. Market orders keep their flag and take ref as their indicative price.
func residuals(orders []order.Order, filled []int64, evicted map[string]struct{}, ref decimal.Decimal) []order.Order {
	out := make([]order.Order, 0, len(orders))
	for i, o := range orders {
		if _, gone := evicted[o.ID]; gone {
			continue
		}
		o.Size -= filled[i]
		if o.Size == 0 {
			continue
		}
		if o.Market {
			o.Price = ref
		}
		out = append(out, o)
	}
	return out
}
