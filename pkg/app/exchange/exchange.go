package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/params"
	"github.com/uhyunpark/callmarket/pkg/app/core/account"
	"github.com/uhyunpark/callmarket/pkg/app/core/market"
	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/callmarket/pkg/metrics"
	"github.com/uhyunpark/callmarket/pkg/storage"
	"github.com/uhyunpark/callmarket/pkg/util"
)

// Exchange wires the instrument directory, the accounts and the order book
// into one venue and drives its matching rounds.
type Exchange struct {
	directory *market.Directory
	accounts  *account.Manager
	book      *orderbook.Book

	journal *storage.Journal
	metrics *metrics.Collector

	mu   sync.RWMutex
	last orderbook.Report

	clock util.Clock
	log   *zap.Logger
}

type Option func(*Exchange)

// WithJournal records every crossed round in j.
func WithJournal(j *storage.Journal) Option {
	return func(e *Exchange) { e.journal = j }
}

// WithMetrics reports rounds and admissions to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Exchange) { e.metrics = c }
}

func WithClock(c util.Clock) Option {
	return func(e *Exchange) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Exchange) { e.log = l }
}

func New(cfg orderbook.Config, opts ...Option) *Exchange {
	e := &Exchange{clock: util.SystemClock()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = util.OrNop(e.log)

	e.directory = market.NewDirectory(e.clock, e.log.Named("market"))
	e.book = orderbook.New(cfg, nil, e.directory, e.clock, e.log.Named("orderbook"))
	e.accounts = account.NewManager(e.directory, e.book, e.clock, e.log.Named("account"))
	e.book.SetSettler(e.accounts)

	if e.journal != nil {
		e.book.SetRecorder(e.journal)
	}
	if e.metrics != nil {
		e.book.SetObserver(e.metrics)
		e.accounts.SetObserver(e.metrics)
	}
	return e
}

func (e *Exchange) Directory() *market.Directory { return e.directory }
func (e *Exchange) Accounts() *account.Manager   { return e.accounts }
func (e *Exchange) Book() *orderbook.Book        { return e.book }
func (e *Exchange) Journal() *storage.Journal    { return e.journal }
func (e *Exchange) Metrics() *metrics.Collector  { return e.metrics }

// Bootstrap lists the instruments, opens the accounts and buys their opening
// holdings off-book.
func (e *Exchange) Bootstrap(b params.Bootstrap) error {
	if err := b.Validate(); err != nil {
		return err
	}
	for _, inst := range b.Instruments {
		if err := e.directory.Register(inst.Symbol, inst.Name, inst.Price); err != nil {
			return err
		}
	}
	for _, acc := range b.Accounts {
		// holdings are paid for from the opening cash
		cash := acc.Cash
		symbols := make([]string, 0, len(acc.Holdings))
		for symbol, qty := range acc.Holdings {
			price, err := e.directory.GetReferencePrice(symbol)
			if err != nil {
				return err
			}
			cash = cash.Add(price.Mul(decimal.NewFromInt(qty)))
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)

		if err := e.accounts.Open(acc.Name, cash); err != nil {
			return err
		}
		for _, symbol := range symbols {
			if err := e.accounts.BuyDirect(acc.Name, symbol, acc.Holdings[symbol]); err != nil {
				return errors.Wrapf(err, "bootstrap %s", acc.Name)
			}
		}
	}
	e.log.Info("bootstrap_loaded",
		zap.Int("instruments", len(b.Instruments)),
		zap.Int("accounts", len(b.Accounts)))
	return nil
}

func (e *Exchange) ListInstrument(symbol, name string, price decimal.Decimal) error {
	return e.directory.Register(symbol, name, price)
}

func (e *Exchange) OpenAccount(name string, cash decimal.Decimal) error {
	return e.accounts.Open(name, cash)
}

func (e *Exchange) PlaceOrder(name string, req order.Request) (order.Order, error) {
	return e.accounts.PlaceOrder(name, req)
}

func (e *Exchange) BuyDirect(name, symbol string, volume int64) error {
	return e.accounts.BuyDirect(name, symbol, volume)
}

// RunRound runs one matching round now.
func (e *Exchange) RunRound(ctx context.Context) (orderbook.Report, error) {
	report, err := e.book.RunMatchingRound(ctx)
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	return report, err
}

// LastReport returns the report of the most recent round.
func (e *Exchange) LastReport() orderbook.Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Run triggers a round every interval until ctx is done. A non-positive
// interval leaves rounds to RunRound callers.
func (e *Exchange) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	e.log.Info("round_trigger_started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("round_trigger_stopped", zap.Uint64("rounds", e.book.Round()))
			return nil
		case <-e.clock.After(interval):
			if _, err := e.RunRound(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("round_failed", zap.Error(err))
			}
		}
	}
}
