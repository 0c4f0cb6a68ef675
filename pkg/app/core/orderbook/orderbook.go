package orderbook

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/util"
)

var ErrInvalidExecution = errors.New("invalid execution policy")

// Execution selects which orders take part once a clearing price is known.
type Execution int8

const (
	// ExecutionExact fills only orders priced exactly at the clearing price,
	// plus market orders.
	ExecutionExact Execution = iota
	// ExecutionCrossing fills every bid at or above and every ask at or
	// below the clearing price.
	ExecutionCrossing
)

func (e Execution) String() string {
	switch e {
	case ExecutionExact:
		return "exact"
	case ExecutionCrossing:
		return "crossing"
	default:
		return "unknown"
	}
}

func ParseExecution(s string) (Execution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return ExecutionExact, nil
	case "crossing":
		return ExecutionCrossing, nil
	default:
		return 0, errors.Wrapf(ErrInvalidExecution, "%q", s)
	}
}

type Config struct {
	Workers   int // instruments matched in parallel
	Execution Execution
}

func DefaultConfig() Config {
	return Config{Workers: 4, Execution: ExecutionExact}
}

// Settler applies one instrument's fills for a round to the owning accounts.
// It is all or nothing: either every fill is applied and the result is empty,
// or nothing is applied and the result maps each order ID that cannot settle
// to its error.
type Settler interface {
	SettleExecutions(fills []order.Fill) map[string]error
}

// Releaser is implemented by settlers that track open orders. The book calls
// it for orders it evicts after a failed settlement.
type Releaser interface {
	ReleaseOrder(owner, symbol, orderID string)
}

// PriceDirectory is the instrument directory as seen by the matching round.
type PriceDirectory interface {
	GetReferencePrice(symbol string) (decimal.Decimal, error)
	UpdateReferencePrice(symbol string, price decimal.Decimal) error
}

type instrumentBook struct {
	mu   sync.Mutex
	bids []order.Order
	asks []order.Order
}

// Book holds the resting orders of every instrument and runs matching rounds.
// Each instrument has its own lock; admission and a round on the same
// instrument never interleave.
type Book struct {
	mu    sync.RWMutex
	books map[string]*instrumentBook // symbol -> resting orders

	cfg     Config
	settler Settler
	prices  PriceDirectory

	recorder Recorder
	observer Observer

	roundMu sync.Mutex // one round at a time
	round   atomic.Uint64

	clock util.Clock
	log   *zap.Logger
}

func New(cfg Config, settler Settler, prices PriceDirectory, clock util.Clock, log *zap.Logger) *Book {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if clock == nil {
		clock = util.SystemClock()
	}
	return &Book{
		books:   make(map[string]*instrumentBook),
		cfg:     cfg,
		settler: settler,
		prices:  prices,
		clock:   clock,
		log:     util.OrNop(log),
	}
}

// SetSettler installs the settlement callback. The book and the account
// manager reference each other, so one of them is wired after construction.
func (b *Book) SetSettler(s Settler) { b.settler = s }

func (b *Book) SetRecorder(r Recorder) { b.recorder = r }

func (b *Book) SetObserver(o Observer) { b.observer = o }

func (b *Book) Config() Config { return b.cfg }

// Add appends an admitted order to its side of the instrument's book.
// Admission checks are the caller's job.
func (b *Book) Add(o order.Order) {
	ib := b.instrument(o.Symbol, true)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if o.Side == order.Buy {
		ib.bids = append(ib.bids, o)
	} else {
		ib.asks = append(ib.asks, o)
	}
}

func (b *Book) instrument(symbol string, create bool) *instrumentBook {
	b.mu.RLock()
	ib, ok := b.books[symbol]
	b.mu.RUnlock()
	if ok || !create {
		return ib
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ib, ok = b.books[symbol]; !ok {
		ib = &instrumentBook{}
		b.books[symbol] = ib
	}
	return ib
}

// Orders returns copies of the resting bids and asks in priority order.
func (b *Book) Orders(symbol string) (bids, asks []order.Order) {
	ib := b.instrument(symbol, false)
	if ib == nil {
		return nil, nil
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return sortSide(ib.bids, order.Buy), sortSide(ib.asks, order.Sell)
}

// Levels returns the consolidated depth of both sides with their CLFP column.
func (b *Book) Levels(symbol string) (bids, asks []Level) {
	sb, sa := b.Orders(symbol)
	return aggregate(sb), aggregate(sa)
}

// BestBid returns the highest limit bid price.
func (b *Book) BestBid(symbol string) (decimal.Decimal, bool) {
	bids, _ := b.Levels(symbol)
	for _, l := range bids {
		if !l.Market {
			return l.Price, true
		}
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest limit ask price.
func (b *Book) BestAsk(symbol string) (decimal.Decimal, bool) {
	_, asks := b.Levels(symbol)
	for _, l := range asks {
		if !l.Market {
			return l.Price, true
		}
	}
	return decimal.Zero, false
}

// Symbols returns every instrument that has ever had an order, sorted.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.books))
	for symbol := range b.books {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of resting orders on both sides.
func (b *Book) Len(symbol string) int {
	ib := b.instrument(symbol, false)
	if ib == nil {
		return 0
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.bids) + len(ib.asks)
}

// Round returns the number of the last round started.
func (b *Book) Round() uint64 {
	return b.round.Load()
}
