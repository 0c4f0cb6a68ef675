package exchange

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
)

// FeederConfig controls simulated order flow
type FeederConfig struct {
	Interval  time.Duration // How often to submit a batch
	BatchSize int           // Orders per batch
	Spread    float64       // Max distance from the reference price, as a fraction
	MaxSize   int64         // Order sizes are drawn from [1, MaxSize]
	Seed      int64         // 0 seeds from the clock
}

// DefaultFeederConfig returns modest load for demos
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Interval:  200 * time.Millisecond,
		BatchSize: 10,
		Spread:    0.02,
		MaxSize:   20,
	}
}

// OrderGenerator draws random order requests for the venue's accounts and
// instruments. Not safe for concurrent use.
type OrderGenerator struct {
	ex  *Exchange
	cfg FeederConfig
	rng *rand.Rand
}

func NewOrderGenerator(ex *Exchange, cfg FeederConfig) *OrderGenerator {
	seed := cfg.Seed
	if seed == 0 {
		seed = ex.clock.Now().UnixNano()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	return &OrderGenerator{ex: ex, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Next returns the account and request for one random order. ok is false
// when there is nothing to trade yet.
func (g *OrderGenerator) Next() (owner string, req order.Request, ok bool) {
	names := g.ex.accounts.List()
	instruments := g.ex.directory.List()
	if len(names) == 0 || len(instruments) == 0 {
		return "", order.Request{}, false
	}
	owner = names[g.rng.Intn(len(names))]
	inst := instruments[g.rng.Intn(len(instruments))]

	req = order.Request{
		Symbol: inst.Symbol,
		Side:   order.Buy,
		Size:   g.rng.Int63n(g.cfg.MaxSize) + 1,
	}
	if g.rng.Intn(2) == 1 {
		req.Side = order.Sell
		// sell only what is held, so most sells pass admission
		if view, err := g.ex.accounts.Snapshot(owner); err == nil {
			if pos, held := view.Position(inst.Symbol); held {
				req.Size = g.rng.Int63n(pos.Size) + 1
			}
		}
	}

	// 10% market orders, the rest limit orders around the reference price
	if g.rng.Intn(10) == 0 {
		req.Market = true
		return owner, req, true
	}
	offset := (g.rng.Float64()*2 - 1) * g.cfg.Spread
	req.Price = inst.ReferencePrice.Mul(decimal.NewFromFloat(1 + offset)).Round(2)
	return owner, req, true
}

// StartFeeder submits random orders every cfg.Interval until ctx is done.
// Returns a cancel function to stop the feeder
func StartFeeder(ctx context.Context, ex *Exchange, cfg FeederConfig) context.CancelFunc {
	gen := NewOrderGenerator(ex, cfg)
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		start := ex.clock.Now()
		var admitted, rejected int

		ex.log.Info("feeder_started",
			zap.Int("batch", cfg.BatchSize),
			zap.Duration("interval", cfg.Interval))

		for {
			select {
			case <-feedCtx.Done():
				ex.log.Info("feeder_stopped",
					zap.Int("admitted", admitted),
					zap.Int("rejected", rejected),
					zap.Duration("elapsed", ex.clock.Now().Sub(start)))
				return
			case <-ex.clock.After(cfg.Interval):
				for i := 0; i < cfg.BatchSize; i++ {
					owner, req, ok := gen.Next()
					if !ok {
						break
					}
					if _, err := ex.PlaceOrder(owner, req); err != nil {
						rejected++
						continue
					}
					admitted++
				}
			}
		}
	}()

	return cancel
}
