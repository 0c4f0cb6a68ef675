package metrics

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/callmarket/pkg/app/core/account"
	"github.com/uhyunpark/callmarket/pkg/app/core/market"
	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
)

const namespace = "callmarket"

// Collector holds the engine's prometheus instruments on a private registry.
type Collector struct {
	registry *prometheus.Registry

	rounds         prometheus.Counter
	roundDuration  prometheus.Histogram
	crossed        *prometheus.CounterVec
	volume         *prometheus.CounterVec
	clearingPrice  *prometheus.GaugeVec
	settleFailures *prometheus.CounterVec
	admitted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Matching rounds run.",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "round_duration_seconds",
			Help:    "Wall time of a matching round over all instruments.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		crossed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "instrument_crossings_total",
			Help: "Rounds in which an instrument found a clearing price.",
		}, []string{"symbol"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "matched_volume_total",
			Help: "Shares executed at the clearing price.",
		}, []string{"symbol"}),
		clearingPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clearing_price",
			Help: "Last clearing price per instrument.",
		}, []string{"symbol"}),
		settleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_failures_total",
			Help: "Orders whose settlement failed and were evicted.",
		}, []string{"symbol"}),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_admitted_total",
			Help: "Orders accepted into the book.",
		}, []string{"side", "type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total",
			Help: "Orders refused at admission, by reason.",
		}, []string{"side", "reason"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.rounds, c.roundDuration, c.crossed, c.volume, c.clearingPrice,
		c.settleFailures, c.admitted, c.rejected,
	)
	return c
}

// Registry exposes the registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRound implements orderbook.Observer.
func (c *Collector) ObserveRound(report orderbook.Report, elapsed time.Duration) {
	c.rounds.Inc()
	c.roundDuration.Observe(elapsed.Seconds())
	for _, res := range report.Results {
		if !res.Crossed {
			continue
		}
		c.crossed.WithLabelValues(res.Symbol).Inc()
		c.volume.WithLabelValues(res.Symbol).Add(float64(res.Volume))
		c.clearingPrice.WithLabelValues(res.Symbol).Set(res.ClearingPrice.InexactFloat64())
		if n := len(res.Failures); n > 0 {
			c.settleFailures.WithLabelValues(res.Symbol).Add(float64(n))
		}
	}
}

// OrderAdmitted implements account.AdmissionObserver.
func (c *Collector) OrderAdmitted(o order.Order) {
	kind := "limit"
	if o.Market {
		kind = "market"
	}
	c.admitted.WithLabelValues(o.Side.String(), kind).Inc()
}

// OrderRejected implements account.AdmissionObserver.
func (c *Collector) OrderRejected(side order.Side, err error) {
	c.rejected.WithLabelValues(side.String(), Reason(err)).Inc()
}

// Reason maps an admission error to a low-cardinality label.
func Reason(err error) string {
	switch {
	case errors.Is(err, account.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, account.ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, account.ErrNotOwned):
		return "not_owned"
	case errors.Is(err, account.ErrDuplicateOrder):
		return "duplicate_order"
	case errors.Is(err, account.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, account.ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, market.ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, market.ErrInstrumentHalted):
		return "halted"
	default:
		return "other"
	}
}

var (
	_ orderbook.Observer        = (*Collector)(nil)
	_ account.AdmissionObserver = (*Collector)(nil)
)
