package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
)

// Level is one consolidated price level of one side of the book.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Market bool            `json:"market"` // the level of market orders
	Size   int64           `json:"size"`
	Orders int             `json:"orders"`

	// Cumulative is the CLFP: total size at this level or better.
	Cumulative int64 `json:"cumulative"`
}

// sortSide orders a copy of one side by priority: market orders first (an
// unbounded bid, a zero ask), then bids by descending and asks by ascending
// price, then admission sequence.
func sortSide(orders []order.Order, side order.Side) []order.Order {
	out := make([]order.Order, len(orders))
	copy(out, orders)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Market != b.Market {
			return a.Market
		}
		if !a.Market {
			if c := a.Price.Cmp(b.Price); c != 0 {
				if side == order.Buy {
					return c > 0
				}
				return c < 0
			}
		}
		return a.Seq < b.Seq
	})
	return out
}

// aggregate consolidates a priority-sorted side into levels and fills in the
// cumulative column.
func aggregate(sorted []order.Order) []Level {
	var levels []Level
	for _, o := range sorted {
		n := len(levels)
		if n > 0 && sameLevel(levels[n-1], o) {
			levels[n-1].Size += o.Size
			levels[n-1].Orders++
			continue
		}
		lvl := Level{Market: o.Market, Size: o.Size, Orders: 1}
		if !o.Market {
			lvl.Price = o.Price
		}
		levels = append(levels, lvl)
	}

	var cum int64
	for i := range levels {
		cum += levels[i].Size
		levels[i].Cumulative = cum
	}
	return levels
}

func sameLevel(l Level, o order.Order) bool {
	if l.Market || o.Market {
		return l.Market == o.Market
	}
	return l.Price.Equal(o.Price)
}

// clfp returns the cumulative size willing to trade at price on one side.
// The market level is present at every price.
func clfp(levels []Level, price decimal.Decimal, side order.Side) int64 {
	var cum int64
	for _, l := range levels {
		if !l.Market {
			c := l.Price.Cmp(price)
			if (side == order.Buy && c < 0) || (side == order.Sell && c > 0) {
				break
			}
		}
		cum = l.Cumulative
	}
	return cum
}

// discovery is the outcome of price discovery for one instrument.
type discovery struct {
	price    decimal.Decimal
	tradable int64
}

// discover picks the clearing price: among limit prices quoted on both sides
// (a market level on one side matches every limit level of the other) the one
// with the largest min(bid CLFP, ask CLFP). Equal maxima resolve to the
// lowest such price. ok is false when no price is shared.
func discover(bids, asks []Level) (d discovery, ok bool) {
	bidMarket := len(bids) > 0 && bids[0].Market
	askMarket := len(asks) > 0 && asks[0].Market

	// candidate prices in descending order
	var candidates []decimal.Decimal
	for _, b := range bids {
		if b.Market {
			continue
		}
		if askMarket || hasLimitLevel(asks, b.Price) {
			candidates = append(candidates, b.Price)
		}
	}
	if bidMarket {
		for i := len(asks) - 1; i >= 0; i-- {
			a := asks[i]
			if a.Market || hasLimitLevel(bids, a.Price) {
				continue
			}
			candidates = append(candidates, a.Price)
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].GreaterThan(candidates[j]) })
	}

	for _, p := range candidates {
		q := min(clfp(bids, p, order.Buy), clfp(asks, p, order.Sell))
		if q <= 0 {
			continue
		}
		// >= so that the last of equal maxima, the lowest price, wins
		if q >= d.tradable {
			d = discovery{price: p, tradable: q}
			ok = true
		}
	}
	return d, ok
}

func hasLimitLevel(levels []Level, price decimal.Decimal) bool {
	for _, l := range levels {
		if !l.Market && l.Price.Equal(price) {
			return true
		}
	}
	return false
}
