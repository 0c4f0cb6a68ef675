package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidSide = errors.New("invalid side")

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, errors.Wrapf(ErrInvalidSide, "%q", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, errors.Wrapf(ErrInvalidSide, "%d", int8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Request is the trading intent an account submits for admission.
type Request struct {
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Size   int64           `json:"size"`
	Price  decimal.Decimal `json:"price"`
	Market bool            `json:"market"`
}

// Order is a live order. It is passed around by value; the book owns the
// resting copy and the owning account tracks its own copy of the open order.
type Order struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	// Size is the unfilled size. It only shrinks, on fills.
	Size int64 `json:"size"`

	// Price is the limit price. For market orders it is only indicative
	// (the reference price at admission, refreshed every round) and never
	// used for matching.
	Price  decimal.Decimal `json:"price"`
	Market bool            `json:"market"`

	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Notional returns Price × Size.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Size))
}

func (o Order) String() string {
	price := o.Price.String()
	if o.Market {
		price = "market"
	}
	return fmt.Sprintf("%s %s %d %s @ %s (%s)", o.Owner, o.Side, o.Size, o.Symbol, price, o.ID)
}

// Fill is one order's execution in one matching round. Settlement receives
// it by value.
type Fill struct {
	Round   uint64          `json:"round"`
	OrderID string          `json:"order_id"`
	Owner   string          `json:"owner"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Size    int64           `json:"size"`
	Price   decimal.Decimal `json:"price"`
	Market  bool            `json:"market"`

	// Residual is the size still resting in the book after this fill.
	Residual  int64     `json:"residual"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies a settlement: one order in one round.
func (f Fill) Key() string {
	return fmt.Sprintf("%d/%s", f.Round, f.OrderID)
}

// Value returns Price × Size for the fill.
func (f Fill) Value() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Size))
}
