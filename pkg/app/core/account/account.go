package account

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrNotOwned             = errors.New("instrument not owned")
	ErrDuplicateOrder       = errors.New("open order already exists for instrument")
	ErrSettlement           = errors.New("settlement failed")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrDuplicateAccount     = errors.New("account already exists")
)

// errAlreadySettled marks a fill whose round was already applied to the order.
var errAlreadySettled = errors.New("fill already settled")

// Account is a trading participant ("trader"): cash, holdings and open orders.
// All fields are guarded by mu; the Manager takes it around every operation.
type Account struct {
	mu sync.Mutex

	Name string
	Cash decimal.Decimal

	// Holdings, one aggregated entry per instrument. Entries with zero size
	// are dropped.
	Positions map[string]*Position

	// At most one open order per instrument.
	OpenOrders map[string]order.Order

	// order ID -> last round settled for it
	settledRound map[string]uint64
}

// Position is an aggregated holding in one instrument
type Position struct {
	Symbol string          `json:"symbol"`
	Size   int64           `json:"size"`
	Price  decimal.Decimal `json:"price"` // last acquisition price
}

// View is a point-in-time copy of an account, safe to hand out.
type View struct {
	Name       string          `json:"name"`
	Cash       decimal.Decimal `json:"cash"`
	Positions  []Position      `json:"positions"`
	OpenOrders []order.Order   `json:"open_orders"`
}

// NewAccount creates an account holding only cash
func NewAccount(name string, cash decimal.Decimal) *Account {
	return &Account{
		Name:         name,
		Cash:         cash,
		Positions:    make(map[string]*Position),
		OpenOrders:   make(map[string]order.Order),
		settledRound: make(map[string]uint64),
	}
}

// Held returns the size held in symbol, 0 if none.
func (a *Account) Held(symbol string) int64 {
	if pos, ok := a.Positions[symbol]; ok {
		return pos.Size
	}
	return 0
}

// checkAdmission runs the admission checks for o against the account.
// o.Price must already be the reference price for market orders.
func (a *Account) checkAdmission(o order.Order) error {
	// one open order per instrument, whatever the side
	if open, exists := a.OpenOrders[o.Symbol]; exists {
		return errors.Wrapf(ErrDuplicateOrder, "%s already has %s", a.Name, open.ID)
	}

	if o.Side == order.Buy {
		if o.Notional().GreaterThan(a.Cash) {
			return errors.Wrapf(ErrInsufficientFunds, "%s: need %s, have %s", a.Name, o.Notional(), a.Cash)
		}
	} else {
		pos, owned := a.Positions[o.Symbol]
		if !owned || pos.Size == 0 {
			return errors.Wrapf(ErrNotOwned, "%s does not hold %s", a.Name, o.Symbol)
		}
		if o.Size > pos.Size {
			return errors.Wrapf(ErrInsufficientPosition, "%s: selling %d %s, holds %d", a.Name, o.Size, o.Symbol, pos.Size)
		}
	}
	return nil
}

// buyDirect merges volume into the position at price and pays for it.
func (a *Account) buyDirect(symbol string, volume int64, price decimal.Decimal) error {
	cost := price.Mul(decimal.NewFromInt(volume))
	if cost.GreaterThan(a.Cash) {
		return errors.Wrapf(ErrInsufficientFunds, "%s: need %s, have %s", a.Name, cost, a.Cash)
	}
	a.addPosition(symbol, volume, price)
	a.Cash = a.Cash.Sub(cost)
	return nil
}

func (a *Account) addPosition(symbol string, size int64, price decimal.Decimal) {
	pos, ok := a.Positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		a.Positions[symbol] = pos
	}
	pos.Size += size
	pos.Price = price
}

// checkSettle reports whether f can be applied after spent has already been
// committed to other buys in the same batch. It does not mutate the account.
func (a *Account) checkSettle(f order.Fill, spent decimal.Decimal) error {
	if last, ok := a.settledRound[f.OrderID]; ok && last >= f.Round {
		return errAlreadySettled
	}

	open, ok := a.OpenOrders[f.Symbol]
	if !ok || open.ID != f.OrderID {
		return errors.Wrapf(ErrSettlement, "%s has no open order %s on %s", a.Name, f.OrderID, f.Symbol)
	}
	if f.Size <= 0 || f.Size > open.Size {
		return errors.Wrapf(ErrSettlement, "order %s: fill size %d, open size %d", f.OrderID, f.Size, open.Size)
	}
	if f.Side != open.Side {
		return errors.Wrapf(ErrSettlement, "order %s: fill side %s, order side %s", f.OrderID, f.Side, open.Side)
	}

	switch f.Side {
	case order.Buy:
		available := a.Cash.Sub(spent)
		if f.Value().GreaterThan(available) {
			return errors.Wrapf(ErrSettlement, "order %s: %v (need %s, have %s)", f.OrderID, ErrInsufficientFunds, f.Value(), available)
		}
	case order.Sell:
		if held := a.Held(f.Symbol); f.Size > held {
			return errors.Wrapf(ErrSettlement, "order %s: %v (selling %d, holds %d)", f.OrderID, ErrInsufficientPosition, f.Size, held)
		}
	}
	return nil
}

// applySettle applies a fill that passed checkSettle.
func (a *Account) applySettle(f order.Fill) {
	value := f.Value()
	switch f.Side {
	case order.Buy:
		a.Cash = a.Cash.Sub(value)
		a.addPosition(f.Symbol, f.Size, f.Price)
	case order.Sell:
		a.Cash = a.Cash.Add(value)
		pos := a.Positions[f.Symbol]
		pos.Size -= f.Size
		if pos.Size == 0 {
			delete(a.Positions, f.Symbol)
		}
	}

	open := a.OpenOrders[f.Symbol]
	if open.Market {
		open.Price = f.Price
	}
	open.Size -= f.Size
	if open.Size == 0 {
		delete(a.OpenOrders, f.Symbol)
	} else {
		a.OpenOrders[f.Symbol] = open
	}
	a.settledRound[f.OrderID] = f.Round
}

// view copies the account. Caller holds mu.
func (a *Account) view() View {
	v := View{
		Name:       a.Name,
		Cash:       a.Cash,
		Positions:  make([]Position, 0, len(a.Positions)),
		OpenOrders: make([]order.Order, 0, len(a.OpenOrders)),
	}
	for _, pos := range a.Positions {
		v.Positions = append(v.Positions, *pos)
	}
	for _, o := range a.OpenOrders {
		v.OpenOrders = append(v.OpenOrders, o)
	}
	sort.Slice(v.Positions, func(i, j int) bool { return v.Positions[i].Symbol < v.Positions[j].Symbol })
	sort.Slice(v.OpenOrders, func(i, j int) bool { return v.OpenOrders[i].Symbol < v.OpenOrders[j].Symbol })
	return v
}

// Position returns the held position in symbol from a view, if any.
func (v View) Position(symbol string) (Position, bool) {
	for _, p := range v.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// OpenOrder returns the open order on symbol from a view, if any.
func (v View) OpenOrder(symbol string) (order.Order, bool) {
	for _, o := range v.OpenOrders {
		if o.Symbol == symbol {
			return o, true
		}
	}
	return order.Order{}, false
}
