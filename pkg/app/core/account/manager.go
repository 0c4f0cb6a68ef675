package account

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/util"
)

// PriceSource is the part of the instrument directory accounts depend on.
type PriceSource interface {
	GetReferencePrice(symbol string) (decimal.Decimal, error)
	CheckTradable(symbol string) error
}

// OrderSink receives admitted orders (the order book).
type OrderSink interface {
	Add(o order.Order)
}

// AdmissionObserver is notified of admission outcomes. Optional.
type AdmissionObserver interface {
	OrderAdmitted(o order.Order)
	OrderRejected(side order.Side, err error)
}

// Manager manages all accounts in a thread-safe manner.
// Lock order: Manager.mu, then Account.mu; several accounts are locked in
// name order. The account lock is never held while calling into the book.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account // name -> account

	prices   PriceSource
	book     OrderSink
	observer AdmissionObserver
	seq      atomic.Uint64

	clock util.Clock
	log   *zap.Logger
}

// NewManager creates an account manager admitting orders against prices and
// forwarding them to book.
func NewManager(prices PriceSource, book OrderSink, clock util.Clock, log *zap.Logger) *Manager {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &Manager{
		accounts: make(map[string]*Account),
		prices:   prices,
		book:     book,
		clock:    clock,
		log:      util.OrNop(log),
	}
}

// SetObserver installs an admission observer. Call before trading starts.
func (m *Manager) SetObserver(o AdmissionObserver) {
	m.observer = o
}

// Open creates an account funded with cash.
func (m *Manager) Open(name string, cash decimal.Decimal) error {
	if name == "" {
		return errors.Wrap(ErrInvalidOrder, "empty account name")
	}
	if cash.IsNegative() {
		return errors.Wrapf(ErrInsufficientFunds, "negative opening cash %s", cash)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[name]; exists {
		return errors.Wrap(ErrDuplicateAccount, name)
	}
	m.accounts[name] = NewAccount(name, cash)
	m.log.Info("account_opened", zap.String("account", name), zap.Stringer("cash", cash))
	return nil
}

// Get returns the live account. Callers outside this package should prefer Snapshot.
func (m *Manager) Get(name string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownAccount, name)
	}
	return acc, nil
}

// Snapshot returns a copy of the account's state.
func (m *Manager) Snapshot(name string) (View, error) {
	acc, err := m.Get(name)
	if err != nil {
		return View{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.view(), nil
}

// List returns the sorted account names.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.accounts))
	for name := range m.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of accounts
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// PlaceOrder validates req for the named account and, if admitted, records it
// as the account's open order on the instrument and submits it to the book.
// On error the account is left unchanged and nothing reaches the book.
func (m *Manager) PlaceOrder(name string, req order.Request) (order.Order, error) {
	o, err := m.admit(name, req)
	if err != nil {
		m.log.Info("order_rejected",
			zap.String("account", name),
			zap.String("symbol", req.Symbol),
			zap.Stringer("side", req.Side),
			zap.Int64("size", req.Size),
			zap.Error(err))
		if m.observer != nil {
			m.observer.OrderRejected(req.Side, err)
		}
		return order.Order{}, err
	}

	m.book.Add(o)

	m.log.Info("order_admitted",
		zap.String("account", name),
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Stringer("side", o.Side),
		zap.Int64("size", o.Size),
		zap.Stringer("price", o.Price),
		zap.Bool("market", o.Market))
	if m.observer != nil {
		m.observer.OrderAdmitted(o)
	}
	return o, nil
}

func (m *Manager) admit(name string, req order.Request) (order.Order, error) {
	acc, err := m.Get(name)
	if err != nil {
		return order.Order{}, err
	}
	if err := validateRequest(req); err != nil {
		return order.Order{}, err
	}
	if err := m.prices.CheckTradable(req.Symbol); err != nil {
		return order.Order{}, err
	}

	price := req.Price
	if req.Market {
		// market orders are checked and displayed at the reference price
		price, err = m.prices.GetReferencePrice(req.Symbol)
		if err != nil {
			return order.Order{}, err
		}
	}

	o := order.Order{
		ID:        uuid.NewString(),
		Owner:     name,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Size:      req.Size,
		Price:     price,
		Market:    req.Market,
		CreatedAt: m.clock.Now(),
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	if err := acc.checkAdmission(o); err != nil {
		return order.Order{}, err
	}
	// seq under the account lock so that the open order and the book copy agree
	o.Seq = m.seq.Add(1)
	acc.OpenOrders[o.Symbol] = o
	return o, nil
}

func validateRequest(req order.Request) error {
	if req.Side != order.Buy && req.Side != order.Sell {
		return errors.Wrapf(ErrInvalidOrder, "side %d", int8(req.Side))
	}
	if req.Symbol == "" {
		return errors.Wrap(ErrInvalidOrder, "empty symbol")
	}
	if req.Size <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "size %d", req.Size)
	}
	if req.Price.IsNegative() {
		return errors.Wrapf(ErrInvalidOrder, "price %s", req.Price)
	}
	return nil
}

// BuyDirect buys volume units of symbol off-book at the reference price and
// merges them into the account's position.
func (m *Manager) BuyDirect(name, symbol string, volume int64) error {
	if volume <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "volume %d", volume)
	}
	acc, err := m.Get(name)
	if err != nil {
		return err
	}
	price, err := m.prices.GetReferencePrice(symbol)
	if err != nil {
		return err
	}

	acc.mu.Lock()
	err = acc.buyDirect(symbol, volume, price)
	acc.mu.Unlock()
	if err != nil {
		return err
	}

	m.log.Info("direct_purchase",
		zap.String("account", name),
		zap.String("symbol", symbol),
		zap.Int64("volume", volume),
		zap.Stringer("price", price))
	return nil
}

// SettleExecution applies a matching-round fill to the owning account.
// Replaying a fill that was already applied is a no-op.
func (m *Manager) SettleExecution(f order.Fill) error {
	return m.SettleExecutions([]order.Fill{f})[f.OrderID]
}

// SettleExecutions applies one instrument's fills for a round. Every account
// involved is locked (in name order) for the whole batch, so either all fills
// are applied or none is and the result names each order that cannot settle.
// Fills that were already applied are skipped.
func (m *Manager) SettleExecutions(fills []order.Fill) map[string]error {
	failed := make(map[string]error)
	accounts := make(map[string]*Account)
	seen := make(map[string]bool, len(fills))
	for _, f := range fills {
		if seen[f.OrderID] {
			failed[f.OrderID] = errors.Wrapf(ErrSettlement, "order %s filled twice in one batch", f.OrderID)
			continue
		}
		seen[f.OrderID] = true
		if _, ok := accounts[f.Owner]; ok {
			continue
		}
		acc, err := m.Get(f.Owner)
		if err != nil {
			failed[f.OrderID] = errors.Wrapf(ErrSettlement, "%v", err)
			continue
		}
		accounts[f.Owner] = acc
	}

	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		accounts[name].mu.Lock()
	}
	defer func() {
		for _, name := range names {
			accounts[name].mu.Unlock()
		}
	}()

	spent := make(map[string]decimal.Decimal, len(accounts))
	apply := make([]order.Fill, 0, len(fills))
	for _, f := range fills {
		acc, ok := accounts[f.Owner]
		if !ok || failed[f.OrderID] != nil {
			continue
		}
		err := acc.checkSettle(f, spent[f.Owner])
		if errors.Is(err, errAlreadySettled) {
			m.log.Debug("settlement_replayed", zap.String("key", f.Key()))
			continue
		}
		if err != nil {
			failed[f.OrderID] = err
			continue
		}
		if f.Side == order.Buy {
			spent[f.Owner] = spent[f.Owner].Add(f.Value())
		}
		apply = append(apply, f)
	}
	if len(failed) > 0 {
		return failed
	}

	for _, f := range apply {
		accounts[f.Owner].applySettle(f)
		m.log.Debug("settled",
			zap.String("account", f.Owner),
			zap.String("order_id", f.OrderID),
			zap.Stringer("side", f.Side),
			zap.Int64("size", f.Size),
			zap.Stringer("price", f.Price),
			zap.Int64("residual", f.Residual))
	}
	return nil
}

// Equity returns cash plus every position valued at its reference price.
func (m *Manager) Equity(name string) (decimal.Decimal, error) {
	view, err := m.Snapshot(name)
	if err != nil {
		return decimal.Zero, err
	}
	total := view.Cash
	for _, pos := range view.Positions {
		price, err := m.prices.GetReferencePrice(pos.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(price.Mul(decimal.NewFromInt(pos.Size)))
	}
	return total, nil
}

// ReleaseOrder drops the account's open order on symbol if it is orderID.
// The book calls it when it evicts an order whose settlement failed.
func (m *Manager) ReleaseOrder(owner, symbol, orderID string) {
	acc, err := m.Get(owner)
	if err != nil {
		return
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if open, ok := acc.OpenOrders[symbol]; ok && open.ID == orderID {
		delete(acc.OpenOrders, symbol)
		m.log.Warn("open_order_released", zap.String("account", owner), zap.String("order_id", orderID))
	}
}
