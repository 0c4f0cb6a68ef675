package market

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/pkg/util"
)

// Directory holds every listed instrument and its reference price.
// Safe for concurrent use.
type Directory struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument

	clock util.Clock
	log   *zap.Logger
}

// NewDirectory creates an empty directory
func NewDirectory(clock util.Clock, log *zap.Logger) *Directory {
	if clock == nil {
		clock = util.SystemClock()
	}
	return &Directory{
		instruments: make(map[string]*Instrument),
		clock:       clock,
		log:         util.OrNop(log),
	}
}

// Register lists a new instrument at the given reference price.
func (d *Directory) Register(symbol, name string, price decimal.Decimal) error {
	inst := &Instrument{
		Symbol:         symbol,
		Name:           name,
		Status:         Active,
		ReferencePrice: price,
		UpdatedAt:      d.clock.Now(),
	}
	if err := inst.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.instruments[symbol]; exists {
		return errors.Wrap(ErrDuplicateInstrument, symbol)
	}
	d.instruments[symbol] = inst
	d.log.Info("instrument_listed", zap.String("symbol", symbol), zap.Stringer("price", price))
	return nil
}

// GetReferencePrice returns the current reference price for symbol.
func (d *Directory) GetReferencePrice(symbol string) (decimal.Decimal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inst, exists := d.instruments[symbol]
	if !exists {
		return decimal.Zero, errors.Wrap(ErrUnknownInstrument, symbol)
	}
	return inst.ReferencePrice, nil
}

// UpdateReferencePrice records a new clearing price for symbol.
func (d *Directory) UpdateReferencePrice(symbol string, price decimal.Decimal) error {
	if price.IsNegative() {
		return errors.Wrapf(ErrInvalidPrice, "%s: %s", symbol, price)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	inst, exists := d.instruments[symbol]
	if !exists {
		return errors.Wrap(ErrUnknownInstrument, symbol)
	}
	prev := inst.ReferencePrice
	inst.ReferencePrice = price
	inst.UpdatedAt = d.clock.Now()
	d.log.Debug("reference_price_updated",
		zap.String("symbol", symbol),
		zap.Stringer("previous", prev),
		zap.Stringer("price", price))
	return nil
}

// Get returns a copy of the instrument.
func (d *Directory) Get(symbol string) (Instrument, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inst, exists := d.instruments[symbol]
	if !exists {
		return Instrument{}, errors.Wrap(ErrUnknownInstrument, symbol)
	}
	return *inst, nil
}

// CheckTradable returns an error unless symbol is listed and Active.
func (d *Directory) CheckTradable(symbol string) error {
	inst, err := d.Get(symbol)
	if err != nil {
		return err
	}
	return inst.CheckTradable()
}

// SetStatus halts or resumes admission for an instrument.
func (d *Directory) SetStatus(symbol string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, exists := d.instruments[symbol]
	if !exists {
		return errors.Wrap(ErrUnknownInstrument, symbol)
	}
	inst.Status = status
	d.log.Info("instrument_status", zap.String("symbol", symbol), zap.Stringer("status", status))
	return nil
}

// List returns copies of all instruments sorted by symbol.
func (d *Directory) List() []Instrument {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Instrument, 0, len(d.instruments))
	for _, inst := range d.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Prices returns symbol -> reference price for every listed instrument.
func (d *Directory) Prices() map[string]decimal.Decimal {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(d.instruments))
	for symbol, inst := range d.instruments {
		out[symbol] = inst.ReferencePrice
	}
	return out
}

// Count returns the number of listed instruments
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.instruments)
}

// Exists checks if an instrument is listed
func (d *Directory) Exists(symbol string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.instruments[symbol]
	return exists
}
