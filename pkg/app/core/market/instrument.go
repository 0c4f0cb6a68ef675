package market

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrDuplicateInstrument = errors.New("instrument already listed")
	ErrInstrumentHalted    = errors.New("instrument halted")
	ErrInvalidPrice        = errors.New("invalid reference price")
)

// Status defines the trading status of an instrument
type Status int8

const (
	Active Status = iota // Admission and matching enabled
	Halted               // Admission rejected; resting orders keep matching
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// Instrument is a listed security and its current reference price.
type Instrument struct {
	Symbol string // "XYZ"
	Name   string // human readable name, optional
	Status Status

	// ReferencePrice is the last clearing price, or the listing price
	// until the first round that crosses.
	ReferencePrice decimal.Decimal
	UpdatedAt      time.Time
}

// Validate checks instrument sanity
func (i *Instrument) Validate() error {
	if i.Symbol == "" {
		return errors.New("symbol cannot be empty")
	}
	if i.ReferencePrice.IsNegative() {
		return errors.Wrapf(ErrInvalidPrice, "%s: %s", i.Symbol, i.ReferencePrice)
	}
	return nil
}

// CheckTradable returns ErrInstrumentHalted unless the instrument is Active.
func (i *Instrument) CheckTradable() error {
	if i.Status != Active {
		return errors.Wrapf(ErrInstrumentHalted, "%s (status: %s)", i.Symbol, i.Status)
	}
	return nil
}
