package params

import (
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Bootstrap is the initial state of the venue: listed instruments, funded
// accounts and their opening holdings.
type Bootstrap struct {
	Instruments []InstrumentSpec `yaml:"instruments"`
	Accounts    []AccountSpec    `yaml:"accounts"`
}

type InstrumentSpec struct {
	Symbol string          `yaml:"symbol"`
	Name   string          `yaml:"name"`
	Price  decimal.Decimal `yaml:"price"`
}

type AccountSpec struct {
	Name string          `yaml:"name"`
	Cash decimal.Decimal `yaml:"cash"`

	// Holdings are bought off-book at the reference price after funding.
	Holdings map[string]int64 `yaml:"holdings"`
}

// LoadBootstrap reads and validates a YAML bootstrap file.
func LoadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, errors.Wrap(err, "read bootstrap")
	}
	return ParseBootstrap(data)
}

func ParseBootstrap(data []byte) (Bootstrap, error) {
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, errors.Wrap(err, "parse bootstrap")
	}
	if err := b.Validate(); err != nil {
		return Bootstrap{}, err
	}
	return b, nil
}

func (b Bootstrap) Validate() error {
	symbols := make(map[string]bool, len(b.Instruments))
	for _, inst := range b.Instruments {
		if inst.Symbol == "" {
			return errors.New("bootstrap: instrument without symbol")
		}
		if inst.Price.IsNegative() {
			return errors.Errorf("bootstrap: %s has negative price %s", inst.Symbol, inst.Price)
		}
		symbols[inst.Symbol] = true
	}
	for _, acc := range b.Accounts {
		if acc.Name == "" {
			return errors.New("bootstrap: account without name")
		}
		if acc.Cash.IsNegative() {
			return errors.Errorf("bootstrap: %s has negative cash", acc.Name)
		}
		for symbol, qty := range acc.Holdings {
			if !symbols[symbol] {
				return errors.Errorf("bootstrap: %s holds unlisted %s", acc.Name, symbol)
			}
			if qty <= 0 {
				return errors.Errorf("bootstrap: %s holds %d %s", acc.Name, qty, symbol)
			}
		}
	}
	return nil
}
