package domain

import "github.com/shopspring/decimal"

// Account is one trading account the ledger fans events out to. Routing is
// decided per event: an event targets a named account directly, or every
// enabled account that admits its symbol.
type Account struct {
	ID           string
	Exchange     string // "binance" or "paper"
	Testnet      bool
	Enabled      bool
	AllowSymbols []string // empty means all symbols
	DenySymbols  []string
	PositionSize decimal.Decimal // default entry size when the event carries none
	Leverage     int
	MarginMode   string
}

// AdmitsSymbol applies the deny list first, then the allow list.
func (a Account) AdmitsSymbol(symbol string) bool {
	for _, s := range a.DenySymbols {
		if s == symbol {
			return false
		}
	}
	if len(a.AllowSymbols) == 0 {
		return true
	}
	for _, s := range a.AllowSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
