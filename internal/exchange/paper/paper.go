// Package paper implements domain.ExchangeExecutor in memory. It tracks a
// signed size per symbol so the full serve loop, including reconciliation,
// runs without exchange credentials.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

// Executor simulates immediate fills.
type Executor struct {
	mu     sync.Mutex
	sizes  map[string]decimal.Decimal
	nextID int64
	prefix string
}

var _ domain.ExchangeExecutor = (*Executor)(nil)

// New creates a paper Executor. accountID is only used to namespace order IDs.
func New(accountID string) *Executor {
	return &Executor{
		sizes:  make(map[string]decimal.Decimal),
		prefix: "paper-" + accountID,
	}
}

// PlaceOrder fills the action immediately at quantity, honouring reduce-only:
// a reduction never crosses zero.
func (e *Executor) PlaceOrder(ctx context.Context, a domain.Action) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta := a.Quantity
	if a.Side == domain.SideShort {
		delta = delta.Neg()
	}
	if a.Kind != domain.ActionEnter {
		delta = delta.Neg()
	}

	size := e.sizes[a.Symbol].Add(delta)
	if a.ReduceOnly {
		// Clamp at flat instead of flipping direction.
		cur := e.sizes[a.Symbol]
		if cur.Sign() > 0 && size.Sign() < 0 || cur.Sign() < 0 && size.Sign() > 0 {
			size = decimal.Zero
		}
	}
	e.sizes[a.Symbol] = size

	e.nextID++
	return domain.OrderResult{
		OrderID:     fmt.Sprintf("%s-%d", e.prefix, e.nextID),
		Status:      "FILLED",
		ExecutedQty: a.Quantity,
	}, nil
}

// PositionSize returns the simulated signed size for a symbol.
func (e *Executor) PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sizes[symbol], nil
}

// Setup is a no-op; paper accounts have no leverage to configure.
func (e *Executor) Setup(ctx context.Context, symbol string, leverage int, marginMode string) error {
	return nil
}

// SetPositionSize overrides the simulated size. Test helper for exercising
// reconciliation drift.
func (e *Executor) SetPositionSize(symbol string, size decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizes[symbol] = size
}
