package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind enumerates exchange instructions the lifecycle engine emits.
type ActionKind string

const (
	ActionEnter  ActionKind = "enter"
	ActionReduce ActionKind = "reduce"
	ActionClose  ActionKind = "close"
)

// Action is a single exchange instruction derived from a ledger transition.
// The ledger commits before the action is dispatched; an action that fails on
// the exchange becomes a reconciliation discrepancy, never a rollback.
type Action struct {
	ID         string
	PositionID string
	AccountID  string
	Symbol     string
	Side       Side // direction of the position the action belongs to
	Kind       ActionKind
	Quantity   decimal.Decimal
	Reason     CloseReason // set for reduce/close actions
	ReduceOnly bool
	Leverage   int    // set on enter actions for pre-order exchange setup
	MarginMode string // likewise
	CreatedAt  time.Time
}

// OrderResult describes the exchange's response to a placed order.
type OrderResult struct {
	OrderID     string
	Status      string
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
}

// ExchangeExecutor places orders and reads live exposure for one account.
type ExchangeExecutor interface {
	// PlaceOrder submits an action as a market order. Reduce/close actions
	// must be submitted reduce-only so an already flat exchange position is
	// never flipped.
	PlaceOrder(ctx context.Context, a Action) (OrderResult, error)

	// PositionSize returns the signed live position size for a symbol:
	// positive long, negative short, zero flat.
	PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Setup applies per-symbol account settings before the first order.
	Setup(ctx context.Context, symbol string, leverage int, marginMode string) error
}
