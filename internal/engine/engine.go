// Package engine implements the position lifecycle as a pure state
// transition: current position + event -> next position + exchange actions.
// It performs no I/O and touches no clocks beyond the caller-supplied now,
// which keeps every transition replayable and directly testable.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

// Params are the fixed-point tolerances for quantity arithmetic.
type Params struct {
	// Epsilon is the dust threshold: a remaining quantity at or below it
	// closes the position, and the sum invariant is checked within it.
	Epsilon decimal.Decimal

	// DefaultTPPercent is used for take-profit levels an entry's plan does
	// not cover.
	DefaultTPPercent decimal.Decimal
}

// Result is the outcome of a transition.
type Result struct {
	Position domain.Position
	Actions  []domain.Action
}

// NewEntry builds a fresh position from an entry event. qty is the initial
// size, already resolved by the caller (event quantity or the account's
// configured position size).
func NewEntry(ev domain.Event, acct domain.Account, qty decimal.Decimal, now time.Time, p Params) (Result, error) {
	if !ev.IsEntry() {
		return Result{}, fmt.Errorf("engine: %s is not an entry event: %w", ev.Kind, domain.ErrInvalidEvent)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return Result{}, fmt.Errorf("engine: entry quantity %s must be positive: %w", qty, domain.ErrInvalidEvent)
	}

	pos := domain.Position{
		ID:            uuid.New().String(),
		AccountID:     acct.ID,
		Symbol:        ev.Symbol,
		Strategy:      ev.Strategy,
		Side:          ev.Side(),
		Status:        domain.PositionStatusOpen,
		EntryPrice:    ev.Price,
		InitialQty:    qty,
		RemainingQty:  qty,
		SLPrice:       ev.SLPrice,
		SLType:        ev.SLType,
		Leverage:      acct.Leverage,
		MarginMode:    acct.MarginMode,
		EntryStrategy: ev.EntryStrategy,
		TPLevel:       0,
		TPPlan:        append([]domain.TPTarget(nil), ev.TPPlan...),
		ClosedQty:     make(map[domain.CloseReason]decimal.Decimal),
		OpenedAt:      now,
		UpdatedAt:     now,
	}

	act := domain.Action{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		AccountID:  acct.ID,
		Symbol:     ev.Symbol,
		Side:       pos.Side,
		Kind:       domain.ActionEnter,
		Quantity:   qty,
		Leverage:   acct.Leverage,
		MarginMode: acct.MarginMode,
		CreatedAt:  now,
	}

	return Result{Position: pos, Actions: []domain.Action{act}}, nil
}

// Apply transitions an existing position by one event. The input position is
// never mutated. Events that cannot advance state return ErrStaleEvent;
// transitions that would break the quantity invariant return
// ErrInvariantViolation and leave the ledger untouched.
func Apply(pos domain.Position, ev domain.Event, now time.Time, p Params) (Result, error) {
	if pos.Status == domain.PositionStatusClosed {
		return Result{}, fmt.Errorf("engine: position %s already closed: %w", pos.ID, domain.ErrStaleEvent)
	}
	if ev.IsEntry() {
		// No pyramiding: an entry against an open position never stacks.
		return Result{}, fmt.Errorf("engine: position %s open, entry %s rejected: %w", pos.ID, ev.Kind, domain.ErrStaleEvent)
	}

	next := pos.Clone()

	if n := ev.TPIndex(); n > 0 {
		return applyTakeProfit(next, ev, n, now, p)
	}
	return applyClose(next, ev, now, p)
}

// applyTakeProfit handles TP1..TP5. The level is monotonic: a level at or
// below the position's current TPLevel is a replay and therefore stale.
// Skipping ahead is allowed; the single fired level closes only its own
// percent.
func applyTakeProfit(next domain.Position, ev domain.Event, level int, now time.Time, p Params) (Result, error) {
	if level <= next.TPLevel {
		return Result{}, fmt.Errorf("engine: position %s tp_level %d already at or past tp%d: %w",
			next.ID, next.TPLevel, level, domain.ErrStaleEvent)
	}

	var qty decimal.Decimal
	switch ev.QtyMode {
	case domain.QtyModeQuantity:
		qty = ev.Qty
	default:
		qty = next.InitialQty.Mul(tpPercent(next.TPPlan, level, p))
	}
	// Clamp to what is actually left.
	if qty.GreaterThan(next.RemainingQty) {
		qty = next.RemainingQty
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return Result{}, fmt.Errorf("engine: position %s tp%d close qty %s: %w",
			next.ID, level, qty, domain.ErrInvariantViolation)
	}

	next.TPLevel = level
	return reduce(next, ev.CloseReason(), qty, now, p)
}

// applyClose handles STOP, CLOSE and the guard events. Without an explicit
// quantity the full remainder is closed; an explicit partial beyond the
// remainder is rejected rather than clamped, because the sender's view of
// the position has diverged from the ledger's.
func applyClose(next domain.Position, ev domain.Event, now time.Time, p Params) (Result, error) {
	qty := next.RemainingQty
	if ev.QtyMode == domain.QtyModeQuantity && ev.Qty.GreaterThan(decimal.Zero) {
		if ev.Qty.GreaterThan(next.RemainingQty.Add(p.Epsilon)) {
			return Result{}, fmt.Errorf("engine: position %s %s qty %s exceeds remaining %s: %w",
				next.ID, ev.Kind, ev.Qty, next.RemainingQty, domain.ErrInvariantViolation)
		}
		qty = ev.Qty
		if qty.GreaterThan(next.RemainingQty) {
			qty = next.RemainingQty
		}
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return Result{}, fmt.Errorf("engine: position %s %s has nothing to close: %w",
			next.ID, ev.Kind, domain.ErrStaleEvent)
	}
	return reduce(next, ev.CloseReason(), qty, now, p)
}

// reduce moves qty from the remaining quantity into the reason bucket,
// sweeps dust, and closes the position when nothing tradable is left.
func reduce(next domain.Position, reason domain.CloseReason, qty decimal.Decimal, now time.Time, p Params) (Result, error) {
	next.RemainingQty = next.RemainingQty.Sub(qty)
	next.ClosedQty[reason] = next.ClosedQty[reason].Add(qty)
	next.UpdatedAt = now

	kind := domain.ActionReduce
	if next.RemainingQty.LessThanOrEqual(p.Epsilon) {
		// Sweep the dust into the bucket that finished the position so the
		// buckets still reconstruct the initial quantity exactly.
		if next.RemainingQty.GreaterThan(decimal.Zero) {
			next.ClosedQty[reason] = next.ClosedQty[reason].Add(next.RemainingQty)
			qty = qty.Add(next.RemainingQty)
		}
		next.RemainingQty = decimal.Zero
		next.Status = domain.PositionStatusClosed
		closedAt := now
		next.ClosedAt = &closedAt
		kind = domain.ActionClose
	}

	if err := next.CheckQtyInvariant(p.Epsilon); err != nil {
		return Result{}, err
	}

	act := domain.Action{
		ID:         uuid.New().String(),
		PositionID: next.ID,
		AccountID:  next.AccountID,
		Symbol:     next.Symbol,
		Side:       next.Side,
		Kind:       kind,
		Quantity:   qty,
		Reason:     reason,
		ReduceOnly: true,
		CreatedAt:  now,
	}

	return Result{Position: next, Actions: []domain.Action{act}}, nil
}

// tpPercent resolves the close fraction for a take-profit level from the
// plan, falling back to the default when the plan is shorter than the level.
func tpPercent(plan []domain.TPTarget, level int, p Params) decimal.Decimal {
	if level >= 1 && level <= len(plan) && plan[level-1].Percent.GreaterThan(decimal.Zero) {
		return plan[level-1].Percent
	}
	return p.DefaultTPPercent
}
