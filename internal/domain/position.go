package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// CloseReason names the bucket a closed quantity is attributed to.
type CloseReason string

const (
	CloseReasonTP1       CloseReason = "tp1"
	CloseReasonTP2       CloseReason = "tp2"
	CloseReasonTP3       CloseReason = "tp3"
	CloseReasonTP4       CloseReason = "tp4"
	CloseReasonTP5       CloseReason = "tp5"
	CloseReasonStop      CloseReason = "stop"
	CloseReasonManual    CloseReason = "manual_close"
	CloseReasonTimeGuard CloseReason = "time_guard"
	CloseReasonMaxBars   CloseReason = "max_bars"
	CloseReasonSwingTP   CloseReason = "swing_tp"
	CloseReasonDynTP     CloseReason = "dyn_tp"
	CloseReasonOther     CloseReason = "other"
)

// TPTarget is a single take-profit level in a position's plan: the trigger
// price and the fraction of the initial quantity to close when it fires.
type TPTarget struct {
	Price   decimal.Decimal `json:"price"`
	Percent decimal.Decimal `json:"percent"`
}

// Position is a single ledger entry for one account's exposure in one symbol
// under one strategy. Quantities are exact decimals; the sum of all close
// buckets plus the remaining quantity always equals the initial quantity
// within the configured epsilon.
type Position struct {
	ID            string
	AccountID     string
	Symbol        string
	Strategy      string
	Side          Side
	Status        PositionStatus
	EntryPrice    decimal.Decimal
	InitialQty    decimal.Decimal
	RemainingQty  decimal.Decimal
	SLPrice       decimal.Decimal // stop-loss trigger, zero when the sender manages stops
	SLType        string          // base, swing, sfp, body, atr_trail, structure_trail, chandelier_trail
	Leverage      int
	MarginMode    string // cross or isolated, from the account that opened it
	EntryStrategy string
	TPLevel       int // highest take-profit level hit so far, 0..5
	TPPlan        []TPTarget
	ClosedQty     map[CloseReason]decimal.Decimal
	OrderIDs      []string
	Version       int64
	OpenedAt      time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

// ClosedTotal sums every close bucket.
func (p Position) ClosedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, q := range p.ClosedQty {
		total = total.Add(q)
	}
	return total
}

// CheckQtyInvariant verifies that closed buckets plus the remaining quantity
// reconstruct the initial quantity within epsilon.
func (p Position) CheckQtyInvariant(epsilon decimal.Decimal) error {
	diff := p.ClosedTotal().Add(p.RemainingQty).Sub(p.InitialQty).Abs()
	if diff.GreaterThan(epsilon) {
		return fmt.Errorf("position %s: closed %s + remaining %s != initial %s (diff %s): %w",
			p.ID, p.ClosedTotal(), p.RemainingQty, p.InitialQty, diff, ErrInvariantViolation)
	}
	return nil
}

// Clone returns a deep copy. The bucket map and slices are freshly allocated
// so mutating the copy never leaks into the original.
func (p Position) Clone() Position {
	out := p
	out.ClosedQty = make(map[CloseReason]decimal.Decimal, len(p.ClosedQty))
	for k, v := range p.ClosedQty {
		out.ClosedQty[k] = v
	}
	out.TPPlan = append([]TPTarget(nil), p.TPPlan...)
	out.OrderIDs = append([]string(nil), p.OrderIDs...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// ResolveKey is the lookup key used to match an inbound event to an open
// position.
func (p Position) ResolveKey() string {
	return p.AccountID + ":" + p.Symbol + ":" + p.Strategy
}
