package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates the webhook event types the ledger understands.
type EventKind string

const (
	EventLongEntry  EventKind = "LONG_ENTRY"
	EventShortEntry EventKind = "SHORT_ENTRY"
	EventTP1Hit     EventKind = "TP1_HIT"
	EventTP2Hit     EventKind = "TP2_HIT"
	EventTP3Hit     EventKind = "TP3_HIT"
	EventTP4Hit     EventKind = "TP4_HIT"
	EventTP5Hit     EventKind = "TP5_HIT"
	EventStop       EventKind = "STOP"
	EventClose      EventKind = "CLOSE"
	EventTimeGuard  EventKind = "TIME_GUARD"
	EventMaxBars    EventKind = "MAX_BARS"
	EventSwingTP    EventKind = "SWING_TP"
	EventDynTP      EventKind = "DYN_TP"
)

// QtyMode is the explicit sizing discriminator carried by every event.
// In percent mode the position's take-profit plan decides close sizes; in
// quantity mode the event carries the exact quantity itself.
type QtyMode string

const (
	QtyModePercent  QtyMode = "percent"
	QtyModeQuantity QtyMode = "quantity"
)

// Event is a normalized webhook delivery. ID is the upstream delivery ID, or
// a content hash when the sender does not provide one.
type Event struct {
	ID            string
	Kind          EventKind
	AccountID     string // optional; empty means fan out to every admitted account
	Symbol        string
	Strategy      string
	Price         decimal.Decimal
	Qty           decimal.Decimal
	QtyMode       QtyMode
	SLPrice       decimal.Decimal // optional stop-loss price on entries
	SLType        string
	EntryStrategy string
	TPPlan        []TPTarget
	ReceivedAt    time.Time
	Raw           []byte
}

// IsEntry reports whether the event opens a new position.
func (e Event) IsEntry() bool {
	return e.Kind == EventLongEntry || e.Kind == EventShortEntry
}

// Side returns the position direction an entry event opens. Non-entry events
// return the empty side.
func (e Event) Side() Side {
	switch e.Kind {
	case EventLongEntry:
		return SideLong
	case EventShortEntry:
		return SideShort
	}
	return ""
}

// TPIndex returns 1..5 for take-profit events and 0 for everything else.
func (e Event) TPIndex() int {
	switch e.Kind {
	case EventTP1Hit:
		return 1
	case EventTP2Hit:
		return 2
	case EventTP3Hit:
		return 3
	case EventTP4Hit:
		return 4
	case EventTP5Hit:
		return 5
	}
	return 0
}

// CloseReason maps a reducing event to its accounting bucket. Take-profit
// events map to their level bucket; entries map to the empty reason.
func (e Event) CloseReason() CloseReason {
	switch e.Kind {
	case EventTP1Hit:
		return CloseReasonTP1
	case EventTP2Hit:
		return CloseReasonTP2
	case EventTP3Hit:
		return CloseReasonTP3
	case EventTP4Hit:
		return CloseReasonTP4
	case EventTP5Hit:
		return CloseReasonTP5
	case EventStop:
		return CloseReasonStop
	case EventClose:
		return CloseReasonManual
	case EventTimeGuard:
		return CloseReasonTimeGuard
	case EventMaxBars:
		return CloseReasonMaxBars
	case EventSwingTP:
		return CloseReasonSwingTP
	case EventDynTP:
		return CloseReasonDynTP
	}
	return ""
}

var validEventKinds = map[EventKind]bool{
	EventLongEntry: true, EventShortEntry: true,
	EventTP1Hit: true, EventTP2Hit: true, EventTP3Hit: true,
	EventTP4Hit: true, EventTP5Hit: true,
	EventStop: true, EventClose: true, EventTimeGuard: true,
	EventMaxBars: true, EventSwingTP: true, EventDynTP: true,
}

// Validate checks structural requirements that do not depend on ledger state.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event: missing id: %w", ErrInvalidEvent)
	}
	if !validEventKinds[e.Kind] {
		return fmt.Errorf("event %s: unknown kind %q: %w", e.ID, e.Kind, ErrInvalidEvent)
	}
	if e.Symbol == "" {
		return fmt.Errorf("event %s: missing symbol: %w", e.ID, ErrInvalidEvent)
	}
	if e.Strategy == "" {
		return fmt.Errorf("event %s: missing strategy: %w", e.ID, ErrInvalidEvent)
	}
	switch e.QtyMode {
	case QtyModePercent, QtyModeQuantity:
	default:
		return fmt.Errorf("event %s: qty_mode must be %q or %q, got %q: %w",
			e.ID, QtyModePercent, QtyModeQuantity, e.QtyMode, ErrInvalidEvent)
	}
	if e.QtyMode == QtyModeQuantity && !e.IsEntry() && e.Qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("event %s: quantity mode requires a positive qty: %w", e.ID, ErrInvalidEvent)
	}
	if e.IsEntry() {
		if e.Price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("event %s: entry requires a positive price: %w", e.ID, ErrInvalidEvent)
		}
		for i, tp := range e.TPPlan {
			if tp.Percent.LessThanOrEqual(decimal.Zero) || tp.Percent.GreaterThan(decimal.NewFromInt(1)) {
				return fmt.Errorf("event %s: tp plan level %d percent %s out of (0,1]: %w",
					e.ID, i+1, tp.Percent, ErrInvalidEvent)
			}
		}
		if len(e.TPPlan) > 5 {
			return fmt.Errorf("event %s: tp plan has %d levels, max 5: %w", e.ID, len(e.TPPlan), ErrInvalidEvent)
		}
	}
	return nil
}

// ProcessedEvent is the persistent record of a fully handled delivery. It is
// what makes deduplication survive restarts.
type ProcessedEvent struct {
	EventID     string
	Kind        EventKind
	Symbol      string
	Strategy    string
	Outcome     string
	Payload     []byte
	ProcessedAt time.Time
}
