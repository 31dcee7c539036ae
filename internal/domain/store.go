package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists ledger positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error

	// Update replaces all mutable fields with compare-and-set semantics:
	// the row is written only when its stored version equals pos.Version,
	// and the stored version is incremented. ErrVersionConflict is returned
	// when another writer got there first.
	Update(ctx context.Context, pos Position) error

	GetByID(ctx context.Context, id string) (Position, error)

	// FindOpen returns every open position for the resolution key, most
	// recently opened first.
	FindOpen(ctx context.Context, accountID, symbol, strategy string) ([]Position, error)

	// ListOpen returns open positions; an empty accountID means all accounts.
	ListOpen(ctx context.Context, accountID string) ([]Position, error)

	List(ctx context.Context, opts ListOpts) ([]Position, error)

	// AppendOrderID records an exchange order ID against a position without
	// bumping its version.
	AppendOrderID(ctx context.Context, id, orderID string) error

	// ListClosedBefore returns positions closed strictly before the cutoff.
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// EventStore persists the processed-event journal behind delivery dedup.
type EventStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, rec ProcessedEvent) error
	ListRecent(ctx context.Context, opts ListOpts) ([]ProcessedEvent, error)

	// ListProcessedBefore returns journal rows processed strictly before the
	// cutoff, for archival.
	ListProcessedBefore(ctx context.Context, before time.Time) ([]ProcessedEvent, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Dispatch failures land here
// as the reconciliation discrepancy queue.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
