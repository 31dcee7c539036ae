package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/posledger/posledger/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The
// processed_events table is the durable half of delivery dedup: it survives
// restarts and Redis flushes.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventSelectCols = `event_id, kind, symbol, strategy, outcome, payload, processed_at`

func scanProcessedEvents(rows pgx.Rows) ([]domain.ProcessedEvent, error) {
	var events []domain.ProcessedEvent
	for rows.Next() {
		var e domain.ProcessedEvent
		var kind string
		if err := rows.Scan(&e.EventID, &kind, &e.Symbol, &e.Strategy,
			&e.Outcome, &e.Payload, &e.ProcessedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// IsProcessed reports whether the delivery ID has already been handled.
func (s *EventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check processed event %s: %w", eventID, err)
	}
	return exists, nil
}

// MarkProcessed journals a handled delivery. A concurrent insert of the same
// ID is not an error; the first writer wins and the journal stays consistent.
func (s *EventStore) MarkProcessed(ctx context.Context, rec domain.ProcessedEvent) error {
	const query = `
		INSERT INTO processed_events (event_id, kind, symbol, strategy, outcome, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.EventID, string(rec.Kind), rec.Symbol, rec.Strategy,
		rec.Outcome, rec.Payload, rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark event %s processed: %w", rec.EventID, err)
	}
	return nil
}

// ListRecent returns journal rows with pagination and optional time filtering.
func (s *EventStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM processed_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND processed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND processed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY processed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list processed events: %w", err)
	}
	defer rows.Close()

	events, err := scanProcessedEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan processed events: %w", err)
	}
	return events, nil
}

// ListProcessedBefore returns journal rows processed strictly before the cutoff.
func (s *EventStore) ListProcessedBefore(ctx context.Context, before time.Time) ([]domain.ProcessedEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM processed_events
		 WHERE processed_at < $1
		 ORDER BY processed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list old processed events: %w", err)
	}
	defer rows.Close()

	events, err := scanProcessedEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan old processed events: %w", err)
	}
	return events, nil
}

// DeleteProcessedBefore removes journal rows after archival. Rows newer than
// the dedup window are never eligible, so at-most-once delivery is preserved.
func (s *EventStore) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete old processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
