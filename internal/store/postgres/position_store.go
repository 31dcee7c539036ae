package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, account_id, symbol, strategy, side, status,
	entry_price, initial_qty, remaining_qty, sl_price, sl_type,
	leverage, margin_mode, entry_strategy, tp_level,
	tp_plan, closed_qty, order_ids, version, opened_at, updated_at, closed_at`

// Quantities travel as text on the wire and as NUMERIC in the schema, so no
// float ever touches them.
func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var entryPrice, initialQty, remainingQty, slPrice string
	var tpPlan, closedQty, orderIDs []byte

	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.Strategy,
		&side, &status,
		&entryPrice, &initialQty, &remainingQty, &slPrice, &p.SLType,
		&p.Leverage, &p.MarginMode, &p.EntryStrategy, &p.TPLevel,
		&tpPlan, &closedQty, &orderIDs,
		&p.Version, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)

	if p.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return domain.Position{}, fmt.Errorf("parse entry_price: %w", err)
	}
	if p.InitialQty, err = decimal.NewFromString(initialQty); err != nil {
		return domain.Position{}, fmt.Errorf("parse initial_qty: %w", err)
	}
	if p.RemainingQty, err = decimal.NewFromString(remainingQty); err != nil {
		return domain.Position{}, fmt.Errorf("parse remaining_qty: %w", err)
	}
	if p.SLPrice, err = decimal.NewFromString(slPrice); err != nil {
		return domain.Position{}, fmt.Errorf("parse sl_price: %w", err)
	}
	if err := json.Unmarshal(tpPlan, &p.TPPlan); err != nil {
		return domain.Position{}, fmt.Errorf("parse tp_plan: %w", err)
	}
	if err := json.Unmarshal(closedQty, &p.ClosedQty); err != nil {
		return domain.Position{}, fmt.Errorf("parse closed_qty: %w", err)
	}
	if err := json.Unmarshal(orderIDs, &p.OrderIDs); err != nil {
		return domain.Position{}, fmt.Errorf("parse order_ids: %w", err)
	}
	if p.ClosedQty == nil {
		p.ClosedQty = make(map[domain.CloseReason]decimal.Decimal)
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func marshalPositionJSON(p domain.Position) (tpPlan, closedQty, orderIDs []byte, err error) {
	if p.TPPlan == nil {
		p.TPPlan = []domain.TPTarget{}
	}
	if p.ClosedQty == nil {
		p.ClosedQty = map[domain.CloseReason]decimal.Decimal{}
	}
	if p.OrderIDs == nil {
		p.OrderIDs = []string{}
	}
	if tpPlan, err = json.Marshal(p.TPPlan); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tp_plan: %w", err)
	}
	if closedQty, err = json.Marshal(p.ClosedQty); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal closed_qty: %w", err)
	}
	if orderIDs, err = json.Marshal(p.OrderIDs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal order_ids: %w", err)
	}
	return tpPlan, closedQty, orderIDs, nil
}

// Create inserts a new position at version 0.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	tpPlan, closedQty, orderIDs, err := marshalPositionJSON(p)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, account_id, symbol, strategy, side, status,
			entry_price, initial_qty, remaining_qty, sl_price, sl_type,
			leverage, margin_mode, entry_strategy, tp_level,
			tp_plan, closed_qty, order_ids, version, opened_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, 0, $19, $20, $21
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.AccountID, p.Symbol, p.Strategy,
		string(p.Side), string(p.Status),
		p.EntryPrice.String(), p.InitialQty.String(), p.RemainingQty.String(),
		p.SLPrice.String(), p.SLType,
		p.Leverage, p.MarginMode, p.EntryStrategy, p.TPLevel,
		tpPlan, closedQty, orderIDs,
		p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields, guarded by the version the caller read.
// The row is written only when the stored version still matches; the stored
// version is incremented in the same statement.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tpPlan, closedQty, orderIDs, err := marshalPositionJSON(p)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}

	const query = `
		UPDATE positions SET
			side           = $3,
			status         = $4,
			entry_price    = $5,
			initial_qty    = $6,
			remaining_qty  = $7,
			sl_price       = $8,
			sl_type        = $9,
			leverage       = $10,
			margin_mode    = $11,
			entry_strategy = $12,
			tp_level       = $13,
			tp_plan        = $14,
			closed_qty     = $15,
			order_ids      = $16,
			version        = version + 1,
			updated_at     = $17,
			closed_at      = $18
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Version,
		string(p.Side), string(p.Status),
		p.EntryPrice.String(), p.InitialQty.String(), p.RemainingQty.String(),
		p.SLPrice.String(), p.SLType,
		p.Leverage, p.MarginMode, p.EntryStrategy, p.TPLevel,
		tpPlan, closedQty, orderIDs,
		p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		if _, getErr := s.GetByID(ctx, p.ID); errors.Is(getErr, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: update position %s at version %d: %w",
			p.ID, p.Version, domain.ErrVersionConflict)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// FindOpen returns open positions matching the resolution key, most recently
// opened first.
func (s *PositionStore) FindOpen(ctx context.Context, accountID, symbol, strategy string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND strategy = $3 AND status = 'open'
		 ORDER BY opened_at DESC`, accountID, symbol, strategy)
	if err != nil {
		return nil, fmt.Errorf("postgres: find open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListOpen returns all open positions, optionally restricted to one account.
func (s *PositionStore) ListOpen(ctx context.Context, accountID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = 'open'`
	args := []any{}
	if accountID != "" {
		query += ` AND account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// List returns positions with pagination and optional time filtering.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// AppendOrderID records an exchange order against a position. It deliberately
// skips the version check: order IDs are append-only bookkeeping and must not
// race with lifecycle writes.
func (s *PositionStore) AppendOrderID(ctx context.Context, id, orderID string) error {
	const query = `
		UPDATE positions SET
			order_ids  = order_ids || to_jsonb($2::text),
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, orderID)
	if err != nil {
		return fmt.Errorf("postgres: append order %s to position %s: %w", orderID, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns positions closed strictly before the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < $1
		 ORDER BY closed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore removes archived rows after a successful upload.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE status = 'closed' AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
