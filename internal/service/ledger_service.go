package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/engine"
)

// ActionDispatcher is the slice of the dispatcher the ledger needs: hand over
// actions after the ledger write committed.
type ActionDispatcher interface {
	Enqueue(ctx context.Context, a domain.Action)
}

// Outcomes recorded per account in the processed-event journal.
const (
	OutcomeOpened             = "opened"
	OutcomeApplied            = "applied"
	OutcomeClosed             = "closed"
	OutcomeStale              = "stale"
	OutcomeNoPosition         = "no_position"
	OutcomeInvariantViolation = "invariant_violation"
	OutcomeSkipped            = "skipped"
	OutcomeError              = "error"
)

// IngestResult reports what the event did, per account.
type IngestResult struct {
	EventID  string
	Outcomes map[string]string // accountID -> outcome
}

// LedgerService runs the ingest pipeline: dedup, routing, resolution, the
// lifecycle transition, the ledger write, and only then dispatch. The ledger
// write is the commit point; everything after it is best-effort and audited.
type LedgerService struct {
	positions  domain.PositionStore
	events     domain.EventStore
	deduper    domain.EventDeduper
	locks      domain.LockManager
	bus        domain.SignalBus
	audit      domain.AuditStore
	dispatcher ActionDispatcher
	accounts   []domain.Account
	params     engine.Params
	dedupTTL   time.Duration
	lockTTL    time.Duration
	logger     *slog.Logger
}

// NewLedgerService creates a LedgerService with all required dependencies.
func NewLedgerService(
	positions domain.PositionStore,
	events domain.EventStore,
	deduper domain.EventDeduper,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	dispatcher ActionDispatcher,
	accounts []domain.Account,
	params engine.Params,
	dedupTTL time.Duration,
	logger *slog.Logger,
) *LedgerService {
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &LedgerService{
		positions:  positions,
		events:     events,
		deduper:    deduper,
		locks:      locks,
		bus:        bus,
		audit:      audit,
		dispatcher: dispatcher,
		accounts:   accounts,
		params:     params,
		dedupTTL:   dedupTTL,
		lockTTL:    10 * time.Second,
		logger:     logger.With(slog.String("component", "ledger")),
	}
}

// Ingest processes one webhook delivery end to end. A delivery seen before
// returns ErrDuplicateEvent and nothing else happens; per-account problems
// (stale events, missing positions) are outcomes, not errors, because the
// delivery itself was handled.
func (s *LedgerService) Ingest(ctx context.Context, ev domain.Event) (IngestResult, error) {
	if err := ev.Validate(); err != nil {
		return IngestResult{}, err
	}

	seen, err := s.deduper.Seen(ctx, ev.ID, s.dedupTTL)
	if err != nil {
		// Redis down must not take ingest down; the journal below still
		// guards correctness.
		s.logger.WarnContext(ctx, "dedup check failed, falling through to journal",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	} else if seen {
		return IngestResult{}, fmt.Errorf("ledger: event %s: %w", ev.ID, domain.ErrDuplicateEvent)
	}

	processed, err := s.events.IsProcessed(ctx, ev.ID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ledger: journal check for event %s: %w", ev.ID, err)
	}
	if processed {
		return IngestResult{}, fmt.Errorf("ledger: event %s: %w", ev.ID, domain.ErrDuplicateEvent)
	}

	targets := s.route(ev)
	result := IngestResult{EventID: ev.ID, Outcomes: make(map[string]string, len(targets))}
	fatal := 0
	for _, acct := range targets {
		outcome := s.processAccount(ctx, acct, ev)
		result.Outcomes[acct.ID] = outcome
		if outcome == OutcomeError || outcome == OutcomeInvariantViolation {
			fatal++
		}
	}

	// A store-write failure or invariant violation leaves the journal
	// unwritten and releases the dedup claim so the sender can retry the
	// delivery. Accounts that already applied are protected on the retry by
	// state-level idempotence.
	if fatal > 0 {
		if err := s.deduper.Forget(ctx, ev.ID); err != nil {
			s.logger.WarnContext(ctx, "dedup release failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
		}
		return result, fmt.Errorf("ledger: event %s: %d of %d accounts failed, delivery left retryable",
			ev.ID, fatal, len(targets))
	}

	journal, _ := json.Marshal(result.Outcomes)
	if err := s.events.MarkProcessed(ctx, domain.ProcessedEvent{
		EventID:     ev.ID,
		Kind:        ev.Kind,
		Symbol:      ev.Symbol,
		Strategy:    ev.Strategy,
		Outcome:     string(journal),
		Payload:     ev.Raw,
		ProcessedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.ErrorContext(ctx, "journal write failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	}

	return result, nil
}

// route picks the accounts an event applies to. A named account is used as-is
// when enabled; an unnamed event fans out to every enabled account that
// admits the symbol.
func (s *LedgerService) route(ev domain.Event) []domain.Account {
	var targets []domain.Account
	for _, acct := range s.accounts {
		if !acct.Enabled {
			continue
		}
		if ev.AccountID != "" && acct.ID != ev.AccountID {
			continue
		}
		if !acct.AdmitsSymbol(ev.Symbol) {
			continue
		}
		targets = append(targets, acct)
	}
	return targets
}

// processAccount applies the event to one account's ledger under the
// account+symbol+strategy lock.
func (s *LedgerService) processAccount(ctx context.Context, acct domain.Account, ev domain.Event) string {
	log := s.logger.With(
		slog.String("event_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.String("account_id", acct.ID),
		slog.String("symbol", ev.Symbol),
		slog.String("strategy", ev.Strategy),
	)

	lockKey := fmt.Sprintf("pos:%s:%s:%s", acct.ID, ev.Symbol, ev.Strategy)
	unlock, err := s.acquireLock(ctx, lockKey)
	if err != nil {
		log.ErrorContext(ctx, "lock not acquired", slog.String("error", err.Error()))
		return OutcomeError
	}
	defer unlock()

	open, err := s.positions.FindOpen(ctx, acct.ID, ev.Symbol, ev.Strategy)
	if err != nil {
		log.ErrorContext(ctx, "find open positions failed", slog.String("error", err.Error()))
		return OutcomeError
	}

	if ev.IsEntry() {
		return s.openPosition(ctx, acct, ev, open, log)
	}
	return s.advancePosition(ctx, ev, open, log)
}

// acquireLock retries briefly on contention instead of failing the event.
func (s *LedgerService) acquireLock(ctx context.Context, key string) (func(), error) {
	const attempts = 5
	for i := 0; ; i++ {
		unlock, err := s.locks.Acquire(ctx, key, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || i == attempts-1 {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *LedgerService) openPosition(ctx context.Context, acct domain.Account, ev domain.Event, open []domain.Position, log *slog.Logger) string {
	if len(open) > 0 {
		// No pyramiding.
		log.WarnContext(ctx, "entry while position open, rejected",
			slog.String("position_id", open[0].ID))
		return OutcomeStale
	}

	qty := acct.PositionSize
	if ev.QtyMode == domain.QtyModeQuantity && ev.Qty.GreaterThan(decimal.Zero) {
		qty = ev.Qty
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		log.WarnContext(ctx, "no entry size configured, skipping")
		return OutcomeSkipped
	}

	res, err := engine.NewEntry(ev, acct, qty, time.Now().UTC(), s.params)
	if err != nil {
		log.ErrorContext(ctx, "entry rejected", slog.String("error", err.Error()))
		return OutcomeError
	}

	if err := s.positions.Create(ctx, res.Position); err != nil {
		log.ErrorContext(ctx, "create position failed", slog.String("error", err.Error()))
		return OutcomeError
	}

	s.afterCommit(ctx, res, ev, "position_opened", log)
	return OutcomeOpened
}

func (s *LedgerService) advancePosition(ctx context.Context, ev domain.Event, open []domain.Position, log *slog.Logger) string {
	if len(open) == 0 {
		log.WarnContext(ctx, "no open position for event")
		return OutcomeNoPosition
	}
	if len(open) > 1 {
		// FindOpen orders most recent first; resolve to the newest and leave
		// a trace for operators.
		ids := make([]string, len(open))
		for i, p := range open {
			ids[i] = p.ID
		}
		log.WarnContext(ctx, "ambiguous position match, using most recent",
			slog.Any("position_ids", ids))
		if err := s.audit.Log(ctx, "ambiguous_match", map[string]any{
			"event_id":     ev.ID,
			"position_ids": ids,
			"resolved_to":  open[0].ID,
		}); err != nil {
			log.WarnContext(ctx, "audit ambiguous match failed", slog.String("error", err.Error()))
		}
	}
	pos := open[0]

	// The lock makes conflicts rare, but lifecycle writes still go through
	// optimistic concurrency: reload and reapply on a lost race.
	const casAttempts = 3
	for attempt := 0; ; attempt++ {
		res, err := engine.Apply(pos, ev, time.Now().UTC(), s.params)
		if err != nil {
			return s.transitionOutcome(ctx, ev, pos, err, log)
		}

		err = s.positions.Update(ctx, res.Position)
		if err == nil {
			eventName := "position_updated"
			outcome := OutcomeApplied
			if res.Position.Status == domain.PositionStatusClosed {
				eventName = "position_closed"
				outcome = OutcomeClosed
			}
			s.afterCommit(ctx, res, ev, eventName, log)
			return outcome
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt == casAttempts-1 {
			log.ErrorContext(ctx, "position update failed", slog.String("error", err.Error()))
			return OutcomeError
		}

		pos, err = s.positions.GetByID(ctx, pos.ID)
		if err != nil {
			log.ErrorContext(ctx, "reload after version conflict failed", slog.String("error", err.Error()))
			return OutcomeError
		}
	}
}

// transitionOutcome turns engine rejections into journal outcomes. Invariant
// violations additionally leave an audit trail since they mean the sender and
// the ledger disagree about the position.
func (s *LedgerService) transitionOutcome(ctx context.Context, ev domain.Event, pos domain.Position, err error, log *slog.Logger) string {
	switch {
	case errors.Is(err, domain.ErrStaleEvent):
		log.WarnContext(ctx, "stale event", slog.String("error", err.Error()))
		return OutcomeStale
	case errors.Is(err, domain.ErrInvariantViolation):
		log.ErrorContext(ctx, "invariant violation", slog.String("error", err.Error()))
		if auditErr := s.audit.Log(ctx, "invariant_violation", map[string]any{
			"event_id":    ev.ID,
			"position_id": pos.ID,
			"kind":        string(ev.Kind),
			"error":       err.Error(),
		}); auditErr != nil {
			log.WarnContext(ctx, "audit invariant violation failed", slog.String("error", auditErr.Error()))
		}
		return OutcomeInvariantViolation
	default:
		log.ErrorContext(ctx, "transition failed", slog.String("error", err.Error()))
		return OutcomeError
	}
}

// afterCommit runs the post-write fan-out: dispatch, pub/sub, audit. Failures
// here never undo the ledger write.
func (s *LedgerService) afterCommit(ctx context.Context, res engine.Result, ev domain.Event, eventName string, log *slog.Logger) {
	for _, a := range res.Actions {
		s.dispatcher.Enqueue(ctx, a)
	}

	payload, _ := json.Marshal(map[string]any{
		"event":         eventName,
		"position_id":   res.Position.ID,
		"account_id":    res.Position.AccountID,
		"symbol":        res.Position.Symbol,
		"strategy":      res.Position.Strategy,
		"side":          string(res.Position.Side),
		"status":        string(res.Position.Status),
		"remaining_qty": res.Position.RemainingQty.String(),
		"tp_level":      res.Position.TPLevel,
		"trigger":       string(ev.Kind),
	})
	if err := s.bus.Publish(ctx, "positions", payload); err != nil {
		log.WarnContext(ctx, "publish failed", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, "stream:positions", payload); err != nil {
		log.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
	}

	if err := s.audit.Log(ctx, eventName, map[string]any{
		"event_id":    ev.ID,
		"position_id": res.Position.ID,
		"account_id":  res.Position.AccountID,
		"trigger":     string(ev.Kind),
	}); err != nil {
		log.WarnContext(ctx, "audit failed", slog.String("error", err.Error()))
	}
}

// GetPosition returns one position by ID.
func (s *LedgerService) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return s.positions.GetByID(ctx, id)
}

// ListPositions returns positions with pagination.
func (s *LedgerService) ListPositions(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return s.positions.List(ctx, opts)
}

// ListOpenPositions returns open positions, optionally for one account.
func (s *LedgerService) ListOpenPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	return s.positions.ListOpen(ctx, accountID)
}

// ListEvents returns the processed-event journal, newest first.
func (s *LedgerService) ListEvents(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error) {
	return s.events.ListRecent(ctx, opts)
}
