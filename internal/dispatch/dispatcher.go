// Package dispatch submits ledger actions to exchanges. The ledger is the
// source of truth and has already committed by the time an action arrives
// here: a failed submission becomes an audited discrepancy for
// reconciliation, never a ledger rollback.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/posledger/posledger/internal/domain"
)

// Notifier is the slice of the notification system the dispatcher uses to
// alert operators about terminal failures.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OrderAppender records exchange order IDs against ledger positions.
type OrderAppender interface {
	AppendOrderID(ctx context.Context, id, orderID string) error
}

// Config bounds each submission attempt.
type Config struct {
	AttemptTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Dispatcher fans actions out to per-account exchange executors. Actions for
// the same position run strictly in order; different positions run in
// parallel.
type Dispatcher struct {
	executors map[string]domain.ExchangeExecutor // accountID -> executor
	positions OrderAppender
	audit     domain.AuditStore
	notifier  Notifier
	bus       domain.SignalBus
	dedup     *Dedup
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	queues    map[string][]domain.Action // positionID -> pending actions
	running   map[string]bool            // positionID -> worker active
	setupDone map[string]bool            // accountID:symbol -> leverage/margin applied
	wg        sync.WaitGroup
	closed    bool

	cleanupInterval time.Duration
}

// New creates a Dispatcher. The executors map is keyed by account ID; an
// action for an unknown account is a terminal failure. notifier and bus may
// be nil.
func New(
	executors map[string]domain.ExchangeExecutor,
	positions OrderAppender,
	audit domain.AuditStore,
	notifier Notifier,
	bus domain.SignalBus,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		executors:       executors,
		positions:       positions,
		audit:           audit,
		notifier:        notifier,
		bus:             bus,
		dedup:           NewDedup(2 * time.Minute),
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "dispatcher")),
		queues:          make(map[string][]domain.Action),
		running:         make(map[string]bool),
		setupDone:       make(map[string]bool),
		cleanupInterval: 30 * time.Second,
	}
}

// Enqueue accepts an action for submission. It never blocks: the action joins
// its position's FIFO queue and a worker is started for the position if none
// is active. Enqueue after shutdown is dropped with a warning.
func (d *Dispatcher) Enqueue(ctx context.Context, a domain.Action) {
	if d.dedup.IsDuplicate(a.ID) {
		d.logger.WarnContext(ctx, "duplicate action dropped",
			slog.String("action_id", a.ID),
			slog.String("position_id", a.PositionID))
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "action dropped after shutdown",
			slog.String("action_id", a.ID))
		return
	}
	d.queues[a.PositionID] = append(d.queues[a.PositionID], a)
	startWorker := !d.running[a.PositionID]
	if startWorker {
		d.running[a.PositionID] = true
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if startWorker {
		go d.drainPosition(a.PositionID)
	}
}

// Run blocks until the context is cancelled, then waits for in-flight workers
// to finish their current queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	defer d.logger.Info("dispatcher stopped")

	cleanupTicker := time.NewTicker(d.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			d.wg.Wait()
			return ctx.Err()
		case <-cleanupTicker.C:
			d.dedup.Cleanup()
		}
	}
}

// drainPosition is the per-position worker. It pops actions one at a time so
// FIFO order holds even when new actions arrive mid-drain.
func (d *Dispatcher) drainPosition(positionID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[positionID]
		if len(queue) == 0 {
			d.running[positionID] = false
			delete(d.queues, positionID)
			d.mu.Unlock()
			return
		}
		a := queue[0]
		d.queues[positionID] = queue[1:]
		d.mu.Unlock()

		d.submit(a)
	}
}

// submit runs the bounded retry loop for one action. Each attempt gets its
// own timeout so a hung exchange call cannot stall the position's queue
// forever.
func (d *Dispatcher) submit(a domain.Action) {
	log := d.logger.With(
		slog.String("action_id", a.ID),
		slog.String("position_id", a.PositionID),
		slog.String("account_id", a.AccountID),
		slog.String("symbol", a.Symbol),
		slog.String("kind", string(a.Kind)),
		slog.String("quantity", a.Quantity.String()),
	)

	exec, ok := d.executors[a.AccountID]
	if !ok {
		d.recordFailure(a, fmt.Errorf("no executor for account %s: %w", a.AccountID, domain.ErrDispatchFailure), log)
		return
	}

	if a.Kind == domain.ActionEnter {
		d.ensureSetup(exec, a, log)
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff between attempts.
			time.Sleep(d.cfg.RetryBackoff << (attempt - 1))
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout)
		res, err := exec.PlaceOrder(ctx, a)
		cancel()

		if err == nil {
			log.Info("order placed",
				slog.String("order_id", res.OrderID),
				slog.String("status", res.Status),
				slog.Int("attempt", attempt+1))
			d.recordSuccess(a, res, log)
			return
		}

		lastErr = err
		log.Warn("order attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	d.recordFailure(a, fmt.Errorf("%d attempts: %v: %w", d.cfg.MaxRetries+1, lastErr, domain.ErrDispatchFailure), log)
}

func (d *Dispatcher) recordSuccess(a domain.Action, res domain.OrderResult, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.positions.AppendOrderID(ctx, a.PositionID, res.OrderID); err != nil {
		log.Error("record order id failed", slog.String("error", err.Error()))
	}
}

// ensureSetup applies the account's leverage and margin mode once per
// account+symbol before the first entry order goes out. A failed setup is
// logged and retried on the next entry; the order itself is still placed.
func (d *Dispatcher) ensureSetup(exec domain.ExchangeExecutor, a domain.Action, log *slog.Logger) {
	key := a.AccountID + ":" + a.Symbol
	d.mu.Lock()
	done := d.setupDone[key]
	d.mu.Unlock()
	if done {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout)
	err := exec.Setup(ctx, a.Symbol, a.Leverage, a.MarginMode)
	cancel()
	if err != nil {
		log.Warn("exchange setup failed",
			slog.Int("leverage", a.Leverage),
			slog.String("margin_mode", a.MarginMode),
			slog.String("error", err.Error()))
		return
	}

	d.mu.Lock()
	d.setupDone[key] = true
	d.mu.Unlock()
}

// recordFailure journals a terminal failure as a reconciliation discrepancy
// and alerts operators. The ledger state stands as written.
func (d *Dispatcher) recordFailure(a domain.Action, err error, log *slog.Logger) {
	log.Error("dispatch failed", slog.String("error", err.Error()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if auditErr := d.audit.Log(ctx, "dispatch_failure", map[string]any{
		"action_id":   a.ID,
		"position_id": a.PositionID,
		"account_id":  a.AccountID,
		"symbol":      a.Symbol,
		"kind":        string(a.Kind),
		"quantity":    a.Quantity.String(),
		"reason":      string(a.Reason),
		"error":       err.Error(),
	}); auditErr != nil {
		log.Error("audit dispatch failure failed", slog.String("error", auditErr.Error()))
	}

	if d.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":       "dispatch_failure",
			"action_id":   a.ID,
			"position_id": a.PositionID,
			"account_id":  a.AccountID,
			"symbol":      a.Symbol,
			"kind":        string(a.Kind),
			"error":       err.Error(),
		})
		if busErr := d.bus.Publish(ctx, "audit", payload); busErr != nil {
			log.Warn("publish dispatch failure failed", slog.String("error", busErr.Error()))
		}
	}

	if d.notifier != nil {
		title := fmt.Sprintf("Dispatch failed: %s %s", a.Kind, a.Symbol)
		msg := fmt.Sprintf("position %s account %s qty %s: %v", a.PositionID, a.AccountID, a.Quantity, err)
		if notifyErr := d.notifier.Notify(ctx, "dispatch_failure", title, msg); notifyErr != nil {
			log.Warn("notify dispatch failure failed", slog.String("error", notifyErr.Error()))
		}
	}
}
