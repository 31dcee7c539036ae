package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

// ReconcileNotifier alerts operators about drift between the ledger and the
// exchange.
type ReconcileNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ReconcileService periodically compares the ledger's open positions against
// live exchange exposure. The ledger is authoritative for lifecycle state,
// but the exchange is authoritative for what is actually held: a ledger
// position whose symbol is flat on the exchange is closed into the catch-all
// bucket, and every other mismatch is audited for a human.
type ReconcileService struct {
	positions domain.PositionStore
	executors map[string]domain.ExchangeExecutor
	accounts  []domain.Account
	audit     domain.AuditStore
	notifier  ReconcileNotifier
	interval  time.Duration
	logger    *slog.Logger
}

// NewReconcileService creates a ReconcileService.
func NewReconcileService(
	positions domain.PositionStore,
	executors map[string]domain.ExchangeExecutor,
	accounts []domain.Account,
	audit domain.AuditStore,
	notifier ReconcileNotifier,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReconcileService{
		positions: positions,
		executors: executors,
		accounts:  accounts,
		audit:     audit,
		notifier:  notifier,
		interval:  interval,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run executes reconciliation passes until the context is cancelled.
func (s *ReconcileService) Run(ctx context.Context) error {
	s.logger.Info("reconciler started", slog.Duration("interval", s.interval))
	defer s.logger.Info("reconciler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "reconcile pass failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce reconciles every enabled account and returns the number of
// discrepancies found.
func (s *ReconcileService) RunOnce(ctx context.Context) (int, error) {
	findings := 0
	for _, acct := range s.accounts {
		if !acct.Enabled {
			continue
		}
		exec, ok := s.executors[acct.ID]
		if !ok {
			continue
		}
		n, err := s.reconcileAccount(ctx, acct, exec)
		if err != nil {
			return findings, fmt.Errorf("reconcile: account %s: %w", acct.ID, err)
		}
		findings += n
	}
	return findings, nil
}

func (s *ReconcileService) reconcileAccount(ctx context.Context, acct domain.Account, exec domain.ExchangeExecutor) (int, error) {
	open, err := s.positions.ListOpen(ctx, acct.ID)
	if err != nil {
		return 0, fmt.Errorf("list open positions: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}

	// During reconciliation an ambiguous resolution key is a hard finding,
	// not something to quietly resolve.
	findings := s.flagAmbiguousKeys(ctx, open)

	// One live size per symbol; several strategies may share it.
	bySymbol := make(map[string][]domain.Position)
	for _, p := range open {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}

	for symbol, positions := range bySymbol {
		live, err := exec.PositionSize(ctx, symbol)
		if err != nil {
			return findings, fmt.Errorf("position size for %s: %w", symbol, err)
		}

		if live.IsZero() {
			// Flat on the exchange but open in the ledger. The exchange won:
			// close the ledger positions into the catch-all bucket.
			for _, p := range positions {
				if err := s.closeDrifted(ctx, acct, p); err != nil {
					s.logger.ErrorContext(ctx, "close drifted position failed",
						slog.String("position_id", p.ID),
						slog.String("error", err.Error()))
					continue
				}
				findings++
			}
			continue
		}

		expected := decimal.Zero
		for _, p := range positions {
			if p.Side == domain.SideLong {
				expected = expected.Add(p.RemainingQty)
			} else {
				expected = expected.Sub(p.RemainingQty)
			}
		}
		if !expected.Equal(live) {
			findings++
			s.logger.WarnContext(ctx, "size mismatch",
				slog.String("account_id", acct.ID),
				slog.String("symbol", symbol),
				slog.String("ledger", expected.String()),
				slog.String("exchange", live.String()))
			if err := s.audit.Log(ctx, "reconcile_mismatch", map[string]any{
				"account_id": acct.ID,
				"symbol":     symbol,
				"ledger":     expected.String(),
				"exchange":   live.String(),
			}); err != nil {
				s.logger.WarnContext(ctx, "audit mismatch failed", slog.String("error", err.Error()))
			}
		}
	}

	return findings, nil
}

// flagAmbiguousKeys audits resolution keys held by more than one open
// position.
func (s *ReconcileService) flagAmbiguousKeys(ctx context.Context, open []domain.Position) int {
	byKey := make(map[string][]string)
	for _, p := range open {
		byKey[p.ResolveKey()] = append(byKey[p.ResolveKey()], p.ID)
	}

	findings := 0
	for key, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		findings++
		err := fmt.Errorf("reconcile: key %s held by %d positions: %w", key, len(ids), domain.ErrAmbiguousMatch)
		s.logger.ErrorContext(ctx, "ambiguous resolution key", slog.String("error", err.Error()))
		if auditErr := s.audit.Log(ctx, "ambiguous_match", map[string]any{
			"key":          key,
			"position_ids": ids,
			"source":       "reconcile",
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "audit ambiguous key failed", slog.String("error", auditErr.Error()))
		}
	}
	return findings
}

// closeDrifted closes a ledger position whose exchange exposure is gone. The
// remainder lands in the catch-all bucket so the quantity invariant holds.
func (s *ReconcileService) closeDrifted(ctx context.Context, acct domain.Account, p domain.Position) error {
	now := time.Now().UTC()
	next := p.Clone()
	next.ClosedQty[domain.CloseReasonOther] = next.ClosedQty[domain.CloseReasonOther].Add(next.RemainingQty)
	next.RemainingQty = decimal.Zero
	next.Status = domain.PositionStatusClosed
	next.ClosedAt = &now
	next.UpdatedAt = now

	if err := s.positions.Update(ctx, next); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// Someone else advanced the position; the next pass re-checks it.
			return nil
		}
		return err
	}

	s.logger.WarnContext(ctx, "position closed by reconciliation",
		slog.String("position_id", p.ID),
		slog.String("account_id", acct.ID),
		slog.String("symbol", p.Symbol))

	if err := s.audit.Log(ctx, "reconciled_flat", map[string]any{
		"position_id": p.ID,
		"account_id":  acct.ID,
		"symbol":      p.Symbol,
		"strategy":    p.Strategy,
		"closed_qty":  next.ClosedQty[domain.CloseReasonOther].String(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit reconciled close failed", slog.String("error", err.Error()))
	}

	if s.notifier != nil {
		title := fmt.Sprintf("Reconciled: %s flat on exchange", p.Symbol)
		msg := fmt.Sprintf("position %s (account %s, strategy %s) closed into the catch-all bucket",
			p.ID, acct.ID, p.Strategy)
		if err := s.notifier.Notify(ctx, "reconciled", title, msg); err != nil {
			s.logger.WarnContext(ctx, "notify reconciled close failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
