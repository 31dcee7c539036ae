package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/posledger/posledger/internal/dispatch"
	"github.com/posledger/posledger/internal/server"
	"github.com/posledger/posledger/internal/server/handler"
	"github.com/posledger/posledger/internal/server/ws"
	"github.com/posledger/posledger/internal/service"
)

// ServeMode runs webhook ingestion, the order dispatcher, and the HTTP API.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	dispatcher, ledger := a.buildLedger(deps)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, ledger)
	}

	return g.Wait()
}

// ReconcileMode runs only the reconciliation loop against the exchanges.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startReconciler(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode runs only the S3 archival loop.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if !a.startArchiver(ctx, g, deps) {
		a.logger.WarnContext(ctx, "archive mode selected but archival is not configured; idling until shutdown")
		<-ctx.Done()
		return ctx.Err()
	}
	return g.Wait()
}

// FullMode starts all subsystems: ingestion, dispatch, reconciliation,
// archival, and the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	dispatcher, ledger := a.buildLedger(deps)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	a.startReconciler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, ledger)
	}

	return g.Wait()
}

// buildLedger constructs the dispatcher and the ledger service on top of it.
func (a *App) buildLedger(deps *Dependencies) (*dispatch.Dispatcher, *service.LedgerService) {
	dispatcher := dispatch.New(
		deps.Executors,
		deps.PositionStore,
		deps.AuditStore,
		deps.Notifier,
		deps.SignalBus,
		dispatch.Config{
			AttemptTimeout: a.cfg.Dispatch.AttemptTimeout.Duration,
			MaxRetries:     a.cfg.Dispatch.MaxRetries,
			RetryBackoff:   a.cfg.Dispatch.RetryBackoff.Duration,
		},
		a.logger,
	)

	ledger := service.NewLedgerService(
		deps.PositionStore,
		deps.EventStore,
		deps.Deduper,
		deps.LockManager,
		deps.SignalBus,
		deps.AuditStore,
		dispatcher,
		deps.Accounts,
		deps.EngineParams,
		a.cfg.Webhook.DedupTTL.Duration,
		a.logger,
	)

	return dispatcher, ledger
}

// startReconciler adds the reconciliation loop to the errgroup when enabled.
func (a *App) startReconciler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Reconcile.Enabled {
		a.logger.InfoContext(ctx, "reconciliation disabled")
		return
	}

	reconciler := service.NewReconcileService(
		deps.PositionStore,
		deps.Executors,
		deps.Accounts,
		deps.AuditStore,
		deps.Notifier,
		a.cfg.Reconcile.Interval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return reconciler.Run(ctx)
	})
}

// startArchiver adds the archival loop to the errgroup. Returns false when
// archival is disabled or S3 is not wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) bool {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		a.logger.InfoContext(ctx, "archival disabled")
		return false
	}

	archiver := service.NewArchiveService(
		deps.Archiver,
		a.cfg.Archive.Interval.Duration,
		a.cfg.Archive.Retention.Duration,
		a.logger,
	)
	g.Go(func() error {
		return archiver.Run(ctx)
	})
	return true
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, ledger *service.LedgerService) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	accountIDs := make([]string, 0, len(a.cfg.Accounts))
	for _, acct := range a.cfg.Accounts {
		accountIDs = append(accountIDs, acct.ID)
	}

	handlers := server.Handlers{
		Webhook:   handler.NewWebhookHandler(ledger, a.cfg.Webhook.Passphrase, a.logger),
		Positions: handler.NewPositionHandler(ledger, a.logger),
		Events:    handler.NewEventHandler(ledger, a.logger),
		Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
		Archive:   handler.NewArchiveHandler(deps.BlobReader, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, accountIDs, ledger, a.logger),
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.PG,
			"redis":    deps.Redis,
		}, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		WebhookRateLimit:  a.cfg.Server.WebhookRateLimit,
		WebhookRateWindow: a.cfg.Server.WebhookRateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
