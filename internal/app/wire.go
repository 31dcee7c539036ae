package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "github.com/posledger/posledger/internal/blob/s3"
	"github.com/posledger/posledger/internal/cache/redis"
	"github.com/posledger/posledger/internal/config"
	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/engine"
	"github.com/posledger/posledger/internal/exchange/binance"
	"github.com/posledger/posledger/internal/exchange/paper"
	"github.com/posledger/posledger/internal/notify"
	"github.com/posledger/posledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Clients, kept for readiness probes.
	PG    *postgres.Client
	Redis *redis.Client

	// Stores
	PositionStore domain.PositionStore
	EventStore    domain.EventStore
	AuditStore    *postgres.AuditStore

	// Redis-backed coordination
	Deduper     domain.EventDeduper
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless s3.enabled)
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter
	Archiver    domain.Archiver

	// Exchange executors keyed by account ID, plus the routed accounts.
	Executors map[string]domain.ExchangeExecutor
	Accounts  []domain.Account

	// Lifecycle engine parameters derived from config.
	EngineParams engine.Params

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.PG = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.EventStore = postgres.NewEventStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient

	deps.Deduper = redis.NewEventDeduper(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader // same type implements BlobDeleter

		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.PositionStore,
			deps.EventStore,
			deps.AuditStore,
		)
	}

	// --- Engine parameters ---
	params, err := engineParams(cfg.Ledger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger params: %w", err)
	}
	deps.EngineParams = params

	// --- Accounts and executors ---
	accounts, executors, err := buildAccounts(cfg.Accounts, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: accounts: %w", err)
	}
	deps.Accounts = accounts
	deps.Executors = executors

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// engineParams parses the decimal strings from the ledger section. Validate
// catches bad values at startup, so errors here mean Wire ran on an
// unvalidated config.
func engineParams(cfg config.LedgerConfig) (engine.Params, error) {
	eps, err := decimal.NewFromString(cfg.Epsilon)
	if err != nil {
		return engine.Params{}, fmt.Errorf("epsilon %q: %w", cfg.Epsilon, err)
	}
	pct, err := decimal.NewFromString(cfg.DefaultTPPercent)
	if err != nil {
		return engine.Params{}, fmt.Errorf("default_tp_percent %q: %w", cfg.DefaultTPPercent, err)
	}
	return engine.Params{Epsilon: eps, DefaultTPPercent: pct}, nil
}

// buildAccounts converts config account entries into domain accounts and one
// exchange executor per account. Disabled accounts still get an executor so
// reconciliation can inspect them.
func buildAccounts(entries []config.AccountConfig, logger *slog.Logger) ([]domain.Account, map[string]domain.ExchangeExecutor, error) {
	accounts := make([]domain.Account, 0, len(entries))
	executors := make(map[string]domain.ExchangeExecutor, len(entries))

	for _, e := range entries {
		marginMode := strings.ToLower(e.MarginMode)
		if marginMode == "" {
			marginMode = "cross"
		}

		size := decimal.Zero
		if e.PositionSize != "" {
			var err error
			size, err = decimal.NewFromString(e.PositionSize)
			if err != nil {
				return nil, nil, fmt.Errorf("account %s: position_size %q: %w", e.ID, e.PositionSize, err)
			}
		}

		accounts = append(accounts, domain.Account{
			ID:           e.ID,
			Exchange:     strings.ToLower(e.Exchange),
			Testnet:      e.Testnet,
			Enabled:      e.Enabled,
			AllowSymbols: e.AllowSymbols,
			DenySymbols:  e.DenySymbols,
			PositionSize: size,
			Leverage:     e.Leverage,
			MarginMode:   marginMode,
		})

		switch strings.ToLower(e.Exchange) {
		case "binance":
			executors[e.ID] = binance.New(e.ApiKey, e.ApiSecret, e.Testnet, logger)
		case "paper":
			executors[e.ID] = paper.New(e.ID)
		default:
			return nil, nil, fmt.Errorf("account %s: unknown exchange %q", e.ID, e.Exchange)
		}
	}

	return accounts, executors, nil
}
