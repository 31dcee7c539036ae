// Package config defines the top-level configuration for the position ledger
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POSLEDGER_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Accounts  []AccountConfig `toml:"accounts"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	WebhookRateLimit  int      `toml:"webhook_rate_limit"`
	WebhookRateWindow duration `toml:"webhook_rate_window"`
}

// WebhookConfig holds webhook ingestion parameters. An empty passphrase
// disables the payload passphrase check.
type WebhookConfig struct {
	Passphrase string   `toml:"passphrase"`
	DedupTTL   duration `toml:"dedup_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters used for archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig holds lifecycle-engine parameters. Epsilon and
// default_tp_percent are decimal strings so no precision is lost in transit.
type LedgerConfig struct {
	Epsilon          string `toml:"epsilon"`
	DefaultTPPercent string `toml:"default_tp_percent"`
}

// DispatchConfig holds order-dispatch retry parameters.
type DispatchConfig struct {
	AttemptTimeout duration `toml:"attempt_timeout"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBackoff   duration `toml:"retry_backoff"`
}

// ReconcileConfig holds exchange reconciliation parameters.
type ReconcileConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// ArchiveConfig holds S3 archival schedule parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// AccountConfig describes one exchange account that webhook events fan out to.
type AccountConfig struct {
	ID           string   `toml:"id"`
	Exchange     string   `toml:"exchange"` // "binance" or "paper"
	ApiKey       string   `toml:"api_key"`
	ApiSecret    string   `toml:"api_secret"`
	Testnet      bool     `toml:"testnet"`
	Enabled      bool     `toml:"enabled"`
	AllowSymbols []string `toml:"allow_symbols"`
	DenySymbols  []string `toml:"deny_symbols"`
	PositionSize string   `toml:"position_size"` // decimal string, base-asset units
	Leverage     int      `toml:"leverage"`
	MarginMode   string   `toml:"margin_mode"` // "cross" or "isolated"
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			WebhookRateLimit:  120,
			WebhookRateWindow: duration{time.Minute},
		},
		Webhook: WebhookConfig{
			DedupTTL: duration{time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "posledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "posledger-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			Epsilon:          "0.000001",
			DefaultTPPercent: "0.2",
		},
		Dispatch: DispatchConfig{
			AttemptTimeout: duration{10 * time.Second},
			MaxRetries:     3,
			RetryBackoff:   duration{500 * time.Millisecond},
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Interval:  duration{24 * time.Hour},
			Retention: duration{30 * 24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"dispatch_failure", "reconciled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":     true,
	"reconcile": true,
	"archive":   true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validExchanges = map[string]bool{
	"binance": true,
	"paper":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, reconcile, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 settings are only checked when archival is in play.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}
	if c.Archive.Enabled && !c.S3.Enabled {
		errs = append(errs, "archive: requires s3.enabled = true")
	}

	// Ledger
	if eps, err := decimal.NewFromString(c.Ledger.Epsilon); err != nil {
		errs = append(errs, fmt.Sprintf("ledger: epsilon %q is not a decimal", c.Ledger.Epsilon))
	} else if eps.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "ledger: epsilon must be > 0")
	}
	if pct, err := decimal.NewFromString(c.Ledger.DefaultTPPercent); err != nil {
		errs = append(errs, fmt.Sprintf("ledger: default_tp_percent %q is not a decimal", c.Ledger.DefaultTPPercent))
	} else if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "ledger: default_tp_percent must be in (0, 1]")
	}

	// Dispatch
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, "dispatch: max_retries must be >= 0")
	}
	if c.Dispatch.AttemptTimeout.Duration <= 0 {
		errs = append(errs, "dispatch: attempt_timeout must be > 0")
	}

	// Accounts
	if len(c.Accounts) == 0 {
		errs = append(errs, "accounts: at least one [[accounts]] entry is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if a.ID == "" {
			errs = append(errs, prefix+": id must not be empty")
		} else if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate account id %q", prefix, a.ID))
		}
		seen[a.ID] = true

		if !validExchanges[strings.ToLower(a.Exchange)] {
			errs = append(errs, fmt.Sprintf("%s: unknown exchange %q (valid: binance, paper)", prefix, a.Exchange))
		}
		if strings.EqualFold(a.Exchange, "binance") && a.Enabled {
			if a.ApiKey == "" || a.ApiSecret == "" {
				errs = append(errs, prefix+": api_key and api_secret are required for binance accounts")
			}
		}
		if a.PositionSize != "" {
			if sz, err := decimal.NewFromString(a.PositionSize); err != nil {
				errs = append(errs, fmt.Sprintf("%s: position_size %q is not a decimal", prefix, a.PositionSize))
			} else if sz.LessThanOrEqual(decimal.Zero) {
				errs = append(errs, prefix+": position_size must be > 0")
			}
		}
		if a.Leverage < 0 {
			errs = append(errs, prefix+": leverage must be >= 0")
		}
		if a.MarginMode != "" &&
			!strings.EqualFold(a.MarginMode, "cross") &&
			!strings.EqualFold(a.MarginMode, "isolated") {
			errs = append(errs, fmt.Sprintf("%s: margin_mode must be cross or isolated, got %q", prefix, a.MarginMode))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
