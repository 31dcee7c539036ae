package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POSLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POSLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file. Per-account credentials use the account id, upper-cased with
// dashes mapped to underscores: POSLEDGER_ACCOUNT_<ID>_API_KEY.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setBool(&cfg.Server.Enabled, "POSLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POSLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POSLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POSLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.WebhookRateLimit, "POSLEDGER_SERVER_WEBHOOK_RATE_LIMIT")
	setDuration(&cfg.Server.WebhookRateWindow, "POSLEDGER_SERVER_WEBHOOK_RATE_WINDOW")

	// ── Webhook ──
	setStr(&cfg.Webhook.Passphrase, "POSLEDGER_WEBHOOK_PASSPHRASE")
	setDuration(&cfg.Webhook.DedupTTL, "POSLEDGER_WEBHOOK_DEDUP_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSLEDGER_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "POSLEDGER_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "POSLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POSLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POSLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POSLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POSLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POSLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POSLEDGER_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "POSLEDGER_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POSLEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POSLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POSLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "POSLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POSLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POSLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POSLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POSLEDGER_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Epsilon, "POSLEDGER_LEDGER_EPSILON")
	setStr(&cfg.Ledger.DefaultTPPercent, "POSLEDGER_LEDGER_DEFAULT_TP_PERCENT")

	// ── Dispatch ──
	setDuration(&cfg.Dispatch.AttemptTimeout, "POSLEDGER_DISPATCH_ATTEMPT_TIMEOUT")
	setInt(&cfg.Dispatch.MaxRetries, "POSLEDGER_DISPATCH_MAX_RETRIES")
	setDuration(&cfg.Dispatch.RetryBackoff, "POSLEDGER_DISPATCH_RETRY_BACKOFF")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "POSLEDGER_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "POSLEDGER_RECONCILE_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POSLEDGER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "POSLEDGER_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "POSLEDGER_ARCHIVE_RETENTION")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POSLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POSLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POSLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POSLEDGER_NOTIFY_EVENTS")

	// ── Accounts ──
	for i := range cfg.Accounts {
		key := accountEnvKey(cfg.Accounts[i].ID)
		setStr(&cfg.Accounts[i].ApiKey, "POSLEDGER_ACCOUNT_"+key+"_API_KEY")
		setStr(&cfg.Accounts[i].ApiSecret, "POSLEDGER_ACCOUNT_"+key+"_API_SECRET")
	}

	// ── Top-level ──
	setStr(&cfg.Mode, "POSLEDGER_MODE")
	setStr(&cfg.LogLevel, "POSLEDGER_LOG_LEVEL")
}

// accountEnvKey converts an account id to its environment variable fragment,
// e.g. "main-acct" becomes "MAIN_ACCT".
func accountEnvKey(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
