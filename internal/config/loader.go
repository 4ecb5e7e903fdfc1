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
// built-in defaults, applies ARBRIDGE_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ARBRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.DepositPollInterval, "ARBRIDGE_ENGINE_DEPOSIT_POLL_INTERVAL")
	setDuration(&cfg.Engine.DepositMaxWait, "ARBRIDGE_ENGINE_DEPOSIT_MAX_WAIT")
	setDuration(&cfg.Engine.CallTimeout, "ARBRIDGE_ENGINE_CALL_TIMEOUT")
	setDuration(&cfg.Engine.LockTTL, "ARBRIDGE_ENGINE_LOCK_TTL")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "ARBRIDGE_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.SellTimeout, "ARBRIDGE_MONITOR_SELL_TIMEOUT")
	setDuration(&cfg.Monitor.PriceStaleAfter, "ARBRIDGE_MONITOR_PRICE_STALE_AFTER")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "ARBRIDGE_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.ClosingGrace, "ARBRIDGE_RECONCILE_CLOSING_GRACE")
	setDuration(&cfg.Reconcile.MaxOpenAge, "ARBRIDGE_RECONCILE_MAX_OPEN_AGE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARBRIDGE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ARBRIDGE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ARBRIDGE_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.Prune, "ARBRIDGE_ARCHIVE_PRUNE")

	// ── Database ──
	setStr(&cfg.Database.DSN, "ARBRIDGE_DATABASE_DSN")
	setStr(&cfg.Database.Host, "ARBRIDGE_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ARBRIDGE_DATABASE_PORT")
	setStr(&cfg.Database.Database, "ARBRIDGE_DATABASE_NAME")
	setStr(&cfg.Database.User, "ARBRIDGE_DATABASE_USER")
	setStr(&cfg.Database.Password, "ARBRIDGE_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ARBRIDGE_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "ARBRIDGE_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ARBRIDGE_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ARBRIDGE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBRIDGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBRIDGE_S3_FORCE_PATH_STYLE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ARBRIDGE_CHAIN_RPC_URL")

	// ── Venues ──
	setBool(&cfg.Binance.Enabled, "ARBRIDGE_BINANCE_ENABLED")
	setStr(&cfg.Binance.BaseURL, "ARBRIDGE_BINANCE_BASE_URL")
	setDuration(&cfg.Binance.Timeout, "ARBRIDGE_BINANCE_TIMEOUT")
	setInt(&cfg.Binance.RequestsPerMinute, "ARBRIDGE_BINANCE_REQUESTS_PER_MINUTE")
	setBool(&cfg.Kucoin.Enabled, "ARBRIDGE_KUCOIN_ENABLED")
	setStr(&cfg.Kucoin.BaseURL, "ARBRIDGE_KUCOIN_BASE_URL")
	setDuration(&cfg.Kucoin.Timeout, "ARBRIDGE_KUCOIN_TIMEOUT")
	setInt(&cfg.Kucoin.RequestsPerMinute, "ARBRIDGE_KUCOIN_REQUESTS_PER_MINUTE")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "ARBRIDGE_FEED_ENABLED")
	setStr(&cfg.Feed.StreamURL, "ARBRIDGE_FEED_STREAM_URL")
	setStringSlice(&cfg.Feed.Pairs, "ARBRIDGE_FEED_PAIRS")

	// ── Detect ──
	setBool(&cfg.Detect.Enabled, "ARBRIDGE_DETECT_ENABLED")
	setStr(&cfg.Detect.UserID, "ARBRIDGE_DETECT_USER_ID")
	setStringSlice(&cfg.Detect.Pairs, "ARBRIDGE_DETECT_PAIRS")
	setStringSlice(&cfg.Detect.Exchanges, "ARBRIDGE_DETECT_EXCHANGES")
	setDuration(&cfg.Detect.Interval, "ARBRIDGE_DETECT_INTERVAL")
	setFloat64(&cfg.Detect.MinNetEdgeBps, "ARBRIDGE_DETECT_MIN_NET_EDGE_BPS")
	setFloat64(&cfg.Detect.EstCostBps, "ARBRIDGE_DETECT_EST_COST_BPS")
	setFloat64(&cfg.Detect.USDTToSpend, "ARBRIDGE_DETECT_USDT_TO_SPEND")
	setDuration(&cfg.Detect.Cooldown, "ARBRIDGE_DETECT_COOLDOWN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBRIDGE_NOTIFY_EVENTS")

	// ── Credentials ──
	setStr(&cfg.Credentials.MasterPassword, "ARBRIDGE_CREDENTIALS_MASTER_PASSWORD")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBRIDGE_MODE")
	setStr(&cfg.LogLevel, "ARBRIDGE_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
