// Package config defines the top-level configuration for the transfer
// arbitrage service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBRIDGE_* environment variables.
type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Archive     ArchiveConfig     `toml:"archive"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Chain       ChainConfig       `toml:"chain"`
	Binance     BinanceConfig     `toml:"binance"`
	Kucoin      KucoinConfig      `toml:"kucoin"`
	Feed        FeedConfig        `toml:"feed"`
	Detect      DetectConfig      `toml:"detect"`
	Notify      NotifyConfig      `toml:"notify"`
	Credentials CredentialsConfig `toml:"credentials"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// EngineConfig holds the transfer engine's cadences and budgets.
type EngineConfig struct {
	DepositPollInterval duration `toml:"deposit_poll_interval"`
	DepositMaxWait      duration `toml:"deposit_max_wait"`
	CallTimeout         duration `toml:"call_timeout"`
	LockTTL             duration `toml:"lock_ttl"`
}

// MonitorConfig holds the position exit monitor's cadences and budgets.
type MonitorConfig struct {
	Interval        duration `toml:"interval"`
	SellTimeout     duration `toml:"sell_timeout"`
	PriceStaleAfter duration `toml:"price_stale_after"`
}

// ReconcileConfig holds the reconciliation sweep's cadence and thresholds.
type ReconcileConfig struct {
	Interval     duration `toml:"interval"`
	ClosingGrace duration `toml:"closing_grace"`
	MaxOpenAge   duration `toml:"max_open_age"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prune         bool     `toml:"prune"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig holds the Ethereum-compatible RPC endpoint used for the
// on-chain deposit confirmation cross-check. Leave RPCURL empty to disable.
type ChainConfig struct {
	RPCURL string `toml:"rpc_url"`
}

// BinanceConfig holds the Binance venue adapter parameters.
type BinanceConfig struct {
	Enabled           bool     `toml:"enabled"`
	BaseURL           string   `toml:"base_url"`
	Timeout           duration `toml:"timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
}

// KucoinConfig holds the KuCoin venue adapter parameters.
type KucoinConfig struct {
	Enabled           bool     `toml:"enabled"`
	BaseURL           string   `toml:"base_url"`
	Timeout           duration `toml:"timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
}

// FeedConfig holds the websocket price feed parameters.
type FeedConfig struct {
	Enabled   bool     `toml:"enabled"`
	StreamURL string   `toml:"stream_url"`
	Pairs     []string `toml:"pairs"`
}

// DetectConfig holds the cross-venue spread detector parameters.
type DetectConfig struct {
	Enabled       bool     `toml:"enabled"`
	UserID        string   `toml:"user_id"`
	Pairs         []string `toml:"pairs"`
	Exchanges     []string `toml:"exchanges"`
	Interval      duration `toml:"interval"`
	MinNetEdgeBps float64  `toml:"min_net_edge_bps"`
	EstCostBps    float64  `toml:"est_cost_bps"`
	USDTToSpend   float64  `toml:"usdt_to_spend"`
	Cooldown      duration `toml:"cooldown"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// CredentialsConfig holds the master password that encrypts stored exchange
// API credential bags.
type CredentialsConfig struct {
	MasterPassword string `toml:"master_password"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			DepositPollInterval: duration{10 * time.Second},
			DepositMaxWait:      duration{time.Hour},
			CallTimeout:         duration{15 * time.Second},
			LockTTL:             duration{90 * time.Minute},
		},
		Monitor: MonitorConfig{
			Interval:        duration{30 * time.Second},
			SellTimeout:     duration{60 * time.Second},
			PriceStaleAfter: duration{30 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Interval:     duration{10 * time.Minute},
			ClosingGrace: duration{5 * time.Minute},
			MaxOpenAge:   duration{48 * time.Hour},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
			Prune:         false,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbridge",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbridge-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Binance: BinanceConfig{
			Enabled:           true,
			BaseURL:           "https://api.binance.com",
			Timeout:           duration{15 * time.Second},
			RequestsPerMinute: 1100,
		},
		Kucoin: KucoinConfig{
			Enabled:           true,
			BaseURL:           "https://api.kucoin.com",
			Timeout:           duration{15 * time.Second},
			RequestsPerMinute: 1700,
		},
		Feed: FeedConfig{
			Enabled:   true,
			StreamURL: "wss://stream.binance.com:9443/stream",
			Pairs:     []string{"BTCUSDT", "ETHUSDT"},
		},
		Detect: DetectConfig{
			Enabled:       false,
			Pairs:         []string{"BTCUSDT", "ETHUSDT"},
			Exchanges:     []string{"binance", "kucoin"},
			Interval:      duration{10 * time.Second},
			MinNetEdgeBps: 50,
			EstCostBps:    25,
			USDTToSpend:   1000,
			Cooldown:      duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"transfer_completed", "transfer_failed", "position_closed", "reconcile_mismatch"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"monitor": true,
	"sweep":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, monitor, sweep, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Engine.DepositPollInterval.Duration <= 0 {
		errs = append(errs, "engine: deposit_poll_interval must be > 0")
	}
	if c.Engine.DepositMaxWait.Duration <= 0 {
		errs = append(errs, "engine: deposit_max_wait must be > 0")
	}
	if c.Engine.DepositMaxWait.Duration < c.Engine.DepositPollInterval.Duration {
		errs = append(errs, "engine: deposit_max_wait must not be shorter than deposit_poll_interval")
	}
	if c.Engine.LockTTL.Duration > 0 && c.Engine.LockTTL.Duration < c.Engine.DepositMaxWait.Duration {
		errs = append(errs, "engine: lock_ttl must not be shorter than deposit_max_wait")
	}

	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.SellTimeout.Duration <= 0 {
		errs = append(errs, "monitor: sell_timeout must be > 0")
	}

	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}
	if c.Reconcile.ClosingGrace.Duration <= 0 {
		errs = append(errs, "reconcile: closing_grace must be > 0")
	}
	if c.Reconcile.MaxOpenAge.Duration <= c.Reconcile.ClosingGrace.Duration {
		errs = append(errs, "reconcile: max_open_age must exceed closing_grace")
	}

	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1 when enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0 when enabled")
		}
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
	}

	if !c.Binance.Enabled && !c.Kucoin.Enabled {
		errs = append(errs, "at least one venue (binance, kucoin) must be enabled")
	}
	if c.Binance.Enabled {
		if c.Binance.BaseURL == "" {
			errs = append(errs, "binance: base_url must not be empty")
		}
		if c.Binance.RequestsPerMinute < 1 {
			errs = append(errs, "binance: requests_per_minute must be >= 1")
		}
	}
	if c.Kucoin.Enabled {
		if c.Kucoin.BaseURL == "" {
			errs = append(errs, "kucoin: base_url must not be empty")
		}
		if c.Kucoin.RequestsPerMinute < 1 {
			errs = append(errs, "kucoin: requests_per_minute must be >= 1")
		}
	}

	if c.Feed.Enabled && len(c.Feed.Pairs) == 0 {
		errs = append(errs, "feed: pairs must not be empty when the feed is enabled")
	}

	if c.Detect.Enabled {
		if c.Detect.UserID == "" {
			errs = append(errs, "detect: user_id is required when the detector is enabled")
		}
		if len(c.Detect.Pairs) == 0 {
			errs = append(errs, "detect: pairs must not be empty when the detector is enabled")
		}
		if len(c.Detect.Exchanges) < 2 {
			errs = append(errs, "detect: at least two exchanges are required")
		}
		if c.Detect.MinNetEdgeBps <= 0 {
			errs = append(errs, "detect: min_net_edge_bps must be > 0")
		}
		if c.Detect.USDTToSpend <= 0 {
			errs = append(errs, "detect: usdt_to_spend must be > 0")
		}
	}

	needsCreds := c.Mode == "engine" || c.Mode == "monitor" || c.Mode == "full"
	if needsCreds && c.Credentials.MasterPassword == "" {
		errs = append(errs, "credentials: master_password is required for mode "+c.Mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
