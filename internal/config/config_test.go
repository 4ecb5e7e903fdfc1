package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidateWithPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.MasterPassword = "pw"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Redis.Addr = ""
	cfg.Binance.Enabled = false
	cfg.Kucoin.Enabled = false
	cfg.Credentials.MasterPassword = "pw"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"unknown mode", "redis: addr", "at least one venue"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateDepositBudgetOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.MasterPassword = "pw"
	cfg.Engine.DepositPollInterval = duration{time.Minute}
	cfg.Engine.DepositMaxWait = duration{30 * time.Second}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "deposit_max_wait") {
		t.Fatalf("err = %v, want deposit_max_wait complaint", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
mode = "monitor"
log_level = "debug"

[engine]
deposit_poll_interval = "5s"
deposit_max_wait = "20m"

[database]
host = "db.internal"
port = 5433

[feed]
pairs = ["SOLUSDT"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "monitor" {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.Engine.DepositPollInterval.Duration != 5*time.Second {
		t.Errorf("DepositPollInterval = %v", cfg.Engine.DepositPollInterval.Duration)
	}
	if cfg.Engine.DepositMaxWait.Duration != 20*time.Minute {
		t.Errorf("DepositMaxWait = %v", cfg.Engine.DepositMaxWait.Duration)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if len(cfg.Feed.Pairs) != 1 || cfg.Feed.Pairs[0] != "SOLUSDT" {
		t.Errorf("Feed.Pairs = %v", cfg.Feed.Pairs)
	}
	// Untouched sections keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Binance.BaseURL != "https://api.binance.com" {
		t.Errorf("Binance.BaseURL = %q", cfg.Binance.BaseURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBRIDGE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ARBRIDGE_ENGINE_DEPOSIT_MAX_WAIT", "45m")
	t.Setenv("ARBRIDGE_FEED_PAIRS", "BTCUSDT, ETHUSDT ,SOLUSDT")
	t.Setenv("ARBRIDGE_KUCOIN_ENABLED", "false")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Engine.DepositMaxWait.Duration != 45*time.Minute {
		t.Errorf("DepositMaxWait = %v", cfg.Engine.DepositMaxWait.Duration)
	}
	if len(cfg.Feed.Pairs) != 3 || cfg.Feed.Pairs[2] != "SOLUSDT" {
		t.Errorf("Feed.Pairs = %v", cfg.Feed.Pairs)
	}
	if cfg.Kucoin.Enabled {
		t.Error("Kucoin.Enabled not overridden")
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Password = "db-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Credentials.MasterPassword = "master"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"database.password":          out.Database.Password,
		"redis.password":             out.Redis.Password,
		"s3.secret_key":              out.S3.SecretKey,
		"credentials.masterpassword": out.Credentials.MasterPassword,
		"notify.telegram_token":      out.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s = %q, want redacted", name, got)
		}
	}
	// Original untouched.
	if cfg.Database.Password != "db-secret" {
		t.Error("original mutated")
	}
}
