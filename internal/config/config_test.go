package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Service.PollIntervalSec != 300 {
		t.Errorf("poll interval: got %d, want 300", cfg.Service.PollIntervalSec)
	}
	if cfg.Service.SafetyFraction != 0.95 {
		t.Errorf("safety fraction: got %g, want 0.95", cfg.Service.SafetyFraction)
	}
	if cfg.Service.LookbackDays != 30 {
		t.Errorf("lookback days: got %d, want 30", cfg.Service.LookbackDays)
	}
	if cfg.Database.ConnString() != "postgres://invest_alphas:@localhost:5432/invest_alphas?sslmode=disable" {
		t.Errorf("conn string: %s", cfg.Database.ConnString())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FT_DB_HOST", "db.internal")
	t.Setenv("FT_POLL_INTERVAL_SEC", "60")
	t.Setenv("FT_SAFETY_FRACTION", "0.9")
	t.Setenv("FT_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("db host: %s", cfg.Database.Host)
	}
	if cfg.Service.PollIntervalSec != 60 {
		t.Errorf("poll interval: %d", cfg.Service.PollIntervalSec)
	}
	if cfg.Service.SafetyFraction != 0.9 {
		t.Errorf("safety fraction: %g", cfg.Service.SafetyFraction)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr: %s", cfg.Redis.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FT_LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Error("expected invalid log level to be rejected")
	}

	t.Setenv("FT_LOG_LEVEL", "info")
	t.Setenv("FT_SAFETY_FRACTION", "1.5")
	if _, err := Load(); err == nil {
		t.Error("expected out-of-range safety fraction to be rejected")
	}
}
