package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the forward executor.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Tinkoff  TinkoffConfig
	Service  ServiceConfig
	HTTP     HTTPConfig
	Log      LogConfig
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	MaxConns int32
	MinConns int32
}

// ConnString builds a PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// RedisConfig holds Redis connection parameters for the instrument cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TinkoffConfig holds the sandbox Invest API endpoint.
type TinkoffConfig struct {
	BaseURL string
}

// ServiceConfig holds scheduler parameters.
type ServiceConfig struct {
	PollIntervalSec int
	LookbackDays    int
	SafetyFraction  float64
}

// HTTPConfig holds listener addresses.
type HTTPConfig struct {
	Addr        string
	MetricsAddr string
}

// LogConfig holds logging parameters.
type LogConfig struct {
	Level string
}

// Load reads configuration from environment variables with FT_ prefix.
func Load() (*Config, error) {
	cfg := defaults()
	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "invest_alphas",
			User:     "invest_alphas",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Tinkoff: TinkoffConfig{
			BaseURL: "https://sandbox-invest-public-api.tinkoff.ru/rest",
		},
		Service: ServiceConfig{
			PollIntervalSec: 300,
			LookbackDays:    30,
			SafetyFraction:  0.95,
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("FT_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FT_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("FT_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FT_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FT_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FT_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("FT_DB_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MinConns = int32(n)
		}
	}

	if v := os.Getenv("FT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("FT_TINKOFF_BASE_URL"); v != "" {
		cfg.Tinkoff.BaseURL = v
	}

	if v := os.Getenv("FT_POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Service.PollIntervalSec = n
		}
	}
	if v := os.Getenv("FT_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Service.LookbackDays = n
		}
	}
	if v := os.Getenv("FT_SAFETY_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Service.SafetyFraction = f
		}
	}

	if v := os.Getenv("FT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("FT_METRICS_ADDR"); v != "" {
		cfg.HTTP.MetricsAddr = v
	}

	if v := os.Getenv("FT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", cfg.Log.Level)
	}

	if cfg.Database.MaxConns < 1 {
		return fmt.Errorf("FT_DB_MAX_CONNS must be >= 1, got %d", cfg.Database.MaxConns)
	}

	if cfg.Service.PollIntervalSec < 1 {
		return fmt.Errorf("FT_POLL_INTERVAL_SEC must be >= 1, got %d", cfg.Service.PollIntervalSec)
	}
	if cfg.Service.LookbackDays < 1 {
		return fmt.Errorf("FT_LOOKBACK_DAYS must be >= 1, got %d", cfg.Service.LookbackDays)
	}
	if cfg.Service.SafetyFraction <= 0 || cfg.Service.SafetyFraction > 1 {
		return fmt.Errorf("FT_SAFETY_FRACTION must be in (0, 1], got %g", cfg.Service.SafetyFraction)
	}

	return nil
}
