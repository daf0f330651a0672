package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	AppEnv       string `env:"APP_ENV" default:"development"`
	Port         string `env:"PORT" default:"8080"`
	AppURL       string `env:"APP_URL" default:"http://localhost:8080"`
	StoreBackend string `env:"STORE_BACKEND" default:"redis"`
	RedisURL     string `env:"REDIS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`
	LogLevel     string `env:"LOG_LEVEL" default:"info"`
	LogFormat    string `env:"LOG_FORMAT" default:"text"`

	StorePageSize  int `env:"STORE_PAGE_SIZE" default:"100"`
	StoreBatchSize int `env:"STORE_BATCH_SIZE" default:"25"`

	StaleAfter    time.Duration `env:"STALE_AFTER" default:"720h"`   // ~1 month
	RevealedAfter time.Duration `env:"REVEALED_AFTER" default:"24h"` // ~1 day
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" default:"24h"` // 0 disables the in-process sweeper

	OwnVoteVisibility string `env:"OWN_VOTE_VISIBILITY" default:"show"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRateLimit     float64 `env:"CONNECTION_RATE_LIMIT" default:"20"`
	APIRateLimit            float64 `env:"API_RATE_LIMIT" default:"5"`
	APIRateBurst            int     `env:"API_RATE_BURST" default:"10"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendPostgres, cfg.StoreBackend)
	}

	if cfg.StorePageSize < 1 {
		return errors.New("STORE_PAGE_SIZE must be positive")
	}
	if cfg.StoreBatchSize < 1 || cfg.StoreBatchSize > 100 {
		return errors.New("STORE_BATCH_SIZE must be between 1 and 100")
	}

	if cfg.StaleAfter <= 0 || cfg.RevealedAfter <= 0 {
		return errors.New("STALE_AFTER and REVEALED_AFTER must be positive")
	}
	if cfg.SweepInterval < 0 {
		return errors.New("SWEEP_INTERVAL must not be negative")
	}

	if cfg.OwnVoteVisibility != "show" && cfg.OwnVoteVisibility != "hide" {
		return fmt.Errorf("OWN_VOTE_VISIBILITY must be show or hide, got %q", cfg.OwnVoteVisibility)
	}

	return nil
}
