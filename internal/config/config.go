package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port string
	// ChannelsFile points at an optional YAML seed of channel and
	// catalog definitions applied at startup.
	ChannelsFile string
	// NotifyWebhookURL adds a webhook notification sink when set.
	NotifyWebhookURL string
	// HoldTTL is how long stock reservations protect a session.
	HoldTTL time.Duration
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

type DispatcherConfig struct {
	BatchLimit  int
	Interval    time.Duration
	MaxAttempts int
	ReapTimeout time.Duration
}

type Config struct {
	App        AppConfig
	Postgres   PostgresConfig
	Dispatcher DispatcherConfig
}

// NewConfig reads configuration from the environment, loading .env first
// when present. Database connection settings are required; everything
// else has defaults.
func NewConfig() (*Config, error) {
	// Missing .env is fine: production supplies real env vars.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.App.Port = getEnv("APP_PORT", "8080")
	cfg.App.ChannelsFile = os.Getenv("CHANNELS_FILE")
	cfg.App.NotifyWebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	holdTTLMin, err := getEnvInt("STOCK_HOLD_TTL_MINUTES", 15)
	if err != nil {
		return nil, err
	}
	cfg.App.HoldTTL = time.Duration(holdTTLMin) * time.Minute

	cfg.Postgres.Host = os.Getenv("DB_HOST")
	cfg.Postgres.Port = getEnv("DB_PORT", "5432")
	cfg.Postgres.User = os.Getenv("DB_USER")
	cfg.Postgres.Password = os.Getenv("DB_PASSWORD")
	cfg.Postgres.DBName = os.Getenv("DB_NAME")
	cfg.Postgres.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Postgres.MigrationsPath = getEnv("DB_MIGRATIONS_PATH", "migrations")

	for name, value := range map[string]string{
		"DB_HOST":     cfg.Postgres.Host,
		"DB_USER":     cfg.Postgres.User,
		"DB_PASSWORD": cfg.Postgres.Password,
		"DB_NAME":     cfg.Postgres.DBName,
	} {
		if value == "" {
			return nil, fmt.Errorf("config: %s is required", name)
		}
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}
	minConns, err := getEnvInt("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, err
	}
	cfg.Postgres.MaxConns = int32(maxConns)
	cfg.Postgres.MinConns = int32(minConns)
	cfg.Postgres.MaxConnLifetime = 30 * time.Minute

	batch, err := getEnvInt("DISPATCHER_BATCH_LIMIT", 50)
	if err != nil {
		return nil, err
	}
	attempts, err := getEnvInt("DISPATCHER_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	intervalSec, err := getEnvInt("DISPATCHER_INTERVAL_SECONDS", 2)
	if err != nil {
		return nil, err
	}
	reapMin, err := getEnvInt("DISPATCHER_REAP_TIMEOUT_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	cfg.Dispatcher.BatchLimit = batch
	cfg.Dispatcher.MaxAttempts = attempts
	cfg.Dispatcher.Interval = time.Duration(intervalSec) * time.Second
	cfg.Dispatcher.ReapTimeout = time.Duration(reapMin) * time.Minute

	return cfg, nil
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return n, nil
}
