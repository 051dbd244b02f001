// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	Env             string        `env:"ENV" envDefault:"development"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	// AdminToken guards the /admin routes. Empty disables the check.
	AdminToken string `env:"ADMIN_TOKEN"`
}

type Storage struct {
	// DatabaseURL selects Postgres; empty runs on the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	// PebblePath enables the durable position journal.
	PebblePath string `env:"PEBBLE_PATH"`
	MaxAssets  int64  `env:"MAX_CACHED_ASSETS" envDefault:"10000"`
}

type Market struct {
	PriceRetention   int           `env:"PRICE_RETENTION" envDefault:"1000"`
	MarketDataWindow time.Duration `env:"MARKET_DATA_WINDOW" envDefault:"24h"`
	BookDepth        int           `env:"BOOK_DEPTH" envDefault:"20"`
}

type Settlement struct {
	KafkaBrokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string        `env:"KAFKA_TOPIC" envDefault:"collectfi.settlement"`
	Buffer       int           `env:"SETTLEMENT_BUFFER" envDefault:"4096"`
	Retries      int           `env:"SETTLEMENT_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"SETTLEMENT_RETRY_BACKOFF" envDefault:"200ms"`
	BatchSize    int           `env:"SETTLEMENT_BATCH_SIZE" envDefault:"100"`
}

// Config is the full server configuration.
type Config struct {
	Server     Server
	Storage    Storage
	Market     Market
	Settlement Settlement
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// IsProd reports whether the server runs in production.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Load reads an optional .env file (or the given files), parses the
// environment and validates the result.
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT must be set"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.Server.ShutdownTimeout))
	}
	if c.IsProd() && c.Storage.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set in production"))
	}
	if c.Storage.RedisURL != "" && c.Storage.DatabaseURL == "" {
		errs = append(errs, errors.New("REDIS_URL requires DATABASE_URL"))
	}
	if c.Storage.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.Storage.CacheTTL))
	}
	if c.Storage.MaxAssets <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CACHED_ASSETS must be positive, got %d", c.Storage.MaxAssets))
	}
	if c.Market.PriceRetention <= 0 {
		errs = append(errs, fmt.Errorf("PRICE_RETENTION must be positive, got %d", c.Market.PriceRetention))
	}
	if c.Market.MarketDataWindow <= 0 {
		errs = append(errs, fmt.Errorf("MARKET_DATA_WINDOW must be positive, got %s", c.Market.MarketDataWindow))
	}
	if c.Market.BookDepth <= 0 {
		errs = append(errs, fmt.Errorf("BOOK_DEPTH must be positive, got %d", c.Market.BookDepth))
	}
	if len(c.Settlement.KafkaBrokers) > 0 && c.Settlement.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC must be set when KAFKA_BROKERS is"))
	}
	if c.Settlement.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_BATCH_SIZE must be positive, got %d", c.Settlement.BatchSize))
	}
	if c.Settlement.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_BUFFER must be positive, got %d", c.Settlement.Buffer))
	}
	if c.Settlement.Retries < 1 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_RETRIES must be at least 1, got %d", c.Settlement.Retries))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}
