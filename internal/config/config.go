// Package config loads the market engine's settings from the environment.
// An optional .env file in the working directory is read first; variables
// already set in the process environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every tunable of the server.
type Config struct {
	Port     string     `env:"PORT" envDefault:"8080"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects PostgreSQL when set; otherwise the SQLite file at
	// DatabasePath is used. DatabasePath ":memory:" selects the in-memory store.
	DatabaseURL  string        `env:"DATABASE_URL"`
	DatabasePath string        `env:"DATABASE_PATH" envDefault:"bcp_market.db"`
	BusyTimeout  time.Duration `env:"DB_BUSY_TIMEOUT" envDefault:"5s"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	LiquidityK   decimal.Decimal `env:"LIQUIDITY_K" envDefault:"150"`
	StartingCash decimal.Decimal `env:"STARTING_CASH" envDefault:"500"`
	DailyBonus   decimal.Decimal `env:"DAILY_BONUS" envDefault:"50"`

	AdminUsername string          `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string          `env:"ADMIN_PASSWORD" envDefault:"admin123"`
	AdminCash     decimal.Decimal `env:"ADMIN_CASH" envDefault:"1000000"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-me"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// CommentRetention keeps the newest N comments per market; 0 disables pruning.
	CommentRetention  int    `env:"COMMENT_RETENTION" envDefault:"0"`
	RetentionSchedule string `env:"RETENTION_SCHEDULE" envDefault:"@hourly"`
}

// Load reads .env (if present) and parses the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if !c.LiquidityK.IsPositive() {
		return fmt.Errorf("config: LIQUIDITY_K must be positive, got %s", c.LiquidityK)
	}
	if c.StartingCash.IsNegative() {
		return fmt.Errorf("config: STARTING_CASH cannot be negative, got %s", c.StartingCash)
	}
	if c.DailyBonus.IsNegative() {
		return fmt.Errorf("config: DAILY_BONUS cannot be negative, got %s", c.DailyBonus)
	}
	if c.AdminUsername == "" {
		return errors.New("config: ADMIN_USERNAME cannot be empty")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET cannot be empty")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: TOKEN_TTL must be positive, got %v", c.TokenTTL)
	}
	if c.CommentRetention < 0 {
		return fmt.Errorf("config: COMMENT_RETENTION cannot be negative, got %d", c.CommentRetention)
	}
	return nil
}
