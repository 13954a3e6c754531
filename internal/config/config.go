// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
)

// Static errors for configuration validation.
var (
	// ErrInvalidWorkers is returned when POLL_WORKERS is below one.
	ErrInvalidWorkers = errors.New("config: POLL_WORKERS must be at least 1")
	// ErrInvalidInterval is returned for a non-positive POLL_INTERVAL or MAX_UNIT_AGE.
	ErrInvalidInterval = errors.New("config: POLL_INTERVAL and MAX_UNIT_AGE must be positive")
	// ErrInvalidTolerance is returned when DURATION_TOLERANCE is outside (0, 1).
	ErrInvalidTolerance = errors.New("config: DURATION_TOLERANCE must be between 0 and 1")
	// ErrInvalidCredits is returned for a negative limit or non-positive credit rate.
	ErrInvalidCredits = errors.New("config: DEFAULT_MONTHLY_LIMIT must be >= 0 and CREDITS_PER_USD > 0")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Persistence; empty keeps everything in memory.
	DatabaseURL string `env:"DATABASE_URL" json:"-"` // Masked in JSON

	// Provider settings
	CatalogPath  string `env:"CATALOG_PATH" json:"catalog_path,omitempty"`
	RunPodAPIKey string `env:"RUNPOD_API_KEY" json:"-"` // Masked in JSON
	BeamToken    string `env:"BEAM_TOKEN" json:"-"`     // Masked in JSON

	// Orchestrator settings
	PollInterval time.Duration `env:"POLL_INTERVAL, default=5s" json:"poll_interval"`
	PollWorkers  int           `env:"POLL_WORKERS, default=4" json:"poll_workers"`
	MaxUnitAge   time.Duration `env:"MAX_UNIT_AGE, default=30m" json:"max_unit_age"`
	AutoCompose  bool          `env:"AUTO_COMPOSE, default=true" json:"auto_compose"`

	// Ledger settings, decimal strings; a zero limit means unlimited.
	DefaultMonthlyLimit string `env:"DEFAULT_MONTHLY_LIMIT, default=0" json:"default_monthly_limit"`
	CreditsPerUSD       string `env:"CREDITS_PER_USD, default=100" json:"credits_per_usd"`

	// Decomposer settings
	DurationTolerance float64 `env:"DURATION_TOLERANCE, default=0.10" json:"duration_tolerance"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/genforge" json:"temp_dir"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// PersistenceEnabled reports whether a database is configured.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.PollWorkers < 1:
		return ErrInvalidWorkers
	case c.PollInterval <= 0 || c.MaxUnitAge <= 0:
		return ErrInvalidInterval
	case c.DurationTolerance <= 0 || c.DurationTolerance >= 1:
		return ErrInvalidTolerance
	}
	limit, err := c.MonthlyLimit()
	if err != nil || limit.IsNegative() {
		return ErrInvalidCredits
	}
	rate, err := c.CreditRate()
	if err != nil || !rate.IsPositive() {
		return ErrInvalidCredits
	}
	return nil
}

// MonthlyLimit parses DEFAULT_MONTHLY_LIMIT. Empty means unlimited.
func (c *Config) MonthlyLimit() (decimal.Decimal, error) {
	return parseDecimal(c.DefaultMonthlyLimit, decimal.Zero)
}

// CreditRate parses CREDITS_PER_USD.
func (c *Config) CreditRate() (decimal.Decimal, error) {
	return parseDecimal(c.CreditsPerUSD, decimal.NewFromInt(100))
}

func parseDecimal(s string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: parse %q: %w", s, err)
	}
	return d, nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Database: %s, CatalogPath: %s, RunPodAPIKey: %s, BeamToken: %s, PollInterval: %s, PollWorkers: %d, MaxUnitAge: %s, AutoCompose: %t, DefaultMonthlyLimit: %s, CreditsPerUSD: %s, DurationTolerance: %.2f, TempDir: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		mask(c.DatabaseURL),
		c.CatalogPath,
		mask(c.RunPodAPIKey),
		mask(c.BeamToken),
		c.PollInterval,
		c.PollWorkers,
		c.MaxUnitAge,
		c.AutoCompose,
		c.DefaultMonthlyLimit,
		c.CreditsPerUSD,
		c.DurationTolerance,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
