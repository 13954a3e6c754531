package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadMap(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	return load(context.Background(), envconfig.MapLookuper(env))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadMap(t, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/tmp/genforge", cfg.TempDir)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.PollWorkers)
	assert.Equal(t, 30*time.Minute, cfg.MaxUnitAge)
	assert.True(t, cfg.AutoCompose)
	assert.InDelta(t, 0.10, cfg.DurationTolerance, 1e-9)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.PersistenceEnabled())
	assert.False(t, cfg.S3Enabled())

	limit, err := cfg.MonthlyLimit()
	require.NoError(t, err)
	assert.True(t, limit.IsZero())
	rate, err := cfg.CreditRate()
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(100)))
}

func TestLoad_CustomValues(t *testing.T) {
	cfg, err := loadMap(t, map[string]string{
		"PORT":                  "3000",
		"DATABASE_URL":          "postgres://u:p@db/genforge",
		"CATALOG_PATH":          "/etc/genforge/catalog.yaml",
		"RUNPOD_API_KEY":        "rp-key",
		"BEAM_TOKEN":            "beam-token",
		"POLL_INTERVAL":         "2s",
		"POLL_WORKERS":          "8",
		"MAX_UNIT_AGE":          "1h",
		"AUTO_COMPOSE":          "false",
		"DEFAULT_MONTHLY_LIMIT": "500.5",
		"CREDITS_PER_USD":       "120",
		"DURATION_TOLERANCE":    "0.05",
		"TEMP_DIR":              "/custom/temp",
		"S3_BUCKET":             "my-bucket",
		"S3_REGION":             "us-east-1",
		"S3_ENDPOINT":           "http://minio:9000",
		"AWS_ACCESS_KEY_ID":     "access-key",
		"AWS_SECRET_ACCESS_KEY": "secret-key",
		"LOG_FORMAT":            "json",
		"LOG_LEVEL":             "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.True(t, cfg.PersistenceEnabled())
	assert.Equal(t, "/etc/genforge/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, "rp-key", cfg.RunPodAPIKey)
	assert.Equal(t, "beam-token", cfg.BeamToken)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 8, cfg.PollWorkers)
	assert.Equal(t, time.Hour, cfg.MaxUnitAge)
	assert.False(t, cfg.AutoCompose)
	assert.InDelta(t, 0.05, cfg.DurationTolerance, 1e-9)
	assert.Equal(t, "/custom/temp", cfg.TempDir)
	assert.True(t, cfg.S3Enabled())
	assert.Equal(t, "http://minio:9000", cfg.S3Endpoint)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)

	limit, err := cfg.MonthlyLimit()
	require.NoError(t, err)
	assert.Equal(t, "500.5", limit.String())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"port not a number", map[string]string{"PORT": "not-a-number"}, nil},
		{"bad duration", map[string]string{"POLL_INTERVAL": "soon"}, nil},
		{"zero workers", map[string]string{"POLL_WORKERS": "0"}, ErrInvalidWorkers},
		{"zero interval", map[string]string{"POLL_INTERVAL": "0s"}, ErrInvalidInterval},
		{"tolerance too large", map[string]string{"DURATION_TOLERANCE": "1.5"}, ErrInvalidTolerance},
		{"negative limit", map[string]string{"DEFAULT_MONTHLY_LIMIT": "-1"}, ErrInvalidCredits},
		{"limit not a number", map[string]string{"DEFAULT_MONTHLY_LIMIT": "lots"}, ErrInvalidCredits},
		{"zero credit rate", map[string]string{"CREDITS_PER_USD": "0"}, ErrInvalidCredits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMap(t, tt.env)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestConfig_S3Enabled(t *testing.T) {
	tests := []struct {
		name     string
		bucket   string
		region   string
		expected bool
	}{
		{"both set", "bucket", "region", true},
		{"only bucket", "bucket", "", false},
		{"only region", "", "region", false},
		{"neither set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				S3Bucket: tt.bucket,
				S3Region: tt.region,
			}
			assert.Equal(t, tt.expected, cfg.S3Enabled())
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Port:               8080,
		DatabaseURL:        "postgres://user:hunter2@db/genforge",
		RunPodAPIKey:       "secret-key",
		BeamToken:          "beam-secret",
		AWSSecretAccessKey: "aws-secret",
		TempDir:            "/tmp/test",
		S3Bucket:           "bucket",
		LogFormat:          "json",
		LogLevel:           "info",
	}

	str := cfg.String()
	assert.NotContains(t, str, "hunter2")
	assert.NotContains(t, str, "secret-key")
	assert.NotContains(t, str, "beam-secret")
	assert.NotContains(t, str, "aws-secret")
	assert.Contains(t, str, "Port: 8080")
	assert.Contains(t, str, "S3Bucket: bucket")
	assert.Contains(t, str, "RunPodAPIKey: ****")
	assert.Contains(t, str, "S3Endpoint: ,")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	assert.NotNil(t, (&Config{LogFormat: "json", LogLevel: "debug"}).NewLogger())
	assert.NotNil(t, (&Config{LogFormat: "text", LogLevel: "info"}).NewLogger())
}
