package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/maauso/genforge/internal/config"
	"github.com/maauso/genforge/internal/unit"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("RUNPOD_AVATAR_ENDPOINT_ID", "ep-avatar")
	t.Setenv("BEAM_CINEMATIC_QUEUE_URL", "https://app.beam.cloud/taskqueue/cinematic/latest")
	t.Setenv("RUNPOD_TTS_ENDPOINT_ID", "")
	return &config.Config{
		Port:                8080,
		RunPodAPIKey:        "rp-key",
		BeamToken:           "beam-token",
		PollInterval:        time.Second,
		PollWorkers:         2,
		MaxUnitAge:          30 * time.Minute,
		AutoCompose:         true,
		DefaultMonthlyLimit: "500",
		CreditsPerUSD:       "100",
		DurationTolerance:   0.10,
		TempDir:             t.TempDir(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDependencies_InMemory(t *testing.T) {
	cfg := testConfig(t)

	deps, err := NewDependencies(cfg, discardLogger())
	require.NoError(t, err)
	defer func() { assert.NoError(t, deps.Close()) }()

	svc := deps.Services
	require.NotNil(t, svc.Units)
	require.NotNil(t, svc.Scripts)
	require.NotNil(t, svc.Dispatcher)
	require.NotNil(t, svc.Composer)
	require.NotNil(t, svc.Machine)
	require.NotNil(t, deps.Orchestrator)

	_, ok := svc.Registry.Capability("avatar")
	assert.True(t, ok)
	_, ok = svc.Registry.Capability("cinematic")
	assert.True(t, ok)
	_, ok = svc.Registry.Capability("tts")
	assert.False(t, ok, "providers without an endpoint are skipped")

	plans, err := svc.Decomposer.Decompose("A calm harbor at dawn.\n\nThe market wakes up.", 24)
	require.NoError(t, err)
	assert.NotEmpty(t, plans)

	ctx := context.Background()
	_, err = svc.Ledger.Grant(ctx, "user-1", decimal.NewFromInt(10), "")
	require.NoError(t, err)
	acct, err := svc.Ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "500", acct.MonthlyLimit.String())

	families, err := deps.Gatherer.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
	assert.Contains(t, names, "genforge_units_in_flight")
	require.NotNil(t, deps.Registerer)
}

func TestNewDependencies_Database(t *testing.T) {
	cfg := testConfig(t)
	dialector := sqlite.Open("file:" + t.Name() + "?mode=memory&cache=shared")

	deps, err := newDependencies(cfg, discardLogger(), dialector)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = deps.Services.Ledger.Grant(ctx, "user-1", decimal.NewFromInt(25), "seed")
	require.NoError(t, err)
	acct, err := deps.Services.Ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(25)))

	_, err = deps.Services.Units.FindByID(ctx, "unit_missing")
	assert.ErrorIs(t, err, unit.ErrUnitNotFound)

	assert.NoError(t, deps.Close())
}

func TestNewDependencies_CustomCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(cfg.CatalogPath, []byte(`
providers:
  - name: clips
    kind: video
    role: cinematic
    durations: {kind: discrete, values: [5, 10]}
    transport: {type: beam, queue_url: "https://app.beam.cloud/taskqueue/clips/latest"}
    rates:
      - {basis: second, price: "1"}
`), 0600))

	deps, err := NewDependencies(cfg, discardLogger())
	require.NoError(t, err)

	caps := deps.Services.Registry.Capabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, "clips", caps[0].Name)
}

func TestNewDependencies_Errors(t *testing.T) {
	t.Run("missing catalog", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.CatalogPath = filepath.Join(t.TempDir(), "nope.yaml")
		_, err := NewDependencies(cfg, discardLogger())
		assert.Error(t, err)
	})

	t.Run("bad credit rate", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.CreditsPerUSD = "plenty"
		_, err := NewDependencies(cfg, discardLogger())
		assert.Error(t, err)
	})
}
