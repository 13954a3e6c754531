// Package bootstrap builds the service graph from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/maauso/genforge/internal/catalog"
	"github.com/maauso/genforge/internal/compose"
	"github.com/maauso/genforge/internal/config"
	"github.com/maauso/genforge/internal/dispatch"
	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/lifecycle"
	"github.com/maauso/genforge/internal/media"
	"github.com/maauso/genforge/internal/orchestrator"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/server"
	"github.com/maauso/genforge/internal/storage"
	"github.com/maauso/genforge/internal/unit"
)

// Dependencies holds all initialized dependencies for the HTTP server and the poller.
type Dependencies struct {
	Services     server.Services
	Orchestrator *orchestrator.Orchestrator
	Gatherer     prometheus.Gatherer
	Registerer   prometheus.Registerer

	closers []func() error
}

// Close releases the database connection, if any.
func (d *Dependencies) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// repositories are the three persistence ports.
type repositories struct {
	units   unit.Repository
	scripts script.Repository
	ledger  ledger.Store
}

// NewDependencies creates and initializes all dependencies for the application.
// With DATABASE_URL set, state lives in PostgreSQL; otherwise in memory.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	var dialector gorm.Dialector
	if cfg.PersistenceEnabled() {
		dialector = postgres.Open(cfg.DatabaseURL)
	}
	return newDependencies(cfg, logger, dialector)
}

func newDependencies(cfg *config.Config, logger *slog.Logger, dialector gorm.Dialector) (*Dependencies, error) {
	deps := &Dependencies{}
	built := false
	defer func() {
		if !built {
			_ = deps.Close()
		}
	}()

	repos, err := initRepositories(dialector, logger, deps)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	registry, err := cat.Registry(catalog.NewAdapterFactory(catalog.Credentials{
		RunPodAPIKey: cfg.RunPodAPIKey,
		BeamToken:    cfg.BeamToken,
	}), logger)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	rates, err := cat.RateTable()
	if err != nil {
		return nil, fmt.Errorf("build rate table: %w", err)
	}

	limit, err := cfg.MonthlyLimit()
	if err != nil {
		return nil, err
	}
	perUSD, err := cfg.CreditRate()
	if err != nil {
		return nil, err
	}
	ledgerSvc := ledger.NewService(repos.ledger, rates,
		ledger.WithDefaultMonthlyLimit(limit),
		ledger.WithCreditsPerUSD(perUSD),
		ledger.WithLogger(logger),
	)

	machine := lifecycle.NewMachine(repos.units, ledgerSvc,
		lifecycle.WithMaxUnitAge(cfg.MaxUnitAge),
		lifecycle.WithLogger(logger),
	)

	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := compose.NewEngine(repos.scripts, repos.units, registry,
		media.NewFFmpegProcessor("", media.WithLogger(logger)), store, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []orchestrator.Option{
		orchestrator.WithInterval(cfg.PollInterval),
		orchestrator.WithWorkers(cfg.PollWorkers),
		orchestrator.WithResetter(ledgerSvc),
		orchestrator.WithMetrics(orchestrator.NewMetrics(reg)),
		orchestrator.WithLogger(logger),
	}
	if cfg.AutoCompose {
		opts = append(opts, orchestrator.WithAutoCompose(repos.scripts, engine))
	}

	deps.Services = server.Services{
		Units:      repos.units,
		Registry:   registry,
		Scripts:    script.NewService(repos.scripts, repos.units, logger),
		Decomposer: script.NewDecomposer(registry, script.WithTolerance(cfg.DurationTolerance)),
		Dispatcher: dispatch.New(registry, repos.units, machine, ledgerSvc, logger),
		Composer:   engine,
		Ledger:     ledgerSvc,
		Machine:    machine,
	}
	deps.Orchestrator = orchestrator.New(repos.units, registry, machine, opts...)
	deps.Gatherer = reg
	deps.Registerer = reg

	logger.Info("providers registered", slog.Int("count", len(registry.Capabilities())))
	built = true
	return deps, nil
}

// initRepositories opens the database when a dialector is given and falls back
// to in-memory stores otherwise.
func initRepositories(dialector gorm.Dialector, logger *slog.Logger, deps *Dependencies) (repositories, error) {
	if dialector == nil {
		logger.Warn("no database configured, state is kept in memory")
		return repositories{
			units:   unit.NewMemoryRepository(),
			scripts: script.NewMemoryRepository(),
			ledger:  ledger.NewMemoryStore(),
		}, nil
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return repositories{}, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return repositories{}, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	deps.closers = append(deps.closers, sqlDB.Close)

	for _, m := range []struct {
		name    string
		migrate func(*gorm.DB) error
	}{
		{"units", unit.Migrate},
		{"scripts", script.Migrate},
		{"ledger", ledger.Migrate},
	} {
		if err := m.migrate(db); err != nil {
			_ = sqlDB.Close()
			return repositories{}, fmt.Errorf("migrate %s: %w", m.name, err)
		}
	}
	logger.Info("database configured", slog.String("dialect", dialector.Name()))

	return repositories{
		units:   unit.NewGormRepository(db),
		scripts: script.NewGormRepository(db),
		ledger:  ledger.NewGormStore(db),
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          "compositions",
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(context.Background(), cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("published_dir", localStore.PublishedRoot()),
	)
	return localStore, nil
}
