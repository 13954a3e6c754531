// Package main provides the entry point for the genforge server: the HTTP API
// and the background polling orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maauso/genforge/internal/bootstrap"
	"github.com/maauso/genforge/internal/config"
	"github.com/maauso/genforge/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting genforge",
		slog.String("config", cfg.String()),
		slog.Bool("persistence", cfg.PersistenceEnabled()),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to close dependencies", slog.String("error", err.Error()))
		}
	}()

	handlers := server.NewHandlers(deps.Services, logger)
	routerCfg := server.DefaultConfig()
	routerCfg.Gatherer = deps.Gatherer
	routerCfg.Metrics = server.NewHTTPMetrics(deps.Registerer)
	router := server.NewRouter(handlers, logger, routerCfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Synchronous scene submission fans out to providers
		IdleTimeout:  60 * time.Second,
	}

	pollCtx, stopPolling := context.WithCancel(context.Background())
	defer stopPolling()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deps.Orchestrator.RunForever(pollCtx)
	}()

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errCh:
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown failed: %w", err)
	}

	// Units left in processing are picked up by the next process's first sweep.
	stopPolling()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped gracefully")
	return nil
}
