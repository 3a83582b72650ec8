package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BelDim04/invest-alphas/internal/api"
	"github.com/BelDim04/invest-alphas/internal/broker"
	"github.com/BelDim04/invest-alphas/internal/broker/tinkoff"
	"github.com/BelDim04/invest-alphas/internal/config"
	"github.com/BelDim04/invest-alphas/internal/db"
	"github.com/BelDim04/invest-alphas/internal/instrumentcache"
	"github.com/BelDim04/invest-alphas/internal/metrics"
	"github.com/BelDim04/invest-alphas/internal/repository"
	"github.com/BelDim04/invest-alphas/internal/runner"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Set up logger
	logger := setupLogger(cfg.Log.Level)
	logger.Info("Starting forward-executor",
		"poll_interval_sec", cfg.Service.PollIntervalSec,
		"lookback_days", cfg.Service.LookbackDays,
		"tinkoff_base_url", cfg.Tinkoff.BaseURL,
	)

	// Set up graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create database pool
	pool, err := db.NewPool(
		ctx,
		cfg.Database.ConnString(),
		cfg.Database.MaxConns,
		cfg.Database.MinConns,
		logger,
	)
	if err != nil {
		logger.Error("Failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Create repositories
	runRepo := repository.NewRunRepo(pool, logger)
	valueRepo := repository.NewValueRepo(pool, logger)
	userRepo := repository.NewUserRepo(pool)

	// Create instrument cache
	cache := instrumentcache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	defer cache.Close()
	if err := cache.HealthCheck(ctx); err != nil {
		logger.Error("Redis health check failed", "error", err)
		os.Exit(1)
	}

	// Create broker client cache over the Tinkoff sandbox
	clients := broker.NewClientCache(func(token string) broker.Client {
		return tinkoff.NewClient(cfg.Tinkoff.BaseURL, token, logger)
	}, logger)

	// Create service and driver
	svc := runner.NewService(
		runRepo,
		valueRepo,
		userRepo,
		clients,
		cache,
		cfg.Service.LookbackDays,
		cfg.Service.SafetyFraction,
		logger,
	)
	driver := runner.NewDriver(svc, time.Duration(cfg.Service.PollIntervalSec)*time.Second, logger)

	// Start metrics listener
	metricsSrv := metrics.Serve(cfg.HTTP.MetricsAddr)

	// Start HTTP API
	mux := http.NewServeMux()
	api.NewServer(driver, logger).RegisterRoutes(mux)
	apiSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		logger.Info("API listening", "addr", cfg.HTTP.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", "error", err)
			cancel()
		}
	}()

	// Start driver in a goroutine
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Run(ctx)
	}()

	logger.Info("Forward executor running", "pid", os.Getpid())

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received, waiting for driver to finish...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	wg.Wait()
	logger.Info("Forward executor shutdown complete")
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var writer io.Writer = os.Stdout

	return slog.New(slog.NewJSONHandler(writer, opts))
}
