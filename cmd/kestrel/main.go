// Kestrel - Real-time fraud scoring with feedback-driven retraining.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/assist"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/retrain"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	// Optional YAML config overrides the tier defaults
	if path := os.Getenv("KESTREL_CONFIG"); path != "" {
		loaded, err := domain.LoadConfig(path, cfg)
		if err != nil {
			slog.Error("failed to load config file", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
		slog.Info("config file loaded", "path", path)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"models_dir", cfg.Registry.Dir,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Model Registry
	store, err := registry.NewStore(cfg.Registry.Dir)
	if err != nil {
		slog.Error("failed to initialize model store", "error", err)
		os.Exit(1)
	}
	reg := registry.New(store, logger)
	slog.Info("model registry initialized", "dir", cfg.Registry.Dir)

	// Initialize Scorer and load the current model pair if present.
	// Without models the service starts degraded: /score reports 503
	// until a pair is activated or reloaded.
	scorer, err := scoring.NewScorer(cfg.Scoring, logger)
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
		os.Exit(1)
	}
	if supervised, anomaly, version, err := reg.LoadCurrent(); err != nil {
		if errors.Is(err, domain.ErrModelUnavailable) {
			slog.Warn("no current models on disk, starting degraded")
		} else {
			slog.Error("failed to load current models", "error", err)
			os.Exit(1)
		}
	} else {
		scorer.Swap(&scoring.ModelSnapshot{
			Supervised: supervised,
			Anomaly:    anomaly,
			Version:    version,
			LoadedAt:   time.Now().UTC(),
		})
		slog.Info("models loaded", "version", version)
	}

	// Initialize History Service for behavioral enrichment
	historySvc := history.NewService(repo, cacheImpl, time.Duration(cfg.Scoring.VelocityWindow)*time.Second)
	slog.Info("history service initialized", "velocity_window_s", cfg.Scoring.VelocityWindow)

	// Initialize Retraining Manager
	retrainMgr := retrain.NewManager(repo, reg, cfg.Retrain, logger)
	defer retrainMgr.Close()
	slog.Info("retraining manager initialized")

	// Initialize Assist client (optional)
	assistClient := assist.NewClient(cfg.Assist, logger)
	if assistClient.Enabled() {
		slog.Info("assist client initialized", "endpoint", cfg.Assist.Endpoint)
	} else {
		slog.Info("assist client disabled")
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, scorer, historySvc, logger)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started")
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, scorer, reg, historySvc, retrainMgr, assistClient, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Real-Time Fraud Scoring             ║")
	fmt.Println("  ║    Every transaction, weighed fast.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                      - Score a transaction")
	fmt.Println("    POST /feedback                   - Record an analyst correction")
	fmt.Println("    GET  /transactions               - Prediction audit log")
	fmt.Println("    GET  /models                     - List model versions")
	fmt.Println("    POST /models/{version}/activate  - Promote a model version")
	fmt.Println("    POST /models/reload              - Reload current models")
	fmt.Println("    POST /retrain                    - Start a retraining job")
	fmt.Println("    GET  /retrain/{id}               - Retraining job status")
	fmt.Println("    POST /assist/explain             - Explain a transaction")
	fmt.Println("    GET  /status                     - Service and model status")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
