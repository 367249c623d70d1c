// Kestrel - Rule-based fraud scoring for card transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/events"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tracing"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"rules_source", cfg.Rules.Source,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	location, err := time.LoadLocation(cfg.Scoring.Timezone)
	if err != nil {
		slog.Error("invalid scoring timezone", "timezone", cfg.Scoring.Timezone, "error", err)
		os.Exit(1)
	}

	// Scorer failures leave the server up; /predict answers 503.
	scorer, store, err := initScorer(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
	} else {
		slog.Info("scorer initialized", "rules_count", scorer.Engine().RulesCount())
	}
	if store != nil {
		defer store.Close()
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	publisher := events.NewPublisher(busImpl, events.DefaultSettings(), m)

	srv := api.NewServer(cfg.Server, api.Deps{
		Scorer:      scorer,
		Store:       store,
		Cache:       cacheImpl,
		Publisher:   publisher,
		Metrics:     m,
		Location:    location,
		Idempotency: cfg.Idempotency,
		Version:     Version,
	}, cfg.Metrics.Path)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version, scorer != nil)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// initScorer builds the rule engine from the configured source. The store is
// returned even when loading fails so /health can still report on it.
func initScorer(ctx context.Context, cfg *domain.Config) (*scoring.Scorer, domain.RuleStore, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, nil, err
	}

	var store domain.RuleStore
	configs := rules.BuiltinRules()

	if cfg.Rules.Source == "repository" {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return nil, nil, fmt.Errorf("open rule store: %w", err)
		}
		store = repo
		slog.Info("rule store initialized", "driver", cfg.Repository.Driver)

		seeded, err := repo.SeedRules(ctx, configs)
		if err != nil {
			return nil, store, fmt.Errorf("seed rule store: %w", err)
		}
		if seeded > 0 {
			slog.Info("seeded default rule catalog", "count", seeded)
		}

		configs, err = repo.ListRules(ctx)
		if err != nil {
			return nil, store, fmt.Errorf("list rules: %w", err)
		}
	}

	if err := engine.LoadRules(configs); err != nil {
		return nil, store, fmt.Errorf("load rules: %w", err)
	}

	scorer, err := scoring.NewScorer(engine, decision.NewProcessor())
	if err != nil {
		return nil, store, err
	}
	return scorer, store, nil
}

func printBanner(cfg *domain.Config, version string, ready bool) {
	status := "ready"
	if !ready {
		status = "scorer not initialized"
	}

	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |       Card Transaction Fraud Scoring      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Scorer:   %s\n", status)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /                  - Web front-end")
	fmt.Println("    GET  /api               - API status")
	fmt.Println("    POST /predict           - Score a transaction")
	fmt.Println("    GET  /rules             - List loaded rules")
	fmt.Println("    GET  /rules/{id}        - Get a rule")
	fmt.Println("    POST /rules             - Save a rule and reload")
	fmt.Println("    POST /rules/reload      - Hot-reload rules")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /ready             - Readiness check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET  %-18s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
