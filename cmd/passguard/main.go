// PassGuard - Booking pass entitlements and fraud alerting for hotel bookings.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freestays/passguard/internal/alerts"
	"github.com/freestays/passguard/internal/api"
	"github.com/freestays/passguard/internal/bus"
	"github.com/freestays/passguard/internal/cache"
	"github.com/freestays/passguard/internal/config"
	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/entitlement"
	"github.com/freestays/passguard/internal/history"
	"github.com/freestays/passguard/internal/orchestrator"
	"github.com/freestays/passguard/internal/pricing"
	"github.com/freestays/passguard/internal/repository"
	"github.com/freestays/passguard/internal/rules"
	"github.com/freestays/passguard/internal/scheduler"
	"github.com/freestays/passguard/internal/telemetry"
	"github.com/freestays/passguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("passguard stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return err
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting passguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	shutdownTracing, err := telemetry.Setup(cfg.Tracing, Version, os.Stderr)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("failed to flush spans", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	calc, err := pricing.NewCalculator(cfg.Pricing)
	if err != nil {
		return fmt.Errorf("initialize pricing: %w", err)
	}

	store, err := rules.NewStore(ctx, repo, cfg.Fraud.DefaultWindow)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	seeded, err := store.SeedDefaults(ctx)
	if err != nil {
		return fmt.Errorf("seed default rules: %w", err)
	}
	slog.Info("rule store initialized",
		"rules_count", store.Snapshot().Len(),
		"seeded", seeded,
	)

	reader := history.NewReader(repo, cfg.Fraud.HistoryLimit)
	evaluator := rules.NewEvaluator(store, reader, cfg.Fraud.HistoryTimeout)
	ledger := entitlement.NewLedger(repo)
	manager := alerts.NewManager(repo, busImpl, alerts.Config{
		DedupWindow:   cfg.Fraud.DedupWindow,
		EscalateAfter: cfg.Fraud.EscalateAfter,
	})
	orch := orchestrator.New(ledger, calc, busImpl, cacheImpl, orchestrator.Config{
		ReplayTTL: cfg.Booking.ReplayTTL,
	})

	fraudWorker := worker.NewWorker(busImpl, repo, evaluator, manager, cacheImpl, worker.Config{
		Workers:  cfg.Fraud.Workers,
		DedupTTL: cfg.Fraud.EventDedupTTL,
	})
	if err := fraudWorker.Start(); err != nil {
		return fmt.Errorf("start fraud worker: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(0)
		if err := sched.Add(scheduler.JobExpirePasses, cfg.Scheduler.ExpirySchedule, scheduler.ExpirePasses(ledger, nil)); err != nil {
			return err
		}
		sched.Start()
	}

	srv := api.NewServer(cfg.Server, api.Services{
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Orchestrator: orch,
		Ledger:       ledger,
		Calculator:   calc,
		Rules:        store,
		Alerts:       manager,
		History:      reader,
		Scheduler:    sched,
		Worker:       fraudWorker,
	}, Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("passguard is ready", "addr", srv.Addr())
		if err := srv.Run(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		return nil
	})
	err = g.Wait()

	// The listener is closed: drain pending hand-offs, then evaluations, then jobs.
	orch.Wait()
	if stopErr := fraudWorker.Stop(); stopErr != nil {
		slog.Error("failed to stop fraud worker", "error", stopErr)
	}
	if sched != nil {
		sched.Stop()
	}
	if err != nil {
		return err
	}
	slog.Info("passguard shutdown complete")
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
