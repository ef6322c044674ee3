// Package main is the entry point of the XP ledger API server.
//
// The server exposes the ledger over HTTP and, unless disabled, runs the
// periodic balance reconcile in process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/civicquest/xp-ledger/config"
	"github.com/civicquest/xp-ledger/internal/bootstrap"
	"github.com/civicquest/xp-ledger/internal/infrastructure/scheduler"
	"github.com/civicquest/xp-ledger/internal/infrastructure/scheduler/jobs"
	apihttp "github.com/civicquest/xp-ledger/internal/interface/http"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := bootstrap.NewLogger(cfg)
	defer func() { _ = log.Sync() }()

	log.Info("starting xp ledger server",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("driver", cfg.Database.Driver),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. STORAGE, CACHE AND HANDLERS
	// ─────────────────────────────────────────────────────────────────────────
	ledger, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			log.Error("failed to close ledger resources", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{Logger: log, Timezone: cfg.Location()})
		if err != nil {
			return err
		}
		job := jobs.NewReconcileLedgerJob(ledger.Rebuild, log, cfg.Scheduler.JobTimeout)
		if err := sched.Register(job, cfg.Scheduler.ReconcileCron); err != nil {
			return fmt.Errorf("failed to register %s: %w", job.Name(), err)
		}
		if ledger.RankIndex != nil && cfg.Scheduler.RankReloadCron != "" {
			reload := jobs.NewReloadRankIndexJob(ledger.RankIndex, log, cfg.Scheduler.JobTimeout)
			if err := sched.Register(reload, cfg.Scheduler.RankReloadCron); err != nil {
				return fmt.Errorf("failed to register %s: %w", reload.Name(), err)
			}
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Error("failed to stop scheduler", logger.Err(err))
			}
		}()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	srv, err := apihttp.NewServer(apihttp.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		BodyLimit:    cfg.HTTP.BodyLimit,
		AppName:      cfg.App.Name,
	}, ledger.HTTPDependencies(log))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received", logger.Duration("timeout", cfg.App.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown did not complete", logger.Err(err))
	}
	log.Info("server stopped")
	return nil
}
