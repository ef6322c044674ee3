// Package main is the entry point of the XP ledger background worker.
//
// The worker keeps balances consistent with the ledger by running the
// reconcile job on its cron schedule. It can also run one reconcile and
// exit (-once), apply a batch grant file (-batch) and exit, or import a
// mission catalog file (-missions) and exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/civicquest/xp-ledger/config"
	"github.com/civicquest/xp-ledger/internal/bootstrap"
	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/scheduler"
	"github.com/civicquest/xp-ledger/internal/infrastructure/scheduler/jobs"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

type options struct {
	once        bool
	batchFile   string
	missionFile string
}

func main() {
	var opts options
	flag.BoolVar(&opts.once, "once", false, "run one reconcile and exit")
	flag.StringVar(&opts.batchFile, "batch", "", "apply the batch grant file and exit")
	flag.StringVar(&opts.missionFile, "missions", "", "import the mission catalog file and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := bootstrap.NewLogger(cfg).With(logger.Component("worker"))
	defer func() { _ = log.Sync() }()

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
	// 2. ONE-SHOT MODES
	// ─────────────────────────────────────────────────────────────────────────
	if opts.missionFile != "" {
		return importMissions(ctx, ledger.Catalog, opts.missionFile, log)
	}
	if opts.batchFile != "" {
		return applyBatch(ctx, ledger, opts.batchFile, log)
	}

	job := jobs.NewReconcileLedgerJob(ledger.Rebuild, log, cfg.Scheduler.JobTimeout)
	if opts.once {
		if err := job.Run(ctx); err != nil {
			return err
		}
		if res := job.LastResult(); res != nil {
			log.Info("reconcile finished",
				logger.SeasonID(res.SeasonID),
				logger.Int("drifted", len(res.Drifted)),
				logger.Int("repaired", res.Repaired),
				logger.Latency(res.Duration),
			)
		}
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. SCHEDULED MODE
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := scheduler.New(scheduler.Config{Logger: log, Timezone: cfg.Location()})
	if err != nil {
		return err
	}
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
	log.Info("worker started", logger.String("reconcile_cron", cfg.Scheduler.ReconcileCron))

	<-ctx.Done()
	log.Info("shutdown signal received")
	return sched.Stop()
}

// batchFile is the on-disk batch format: either a bare JSON array of
// entries or an object with an "entries" array.
type batchFile struct {
	Entries []xp.BatchEntry `json:"entries"`
}

func readBatch(path string) ([]xp.BatchEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var entries []xp.BatchEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var f batchFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode batch file: %w", err)
	}
	return f.Entries, nil
}

func applyBatch(ctx context.Context, ledger *bootstrap.Ledger, path string, log *logger.Logger) error {
	entries, err := readBatch(path)
	if err != nil {
		return err
	}
	res, err := ledger.GrantBatch.Handle(ctx, entries)
	if err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	failed := res.Failed()
	for _, f := range failed {
		log.Error("batch user not applied", logger.UserID(f.UserID), logger.XPAmount(f.Delta), logger.Err(f.Err))
	}
	log.Info("batch applied",
		logger.SeasonID(res.SeasonID),
		logger.BatchSize(len(entries)),
		logger.Int("inserted", res.Inserted),
		logger.Int("users", len(res.Results)),
		logger.Int("failed", len(failed)),
	)
	if len(failed) > 0 {
		return errors.New("batch partially applied")
	}
	return nil
}

func readMissions(path string) ([]*mission.Mission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission file: %w", err)
	}
	var missions []*mission.Mission
	if err := json.Unmarshal(raw, &missions); err != nil {
		return nil, fmt.Errorf("decode mission file: %w", err)
	}
	for i, m := range missions {
		if m == nil || m.ID == "" {
			return nil, fmt.Errorf("mission %d: id is required", i)
		}
	}
	return missions, nil
}

// importMissions upserts every mission in the file. It stops at the first
// failure; earlier missions stay imported.
func importMissions(ctx context.Context, catalog mission.Writer, path string, log *logger.Logger) error {
	missions, err := readMissions(path)
	if err != nil {
		return err
	}
	for _, m := range missions {
		if err := catalog.Upsert(ctx, m); err != nil {
			return fmt.Errorf("import mission %s: %w", m.ID, err)
		}
		log.Debug("mission imported", logger.MissionID(m.ID), logger.String("slug", m.Slug))
	}
	log.Info("missions imported", logger.Int("count", len(missions)))
	return nil
}
