// Package jobs contains the scheduled jobs of the XP ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/civicquest/xp-ledger/internal/application/command"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE LEDGER JOB
// ══════════════════════════════════════════════════════════════════════════════

// Reconciler repairs balances that drifted from the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context) (*command.ReconcileResult, error)
}

// ReconcileLedgerJob recomputes every drifted balance of the active season
// from its ledger entries.
type ReconcileLedgerJob struct {
	reconciler Reconciler
	log        *logger.Logger
	timeout    time.Duration

	last atomic.Pointer[command.ReconcileResult]
}

// ErrRepairIncomplete is returned when some drifted balances could not be
// repaired. The job's next run retries them.
var ErrRepairIncomplete = errors.New("reconcile: some balances were not repaired")

// NewReconcileLedgerJob creates the job. timeout <= 0 means no limit.
func NewReconcileLedgerJob(reconciler Reconciler, log *logger.Logger, timeout time.Duration) *ReconcileLedgerJob {
	if log == nil {
		log = logger.Nop()
	}
	return &ReconcileLedgerJob{
		reconciler: reconciler,
		log:        log.With(logger.Component("reconcile_ledger")),
		timeout:    timeout,
	}
}

// Name returns the job name.
func (j *ReconcileLedgerJob) Name() string {
	return "reconcile_ledger"
}

// Description returns a human-readable description.
func (j *ReconcileLedgerJob) Description() string {
	return "Recomputes balances whose xp differs from the ledger sum"
}

// Run executes the job.
func (j *ReconcileLedgerJob) Run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	res, err := j.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	j.last.Store(res)

	if len(res.Drifted) > 0 {
		j.log.Warn("ledger drift repaired",
			logger.SeasonID(res.SeasonID),
			logger.Int("drifted", len(res.Drifted)),
			logger.Int("repaired", res.Repaired),
			logger.Int("failed", len(res.Failed)),
		)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%w: %d of %d", ErrRepairIncomplete, len(res.Failed), len(res.Drifted))
	}
	return nil
}

// LastResult returns the result of the most recent successful reconcile.
func (j *ReconcileLedgerJob) LastResult() *command.ReconcileResult {
	return j.last.Load()
}
