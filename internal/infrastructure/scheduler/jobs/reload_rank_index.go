package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RELOAD RANK INDEX JOB
// ══════════════════════════════════════════════════════════════════════════════

// RankReloader copies the active season's balances into the rank index.
type RankReloader interface {
	Reload(ctx context.Context) (int, error)
}

// ReloadRankIndexJob refills the rank index from the store, repairing a
// flushed redis or scores written by another process out of order.
type ReloadRankIndexJob struct {
	reloader RankReloader
	log      *logger.Logger
	timeout  time.Duration
}

// NewReloadRankIndexJob creates the job. timeout <= 0 means no limit.
func NewReloadRankIndexJob(reloader RankReloader, log *logger.Logger, timeout time.Duration) *ReloadRankIndexJob {
	if log == nil {
		log = logger.Nop()
	}
	return &ReloadRankIndexJob{
		reloader: reloader,
		log:      log.With(logger.Component("reload_rank_index")),
		timeout:  timeout,
	}
}

// Name returns the job name.
func (j *ReloadRankIndexJob) Name() string {
	return "reload_rank_index"
}

// Description returns a human-readable description.
func (j *ReloadRankIndexJob) Description() string {
	return "Loads every balance of the active season into the rank index"
}

// Run executes the job. A missing active season is not an error.
func (j *ReloadRankIndexJob) Run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	n, err := j.reloader.Reload(ctx)
	if errors.Is(err, shared.ErrNoActiveSeason) {
		j.log.Debug("no active season, rank index left as is")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload rank index after %d balances: %w", n, err)
	}
	return nil
}
