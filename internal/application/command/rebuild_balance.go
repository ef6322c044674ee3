package command

import (
	"context"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
	"github.com/civicquest/xp-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD BALANCE COMMAND
// The ledger is authoritative: a balance can always be recomputed by summing
// the user's entries for the season.
// ══════════════════════════════════════════════════════════════════════════════

// RebuildBalanceHandler repairs balances from the ledger.
type RebuildBalanceHandler struct {
	store   xp.Store
	seasons season.Resolver
	events  shared.EventPublisher
	retrier *retry.Retrier
	log     *logger.Logger
}

// NewRebuildBalanceHandler creates a new RebuildBalanceHandler.
func NewRebuildBalanceHandler(store xp.Store, seasons season.Resolver, opts Options) *RebuildBalanceHandler {
	opts = opts.withDefaults()
	return &RebuildBalanceHandler{
		store:   store,
		seasons: seasons,
		events:  opts.Events,
		retrier: opts.Retrier,
		log:     opts.Logger.With(logger.Component("rebuild_balance")),
	}
}

// Rebuild sets the user's balance in the active season to its ledger sum.
func (h *RebuildBalanceHandler) Rebuild(ctx context.Context, userID string) (*xp.Balance, error) {
	if userID == "" {
		return nil, shared.ErrInvalidUserID
	}
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}
	return h.rebuild(ctx, userID, seasonID)
}

func (h *RebuildBalanceHandler) rebuild(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	var balance *xp.Balance
	var previousXP int
	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		return h.store.RunInTx(ctx, func(ctx context.Context, repo xp.Repository) error {
			// A zero increment takes the balance row lock first, so grants
			// racing the rebuild apply after it instead of being overwritten.
			locked, err := repo.Increment(ctx, userID, seasonID, 0)
			if err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(err)
			}
			previousXP = locked.XP
			sum, err := repo.LedgerSum(ctx, userID, seasonID)
			if err != nil {
				return err
			}
			b, err := repo.SetBalance(ctx, userID, seasonID, sum)
			if err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(err)
			}
			balance = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if h.events != nil {
		e := shared.NewBalanceRebuiltEvent(userID, seasonID, previousXP, balance.XP, balance.Level)
		if err := h.events.Publish(e); err != nil {
			h.log.Warn("failed to publish balance rebuilt event", logger.Err(err), logger.UserID(userID))
		}
	}
	return balance, nil
}

// ReconcileResult summarizes one reconcile run.
type ReconcileResult struct {
	SeasonID string
	Drifted  []xp.Drift
	Repaired int
	Failed   map[string]error
	Duration time.Duration
}

// Reconcile rebuilds every balance of the active season that differs from
// its ledger sum.
func (h *RebuildBalanceHandler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}

	drifts, err := h.store.Drifted(ctx, seasonID)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		SeasonID: seasonID,
		Drifted:  drifts,
		Failed:   make(map[string]error),
	}
	for _, d := range drifts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := h.rebuild(ctx, d.UserID, seasonID); err != nil {
			result.Failed[d.UserID] = err
			h.log.Error("balance rebuild failed",
				logger.Err(err),
				logger.UserID(d.UserID),
				logger.SeasonID(seasonID),
				logger.Int("balance_xp", d.BalanceXP),
				logger.Int("ledger_xp", d.LedgerXP),
			)
			continue
		}
		result.Repaired++
		h.log.Warn("balance drift repaired",
			logger.UserID(d.UserID),
			logger.SeasonID(seasonID),
			logger.Int("balance_xp", d.BalanceXP),
			logger.Int("ledger_xp", d.LedgerXP),
		)
	}
	result.Duration = time.Since(start)
	return result, nil
}
