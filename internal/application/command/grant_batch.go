package command

import (
	"context"
	"fmt"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
	"github.com/civicquest/xp-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRANT XP BATCH COMMAND
// Applies many entries with chunked bulk reads and writes:
// aggregate per user → fetch/init balances → increment → insert raw entries.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultChunkSize bounds every bulk statement issued by the batch handler.
const DefaultChunkSize = 50

// BatchSourceType tags events emitted for aggregated batch deltas.
const BatchSourceType = "BATCH"

// GrantBatchHandler handles batch grants.
type GrantBatchHandler struct {
	store     xp.Store
	seasons   season.Resolver
	events    shared.EventPublisher
	retrier   *retry.Retrier
	log       *logger.Logger
	chunkSize int
}

// NewGrantBatchHandler creates a new GrantBatchHandler. chunkSize <= 0 uses
// DefaultChunkSize.
func NewGrantBatchHandler(store xp.Store, seasons season.Resolver, chunkSize int, opts Options) *GrantBatchHandler {
	opts = opts.withDefaults()
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &GrantBatchHandler{
		store:     store,
		seasons:   seasons,
		events:    opts.Events,
		retrier:   opts.Retrier,
		log:       opts.Logger.With(logger.Component("grant_batch")),
		chunkSize: chunkSize,
	}
}

// userBatch is the aggregated work for one user.
type userBatch struct {
	userID  string
	delta   int
	entries []*xp.Transaction
}

// Handle applies entries. Users whose balance could not be initialized get a
// failed result and none of their entries are written; everyone else is
// applied. A storage failure aborts the whole batch.
func (h *GrantBatchHandler) Handle(ctx context.Context, entries []xp.BatchEntry) (*xp.BatchResult, error) {
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}

	users, err := aggregate(entries, seasonID)
	if err != nil {
		return nil, err
	}

	result := &xp.BatchResult{SeasonID: seasonID}
	if len(users) == 0 {
		return result, nil
	}

	log := h.log.With(logger.SeasonID(seasonID), logger.BatchSize(len(entries)))

	var applied map[string]*xp.Balance
	err = h.retrier.Do(ctx, func(ctx context.Context) error {
		var inserted int
		var runErr error
		applied, inserted, runErr = h.apply(ctx, seasonID, users)
		result.Inserted = inserted
		return runErr
	})
	if err != nil {
		log.Error("xp batch failed", logger.Err(err), logger.Int("users", len(users)))
		return nil, err
	}

	result.Results = make([]xp.UserResult, 0, len(users))
	for _, u := range users {
		res := xp.UserResult{UserID: u.userID, Delta: u.delta, Entries: len(u.entries)}
		b, ok := applied[u.userID]
		if !ok {
			res.Err = shared.ErrBalanceNotFound
			log.Error("batch user skipped, balance not initialized", logger.UserID(u.userID), logger.XPAmount(u.delta))
			result.Results = append(result.Results, res)
			continue
		}
		res.XP = b.XP
		res.Level = b.Level
		res.PreviousLevel = level.CalculateLevel(b.XP - u.delta)
		result.Results = append(result.Results, res)

		publishGrant(h.events, log, u.userID, seasonID, u.delta, BatchSourceType, "", b, res.PreviousLevel)
	}

	log.Info("xp batch applied",
		logger.Int("users", len(users)),
		logger.Int("inserted", result.Inserted),
		logger.Int("failed", len(result.Failed())),
	)
	return result, nil
}

// apply runs the chunked reads and writes in one transaction.
func (h *GrantBatchHandler) apply(ctx context.Context, seasonID string, users []*userBatch) (map[string]*xp.Balance, int, error) {
	applied := make(map[string]*xp.Balance, len(users))
	inserted := 0

	err := runClassified(ctx, h.store, func(ctx context.Context, repo xp.Repository) error {
		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.userID
		}

		ready := make(map[string]bool, len(ids))
		for _, part := range chunk(ids, h.chunkSize) {
			existing, err := repo.GetBalances(ctx, seasonID, part)
			if err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(fmt.Errorf("failed to fetch balances: %w", err))
			}

			var missing []string
			for _, id := range part {
				if _, ok := existing[id]; ok {
					ready[id] = true
				} else {
					missing = append(missing, id)
				}
			}
			if len(missing) == 0 {
				continue
			}

			if err := repo.InitBalances(ctx, seasonID, missing); err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(fmt.Errorf("failed to init balances: %w", err))
			}
			created, err := repo.GetBalances(ctx, seasonID, missing)
			if err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(fmt.Errorf("failed to fetch balances: %w", err))
			}
			for id := range created {
				ready[id] = true
			}
		}

		var deltas []xp.Delta
		for _, u := range users {
			if ready[u.userID] {
				deltas = append(deltas, xp.Delta{UserID: u.userID, Amount: u.delta})
			}
		}
		for _, part := range chunk(deltas, h.chunkSize) {
			res, err := repo.ApplyDeltas(ctx, seasonID, part)
			if err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(err)
			}
			for id, b := range res {
				applied[id] = b
			}
		}

		// Only users whose balance moved get ledger entries, keeping
		// balance == ledger sum for everyone.
		var txs []*xp.Transaction
		for _, u := range users {
			if _, ok := applied[u.userID]; ok {
				txs = append(txs, u.entries...)
			}
		}
		for _, part := range chunk(txs, h.chunkSize) {
			if err := repo.InsertTransactions(ctx, part); err != nil {
				return shared.ErrLedgerWriteFailed.Wrap(err)
			}
		}
		inserted = len(txs)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return applied, inserted, nil
}

// aggregate validates entries and groups them by user in first-seen order.
func aggregate(entries []xp.BatchEntry, seasonID string) ([]*userBatch, error) {
	byUser := make(map[string]*userBatch)
	var order []*userBatch

	for i, e := range entries {
		tx, err := xp.NewTransaction(e, seasonID)
		if err != nil {
			return nil, shared.WrapError("ledger", "GrantBatch", shared.ErrInvalidInput,
				fmt.Sprintf("invalid entry at index %d", i), err)
		}
		u, ok := byUser[e.UserID]
		if !ok {
			u = &userBatch{userID: e.UserID}
			byUser[e.UserID] = u
			order = append(order, u)
		}
		u.delta += e.Amount
		u.entries = append(u.entries, tx)
	}
	return order, nil
}

// chunk splits items into consecutive slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
