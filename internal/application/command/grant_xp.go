// Package command contains write operations (CQRS - Commands) of the XP ledger.
package command

import (
	"context"
	"errors"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
	"github.com/civicquest/xp-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRANT XP COMMAND
// Appends one signed ledger entry and increments the (user, season) balance
// in the same storage transaction.
// ══════════════════════════════════════════════════════════════════════════════

// Options are shared by every command handler that writes to the ledger.
type Options struct {
	// Events receives xp.granted and level.up after commit. Optional.
	Events shared.EventPublisher

	// Retrier wraps each storage transaction. Defaults to a single attempt.
	Retrier *retry.Retrier

	// Logger defaults to a no-op logger.
	Logger *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Retrier == nil {
		o.Retrier = retry.New(retry.WithMaxAttempts(1))
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// GrantXPHandler handles single XP grants.
type GrantXPHandler struct {
	store   xp.Store
	seasons season.Resolver
	events  shared.EventPublisher
	retrier *retry.Retrier
	log     *logger.Logger
}

// NewGrantXPHandler creates a new GrantXPHandler.
func NewGrantXPHandler(store xp.Store, seasons season.Resolver, opts Options) *GrantXPHandler {
	opts = opts.withDefaults()
	return &GrantXPHandler{
		store:   store,
		seasons: seasons,
		events:  opts.Events,
		retrier: opts.Retrier,
		log:     opts.Logger.With(logger.Component("grant_xp")),
	}
}

// Handle applies req and returns the committed balance.
//
// Errors: shared.ErrNoActiveSeason before anything is written,
// shared.ErrLedgerWriteFailed when the entry insert fails and
// shared.ErrBalanceWriteFailed when the balance update or the commit fails.
func (h *GrantXPHandler) Handle(ctx context.Context, req xp.GrantRequest) (*xp.GrantResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}

	entry, err := xp.NewTransaction(req, seasonID)
	if err != nil {
		return nil, err
	}

	var balance *xp.Balance
	err = h.retrier.Do(ctx, func(ctx context.Context) error {
		return runClassified(ctx, h.store, func(ctx context.Context, repo xp.Repository) error {
			if err := repo.InsertTransactions(ctx, []*xp.Transaction{entry}); err != nil {
				return shared.ErrLedgerWriteFailed.Wrap(err)
			}
			b, err := repo.Increment(ctx, entry.UserID, seasonID, entry.Amount)
			if err != nil {
				return shared.ErrBalanceWriteFailed.Wrap(err)
			}
			balance = b
			return nil
		})
	})
	if err != nil {
		h.logFailure(err, entry)
		return nil, err
	}

	prev := level.CalculateLevel(balance.XP - entry.Amount)
	result := &xp.GrantResult{
		Transaction:   entry,
		Balance:       balance,
		PreviousLevel: prev,
		LeveledUp:     balance.Level > prev,
	}

	h.log.Debug("xp granted",
		logger.UserID(entry.UserID),
		logger.SeasonID(seasonID),
		logger.XPAmount(entry.Amount),
		logger.SourceType(entry.SourceType.String()),
		logger.UserLevel(balance.Level),
	)

	publishGrant(h.events, h.log, entry.UserID, seasonID, entry.Amount, entry.SourceType.String(), entry.SourceID, balance, prev)
	return result, nil
}

func (h *GrantXPHandler) logFailure(err error, entry *xp.Transaction) {
	fields := []logger.Field{
		logger.Err(err),
		logger.UserID(entry.UserID),
		logger.SeasonID(entry.SeasonID),
		logger.XPAmount(entry.Amount),
		logger.SourceType(entry.SourceType.String()),
		logger.SourceID(entry.SourceID),
		logger.String("transaction_id", entry.ID),
	}
	if errors.Is(err, shared.ErrBalanceWriteFailed) {
		h.log.Error("balance write failed, replay ledger for user", fields...)
		return
	}
	h.log.Warn("xp grant failed", fields...)
}

// runClassified runs fn in a store transaction. A failure to begin means
// nothing was written and counts as a ledger write failure. A failed commit
// leaves the outcome unknown and counts as a balance write failure.
func runClassified(ctx context.Context, store xp.Store, fn func(ctx context.Context, repo xp.Repository) error) error {
	started, finished := false, false
	err := store.RunInTx(ctx, func(ctx context.Context, repo xp.Repository) error {
		started = true
		if err := fn(ctx, repo); err != nil {
			return err
		}
		finished = true
		return nil
	})
	switch {
	case err == nil:
		return nil
	case !started:
		return shared.ErrLedgerWriteFailed.Wrap(err)
	case finished:
		return shared.ErrBalanceWriteFailed.Wrap(err)
	}
	return err
}

// publishGrant emits post-commit events. Publish failures are logged only.
func publishGrant(events shared.EventPublisher, log *logger.Logger, userID, seasonID string, amount int, sourceType, sourceID string, b *xp.Balance, prevLevel int) {
	if events == nil {
		return
	}
	if err := events.Publish(shared.NewXPGrantedEvent(userID, seasonID, amount, sourceType, sourceID, b.XP, b.Level)); err != nil {
		log.Warn("failed to publish xp granted event", logger.Err(err), logger.UserID(userID))
	}
	if b.Level > prevLevel {
		if err := events.Publish(shared.NewLevelUpEvent(userID, seasonID, prevLevel, b.Level)); err != nil {
			log.Warn("failed to publish level up event", logger.Err(err), logger.UserID(userID))
		}
	}
}
