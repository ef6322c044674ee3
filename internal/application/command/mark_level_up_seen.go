package command

import (
	"context"
	"errors"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// MarkLevelUpSeenHandler advances the level-up watermark.
type MarkLevelUpSeenHandler struct {
	balances xp.BalanceRepository
	seasons  season.Resolver
	log      *logger.Logger
}

// NewMarkLevelUpSeenHandler creates a new MarkLevelUpSeenHandler.
func NewMarkLevelUpSeenHandler(balances xp.BalanceRepository, seasons season.Resolver, log *logger.Logger) *MarkLevelUpSeenHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &MarkLevelUpSeenHandler{
		balances: balances,
		seasons:  seasons,
		log:      log.With(logger.Component("level_up_seen")),
	}
}

// Handle sets last_notified_level to the level stored at call time. The
// level is read by the storage statement itself, never from an earlier read.
// Users without a balance are a no-op.
func (h *MarkLevelUpSeenHandler) Handle(ctx context.Context, userID string) error {
	if userID == "" {
		return shared.ErrInvalidUserID
	}
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return err
	}

	b, err := h.balances.MarkNotified(ctx, userID, seasonID)
	if errors.Is(err, shared.ErrBalanceNotFound) {
		return nil
	}
	if err != nil {
		h.log.Error("failed to mark level up as seen", logger.Err(err), logger.UserID(userID), logger.SeasonID(seasonID))
		return err
	}
	h.log.Debug("level up acknowledged", logger.UserID(userID), logger.UserLevel(b.Level))
	return nil
}
