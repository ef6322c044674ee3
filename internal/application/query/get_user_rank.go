package query

import (
	"context"
	"errors"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// RankIndex is an optional precomputed ranking, e.g. a Redis sorted set.
type RankIndex interface {
	// Rank returns 1 + the number of users with strictly greater XP, and
	// false when the index has no entry for the user.
	Rank(ctx context.Context, seasonID, userID string) (int, bool, error)
}

// GetUserRankHandler computes a user's position in the active season.
type GetUserRankHandler struct {
	balances xp.BalanceRepository
	seasons  season.Resolver
	index    RankIndex
	log      *logger.Logger
}

// NewGetUserRankHandler creates a new GetUserRankHandler. index may be nil.
func NewGetUserRankHandler(balances xp.BalanceRepository, seasons season.Resolver, index RankIndex, log *logger.Logger) *GetUserRankHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetUserRankHandler{
		balances: balances,
		seasons:  seasons,
		index:    index,
		log:      log.With(logger.Component("user_rank")),
	}
}

// Handle returns nil when the user has no balance this season.
func (h *GetUserRankHandler) Handle(ctx context.Context, userID string) (*int, error) {
	if userID == "" {
		return nil, shared.ErrInvalidUserID
	}
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}

	if h.index != nil {
		rank, ok, err := h.index.Rank(ctx, seasonID, userID)
		switch {
		case err != nil:
			h.log.Warn("rank index unavailable, falling back to store", logger.Err(err), logger.UserID(userID))
		case ok:
			return &rank, nil
		}
	}

	b, err := h.balances.GetBalance(ctx, userID, seasonID)
	if errors.Is(err, shared.ErrBalanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	above, err := h.balances.CountAbove(ctx, seasonID, b.XP)
	if err != nil {
		return nil, err
	}
	rank := above + 1
	return &rank, nil
}
