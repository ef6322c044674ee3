// Package query contains read operations (CQRS - Queries) of the XP ledger.
package query

import (
	"context"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

// UserLevelView is the display form of a balance.
type UserLevelView struct {
	UserID        string  `json:"user_id"`
	SeasonID      string  `json:"season_id"`
	XP            int     `json:"xp"`
	Level         int     `json:"level"`
	XPToNextLevel int     `json:"xp_to_next_level"`
	Progress      float64 `json:"progress"`
	NextLevelXP   int     `json:"next_level_xp"`
}

// GetUserLevelHandler reads the active-season balance of a user.
type GetUserLevelHandler struct {
	balances xp.BalanceRepository
	seasons  season.Resolver
}

// NewGetUserLevelHandler creates a new GetUserLevelHandler.
func NewGetUserLevelHandler(balances xp.BalanceRepository, seasons season.Resolver) *GetUserLevelHandler {
	return &GetUserLevelHandler{balances: balances, seasons: seasons}
}

// Handle returns shared.ErrBalanceNotFound for users that never earned XP
// this season.
func (h *GetUserLevelHandler) Handle(ctx context.Context, userID string) (*UserLevelView, error) {
	if userID == "" {
		return nil, shared.ErrInvalidUserID
	}
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}
	b, err := h.balances.GetBalance(ctx, userID, seasonID)
	if err != nil {
		return nil, err
	}
	next := b.Level + 1
	if next > level.MaxLevel {
		next = level.MaxLevel
	}
	return &UserLevelView{
		UserID:        b.UserID,
		SeasonID:      b.SeasonID,
		XP:            b.XP,
		Level:         b.Level,
		XPToNextLevel: b.XPToNextLevel(),
		Progress:      b.Progress(),
		NextLevelXP:   level.TotalXP(next),
	}, nil
}
