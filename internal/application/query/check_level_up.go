package query

import (
	"context"
	"errors"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

// LevelUpNotification reports a level-up the user has not acknowledged yet.
type LevelUpNotification struct {
	ShouldNotify      bool `json:"should_notify"`
	PreviousLevel     int  `json:"previous_level,omitempty"`
	NewLevel          int  `json:"new_level,omitempty"`
	PointsToNextLevel int  `json:"points_to_next_level,omitempty"`
}

// CheckLevelUpHandler compares the stored level with the watermark.
type CheckLevelUpHandler struct {
	balances xp.BalanceRepository
	seasons  season.Resolver
}

// NewCheckLevelUpHandler creates a new CheckLevelUpHandler.
func NewCheckLevelUpHandler(balances xp.BalanceRepository, seasons season.Resolver) *CheckLevelUpHandler {
	return &CheckLevelUpHandler{balances: balances, seasons: seasons}
}

// Handle is read-only and safe to poll.
func (h *CheckLevelUpHandler) Handle(ctx context.Context, userID string) (*LevelUpNotification, error) {
	if userID == "" {
		return nil, shared.ErrInvalidUserID
	}
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return nil, err
	}

	b, err := h.balances.GetBalance(ctx, userID, seasonID)
	if errors.Is(err, shared.ErrBalanceNotFound) {
		return &LevelUpNotification{}, nil
	}
	if err != nil {
		return nil, err
	}

	prev := b.NotifiedLevel()
	if b.Level <= prev {
		return &LevelUpNotification{}, nil
	}
	return &LevelUpNotification{
		ShouldNotify:      true,
		PreviousLevel:     prev,
		NewLevel:          b.Level,
		PointsToNextLevel: level.PointsToNextLevel(b.Level, b.XP),
	}, nil
}
