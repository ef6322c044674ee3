package query

import (
	"context"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

const (
	// DefaultHistoryLimit is used when the caller passes no limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 500
)

// GetXPHistoryHandler lists a user's ledger entries, newest first.
type GetXPHistoryHandler struct {
	ledger xp.LedgerRepository
}

// NewGetXPHistoryHandler creates a new GetXPHistoryHandler.
func NewGetXPHistoryHandler(ledger xp.LedgerRepository) *GetXPHistoryHandler {
	return &GetXPHistoryHandler{ledger: ledger}
}

// Handle returns at most limit entries across all seasons.
func (h *GetXPHistoryHandler) Handle(ctx context.Context, userID string, limit int) ([]*xp.Transaction, error) {
	if userID == "" {
		return nil, shared.ErrInvalidUserID
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	txs, err := h.ledger.History(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*xp.Transaction{}
	}
	return txs, nil
}

// GetXPBonusHandler reads the BONUS amount recorded against a source id.
type GetXPBonusHandler struct {
	ledger xp.LedgerRepository
}

// NewGetXPBonusHandler creates a new GetXPBonusHandler.
func NewGetXPBonusHandler(ledger xp.LedgerRepository) *GetXPBonusHandler {
	return &GetXPBonusHandler{ledger: ledger}
}

// Handle returns 0 when no bonus was recorded. Storage failures are returned,
// not reported as 0, so a reversal never silently drops bonus XP.
func (h *GetXPBonusHandler) Handle(ctx context.Context, userID, sourceID string) (int, error) {
	if userID == "" {
		return 0, shared.ErrInvalidUserID
	}
	if sourceID == "" {
		return 0, nil
	}
	amount, found, err := h.ledger.BonusAmount(ctx, userID, sourceID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return amount, nil
}
