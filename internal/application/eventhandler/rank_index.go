// Package eventhandler contains reactions to ledger domain events. Handlers
// run after the write committed and only touch derived read models.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// RANK INDEX HANDLER
// Mirrors committed balances into the rank index.
// ═══════════════════════════════════════════════════════════════════════════

// RankWriter stores the latest XP of users in a season ranking.
type RankWriter interface {
	SetScore(ctx context.Context, seasonID, userID string, xp int) error
	SetScores(ctx context.Context, seasonID string, scores map[string]int) error
}

// DefaultReloadPageSize is the number of balances loaded per ZADD.
const DefaultReloadPageSize = 500

// RankIndexHandler keeps the rank index equal to the stored balances.
// Events only say which balance changed; the score written is always read
// back from the store, so late or reordered events cannot leave an older
// value behind.
type RankIndexHandler struct {
	balances xp.BalanceRepository
	seasons  season.Resolver
	ranks    RankWriter
	log      *logger.Logger
	timeout  time.Duration
	pageSize int

	// mu orders each store read with its index write.
	mu sync.Mutex
}

// NewRankIndexHandler creates a new RankIndexHandler.
func NewRankIndexHandler(balances xp.BalanceRepository, seasons season.Resolver, ranks RankWriter, log *logger.Logger) *RankIndexHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RankIndexHandler{
		balances: balances,
		seasons:  seasons,
		ranks:    ranks,
		log:      log.With(logger.Component("rank_index")),
		timeout:  2 * time.Second,
		pageSize: DefaultReloadPageSize,
	}
}

// WithPageSize changes the reload page size.
func (h *RankIndexHandler) WithPageSize(n int) *RankIndexHandler {
	if n > 0 {
		h.pageSize = n
	}
	return h
}

// Handle processes shared.XPGrantedEvent and shared.BalanceRebuiltEvent.
func (h *RankIndexHandler) Handle(event shared.Event) error {
	var seasonID string
	switch e := event.(type) {
	case shared.XPGrantedEvent:
		seasonID = e.SeasonID
	case shared.BalanceRebuiltEvent:
		seasonID = e.SeasonID
	default:
		return fmt.Errorf("rank_index: unexpected event %T", event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.refresh(ctx, event.UserID(), seasonID)
}

func (h *RankIndexHandler) refresh(ctx context.Context, userID, seasonID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := h.balances.GetBalance(ctx, userID, seasonID)
	if errors.Is(err, shared.ErrBalanceNotFound) {
		return nil
	}
	if err != nil {
		h.log.Warn("failed to read balance for rank index", logger.Err(err), logger.UserID(userID), logger.SeasonID(seasonID))
		return err
	}

	if err := h.ranks.SetScore(ctx, seasonID, userID, b.XP); err != nil {
		h.log.Warn("failed to update rank index",
			logger.Err(err),
			logger.UserID(userID),
			logger.SeasonID(seasonID),
		)
		return err
	}
	return nil
}

// Reload loads every balance of the active season into the index. It fills
// an empty or flushed index and overwrites scores that went stale.
func (h *RankIndexHandler) Reload(ctx context.Context) (int, error) {
	seasonID, err := season.Resolve(ctx, h.seasons)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	loaded, after := 0, ""
	for {
		n, last, err := h.reloadPage(ctx, seasonID, after)
		loaded += n
		if err != nil {
			return loaded, fmt.Errorf("rank_index: reload %s: %w", seasonID, err)
		}
		if n < h.pageSize {
			break
		}
		after = last
	}

	h.log.Info("rank index reloaded",
		logger.SeasonID(seasonID),
		logger.Int("balances", loaded),
		logger.Duration("duration", time.Since(start)),
	)
	return loaded, nil
}

// reloadPage holds mu across the read and the write so a concurrent refresh
// lands either before the page is read or after it is written.
func (h *RankIndexHandler) reloadPage(ctx context.Context, seasonID, after string) (int, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	page, err := h.balances.ListBalances(ctx, seasonID, after, h.pageSize)
	if err != nil {
		return 0, "", err
	}
	if len(page) == 0 {
		return 0, "", nil
	}
	scores := make(map[string]int, len(page))
	for _, b := range page {
		scores[b.UserID] = b.XP
	}
	if err := h.ranks.SetScores(ctx, seasonID, scores); err != nil {
		return 0, "", err
	}
	return len(page), page[len(page)-1].UserID, nil
}

// Register subscribes the handler to xp.granted and xp.rebuilt.
func (h *RankIndexHandler) Register(bus shared.EventSubscriber) error {
	if err := bus.Subscribe(shared.EventXPGranted, h.Handle); err != nil {
		return err
	}
	return bus.Subscribe(shared.EventBalanceRebuilt, h.Handle)
}
