package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
	"github.com/civicquest/xp-ledger/pkg/retry"
)

func TestGrantXP_CompletionBonusCancellation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	h := NewGrantXPHandler(store, testSeasons, Options{})

	res, err := h.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceMissionCompletion, SourceID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Balance.XP)
	assert.Equal(t, 2, res.Balance.Level)
	assert.Equal(t, 1, res.PreviousLevel)
	assert.True(t, res.LeveledUp)

	res, err = h.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: 30, SourceType: xp.SourceBonus, SourceID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 80, res.Balance.XP)
	assert.Equal(t, 2, res.Balance.Level)
	assert.False(t, res.LeveledUp)

	res, err = h.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: -80, SourceType: xp.SourceMissionCancellation, SourceID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Balance.XP)
	assert.Equal(t, 1, res.Balance.Level)

	requireLedgerMatches(t, store, "u1")
	assert.Len(t, store.Transactions(), 3)
}

func TestGrantXP_NegativeLedgerSumIsNotClamped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	h := NewGrantXPHandler(store, testSeasons, Options{})

	res, err := h.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: -25, SourceType: xp.SourcePenalty})
	require.NoError(t, err)
	assert.Equal(t, -25, res.Balance.XP)
	assert.Equal(t, 1, res.Balance.Level)
	requireLedgerMatches(t, store, "u1")
}

func TestGrantXP_NoActiveSeason(t *testing.T) {
	store := memory.NewStore()
	h := NewGrantXPHandler(store, season.Static(""), Options{})

	_, err := h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceBonus})
	require.ErrorIs(t, err, shared.ErrNoActiveSeason)
	assert.Empty(t, store.Transactions())
}

func TestGrantXP_PinnedSeason(t *testing.T) {
	store := memory.NewStore()
	h := NewGrantXPHandler(store, season.Static(""), Options{})

	ctx := season.WithSeason(context.Background(), "s2")
	res, err := h.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceBonus})
	require.NoError(t, err)
	assert.Equal(t, "s2", res.Balance.SeasonID)
}

func TestGrantXP_Validation(t *testing.T) {
	h := NewGrantXPHandler(memory.NewStore(), testSeasons, Options{})

	_, err := h.Handle(context.Background(), xp.GrantRequest{Amount: 50, SourceType: xp.SourceBonus})
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)

	_, err = h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: "GIFT"})
	assert.ErrorIs(t, err, shared.ErrInvalidSourceType)
}

func TestGrantXP_LedgerWriteFailed(t *testing.T) {
	store := newFaultyStore()
	store.failInsert = errors.New("unique violation")
	h := NewGrantXPHandler(store, testSeasons, Options{})

	_, err := h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceBonus})
	require.ErrorIs(t, err, shared.ErrLedgerWriteFailed)
	assert.NotErrorIs(t, err, shared.ErrBalanceWriteFailed)

	_, err = store.GetBalance(context.Background(), "u1", testSeason)
	assert.ErrorIs(t, err, shared.ErrBalanceNotFound)
}

func TestGrantXP_BalanceWriteFailedRollsBackEntry(t *testing.T) {
	store := newFaultyStore()
	store.failIncrement = errors.New("connection reset")
	h := NewGrantXPHandler(store, testSeasons, Options{})

	_, err := h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceBonus})
	require.ErrorIs(t, err, shared.ErrBalanceWriteFailed)
	assert.NotErrorIs(t, err, shared.ErrLedgerWriteFailed)

	// Both writes share a transaction, so the ledger stays consistent.
	assert.Empty(t, store.Transactions())
}

func TestGrantXP_RetriesTransientFailures(t *testing.T) {
	transient := errors.New("serialization failure")
	store := newFaultyStore()
	store.failIncrement = transient

	attempts := 0
	r := retry.DatabaseRetrier(3, func(err error) bool { return errors.Is(err, transient) },
		retry.WithInitialDelay(1), retry.WithOnRetry(func(int, error, time.Duration) {
			attempts++
			store.failIncrement = nil
		}))
	h := NewGrantXPHandler(store, testSeasons, Options{Retrier: r})

	res, err := h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceBonus})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 50, res.Balance.XP)
	assert.Len(t, store.Transactions(), 1)
}

func TestGrantXP_ConcurrentGrantsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	h := NewGrantXPHandler(store, testSeasons, Options{})

	const workers = 20
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := h.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: 3, SourceType: xp.SourceBonus})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	b := requireLedgerMatches(t, store, "u1")
	assert.Equal(t, workers*perWorker*3, b.XP)
}

func TestGrantXP_PublishesEvents(t *testing.T) {
	bus := &recordingBus{}
	h := NewGrantXPHandler(memory.NewStore(), testSeasons, Options{Events: bus})

	_, err := h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 50, SourceType: xp.SourceMissionCompletion, SourceID: "a1"})
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), xp.GrantRequest{UserID: "u1", Amount: 10, SourceType: xp.SourceBonus, SourceID: "a1"})
	require.NoError(t, err)

	granted := bus.ofType(shared.EventXPGranted)
	require.Len(t, granted, 2)
	last := granted[1].(shared.XPGrantedEvent)
	assert.Equal(t, 60, last.NewXP)
	assert.Equal(t, "u1", last.UserID())

	ups := bus.ofType(shared.EventLevelUp)
	require.Len(t, ups, 1)
	up := ups[0].(shared.LevelUpEvent)
	assert.Equal(t, 1, up.PreviousLevel)
	assert.Equal(t, 2, up.NewLevel)
}
