package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
)

type mockRankWriter struct {
	mock.Mock
}

func (m *mockRankWriter) SetScore(ctx context.Context, seasonID, userID string, xp int) error {
	args := m.Called(ctx, seasonID, userID, xp)
	return args.Error(0)
}

func (m *mockRankWriter) SetScores(ctx context.Context, seasonID string, scores map[string]int) error {
	args := m.Called(ctx, seasonID, scores)
	return args.Error(0)
}

func seeded(t *testing.T, balances map[string]int) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for user, amount := range balances {
		_, err := store.Increment(context.Background(), user, "s1", amount)
		require.NoError(t, err)
	}
	return store
}

func TestRankIndex_WritesStoredBalanceNotEventValue(t *testing.T) {
	store := seeded(t, map[string]int{"u1": 200})
	ranks := new(mockRankWriter)
	ranks.On("SetScore", mock.Anything, "s1", "u1", 200).Return(nil)

	h := NewRankIndexHandler(store, season.Static("s1"), ranks, nil)
	// An older event delivered after a newer grant committed.
	require.NoError(t, h.Handle(shared.NewXPGrantedEvent("u1", "s1", 30, "BONUS", "a1", 80, 2)))

	ranks.AssertExpectations(t)
}

func TestRankIndex_RefreshesOnRebuild(t *testing.T) {
	store := seeded(t, map[string]int{"u1": 0})
	ranks := new(mockRankWriter)
	ranks.On("SetScore", mock.Anything, "s1", "u1", 0).Return(nil)

	h := NewRankIndexHandler(store, season.Static("s1"), ranks, nil)
	require.NoError(t, h.Handle(shared.NewBalanceRebuiltEvent("u1", "s1", 500, 0, 1)))

	ranks.AssertExpectations(t)
}

func TestRankIndex_SkipsMissingBalance(t *testing.T) {
	ranks := new(mockRankWriter)
	h := NewRankIndexHandler(memory.NewStore(), season.Static("s1"), ranks, nil)

	require.NoError(t, h.Handle(shared.NewXPGrantedEvent("ghost", "s1", 10, "BONUS", "", 10, 1)))
	ranks.AssertNotCalled(t, "SetScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRankIndex_PropagatesWriterError(t *testing.T) {
	store := seeded(t, map[string]int{"u1": 50})
	ranks := new(mockRankWriter)
	ranks.On("SetScore", mock.Anything, "s1", "u1", 50).Return(errors.New("redis down"))

	h := NewRankIndexHandler(store, season.Static("s1"), ranks, nil)
	err := h.Handle(shared.NewXPGrantedEvent("u1", "s1", 50, "MISSION_COMPLETION", "a1", 50, 2))
	assert.Error(t, err)
}

func TestRankIndex_RejectsOtherEvents(t *testing.T) {
	h := NewRankIndexHandler(memory.NewStore(), season.Static("s1"), new(mockRankWriter), nil)
	err := h.Handle(shared.NewLevelUpEvent("u1", "s1", 1, 2))
	assert.Error(t, err)
}

func TestRankIndex_ReloadPagesThroughSeason(t *testing.T) {
	balances := make(map[string]int)
	for i := 0; i < 5; i++ {
		balances[fmt.Sprintf("u%d", i)] = i * 10
	}
	store := seeded(t, balances)
	_, err := store.Increment(context.Background(), "other", "s2", 999)
	require.NoError(t, err)

	ranks := new(mockRankWriter)
	ranks.On("SetScores", mock.Anything, "s1", map[string]int{"u0": 0, "u1": 10}).Return(nil).Once()
	ranks.On("SetScores", mock.Anything, "s1", map[string]int{"u2": 20, "u3": 30}).Return(nil).Once()
	ranks.On("SetScores", mock.Anything, "s1", map[string]int{"u4": 40}).Return(nil).Once()

	h := NewRankIndexHandler(store, season.Static("s1"), ranks, nil).WithPageSize(2)
	n, err := h.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	ranks.AssertExpectations(t)
}

func TestRankIndex_ReloadFailures(t *testing.T) {
	store := seeded(t, map[string]int{"u1": 10})
	ranks := new(mockRankWriter)
	ranks.On("SetScores", mock.Anything, "s1", mock.Anything).Return(errors.New("redis down"))

	h := NewRankIndexHandler(store, season.Static("s1"), ranks, nil)
	_, err := h.Reload(context.Background())
	assert.Error(t, err)

	_, err = NewRankIndexHandler(store, season.Static(""), ranks, nil).Reload(context.Background())
	assert.ErrorIs(t, err, shared.ErrNoActiveSeason)
}
