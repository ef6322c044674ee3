package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
)

func TestMarkLevelUpSeen_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := NewGrantXPHandler(store, testSeasons, Options{}).Handle(ctx,
		xp.GrantRequest{UserID: "u1", Amount: 200, SourceType: xp.SourceBonus})
	require.NoError(t, err)

	h := NewMarkLevelUpSeenHandler(store, testSeasons, nil)
	require.NoError(t, h.Handle(ctx, "u1"))
	first, err := store.GetBalance(ctx, "u1", testSeason)
	require.NoError(t, err)
	assert.Equal(t, 4, first.NotifiedLevel())

	require.NoError(t, h.Handle(ctx, "u1"))
	second, err := store.GetBalance(ctx, "u1", testSeason)
	require.NoError(t, err)
	assert.Equal(t, first.NotifiedLevel(), second.NotifiedLevel())
}

func TestMarkLevelUpSeen_NoBalanceIsNoop(t *testing.T) {
	h := NewMarkLevelUpSeenHandler(memory.NewStore(), testSeasons, nil)
	assert.NoError(t, h.Handle(context.Background(), "ghost"))
	assert.ErrorIs(t, h.Handle(context.Background(), ""), shared.ErrInvalidUserID)
}

func TestMarkLevelUpSeen_ReversalLowersWatermark(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	grant := NewGrantXPHandler(store, testSeasons, Options{})

	_, err := grant.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: 200, SourceType: xp.SourceBonus})
	require.NoError(t, err)
	require.NoError(t, NewMarkLevelUpSeenHandler(store, testSeasons, nil).Handle(ctx, "u1"))

	_, err = grant.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: -200, SourceType: xp.SourceBonus})
	require.NoError(t, err)

	b, err := store.GetBalance(ctx, "u1", testSeason)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Level)
	assert.LessOrEqual(t, b.NotifiedLevel(), b.Level)

	// Earning the levels back notifies again.
	_, err = grant.Handle(ctx, xp.GrantRequest{UserID: "u1", Amount: 100, SourceType: xp.SourceBonus})
	require.NoError(t, err)
	b, err = store.GetBalance(ctx, "u1", testSeason)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Level)
	assert.Equal(t, 1, b.NotifiedLevel())
}
