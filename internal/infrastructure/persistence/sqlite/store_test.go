package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/sqlite/migrations"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(t *testing.T, user string, amount int, src xp.SourceType, sourceID string) *xp.Transaction {
	t.Helper()
	tx, err := xp.NewTransaction(xp.GrantRequest{UserID: user, Amount: amount, SourceType: src, SourceID: sourceID}, "s1")
	require.NoError(t, err)
	return tx
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, applyMigrations(ctx, s.db, migrations.FS))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestStore_IncrementUpsertsAndLevels(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	b, err := s.Increment(ctx, "u1", "s1", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, b.XP)
	assert.Equal(t, 2, b.Level)
	assert.Nil(t, b.LastNotifiedLevel)

	b, err = s.Increment(ctx, "u1", "s1", 150)
	require.NoError(t, err)
	assert.Equal(t, 200, b.XP)
	assert.Equal(t, 4, b.Level)

	got, err := s.GetBalance(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 200, got.XP)
	assert.Equal(t, 4, got.Level)

	_, err = s.GetBalance(ctx, "u1", "s2")
	assert.ErrorIs(t, err, shared.ErrBalanceNotFound)
}

func TestStore_RunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, repo xp.Repository) error {
		require.NoError(t, repo.InsertTransactions(ctx, []*xp.Transaction{entry(t, "u1", 50, xp.SourceBonus, "a1")}))
		_, err := repo.Increment(ctx, "u1", "s1", 50)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	sum, err := s.LedgerSum(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Zero(t, sum)
	_, err = s.GetBalance(ctx, "u1", "s1")
	assert.ErrorIs(t, err, shared.ErrBalanceNotFound)
}

func TestStore_ConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	const workers = 20
	entries := make([]*xp.Transaction, workers)
	for i := range entries {
		entries[i] = entry(t, "u1", 25, xp.SourceBonus, "")
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTx(ctx, func(ctx context.Context, repo xp.Repository) error {
				if err := repo.InsertTransactions(ctx, []*xp.Transaction{e}); err != nil {
					return err
				}
				_, err := repo.Increment(ctx, "u1", "s1", 25)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := s.GetBalance(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, workers*25, b.XP)

	sum, err := s.LedgerSum(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, b.XP, sum)
}

func TestStore_BatchPrimitives(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Increment(ctx, "u1", "s1", 100)
	require.NoError(t, err)
	require.NoError(t, s.InitBalances(ctx, "s1", []string{"u1", "u2", "u3"}))

	all, err := s.GetBalances(ctx, "s1", []string{"u1", "u2", "u3", "u4"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 100, all["u1"].XP, "init must not reset existing rows")
	assert.Equal(t, 0, all["u2"].XP)

	applied, err := s.ApplyDeltas(ctx, "s1", []xp.Delta{
		{UserID: "u1", Amount: 100},
		{UserID: "u2", Amount: 50},
		{UserID: "u4", Amount: 10},
	})
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, 200, applied["u1"].XP)
	assert.Equal(t, 4, applied["u1"].Level)
	assert.Equal(t, 50, applied["u2"].XP)
	assert.Equal(t, 2, applied["u2"].Level)

	n, err := s.CountAbove(ctx, "s1", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_NegativeDeltasClampWatermark(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := s.Increment(ctx, u, "s1", 200)
		require.NoError(t, err)
		_, err = s.MarkNotified(ctx, u, "s1")
		require.NoError(t, err)
	}
	_, err := s.Increment(ctx, "u4", "s1", 10)
	require.NoError(t, err)

	b, err := s.Increment(ctx, "u1", "s1", -200)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Level)
	assert.Equal(t, 1, b.NotifiedLevel())

	applied, err := s.ApplyDeltas(ctx, "s1", []xp.Delta{
		{UserID: "u2", Amount: -150},
		{UserID: "u3", Amount: 50},
		{UserID: "u4", Amount: 100},
	})
	require.NoError(t, err)
	require.Len(t, applied, 3)
	assert.Equal(t, 2, applied["u2"].Level)
	assert.Equal(t, 2, applied["u2"].NotifiedLevel())
	assert.Equal(t, 5, applied["u3"].Level)
	assert.Equal(t, 4, applied["u3"].NotifiedLevel())
	assert.Equal(t, 3, applied["u4"].Level)
	assert.Nil(t, applied["u4"].LastNotifiedLevel)

	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		stored, err := s.GetBalance(ctx, u, "s1")
		require.NoError(t, err)
		assert.LessOrEqual(t, stored.NotifiedLevel(), stored.Level, u)
		if a := applied[u]; a != nil {
			assert.Equal(t, a.Level, stored.Level, u)
			assert.Equal(t, a.LastNotifiedLevel, stored.LastNotifiedLevel, u)
		}
	}
}

func TestStore_ListBalancesPages(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for _, u := range []string{"u3", "u1", "u2"} {
		_, err := s.Increment(ctx, u, "s1", 10)
		require.NoError(t, err)
	}
	_, err := s.Increment(ctx, "u9", "s2", 10)
	require.NoError(t, err)

	page, err := s.ListBalances(ctx, "s1", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "u1", page[0].UserID)
	assert.Equal(t, "u2", page[1].UserID)

	page, err = s.ListBalances(ctx, "s1", "u2", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u3", page[0].UserID)
}

func TestStore_HistoryAndBonus(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	first := entry(t, "u1", 50, xp.SourceMissionCompletion, "a1")
	bonus := entry(t, "u1", 150, xp.SourceBonus, "a1")
	bonus.CreatedAt = first.CreatedAt.Add(time.Second)
	other := entry(t, "u2", 10, xp.SourceBonus, "a1")
	require.NoError(t, s.InsertTransactions(ctx, []*xp.Transaction{first, bonus, other}))

	hist, err := s.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, bonus.ID, hist[0].ID)
	assert.Equal(t, xp.SourceBonus, hist[0].SourceType)
	assert.Equal(t, "a1", hist[0].SourceID)
	assert.Equal(t, first.ID, hist[1].ID)

	amount, found, err := s.BonusAmount(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 150, amount)

	_, found, err = s.BonusAmount(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SetBalanceAndDrift(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.InsertTransactions(ctx, []*xp.Transaction{
		entry(t, "u1", 50, xp.SourceMissionCompletion, "a1"),
		entry(t, "u2", 30, xp.SourceBonus, "a2"),
	}))
	_, err := s.Increment(ctx, "u1", "s1", 200)
	require.NoError(t, err)
	marked, err := s.MarkNotified(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, marked.NotifiedLevel())

	drift, err := s.Drifted(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, drift, 2)
	assert.Equal(t, xp.Drift{UserID: "u1", SeasonID: "s1", BalanceXP: 200, LedgerXP: 50, HasBalance: true}, drift[0])
	assert.Equal(t, xp.Drift{UserID: "u2", SeasonID: "s1", LedgerXP: 30}, drift[1])

	b, err := s.SetBalance(ctx, "u1", "s1", 50)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Level)
	assert.Equal(t, 2, b.NotifiedLevel())

	b, err = s.SetBalance(ctx, "u2", "s1", 30)
	require.NoError(t, err)
	assert.Nil(t, b.LastNotifiedLevel)

	drift, err = s.Drifted(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, drift)

	_, err = s.MarkNotified(ctx, "u9", "s1")
	assert.ErrorIs(t, err, shared.ErrBalanceNotFound)
}

func TestCatalog_SeasonsAndMissions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Seasons().ActiveSeasonID(ctx)
	assert.ErrorIs(t, err, shared.ErrNoActiveSeason)

	require.NoError(t, s.Seasons().Activate(ctx, season.Season{ID: "s1", Name: "Spring"}))
	require.NoError(t, s.Seasons().Activate(ctx, season.Season{ID: "s2", Name: "Summer"}))
	id, err := s.Seasons().ActiveSeasonID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", id)

	m := &mission.Mission{ID: "m1", Slug: "flyers", Title: "Post flyers", Difficulty: 3, Featured: true, ArtifactType: mission.ArtifactPosting}
	require.NoError(t, s.Missions().Upsert(ctx, m))
	got, err := s.Missions().GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	err = s.Missions().Upsert(ctx, &mission.Mission{ID: "m2", Slug: "flyers", Title: "dup"})
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	require.NoError(t, s.Missions().Upsert(ctx, &mission.Mission{ID: "m3", Title: "Clean the Park!"}))
	got, err = s.Missions().GetMission(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, "clean-the-park", got.Slug)
	assert.Equal(t, mission.ArtifactNone, got.ArtifactType)

	_, err = s.Missions().GetMission(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrMissionNotFound)
}
