package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/application/command"
	"github.com/civicquest/xp-ledger/internal/application/query"
	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
)

const testSeason = "s1"

var testRules = mission.BonusRules{PostingPointsPerUnit: 10, PosterPointsPerUnit: 400, PosterUnitCount: 1, FeaturedMultiplier: 2}

// flakyGranter fails grants of the listed source types.
type flakyGranter struct {
	next Granter
	fail map[xp.SourceType]error
}

func (g *flakyGranter) Handle(ctx context.Context, req xp.GrantRequest) (*xp.GrantResult, error) {
	if err, ok := g.fail[req.SourceType]; ok {
		return nil, err
	}
	return g.next.Handle(ctx, req)
}

type fixture struct {
	store   *memory.Store
	granter *flakyGranter
	saga    *AchievementFlowSaga
}

func newFixture(t *testing.T, seasons season.Resolver) *fixture {
	t.Helper()
	store := memory.NewStore()
	missions := memory.NewMissions(
		&mission.Mission{ID: "m-quiz", Title: "Civic quiz", Difficulty: 2, ArtifactType: mission.ArtifactQuiz},
		&mission.Mission{ID: "m-post", Title: "Hand out flyers", Difficulty: 1, ArtifactType: mission.ArtifactPosting},
		&mission.Mission{ID: "m-poster", Title: "Poster board", Difficulty: 3, Featured: true, ArtifactType: mission.ArtifactPoster},
		&mission.Mission{ID: "m-odd", Difficulty: 9, ArtifactType: mission.ArtifactLink},
	)
	granter := &flakyGranter{
		next: command.NewGrantXPHandler(store, seasons, command.Options{}),
		fail: map[xp.SourceType]error{},
	}
	s, err := NewAchievementFlowSagaBuilder().
		WithMissions(missions).
		WithSeasons(seasons).
		WithGranter(granter).
		WithBonusReader(query.NewGetXPBonusHandler(store)).
		WithBonusRules(testRules).
		Build()
	require.NoError(t, err)
	return &fixture{store: store, granter: granter, saga: s}
}

func (f *fixture) balance(t *testing.T, user string) *xp.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user, testSeason)
	require.NoError(t, err)
	sum, err := f.store.LedgerSum(context.Background(), user, testSeason)
	require.NoError(t, err)
	require.Equal(t, sum, b.XP)
	return b
}

func TestComplete_GrantsDifficultyXP(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))

	res, err := f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "m-quiz", AchievementID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 100, res.MissionXP)
	assert.Zero(t, res.BonusXP)
	assert.Nil(t, res.Bonus)
	assert.Equal(t, 100, res.TotalXP())
	assert.Equal(t, xp.SourceMissionCompletion, res.Completion.Transaction.SourceType)
	assert.Equal(t, "a1", res.Completion.Transaction.SourceID)
}

func TestComplete_OutOfRangeDifficultyUsesDefault(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))

	res, err := f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "m-odd", AchievementID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 50, res.MissionXP)
}

func TestComplete_GrantsSeparateBonusEntry(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))

	res, err := f.saga.Complete(context.Background(), CompleteInput{
		UserID: "u1", MissionID: "m-post", AchievementID: "a1",
		Bonus: &mission.BonusActivity{Count: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, res.MissionXP)
	assert.Equal(t, 30, res.BonusXP)
	assert.Equal(t, 80, res.TotalXP())
	assert.Equal(t, 80, res.Balance().XP)
	assert.Equal(t, 2, res.Balance().Level)

	txs := f.store.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, xp.SourceBonus, txs[1].SourceType)
	assert.Equal(t, "a1", txs[1].SourceID)
}

func TestComplete_FeaturedDoublesOnlyBonus(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))

	res, err := f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "m-poster", AchievementID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.MissionXP, "difficulty table is not doubled")
	assert.Equal(t, 800, res.BonusXP)
}

func TestComplete_BonusFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))
	f.granter.fail[xp.SourceBonus] = errors.New("bonus write failed")

	res, err := f.saga.Complete(context.Background(), CompleteInput{
		UserID: "u1", MissionID: "m-post", AchievementID: "a1",
		Bonus: &mission.BonusActivity{Count: 3},
	})
	require.NoError(t, err)
	require.Error(t, res.BonusErr)
	assert.Zero(t, res.BonusXP)
	assert.Equal(t, 50, res.TotalXP())
	assert.Equal(t, 50, f.balance(t, "u1").XP)

	var flowErr *AchievementFlowError
	require.ErrorAs(t, res.BonusErr, &flowErr)
	assert.Equal(t, StepGrantBonus, flowErr.Step)
}

func TestComplete_CompletionFailure(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))
	f.granter.fail[xp.SourceMissionCompletion] = shared.ErrLedgerWriteFailed

	res, err := f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "m-post", AchievementID: "a1", Bonus: &mission.BonusActivity{Count: 3}})
	require.ErrorIs(t, err, shared.ErrCompletionGrantFailed)
	assert.ErrorIs(t, err, shared.ErrLedgerWriteFailed)
	require.NotNil(t, res)
	assert.Nil(t, res.Bonus, "no bonus without the completion")
	assert.Empty(t, f.store.Transactions())
}

func TestComplete_Errors(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))

	_, err := f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "missing", AchievementID: "a1"})
	assert.ErrorIs(t, err, shared.ErrMissionNotFound)

	_, err = f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "m-quiz"})
	assert.ErrorIs(t, err, shared.ErrInvalidAchievementID)

	f = newFixture(t, season.Static(""))
	_, err = f.saga.Complete(context.Background(), CompleteInput{UserID: "u1", MissionID: "m-quiz", AchievementID: "a1"})
	assert.ErrorIs(t, err, shared.ErrNoActiveSeason)
}

func TestCompleteThenCancel_RestoresBalanceExactly(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))
	ctx := context.Background()

	// Prior activity so the round trip does not start from zero.
	_, err := f.saga.Complete(ctx, CompleteInput{UserID: "u1", MissionID: "m-quiz", AchievementID: "a0"})
	require.NoError(t, err)
	before := f.balance(t, "u1")

	cases := []CompleteInput{
		{UserID: "u1", MissionID: "m-quiz", AchievementID: "a1"},
		{UserID: "u1", MissionID: "m-post", AchievementID: "a2", Bonus: &mission.BonusActivity{Count: 7}},
		{UserID: "u1", MissionID: "m-poster", AchievementID: "a3"},
	}
	for _, in := range cases {
		done, err := f.saga.Complete(ctx, in)
		require.NoError(t, err)

		cancelled, err := f.saga.Cancel(ctx, CancelInput{UserID: in.UserID, MissionID: in.MissionID, AchievementID: in.AchievementID})
		require.NoError(t, err)
		assert.Equal(t, done.TotalXP(), cancelled.ReversedXP(), in.AchievementID)
		assert.Equal(t, xp.SourceMissionCancellation, cancelled.Reversal.Transaction.SourceType)

		after := f.balance(t, "u1")
		assert.Equal(t, before.XP, after.XP, in.AchievementID)
		assert.Equal(t, before.Level, after.Level, in.AchievementID)
	}
}

func TestCancel_ScenarioReversesCompletionAndBonus(t *testing.T) {
	f := newFixture(t, season.Static(testSeason))
	ctx := context.Background()

	_, err := f.saga.Complete(ctx, CompleteInput{UserID: "u1", MissionID: "m-post", AchievementID: "a1", Bonus: &mission.BonusActivity{Count: 3}})
	require.NoError(t, err)

	res, err := f.saga.Cancel(ctx, CancelInput{UserID: "u1", MissionID: "m-post", AchievementID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, -80, res.Reversal.Transaction.Amount)
	assert.Equal(t, 0, res.Reversal.Balance.XP)
	assert.Equal(t, 1, res.Reversal.Balance.Level)
}

func TestCancel_FailuresArePartial(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, season.Static(testSeason))
	f.granter.fail[xp.SourceMissionCancellation] = shared.ErrBalanceWriteFailed
	_, err := f.saga.Cancel(ctx, CancelInput{UserID: "u1", MissionID: "m-quiz", AchievementID: "a1"})
	require.ErrorIs(t, err, shared.ErrReversalPartialFailure)
	assert.ErrorIs(t, err, shared.ErrBalanceWriteFailed)
	var flowErr *AchievementFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StepGrantReversal, flowErr.Step)

	_, err = f.saga.Cancel(ctx, CancelInput{UserID: "u1", MissionID: "missing", AchievementID: "a1"})
	assert.ErrorIs(t, err, shared.ErrReversalPartialFailure)
	assert.ErrorIs(t, err, shared.ErrMissionNotFound)

	f = newFixture(t, season.Static(""))
	_, err = f.saga.Cancel(ctx, CancelInput{UserID: "u1", MissionID: "m-quiz", AchievementID: "a1"})
	assert.ErrorIs(t, err, shared.ErrReversalPartialFailure)
	assert.ErrorIs(t, err, shared.ErrNoActiveSeason)
}

func TestBuilder_RequiresDependencies(t *testing.T) {
	_, err := NewAchievementFlowSagaBuilder().Build()
	assert.Error(t, err)
}
