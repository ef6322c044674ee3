package command

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
)

const testSeason = "s1"

var testSeasons = season.Static(testSeason)

// faultyStore injects failures into the repository handed to transactions.
type faultyStore struct {
	*memory.Store
	failInsert    error
	failIncrement error
	skipInit      bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.NewStore()}
}

func (f *faultyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo xp.Repository) error) error {
	return f.Store.RunInTx(ctx, func(ctx context.Context, repo xp.Repository) error {
		return fn(ctx, &faultyRepo{Repository: repo, s: f})
	})
}

type faultyRepo struct {
	xp.Repository
	s *faultyStore
}

func (r *faultyRepo) InsertTransactions(ctx context.Context, txs []*xp.Transaction) error {
	if r.s.failInsert != nil {
		return r.s.failInsert
	}
	return r.Repository.InsertTransactions(ctx, txs)
}

func (r *faultyRepo) Increment(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	if r.s.failIncrement != nil {
		return nil, r.s.failIncrement
	}
	return r.Repository.Increment(ctx, userID, seasonID, amount)
}

func (r *faultyRepo) ApplyDeltas(ctx context.Context, seasonID string, deltas []xp.Delta) (map[string]*xp.Balance, error) {
	if r.s.failIncrement != nil {
		return nil, r.s.failIncrement
	}
	return r.Repository.ApplyDeltas(ctx, seasonID, deltas)
}

func (r *faultyRepo) InitBalances(ctx context.Context, seasonID string, userIDs []string) error {
	if r.s.skipInit {
		return nil
	}
	return r.Repository.InitBalances(ctx, seasonID, userIDs)
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *recordingBus) Publish(e shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) ofType(t shared.EventType) []shared.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []shared.Event
	for _, e := range b.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// requireLedgerMatches asserts balance xp == ledger sum for the user.
func requireLedgerMatches(t *testing.T, store xp.Repository, userID string) *xp.Balance {
	t.Helper()
	ctx := context.Background()
	b, err := store.GetBalance(ctx, userID, testSeason)
	require.NoError(t, err)
	sum, err := store.LedgerSum(ctx, userID, testSeason)
	require.NoError(t, err)
	require.Equal(t, sum, b.XP, "balance must equal ledger sum for %s", userID)
	return b
}
