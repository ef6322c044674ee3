// Package memory provides an in-process implementation of the ledger store.
// It is used by tests and by single-process development runs; state is lost
// on exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

type balanceKey struct {
	userID   string
	seasonID string
}

type state struct {
	txs      []*xp.Transaction
	balances map[balanceKey]*xp.Balance
}

func (s *state) clone() *state {
	c := &state{
		txs:      make([]*xp.Transaction, len(s.txs)),
		balances: make(map[balanceKey]*xp.Balance, len(s.balances)),
	}
	copy(c.txs, s.txs)
	for k, b := range s.balances {
		c.balances[k] = copyBalance(b)
	}
	return c
}

// Store is a mutex-guarded ledger. RunInTx holds the lock for the whole
// callback and restores a snapshot when it fails.
type Store struct {
	*repo
	mu sync.Mutex
	st *state
}

// Compile-time interface check.
var _ xp.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{st: &state{balances: make(map[balanceKey]*xp.Balance)}}
	s.repo = &repo{
		state: func() *state { return s.st },
		guard: func() func() {
			s.mu.Lock()
			return s.mu.Unlock
		},
	}
	return s
}

// RunInTx implements xp.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo xp.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	txRepo := &repo{
		state: func() *state { return s.st },
		guard: func() func() { return func() {} },
	}
	if err := fn(ctx, txRepo); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Transactions returns a copy of the whole ledger in insertion order.
func (s *Store) Transactions() []*xp.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*xp.Transaction, len(s.st.txs))
	copy(out, s.st.txs)
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

type repo struct {
	state func() *state
	guard func() func()
}

func (r *repo) InsertTransactions(ctx context.Context, txs []*xp.Transaction) error {
	defer r.guard()()
	st := r.state()
	for _, t := range txs {
		c := *t
		st.txs = append(st.txs, &c)
	}
	return nil
}

func (r *repo) BonusAmount(ctx context.Context, userID, sourceID string) (int, bool, error) {
	defer r.guard()()
	total, found := 0, false
	for _, t := range r.state().txs {
		if t.UserID == userID && t.SourceID == sourceID && t.SourceType == xp.SourceBonus {
			total += t.Amount
			found = true
		}
	}
	return total, found, nil
}

func (r *repo) History(ctx context.Context, userID string, limit int) ([]*xp.Transaction, error) {
	defer r.guard()()
	var out []*xp.Transaction
	for _, t := range r.state().txs {
		if t.UserID == userID {
			c := *t
			out = append(out, &c)
		}
	}
	// Newest first; ties keep reverse insertion order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) LedgerSum(ctx context.Context, userID, seasonID string) (int, error) {
	defer r.guard()()
	return ledgerSum(r.state(), userID, seasonID), nil
}

func ledgerSum(st *state, userID, seasonID string) int {
	sum := 0
	for _, t := range st.txs {
		if t.UserID == userID && t.SeasonID == seasonID {
			sum += t.Amount
		}
	}
	return sum
}

func (r *repo) GetBalance(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	defer r.guard()()
	b, ok := r.state().balances[balanceKey{userID, seasonID}]
	if !ok {
		return nil, shared.ErrBalanceNotFound
	}
	return copyBalance(b), nil
}

func (r *repo) GetBalances(ctx context.Context, seasonID string, userIDs []string) (map[string]*xp.Balance, error) {
	defer r.guard()()
	out := make(map[string]*xp.Balance, len(userIDs))
	for _, id := range userIDs {
		if b, ok := r.state().balances[balanceKey{id, seasonID}]; ok {
			out[id] = copyBalance(b)
		}
	}
	return out, nil
}

func (r *repo) InitBalances(ctx context.Context, seasonID string, userIDs []string) error {
	defer r.guard()()
	st := r.state()
	for _, id := range userIDs {
		k := balanceKey{id, seasonID}
		if _, ok := st.balances[k]; !ok {
			st.balances[k] = xp.NewBalance(id, seasonID)
		}
	}
	return nil
}

func (r *repo) ListBalances(ctx context.Context, seasonID, afterUserID string, limit int) ([]*xp.Balance, error) {
	defer r.guard()()
	var out []*xp.Balance
	for k, b := range r.state().balances {
		if k.seasonID == seasonID && k.userID > afterUserID {
			out = append(out, copyBalance(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) Increment(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	defer r.guard()()
	st := r.state()
	k := balanceKey{userID, seasonID}
	b, ok := st.balances[k]
	if !ok {
		b = xp.NewBalance(userID, seasonID)
		st.balances[k] = b
	}
	applyXP(b, b.XP+amount)
	return copyBalance(b), nil
}

func (r *repo) ApplyDeltas(ctx context.Context, seasonID string, deltas []xp.Delta) (map[string]*xp.Balance, error) {
	defer r.guard()()
	st := r.state()
	out := make(map[string]*xp.Balance, len(deltas))
	for _, d := range deltas {
		b, ok := st.balances[balanceKey{d.UserID, seasonID}]
		if !ok {
			continue
		}
		applyXP(b, b.XP+d.Amount)
		out[d.UserID] = copyBalance(b)
	}
	return out, nil
}

func (r *repo) SetBalance(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	defer r.guard()()
	st := r.state()
	k := balanceKey{userID, seasonID}
	b, ok := st.balances[k]
	if !ok {
		b = xp.NewBalance(userID, seasonID)
		st.balances[k] = b
	}
	applyXP(b, amount)
	return copyBalance(b), nil
}

func (r *repo) CountAbove(ctx context.Context, seasonID string, amount int) (int, error) {
	defer r.guard()()
	n := 0
	for k, b := range r.state().balances {
		if k.seasonID == seasonID && b.XP > amount {
			n++
		}
	}
	return n, nil
}

func (r *repo) MarkNotified(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	defer r.guard()()
	b, ok := r.state().balances[balanceKey{userID, seasonID}]
	if !ok {
		return nil, shared.ErrBalanceNotFound
	}
	lvl := b.Level
	b.LastNotifiedLevel = &lvl
	b.UpdatedAt = time.Now().UTC()
	return copyBalance(b), nil
}

func (r *repo) Drifted(ctx context.Context, seasonID string) ([]xp.Drift, error) {
	defer r.guard()()
	st := r.state()

	sums := make(map[string]int)
	for _, t := range st.txs {
		if t.SeasonID == seasonID {
			sums[t.UserID] += t.Amount
		}
	}

	var out []xp.Drift
	for k, b := range st.balances {
		if k.seasonID != seasonID {
			continue
		}
		if sum := sums[k.userID]; sum != b.XP {
			out = append(out, xp.Drift{UserID: k.userID, SeasonID: seasonID, BalanceXP: b.XP, LedgerXP: sum, HasBalance: true})
		}
	}
	for userID, sum := range sums {
		if _, ok := st.balances[balanceKey{userID, seasonID}]; !ok {
			out = append(out, xp.Drift{UserID: userID, SeasonID: seasonID, LedgerXP: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func applyXP(b *xp.Balance, amount int) {
	b.XP = amount
	b.Relevel()
	b.UpdatedAt = time.Now().UTC()
}

func copyBalance(b *xp.Balance) *xp.Balance {
	c := *b
	if b.LastNotifiedLevel != nil {
		lvl := *b.LastNotifiedLevel
		c.LastNotifiedLevel = &lvl
	}
	return &c
}
