package xp

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence (postgres, sqlite, memory).
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository is the append-only transaction log.
type LedgerRepository interface {
	// InsertTransactions appends entries. Implementations write all of them
	// or none of them.
	InsertTransactions(ctx context.Context, txs []*Transaction) error

	// BonusAmount returns the summed amount of BONUS entries recorded for
	// (userID, sourceID) and whether any exists.
	BonusAmount(ctx context.Context, userID, sourceID string) (int, bool, error)

	// History returns the user's entries across seasons, newest first.
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// LedgerSum returns the sum of the user's entries in a season.
	LedgerSum(ctx context.Context, userID, seasonID string) (int, error)
}

// BalanceRepository stores the derived (user, season) aggregates.
type BalanceRepository interface {
	// GetBalance returns shared.ErrBalanceNotFound when no row exists.
	GetBalance(ctx context.Context, userID, seasonID string) (*Balance, error)

	// GetBalances returns the existing balances among userIDs, keyed by user.
	GetBalances(ctx context.Context, seasonID string, userIDs []string) (map[string]*Balance, error)

	// InitBalances creates xp=0, level=1 rows for users that have none.
	// Existing rows are left untouched.
	InitBalances(ctx context.Context, seasonID string, userIDs []string) error

	// ListBalances pages through a season's balances in user id order,
	// starting after afterUserID ("" for the first page).
	ListBalances(ctx context.Context, seasonID, afterUserID string, limit int) ([]*Balance, error)

	// Increment adds amount to the stored xp server-side, creating the row
	// if needed, and stores the level of the resulting xp. A level that
	// drops below last_notified_level pulls the watermark down with it.
	Increment(ctx context.Context, userID, seasonID string, amount int) (*Balance, error)

	// ApplyDeltas increments every listed balance the same way Increment does.
	// Rows must already exist; users without a row are absent from the result.
	ApplyDeltas(ctx context.Context, seasonID string, deltas []Delta) (map[string]*Balance, error)

	// SetBalance overwrites xp with a value recomputed from the ledger.
	// last_notified_level is clamped so it never exceeds the new level.
	SetBalance(ctx context.Context, userID, seasonID string, xp int) (*Balance, error)

	// CountAbove counts balances in the season with xp strictly greater than xp.
	CountAbove(ctx context.Context, seasonID string, xp int) (int, error)

	// MarkNotified sets last_notified_level to the currently stored level.
	// Returns shared.ErrBalanceNotFound when no row exists.
	MarkNotified(ctx context.Context, userID, seasonID string) (*Balance, error)

	// Drifted lists every user of the season whose balance differs from the
	// ledger sum, including users that have entries but no balance row.
	Drifted(ctx context.Context, seasonID string) ([]Drift, error)
}

// Repository combines ledger and balance access over one connection or
// transaction.
type Repository interface {
	LedgerRepository
	BalanceRepository
}

// Store is a Repository that can run work atomically.
type Store interface {
	Repository

	// RunInTx runs fn against a transactional Repository. The work commits
	// when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
