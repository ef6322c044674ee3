package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// LedgerStore implements xp.Store on PostgreSQL. Balance increments are
// server-side upserts, so concurrent grants never lose an update.
type LedgerStore struct {
	*ledgerRepo
	conn *Connection
}

var _ xp.Store = (*LedgerStore)(nil)

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(conn *Connection) *LedgerStore {
	return &LedgerStore{
		ledgerRepo: &ledgerRepo{q: conn.Pool()},
		conn:       conn,
	}
}

// RunInTx implements xp.Store.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo xp.Repository) error) error {
	return s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		return fn(ctx, &ledgerRepo{q: tx})
	})
}

// ledgerRepo runs every query against a pool or an open transaction.
type ledgerRepo struct {
	q Querier
}

const balanceColumns = `user_id, season_id, xp, level, last_notified_level, updated_at`

// ─────────────────────────────────────────────────────────────────────────────
// Ledger
// ─────────────────────────────────────────────────────────────────────────────

func (r *ledgerRepo) InsertTransactions(ctx context.Context, txs []*xp.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	rows := make([][]any, len(txs))
	for i, t := range txs {
		rows[i] = []any{
			t.ID, t.UserID, t.SeasonID, t.Amount, string(t.SourceType),
			nullString(t.SourceID), nullString(t.Description), t.CreatedAt,
		}
	}
	n, err := r.q.CopyFrom(ctx,
		pgx.Identifier{"xp_transactions"},
		[]string{"id", "user_id", "season_id", "xp_amount", "source_type", "source_id", "description", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert xp transactions: %w", err)
	}
	if int(n) != len(txs) {
		return fmt.Errorf("failed to insert xp transactions: wrote %d of %d", n, len(txs))
	}
	return nil
}

func (r *ledgerRepo) BonusAmount(ctx context.Context, userID, sourceID string) (int, bool, error) {
	query := `
		SELECT COALESCE(SUM(xp_amount), 0), COUNT(*)
		FROM xp_transactions
		WHERE user_id = $1 AND source_id = $2 AND source_type = $3
	`
	var total, count int
	if err := r.q.QueryRow(ctx, query, userID, sourceID, string(xp.SourceBonus)).Scan(&total, &count); err != nil {
		return 0, false, fmt.Errorf("failed to read bonus amount: %w", err)
	}
	return total, count > 0, nil
}

func (r *ledgerRepo) History(ctx context.Context, userID string, limit int) ([]*xp.Transaction, error) {
	query := `
		SELECT id, user_id, season_id, xp_amount, source_type,
		       COALESCE(source_id, ''), COALESCE(description, ''), created_at
		FROM xp_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.q.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query xp history: %w", err)
	}
	defer rows.Close()

	var out []*xp.Transaction
	for rows.Next() {
		var t xp.Transaction
		var source string
		if err := rows.Scan(&t.ID, &t.UserID, &t.SeasonID, &t.Amount, &source, &t.SourceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan xp transaction: %w", err)
		}
		t.SourceType = xp.SourceType(source)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *ledgerRepo) LedgerSum(ctx context.Context, userID, seasonID string) (int, error) {
	query := `SELECT COALESCE(SUM(xp_amount), 0) FROM xp_transactions WHERE user_id = $1 AND season_id = $2`
	var sum int
	if err := r.q.QueryRow(ctx, query, userID, seasonID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Balances
// ─────────────────────────────────────────────────────────────────────────────

func (r *ledgerRepo) GetBalance(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM user_levels WHERE user_id = $1 AND season_id = $2`
	b, err := scanBalance(r.q.QueryRow(ctx, query, userID, seasonID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (r *ledgerRepo) GetBalances(ctx context.Context, seasonID string, userIDs []string) (map[string]*xp.Balance, error) {
	out := make(map[string]*xp.Balance, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + balanceColumns + ` FROM user_levels WHERE season_id = $1 AND user_id = ANY($2)`
	rows, err := r.q.Query(ctx, query, seasonID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out[b.UserID] = b
	}
	return out, rows.Err()
}

func (r *ledgerRepo) InitBalances(ctx context.Context, seasonID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO user_levels (user_id, season_id, xp, level)
		SELECT id, $1, 0, 1 FROM unnest($2::text[]) AS id
		ON CONFLICT (user_id, season_id) DO NOTHING
	`
	if _, err := r.q.Exec(ctx, query, seasonID, userIDs); err != nil {
		return fmt.Errorf("failed to init balances: %w", err)
	}
	return nil
}

func (r *ledgerRepo) ListBalances(ctx context.Context, seasonID, afterUserID string, limit int) ([]*xp.Balance, error) {
	query := `
		SELECT ` + balanceColumns + `
		FROM user_levels
		WHERE season_id = $1 AND user_id > $2
		ORDER BY user_id
		LIMIT $3
	`
	rows, err := r.q.Query(ctx, query, seasonID, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var out []*xp.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *ledgerRepo) Increment(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	query := `
		INSERT INTO user_levels (user_id, season_id, xp, level, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (user_id, season_id)
		DO UPDATE SET xp = user_levels.xp + EXCLUDED.xp, updated_at = NOW()
		RETURNING ` + balanceColumns
	b, err := scanBalance(r.q.QueryRow(ctx, query, userID, seasonID, amount))
	if err != nil {
		return nil, fmt.Errorf("failed to increment balance: %w", err)
	}
	if err := r.syncLevels(ctx, seasonID, []*xp.Balance{b}); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *ledgerRepo) ApplyDeltas(ctx context.Context, seasonID string, deltas []xp.Delta) (map[string]*xp.Balance, error) {
	out := make(map[string]*xp.Balance, len(deltas))
	if len(deltas) == 0 {
		return out, nil
	}
	ids, amounts := deltaArrays(deltas)

	// Amounts travel as int8 so an aggregated delta is never truncated; an
	// xp outside the column range fails the whole statement.
	query := `
		UPDATE user_levels AS ul
		SET xp = ul.xp + d.amount, updated_at = NOW()
		FROM unnest($2::text[], $3::int8[]) AS d(user_id, amount)
		WHERE ul.season_id = $1 AND ul.user_id = d.user_id
		RETURNING ul.user_id, ul.season_id, ul.xp, ul.level, ul.last_notified_level, ul.updated_at
	`
	rows, err := r.q.Query(ctx, query, seasonID, ids, amounts)
	if err != nil {
		return nil, fmt.Errorf("failed to apply deltas: %w", err)
	}
	var updated []*xp.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		updated = append(updated, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to apply deltas: %w", err)
	}

	if err := r.syncLevels(ctx, seasonID, updated); err != nil {
		return nil, err
	}
	for _, b := range updated {
		out[b.UserID] = b
	}
	return out, nil
}

// syncLevels stores the level of each balance's new xp where it changed,
// lowering last_notified_level along with it. Rows are already locked by the
// caller's increment.
func (r *ledgerRepo) syncLevels(ctx context.Context, seasonID string, balances []*xp.Balance) error {
	batch := &pgx.Batch{}
	for _, b := range releveled(balances) {
		batch.Queue(`
			UPDATE user_levels
			SET level = $3,
			    last_notified_level = CASE
			        WHEN last_notified_level > $3 THEN $3
			        ELSE last_notified_level
			    END
			WHERE user_id = $1 AND season_id = $2`,
			b.UserID, seasonID, b.Level)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to update levels: %w", err)
	}
	return nil
}

func (r *ledgerRepo) SetBalance(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	query := `
		INSERT INTO user_levels (user_id, season_id, xp, level, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, season_id)
		DO UPDATE SET
			xp = EXCLUDED.xp,
			level = EXCLUDED.level,
			last_notified_level = CASE
				WHEN user_levels.last_notified_level > EXCLUDED.level THEN EXCLUDED.level
				ELSE user_levels.last_notified_level
			END,
			updated_at = NOW()
		RETURNING ` + balanceColumns
	b, err := scanBalance(r.q.QueryRow(ctx, query, userID, seasonID, amount, level.CalculateLevel(amount)))
	if err != nil {
		return nil, fmt.Errorf("failed to set balance: %w", err)
	}
	return b, nil
}

func (r *ledgerRepo) CountAbove(ctx context.Context, seasonID string, amount int) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM user_levels WHERE season_id = $1 AND xp > $2`, seasonID, amount).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count balances: %w", err)
	}
	return n, nil
}

func (r *ledgerRepo) MarkNotified(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	query := `
		UPDATE user_levels SET last_notified_level = level, updated_at = NOW()
		WHERE user_id = $1 AND season_id = $2
		RETURNING ` + balanceColumns
	b, err := scanBalance(r.q.QueryRow(ctx, query, userID, seasonID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to mark level notified: %w", err)
	}
	return b, nil
}

func (r *ledgerRepo) Drifted(ctx context.Context, seasonID string) ([]xp.Drift, error) {
	query := `
		WITH sums AS (
			SELECT user_id, SUM(xp_amount) AS total
			FROM xp_transactions
			WHERE season_id = $1
			GROUP BY user_id
		)
		SELECT COALESCE(ul.user_id, s.user_id),
		       COALESCE(ul.xp, 0),
		       COALESCE(s.total, 0),
		       ul.user_id IS NOT NULL
		FROM (SELECT * FROM user_levels WHERE season_id = $1) AS ul
		FULL OUTER JOIN sums AS s ON s.user_id = ul.user_id
		WHERE ul.user_id IS NULL OR COALESCE(s.total, 0) <> ul.xp
		ORDER BY 1
	`
	rows, err := r.q.Query(ctx, query, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to find drifted balances: %w", err)
	}
	defer rows.Close()

	var out []xp.Drift
	for rows.Next() {
		d := xp.Drift{SeasonID: seasonID}
		if err := rows.Scan(&d.UserID, &d.BalanceXP, &d.LedgerXP, &d.HasBalance); err != nil {
			return nil, fmt.Errorf("failed to scan drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanBalance(row pgx.Row) (*xp.Balance, error) {
	var b xp.Balance
	var notified *int32
	var updatedAt time.Time
	if err := row.Scan(&b.UserID, &b.SeasonID, &b.XP, &b.Level, &notified, &updatedAt); err != nil {
		return nil, err
	}
	if notified != nil {
		lvl := int(*notified)
		b.LastNotifiedLevel = &lvl
	}
	b.UpdatedAt = updatedAt.UTC()
	return &b, nil
}

// deltaArrays splits deltas into the parallel arrays sent to unnest.
func deltaArrays(deltas []xp.Delta) ([]string, []int64) {
	ids := make([]string, len(deltas))
	amounts := make([]int64, len(deltas))
	for i, d := range deltas {
		ids[i] = d.UserID
		amounts[i] = int64(d.Amount)
	}
	return ids, amounts
}

// releveled recomputes levels in place and returns the balances whose level
// changed.
func releveled(balances []*xp.Balance) []*xp.Balance {
	var changed []*xp.Balance
	for _, b := range balances {
		if b.Relevel() {
			changed = append(changed, b)
		}
	}
	return changed
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
