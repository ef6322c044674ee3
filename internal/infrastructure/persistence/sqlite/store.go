// Package sqlite provides an embedded SQLite implementation of the ledger
// store for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/sqlite/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists the ledger in SQLite. A single connection serializes every
// transaction, which makes the read-modify-write of a balance atomic.
type Store struct {
	*repo
	db *sql.DB
}

var _ xp.Store = (*Store)(nil)

// Open opens a SQLite ledger store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if path != MemoryPath {
		path = filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: :memory: databases are per-connection and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite db: %w", err)
		}
	}

	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{repo: &repo{q: db}, db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx implements xp.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo xp.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &repo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

// IsTransient reports whether err is a busy or locked database error that is
// safe to retry.
func IsTransient(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

type repo struct {
	q querier
}

const balanceColumns = `user_id, season_id, xp, level, last_notified_level, updated_at`

func (r *repo) InsertTransactions(ctx context.Context, txs []*xp.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO xp_transactions (id, user_id, season_id, xp_amount, source_type, source_id, description, created_at) VALUES `)
	args := make([]any, 0, len(txs)*8)
	for i, t := range txs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, t.ID, t.UserID, t.SeasonID, t.Amount, string(t.SourceType), t.SourceID, t.Description, toMillis(t.CreatedAt))
	}
	if _, err := r.q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert xp transactions: %w", err)
	}
	return nil
}

func (r *repo) BonusAmount(ctx context.Context, userID, sourceID string) (int, bool, error) {
	var total, count int
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(xp_amount), 0), COUNT(*)
		FROM xp_transactions
		WHERE user_id = ? AND source_id = ? AND source_type = ?`,
		userID, sourceID, string(xp.SourceBonus),
	).Scan(&total, &count)
	if err != nil {
		return 0, false, fmt.Errorf("read bonus amount: %w", err)
	}
	return total, count > 0, nil
}

func (r *repo) History(ctx context.Context, userID string, limit int) ([]*xp.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_id, season_id, xp_amount, source_type, source_id, description, created_at
		FROM xp_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query xp history: %w", err)
	}
	defer rows.Close()

	var out []*xp.Transaction
	for rows.Next() {
		var t xp.Transaction
		var source string
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.SeasonID, &t.Amount, &source, &t.SourceID, &t.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan xp transaction: %w", err)
		}
		t.SourceType = xp.SourceType(source)
		t.CreatedAt = fromMillis(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *repo) LedgerSum(ctx context.Context, userID, seasonID string) (int, error) {
	var sum int
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(xp_amount), 0) FROM xp_transactions WHERE user_id = ? AND season_id = ?`,
		userID, seasonID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

func (r *repo) GetBalance(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	b, err := scanBalance(r.q.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM user_levels WHERE user_id = ? AND season_id = ?`,
		userID, seasonID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (r *repo) GetBalances(ctx context.Context, seasonID string, userIDs []string) (map[string]*xp.Balance, error) {
	out := make(map[string]*xp.Balance, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(userIDs)+1)
	args = append(args, seasonID)
	for _, id := range userIDs {
		args = append(args, id)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM user_levels WHERE season_id = ? AND user_id IN (`+placeholders(len(userIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out[b.UserID] = b
	}
	return out, rows.Err()
}

func (r *repo) InitBalances(ctx context.Context, seasonID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := toMillis(time.Now())
	var sb strings.Builder
	sb.WriteString(`INSERT INTO user_levels (user_id, season_id, xp, level, updated_at) VALUES `)
	args := make([]any, 0, len(userIDs)*3)
	for i, id := range userIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, 0, 1, ?)")
		args = append(args, id, seasonID, now)
	}
	sb.WriteString(` ON CONFLICT (user_id, season_id) DO NOTHING`)
	if _, err := r.q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("init balances: %w", err)
	}
	return nil
}

func (r *repo) ListBalances(ctx context.Context, seasonID, afterUserID string, limit int) ([]*xp.Balance, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM user_levels WHERE season_id = ? AND user_id > ? ORDER BY user_id LIMIT ?`,
		seasonID, afterUserID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []*xp.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *repo) Increment(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	b, err := scanBalance(r.q.QueryRowContext(ctx, `
		INSERT INTO user_levels (user_id, season_id, xp, level, updated_at)
		VALUES (?1, ?2, ?3, 1, ?4)
		ON CONFLICT (user_id, season_id)
		DO UPDATE SET xp = user_levels.xp + excluded.xp, updated_at = excluded.updated_at
		RETURNING `+balanceColumns,
		userID, seasonID, amount, toMillis(time.Now()),
	))
	if err != nil {
		return nil, fmt.Errorf("increment balance: %w", err)
	}
	if err := r.syncLevels(ctx, seasonID, []*xp.Balance{b}); err != nil {
		return nil, err
	}
	return b, nil
}

// ApplyDeltas updates the whole chunk with one UPDATE ... FROM statement.
func (r *repo) ApplyDeltas(ctx context.Context, seasonID string, deltas []xp.Delta) (map[string]*xp.Balance, error) {
	out := make(map[string]*xp.Balance, len(deltas))
	if len(deltas) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(deltas)*2+2)
	for _, d := range deltas {
		args = append(args, d.UserID, d.Amount)
	}
	args = append(args, toMillis(time.Now()), seasonID)

	rows, err := r.q.QueryContext(ctx, `
		WITH d(uid, delta) AS (VALUES `+valueRows(len(deltas), 2)+`)
		UPDATE user_levels SET xp = xp + d.delta, updated_at = ?
		FROM d
		WHERE user_levels.user_id = d.uid AND user_levels.season_id = ?
		RETURNING `+balanceColumns,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("apply deltas: %w", err)
	}
	var updated []*xp.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		updated = append(updated, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("apply deltas: %w", err)
	}

	if err := r.syncLevels(ctx, seasonID, updated); err != nil {
		return nil, err
	}
	for _, b := range updated {
		out[b.UserID] = b
	}
	return out, nil
}

// syncLevels stores the level of each balance's xp where it changed, in one
// statement, lowering last_notified_level when it would exceed the level.
func (r *repo) syncLevels(ctx context.Context, seasonID string, balances []*xp.Balance) error {
	var args []any
	n := 0
	for _, b := range balances {
		if b.Relevel() {
			args = append(args, b.UserID, b.Level)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	args = append(args, seasonID)
	if _, err := r.q.ExecContext(ctx, `
		WITH c(uid, lvl) AS (VALUES `+valueRows(n, 2)+`)
		UPDATE user_levels SET
			level = c.lvl,
			last_notified_level = CASE
				WHEN user_levels.last_notified_level > c.lvl THEN c.lvl
				ELSE user_levels.last_notified_level
			END
		FROM c
		WHERE user_levels.user_id = c.uid AND user_levels.season_id = ?`,
		args...,
	); err != nil {
		return fmt.Errorf("update levels: %w", err)
	}
	return nil
}

func (r *repo) SetBalance(ctx context.Context, userID, seasonID string, amount int) (*xp.Balance, error) {
	b, err := scanBalance(r.q.QueryRowContext(ctx, `
		INSERT INTO user_levels (user_id, season_id, xp, level, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5)
		ON CONFLICT (user_id, season_id)
		DO UPDATE SET
			xp = excluded.xp,
			level = excluded.level,
			last_notified_level = CASE
				WHEN user_levels.last_notified_level > excluded.level THEN excluded.level
				ELSE user_levels.last_notified_level
			END,
			updated_at = excluded.updated_at
		RETURNING `+balanceColumns,
		userID, seasonID, amount, level.CalculateLevel(amount), toMillis(time.Now()),
	))
	if err != nil {
		return nil, fmt.Errorf("set balance: %w", err)
	}
	return b, nil
}

func (r *repo) CountAbove(ctx context.Context, seasonID string, amount int) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_levels WHERE season_id = ? AND xp > ?`,
		seasonID, amount,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count balances: %w", err)
	}
	return n, nil
}

func (r *repo) MarkNotified(ctx context.Context, userID, seasonID string) (*xp.Balance, error) {
	b, err := scanBalance(r.q.QueryRowContext(ctx, `
		UPDATE user_levels SET last_notified_level = level, updated_at = ?
		WHERE user_id = ? AND season_id = ?
		RETURNING `+balanceColumns,
		toMillis(time.Now()), userID, seasonID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark level notified: %w", err)
	}
	return b, nil
}

func (r *repo) Drifted(ctx context.Context, seasonID string) ([]xp.Drift, error) {
	rows, err := r.q.QueryContext(ctx, `
		WITH sums AS (
			SELECT user_id, SUM(xp_amount) AS total
			FROM xp_transactions
			WHERE season_id = ?1
			GROUP BY user_id
		)
		SELECT ul.user_id, ul.xp, COALESCE(s.total, 0), 1
		FROM user_levels AS ul
		LEFT JOIN sums AS s ON s.user_id = ul.user_id
		WHERE ul.season_id = ?1 AND ul.xp <> COALESCE(s.total, 0)
		UNION ALL
		SELECT s.user_id, 0, s.total, 0
		FROM sums AS s
		WHERE NOT EXISTS (
			SELECT 1 FROM user_levels AS ul WHERE ul.user_id = s.user_id AND ul.season_id = ?1
		)
		ORDER BY 1`,
		seasonID,
	)
	if err != nil {
		return nil, fmt.Errorf("find drifted balances: %w", err)
	}
	defer rows.Close()

	var out []xp.Drift
	for rows.Next() {
		d := xp.Drift{SeasonID: seasonID}
		if err := rows.Scan(&d.UserID, &d.BalanceXP, &d.LedgerXP, &d.HasBalance); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*xp.Balance, error) {
	var b xp.Balance
	var notified sql.NullInt64
	var updatedAt int64
	if err := row.Scan(&b.UserID, &b.SeasonID, &b.XP, &b.Level, &notified, &updatedAt); err != nil {
		return nil, err
	}
	if notified.Valid {
		lvl := int(notified.Int64)
		b.LastNotifiedLevel = &lvl
	}
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// valueRows returns n parenthesized tuples of width placeholders.
func valueRows(n, width int) string {
	row := "(" + placeholders(width) + ")"
	return strings.TrimSuffix(strings.Repeat(row+", ", n), ", ")
}
