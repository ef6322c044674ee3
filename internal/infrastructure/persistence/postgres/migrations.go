package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Seasons scope every balance. At most one season is active at a time.
CREATE TABLE IF NOT EXISTS seasons (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_seasons_single_active ON seasons(is_active) WHERE is_active;

-- Append-only ledger. Rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS xp_transactions (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    season_id TEXT NOT NULL,
    xp_amount INTEGER NOT NULL,
    source_type VARCHAR(32) NOT NULL,
    source_id TEXT,
    description TEXT,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_source_type CHECK (source_type IN ('MISSION_COMPLETION', 'BONUS', 'PENALTY', 'MISSION_CANCELLATION'))
);

CREATE INDEX IF NOT EXISTS idx_xp_transactions_user_season ON xp_transactions(user_id, season_id);
CREATE INDEX IF NOT EXISTS idx_xp_transactions_user_created ON xp_transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_xp_transactions_bonus ON xp_transactions(user_id, source_id) WHERE source_type = 'BONUS';

-- Derived balance per (user, season). xp always equals the ledger sum.
CREATE TABLE IF NOT EXISTS user_levels (
    user_id TEXT NOT NULL,
    season_id TEXT NOT NULL,
    xp INTEGER NOT NULL DEFAULT 0,
    level INTEGER NOT NULL DEFAULT 1,
    last_notified_level INTEGER,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, season_id),
    CONSTRAINT valid_level CHECK (level BETWEEN 1 AND 1000)
);

CREATE INDEX IF NOT EXISTS idx_user_levels_season_xp ON user_levels(season_id, xp DESC);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: MISSIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS missions (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    difficulty INTEGER NOT NULL DEFAULT 1,
    is_featured BOOLEAN NOT NULL DEFAULT FALSE,
    required_artifact_type VARCHAR(16) NOT NULL DEFAULT 'NONE',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_missions_featured ON missions(is_featured) WHERE is_featured;
`

// migrations lists the schema in version order.
var migrations = []migration{
	{version: 1, name: "create_ledger", up: migration001Up},
	{version: 2, name: "create_missions", up: migration002Up},
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

type migration struct {
	version int
	name    string
	up      string
}

// migrationLockKey serializes migrators across processes. The server and
// the worker may both start with migrations enabled.
const migrationLockKey int64 = 0x78706c6564676572

// Migrator applies the schema migrations that are not yet recorded in
// schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []migration
}

// NewMigrator creates a migrator for the ledger schema.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: migrations}
}

// Migrate applies every pending migration in a single transaction that
// holds an advisory lock, and returns the versions it applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	var done []int
	err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				name TEXT NOT NULL,
				applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		applied, err := appliedVersions(ctx, tx)
		if err != nil {
			return err
		}
		for _, mig := range pendingMigrations(m.migrations, applied) {
			if _, err := tx.Exec(ctx, mig.up); err != nil {
				return fmt.Errorf("version %d (%s): %w", mig.version, mig.name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				mig.version, mig.name,
			); err != nil {
				return fmt.Errorf("record version %d: %w", mig.version, err)
			}
			done = append(done, mig.version)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return done, nil
}

func appliedVersions(ctx context.Context, q Querier) (map[int]bool, error) {
	rows, err := q.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// pendingMigrations returns the migrations missing from applied, ordered by
// version.
func pendingMigrations(all []migration, applied map[int]bool) []migration {
	var out []migration
	for _, mig := range all {
		if !applied[mig.version] {
			out = append(out, mig)
		}
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out
}
