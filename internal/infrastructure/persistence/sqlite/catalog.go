package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
)

// Seasons resolves the active season from the seasons table.
type Seasons struct {
	db *sql.DB
}

var _ season.Resolver = (*Seasons)(nil)

// Seasons returns the season repository sharing the store's handle.
func (s *Store) Seasons() *Seasons {
	return &Seasons{db: s.db}
}

// ActiveSeasonID implements season.Resolver.
func (r *Seasons) ActiveSeasonID(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM seasons WHERE is_active = 1 LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shared.ErrNoActiveSeason
	}
	if err != nil {
		return "", fmt.Errorf("get active season: %w", err)
	}
	return id, nil
}

// Activate makes s the only active season, creating it if needed.
func (r *Seasons) Activate(ctx context.Context, s season.Season) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE seasons SET is_active = 0 WHERE is_active = 1 AND id <> ?`, s.ID); err != nil {
		return fmt.Errorf("deactivate seasons: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO seasons (id, name, is_active, created_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET is_active = 1, name = excluded.name`,
		s.ID, s.Name, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("activate season: %w", err)
	}
	return tx.Commit()
}

// Missions implements mission.Lookup over the missions table.
type Missions struct {
	db *sql.DB
}

var _ mission.Lookup = (*Missions)(nil)

// Missions returns the mission repository sharing the store's handle.
func (s *Store) Missions() *Missions {
	return &Missions{db: s.db}
}

// GetMission implements mission.Lookup.
func (r *Missions) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	var m mission.Mission
	var artifact string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, slug, title, difficulty, is_featured, required_artifact_type
		FROM missions WHERE id = ?`, id,
	).Scan(&m.ID, &m.Slug, &m.Title, &m.Difficulty, &m.Featured, &artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrMissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	m.ArtifactType = mission.ArtifactType(artifact)
	return &m, nil
}

// Upsert stores m, replacing any mission with the same id.
func (r *Missions) Upsert(ctx context.Context, m *mission.Mission) error {
	m.Normalize()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO missions (id, slug, title, difficulty, is_featured, required_artifact_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug,
			title = excluded.title,
			difficulty = excluded.difficulty,
			is_featured = excluded.is_featured,
			required_artifact_type = excluded.required_artifact_type`,
		m.ID, m.Slug, m.Title, m.Difficulty, m.Featured, string(m.ArtifactType), toMillis(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.WrapError("mission", "Upsert", shared.ErrAlreadyExists, "slug already in use", err)
		}
		return fmt.Errorf("upsert mission: %w", err)
	}
	return nil
}
