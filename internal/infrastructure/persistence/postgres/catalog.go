package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SEASON REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// SeasonRepository resolves the active season from the seasons table.
type SeasonRepository struct {
	conn *Connection
}

var _ season.Resolver = (*SeasonRepository)(nil)

// NewSeasonRepository creates a new SeasonRepository.
func NewSeasonRepository(conn *Connection) *SeasonRepository {
	return &SeasonRepository{conn: conn}
}

// ActiveSeasonID implements season.Resolver.
func (r *SeasonRepository) ActiveSeasonID(ctx context.Context) (string, error) {
	var id string
	err := r.conn.QueryRow(ctx, `SELECT id FROM seasons WHERE is_active LIMIT 1`).Scan(&id)
	if err != nil {
		if IsNoRows(err) {
			return "", shared.ErrNoActiveSeason
		}
		return "", fmt.Errorf("failed to get active season: %w", err)
	}
	return id, nil
}

// Activate makes s the only active season, creating it if needed.
func (r *SeasonRepository) Activate(ctx context.Context, s season.Season) error {
	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE seasons SET is_active = FALSE WHERE is_active AND id <> $1`, s.ID); err != nil {
			return fmt.Errorf("failed to deactivate seasons: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO seasons (id, name, is_active) VALUES ($1, $2, TRUE)
			ON CONFLICT (id) DO UPDATE SET is_active = TRUE, name = EXCLUDED.name
		`, s.ID, s.Name)
		if err != nil {
			return fmt.Errorf("failed to activate season: %w", err)
		}
		return nil
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MISSION REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// MissionRepository implements mission.Lookup for PostgreSQL.
type MissionRepository struct {
	conn *Connection
}

var _ mission.Lookup = (*MissionRepository)(nil)

// NewMissionRepository creates a new MissionRepository.
func NewMissionRepository(conn *Connection) *MissionRepository {
	return &MissionRepository{conn: conn}
}

// GetMission implements mission.Lookup.
func (r *MissionRepository) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	query := `
		SELECT id, slug, title, difficulty, is_featured, required_artifact_type
		FROM missions
		WHERE id = $1
	`
	var m mission.Mission
	var artifact string
	err := r.conn.QueryRow(ctx, query, id).Scan(&m.ID, &m.Slug, &m.Title, &m.Difficulty, &m.Featured, &artifact)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrMissionNotFound
		}
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}
	m.ArtifactType = mission.ArtifactType(artifact)
	return &m, nil
}

// Upsert stores m, replacing any mission with the same id.
func (r *MissionRepository) Upsert(ctx context.Context, m *mission.Mission) error {
	m.Normalize()
	_, err := r.conn.Exec(ctx, `
		INSERT INTO missions (id, slug, title, difficulty, is_featured, required_artifact_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			title = EXCLUDED.title,
			difficulty = EXCLUDED.difficulty,
			is_featured = EXCLUDED.is_featured,
			required_artifact_type = EXCLUDED.required_artifact_type
	`, m.ID, m.Slug, m.Title, m.Difficulty, m.Featured, string(m.ArtifactType))
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.WrapError("mission", "Upsert", shared.ErrAlreadyExists, "slug already in use", err)
		}
		return fmt.Errorf("failed to upsert mission: %w", err)
	}
	return nil
}
