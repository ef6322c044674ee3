// Package mission describes the mission metadata the ledger needs to
// price a completion: difficulty, featured flag and bonus activity.
package mission

import (
	"context"
	"fmt"

	"github.com/gosimple/slug"
)

// ArtifactType is the kind of proof a mission requires.
type ArtifactType string

const (
	ArtifactLink    ArtifactType = "LINK"
	ArtifactText    ArtifactType = "TEXT"
	ArtifactImage   ArtifactType = "IMAGE"
	ArtifactQuiz    ArtifactType = "QUIZ"
	ArtifactPosting ArtifactType = "POSTING"
	ArtifactPoster  ArtifactType = "POSTER"
	ArtifactNone    ArtifactType = "NONE"
)

// Mission is the read model returned by a Lookup.
type Mission struct {
	ID           string       `json:"id"`
	Slug         string       `json:"slug"`
	Title        string       `json:"title"`
	Difficulty   int          `json:"difficulty"`
	Featured     bool         `json:"is_featured"`
	ArtifactType ArtifactType `json:"required_artifact_type"`
}

// HasBonusActivity reports whether completions of m carry a counted bonus.
func (m *Mission) HasBonusActivity() bool {
	return m.ArtifactType == ArtifactPosting || m.ArtifactType == ArtifactPoster
}

// Normalize derives Slug from Title when the catalog did not supply one.
func (m *Mission) Normalize() {
	if m.Slug == "" {
		m.Slug = slug.Make(m.Title)
	}
	if m.ArtifactType == "" {
		m.ArtifactType = ArtifactNone
	}
}

// Lookup finds missions by id.
type Lookup interface {
	// GetMission returns shared.ErrMissionNotFound when the mission is unknown.
	GetMission(ctx context.Context, id string) (*Mission, error)
}

// Writer stores missions in the catalog. Upserts are keyed by ID; a slug
// already used by another mission is ErrAlreadyExists.
type Writer interface {
	Upsert(ctx context.Context, m *Mission) error
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, id string) (*Mission, error)

// GetMission implements Lookup.
func (f LookupFunc) GetMission(ctx context.Context, id string) (*Mission, error) {
	return f(ctx, id)
}

// ══════════════════════════════════════════════════════════════════════════════
// BONUS ACTIVITY
// ══════════════════════════════════════════════════════════════════════════════

// BonusActivity is the counted work submitted with a completion, e.g. the
// number of flyers posted. Count is ignored for poster missions.
type BonusActivity struct {
	Count int `json:"count"`
}

// BonusRules prices bonus activity.
type BonusRules struct {
	PostingPointsPerUnit int
	PosterPointsPerUnit  int
	// PosterUnitCount is the fixed unit count credited per poster completion.
	PosterUnitCount    int
	FeaturedMultiplier int
}

// DefaultBonusRules returns the stock pricing.
func DefaultBonusRules() BonusRules {
	return BonusRules{
		PostingPointsPerUnit: 50,
		PosterPointsPerUnit:  400,
		PosterUnitCount:      1,
		FeaturedMultiplier:   2,
	}
}

// Bonus is a priced bonus activity.
type Bonus struct {
	Units       int
	Points      int
	Doubled     bool
	Description string
}

// Price returns the bonus for a completion of m, or false when the mission
// has no bonus activity or the activity is worth nothing.
func (r BonusRules) Price(m *Mission, activity *BonusActivity) (Bonus, bool) {
	var units, perUnit int
	var label string

	switch m.ArtifactType {
	case ArtifactPosting:
		if activity == nil {
			return Bonus{}, false
		}
		units, perUnit, label = activity.Count, r.PostingPointsPerUnit, "posting bonus"
	case ArtifactPoster:
		units, perUnit, label = r.PosterUnitCount, r.PosterPointsPerUnit, "poster bonus"
	default:
		return Bonus{}, false
	}

	if units <= 0 || perUnit <= 0 {
		return Bonus{}, false
	}

	points := units * perUnit
	doubled := false
	if m.Featured && r.FeaturedMultiplier > 1 {
		points *= r.FeaturedMultiplier
		doubled = true
	}

	desc := fmt.Sprintf("%s (%d units = %d points)", label, units, points)
	if doubled {
		desc = fmt.Sprintf("%s (%d units = %d points, featured x%d)", label, units, points, r.FeaturedMultiplier)
	}
	return Bonus{Units: units, Points: points, Doubled: doubled, Description: desc}, true
}
