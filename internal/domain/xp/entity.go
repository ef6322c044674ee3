// Package xp contains the XP ledger domain model: immutable signed
// transactions and the per-season balance derived from them.
package xp

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// SourceType is the reason code of a ledger entry.
type SourceType string

const (
	SourceMissionCompletion   SourceType = "MISSION_COMPLETION"
	SourceBonus               SourceType = "BONUS"
	SourcePenalty             SourceType = "PENALTY"
	SourceMissionCancellation SourceType = "MISSION_CANCELLATION"
)

// IsValid reports whether s is a known source type.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceMissionCompletion, SourceBonus, SourcePenalty, SourceMissionCancellation:
		return true
	}
	return false
}

// String returns the wire representation.
func (s SourceType) String() string {
	return string(s)
}

// ParseSourceType parses a source type, case-insensitively.
func ParseSourceType(raw string) (SourceType, error) {
	s := SourceType(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", shared.ErrInvalidSourceType
	}
	return s, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Transaction is one immutable, signed XP change. Once inserted it is never
// updated or deleted.
type Transaction struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	SeasonID    string     `json:"season_id"`
	Amount      int        `json:"xp_amount"`
	SourceType  SourceType `json:"source_type"`
	SourceID    string     `json:"source_id,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewTransaction validates a grant request and builds its ledger entry for
// the given season.
func NewTransaction(req GrantRequest, seasonID string) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Transaction{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		SeasonID:    seasonID,
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// GrantRequest asks for one signed XP change. The same shape is used for
// single grants and for batch entries.
type GrantRequest struct {
	UserID      string     `json:"user_id"`
	Amount      int        `json:"xp_amount"`
	SourceType  SourceType `json:"source_type"`
	SourceID    string     `json:"source_id,omitempty"`
	Description string     `json:"description,omitempty"`
}

// BatchEntry is one line of a batch grant.
type BatchEntry = GrantRequest

// Validate checks the request fields that do not need storage.
func (r GrantRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return shared.ErrInvalidUserID
	}
	if !r.SourceType.IsValid() {
		return shared.ErrInvalidSourceType
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BALANCE AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// Balance is the derived XP and level of a user within a season. XP always
// equals the sum of the user's ledger entries for that season.
type Balance struct {
	UserID            string    `json:"user_id"`
	SeasonID          string    `json:"season_id"`
	XP                int       `json:"xp"`
	Level             int       `json:"level"`
	LastNotifiedLevel *int      `json:"last_notified_level,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewBalance returns the lazily created starting balance.
func NewBalance(userID, seasonID string) *Balance {
	return &Balance{
		UserID:    userID,
		SeasonID:  seasonID,
		XP:        0,
		Level:     level.MinLevel,
		UpdatedAt: time.Now().UTC(),
	}
}

// NotifiedLevel returns the watermark, treating unset as level 1.
func (b *Balance) NotifiedLevel() int {
	if b.LastNotifiedLevel == nil {
		return level.MinLevel
	}
	return *b.LastNotifiedLevel
}

// Relevel sets Level from XP and lowers LastNotifiedLevel when it would
// exceed the new level. It reports whether Level changed.
func (b *Balance) Relevel() bool {
	lvl := level.CalculateLevel(b.XP)
	changed := lvl != b.Level
	b.Level = lvl
	if b.LastNotifiedLevel != nil && *b.LastNotifiedLevel > lvl {
		b.LastNotifiedLevel = &lvl
	}
	return changed
}

// XPToNextLevel returns XP still missing to the next level.
func (b *Balance) XPToNextLevel() int {
	return level.XPToNextLevel(b.XP)
}

// Progress returns the fraction of the current level already earned.
func (b *Balance) Progress() float64 {
	return level.Progress(b.XP)
}

// Delta is the aggregated change of one user inside a batch.
type Delta struct {
	UserID string
	Amount int
}

// Drift describes a balance that no longer matches its ledger.
type Drift struct {
	UserID    string
	SeasonID  string
	BalanceXP int
	LedgerXP  int
	// HasBalance is false when ledger entries exist without a balance row.
	HasBalance bool
}

// ══════════════════════════════════════════════════════════════════════════════
// RESULTS
// ══════════════════════════════════════════════════════════════════════════════

// GrantResult is returned by a successful grant.
type GrantResult struct {
	Transaction   *Transaction `json:"transaction"`
	Balance       *Balance     `json:"balance"`
	PreviousLevel int          `json:"previous_level"`
	LeveledUp     bool         `json:"leveled_up"`
}

// UserResult is the per-user outcome of a batch.
type UserResult struct {
	UserID        string `json:"user_id"`
	Delta         int    `json:"delta"`
	XP            int    `json:"xp"`
	Level         int    `json:"level"`
	PreviousLevel int    `json:"previous_level"`
	Entries       int    `json:"entries"`
	Err           error  `json:"-"`
}

// OK reports whether the user's entries were applied.
func (r UserResult) OK() bool {
	return r.Err == nil
}

// BatchResult is returned by a batch grant.
type BatchResult struct {
	SeasonID string       `json:"season_id"`
	Results  []UserResult `json:"results"`
	// Inserted counts ledger entries written.
	Inserted int `json:"inserted"`
}

// Failed returns the users whose entries were not applied.
func (r *BatchResult) Failed() []UserResult {
	var out []UserResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}
