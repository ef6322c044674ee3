// Package saga contains business processes that orchestrate several ledger
// operations in a coordinated manner.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/level"
	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/season"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA
// Two transitions per achievement:
//
//	Complete: load mission → grant completion XP → grant bonus XP (non-critical)
//	Cancel:   load mission → look up bonus → grant the negated total
//
// The caller creates or deletes the achievement record before calling in.
// Completion never blocks on the bonus; cancellation never hides a failed
// reversal because the record is already gone.
// ══════════════════════════════════════════════════════════════════════════════

// Granter applies one ledger grant.
type Granter interface {
	Handle(ctx context.Context, req xp.GrantRequest) (*xp.GrantResult, error)
}

// BonusReader looks up the BONUS amount recorded for a source id.
type BonusReader interface {
	Handle(ctx context.Context, userID, sourceID string) (int, error)
}

// AchievementFlowStep represents a step in the achievement flow.
type AchievementFlowStep string

const (
	StepValidate        AchievementFlowStep = "validate"
	StepResolveSeason   AchievementFlowStep = "resolve_season"
	StepLoadMission     AchievementFlowStep = "load_mission"
	StepGrantCompletion AchievementFlowStep = "grant_completion"
	StepGrantBonus      AchievementFlowStep = "grant_bonus"
	StepLookupBonus     AchievementFlowStep = "lookup_bonus"
	StepGrantReversal   AchievementFlowStep = "grant_reversal"
	StepComplete        AchievementFlowStep = "complete"
)

// CompleteInput asks for the XP of a freshly created achievement.
type CompleteInput struct {
	UserID        string
	MissionID     string
	AchievementID string

	// Bonus carries the counted activity of posting missions. Optional.
	Bonus *mission.BonusActivity
}

// CancelInput asks for the reversal of a deleted achievement.
type CancelInput struct {
	UserID        string
	MissionID     string
	AchievementID string
}

func validateIDs(userID, missionID, achievementID string) error {
	switch {
	case userID == "":
		return shared.ErrInvalidUserID
	case achievementID == "":
		return shared.ErrInvalidAchievementID
	case missionID == "":
		return shared.WrapError("mission", "Validate", shared.ErrInvalidID, "mission ID is required", nil)
	}
	return nil
}

// CompletionResult is returned by Complete.
type CompletionResult struct {
	AchievementID string
	MissionXP     int
	BonusXP       int
	Completion    *xp.GrantResult
	Bonus         *xp.GrantResult

	// BonusErr is set when the bonus grant failed. The completion still stands.
	BonusErr error

	ProcessedAt time.Time
}

// TotalXP is the XP actually granted by this completion.
func (r *CompletionResult) TotalXP() int {
	total := 0
	if r.Completion != nil {
		total += r.Completion.Transaction.Amount
	}
	if r.Bonus != nil {
		total += r.Bonus.Transaction.Amount
	}
	return total
}

// Balance returns the latest balance observed by the flow.
func (r *CompletionResult) Balance() *xp.Balance {
	if r.Bonus != nil {
		return r.Bonus.Balance
	}
	if r.Completion != nil {
		return r.Completion.Balance
	}
	return nil
}

// CancellationResult is returned by Cancel.
type CancellationResult struct {
	AchievementID string
	MissionXP     int
	BonusXP       int
	Reversal      *xp.GrantResult
	ProcessedAt   time.Time
}

// ReversedXP is the positive amount taken back.
func (r *CancellationResult) ReversedXP() int {
	return r.MissionXP + r.BonusXP
}

// AchievementFlowState tracks the current state of one flow run.
type AchievementFlowState struct {
	CurrentStep AchievementFlowStep
	UserID      string
	Achievement string
	SeasonID    string
	Mission     *mission.Mission
	StartedAt   time.Time
	Error       error
	FailedStep  AchievementFlowStep
}

func (s *AchievementFlowState) fail(step AchievementFlowStep, err error) error {
	s.FailedStep = step
	s.Error = err
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowSaga orchestrates completion grants and their reversal.
type AchievementFlowSaga struct {
	missions mission.Lookup
	seasons  season.Resolver
	grants   Granter
	bonuses  BonusReader
	rules    mission.BonusRules
	log      *logger.Logger
}

// NewAchievementFlowSaga creates a new achievement flow saga with all dependencies.
func NewAchievementFlowSaga(
	missions mission.Lookup,
	seasons season.Resolver,
	grants Granter,
	bonuses BonusReader,
	rules mission.BonusRules,
	log *logger.Logger,
) *AchievementFlowSaga {
	if log == nil {
		log = logger.Nop()
	}
	return &AchievementFlowSaga{
		missions: missions,
		seasons:  seasons,
		grants:   grants,
		bonuses:  bonuses,
		rules:    rules,
		log:      log.With(logger.Component("achievement_flow")),
	}
}

// Complete grants the completion XP of a created achievement and, when the
// mission carries a bonus activity, a separate BONUS entry with the same
// source id. A bonus failure is reported in the result and does not fail
// the call.
func (s *AchievementFlowSaga) Complete(ctx context.Context, input CompleteInput) (*CompletionResult, error) {
	state := &AchievementFlowState{
		CurrentStep: StepValidate,
		UserID:      input.UserID,
		Achievement: input.AchievementID,
		StartedAt:   time.Now().UTC(),
	}
	result := &CompletionResult{AchievementID: input.AchievementID}

	if err := validateIDs(input.UserID, input.MissionID, input.AchievementID); err != nil {
		return nil, s.wrapError(state, state.fail(StepValidate, err))
	}

	// Step 1: Pin the season so both grants land in the same one.
	state.CurrentStep = StepResolveSeason
	ctx, err := s.pinSeason(ctx, state)
	if err != nil {
		return nil, s.wrapError(state, err)
	}

	// Step 2: Load mission.
	state.CurrentStep = StepLoadMission
	if err := s.stepLoadMission(ctx, state, input.MissionID); err != nil {
		return nil, s.wrapError(state, err)
	}
	result.MissionXP = level.CalculateMissionXP(state.Mission.Difficulty)

	// Step 3: Completion grant (critical).
	state.CurrentStep = StepGrantCompletion
	completion, err := s.grants.Handle(ctx, xp.GrantRequest{
		UserID:      input.UserID,
		Amount:      result.MissionXP,
		SourceType:  xp.SourceMissionCompletion,
		SourceID:    input.AchievementID,
		Description: fmt.Sprintf("mission completed: %s", missionLabel(state.Mission)),
	})
	if err != nil {
		state.fail(StepGrantCompletion, err)
		s.log.Error("completion grant failed",
			logger.Err(err),
			logger.UserID(input.UserID),
			logger.MissionID(input.MissionID),
			logger.AchievementID(input.AchievementID),
			logger.XPAmount(result.MissionXP),
		)
		return result, shared.ErrCompletionGrantFailed.Wrap(s.flowError(state, err))
	}
	result.Completion = completion

	// Step 4: Bonus grant (non-critical).
	state.CurrentStep = StepGrantBonus
	s.stepGrantBonus(ctx, state, input, result)

	state.CurrentStep = StepComplete
	result.ProcessedAt = time.Now().UTC()
	return result, nil
}

// stepGrantBonus grants the bonus activity, recording any failure on result.
func (s *AchievementFlowSaga) stepGrantBonus(ctx context.Context, state *AchievementFlowState, input CompleteInput, result *CompletionResult) {
	bonus, ok := s.rules.Price(state.Mission, input.Bonus)
	if !ok {
		return
	}

	granted, err := s.grants.Handle(ctx, xp.GrantRequest{
		UserID:      input.UserID,
		Amount:      bonus.Points,
		SourceType:  xp.SourceBonus,
		SourceID:    input.AchievementID,
		Description: bonus.Description,
	})
	if err != nil {
		// XP can be granted manually later; the completion stands.
		result.BonusErr = s.flowError(state, state.fail(StepGrantBonus, err))
		s.log.Error("bonus grant failed",
			logger.Err(err),
			logger.UserID(input.UserID),
			logger.MissionID(input.MissionID),
			logger.AchievementID(input.AchievementID),
			logger.XPAmount(bonus.Points),
		)
		return
	}
	result.BonusXP = bonus.Points
	result.Bonus = granted
}

// Cancel reverses the XP of a deleted achievement: the completion amount
// derived from the mission's current difficulty plus any BONUS recorded
// against the achievement. Every failure is reported as
// shared.ErrReversalPartialFailure, since the deletion already happened.
func (s *AchievementFlowSaga) Cancel(ctx context.Context, input CancelInput) (*CancellationResult, error) {
	state := &AchievementFlowState{
		CurrentStep: StepValidate,
		UserID:      input.UserID,
		Achievement: input.AchievementID,
		StartedAt:   time.Now().UTC(),
	}
	result := &CancellationResult{AchievementID: input.AchievementID}

	if err := validateIDs(input.UserID, input.MissionID, input.AchievementID); err != nil {
		return nil, s.partial(state, state.fail(StepValidate, err))
	}

	// Step 1: Pin season.
	state.CurrentStep = StepResolveSeason
	ctx, err := s.pinSeason(ctx, state)
	if err != nil {
		return nil, s.partial(state, err)
	}

	// Step 2: Re-derive the completion amount.
	state.CurrentStep = StepLoadMission
	if err := s.stepLoadMission(ctx, state, input.MissionID); err != nil {
		return nil, s.partial(state, err)
	}
	result.MissionXP = level.CalculateMissionXP(state.Mission.Difficulty)

	// Step 3: Look up the bonus granted alongside.
	state.CurrentStep = StepLookupBonus
	bonus, err := s.bonuses.Handle(ctx, input.UserID, input.AchievementID)
	if err != nil {
		return nil, s.partial(state, state.fail(StepLookupBonus, err))
	}
	result.BonusXP = bonus

	// Step 4: Single negated grant.
	state.CurrentStep = StepGrantReversal
	reversal, err := s.grants.Handle(ctx, xp.GrantRequest{
		UserID:      input.UserID,
		Amount:      -result.ReversedXP(),
		SourceType:  xp.SourceMissionCancellation,
		SourceID:    input.AchievementID,
		Description: fmt.Sprintf("mission cancelled: %s", missionLabel(state.Mission)),
	})
	if err != nil {
		return nil, s.partial(state, state.fail(StepGrantReversal, err))
	}
	result.Reversal = reversal

	state.CurrentStep = StepComplete
	result.ProcessedAt = time.Now().UTC()
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SAGA STEPS
// ══════════════════════════════════════════════════════════════════════════════

func (s *AchievementFlowSaga) pinSeason(ctx context.Context, state *AchievementFlowState) (context.Context, error) {
	seasonID, err := season.Resolve(ctx, s.seasons)
	if err != nil {
		return ctx, state.fail(StepResolveSeason, err)
	}
	state.SeasonID = seasonID
	return season.WithSeason(ctx, seasonID), nil
}

func (s *AchievementFlowSaga) stepLoadMission(ctx context.Context, state *AchievementFlowState, missionID string) error {
	m, err := s.missions.GetMission(ctx, missionID)
	if err != nil {
		if shared.IsNotFound(err) && !errors.Is(err, shared.ErrMissionNotFound) {
			err = shared.ErrMissionNotFound.Wrap(err)
		}
		return state.fail(StepLoadMission, err)
	}
	state.Mission = m
	return nil
}

func missionLabel(m *mission.Mission) string {
	if m.Title != "" {
		return m.Title
	}
	if m.Slug != "" {
		return m.Slug
	}
	return m.ID
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowError represents an error during the achievement flow.
type AchievementFlowError struct {
	Step          AchievementFlowStep
	UserID        string
	AchievementID string
	Cause         error
	Message       string
}

// Error implements the error interface.
func (e *AchievementFlowError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AchievementFlowError) Unwrap() error {
	return e.Cause
}

func (s *AchievementFlowSaga) flowError(state *AchievementFlowState, err error) *AchievementFlowError {
	step := state.FailedStep
	if step == "" {
		step = state.CurrentStep
	}
	return &AchievementFlowError{
		Step:          step,
		UserID:        state.UserID,
		AchievementID: state.Achievement,
		Cause:         err,
		Message:       fmt.Sprintf("achievement flow failed at step %s: %v", step, err),
	}
}

// wrapError keeps the cause's own classification (no season, mission not
// found, validation) and adds the failing step.
func (s *AchievementFlowSaga) wrapError(state *AchievementFlowState, err error) error {
	return s.flowError(state, err)
}

// partial reports a cancellation that could not reverse XP.
func (s *AchievementFlowSaga) partial(state *AchievementFlowState, err error) error {
	flowErr := s.flowError(state, err)
	s.log.Error("achievement deleted but xp reversal failed, manual reconcile required",
		logger.Err(err),
		logger.UserID(state.UserID),
		logger.AchievementID(state.Achievement),
		logger.SeasonID(state.SeasonID),
		logger.String("step", string(flowErr.Step)),
	)
	return shared.ErrReversalPartialFailure.Wrap(flowErr)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA BUILDER (Fluent API)
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowSagaBuilder provides a fluent API for building AchievementFlowSaga.
type AchievementFlowSagaBuilder struct {
	missions mission.Lookup
	seasons  season.Resolver
	grants   Granter
	bonuses  BonusReader
	rules    mission.BonusRules
	log      *logger.Logger
}

// NewAchievementFlowSagaBuilder creates a new builder.
func NewAchievementFlowSagaBuilder() *AchievementFlowSagaBuilder {
	return &AchievementFlowSagaBuilder{rules: mission.DefaultBonusRules()}
}

// WithMissions sets the mission lookup.
func (b *AchievementFlowSagaBuilder) WithMissions(l mission.Lookup) *AchievementFlowSagaBuilder {
	b.missions = l
	return b
}

// WithSeasons sets the season resolver.
func (b *AchievementFlowSagaBuilder) WithSeasons(r season.Resolver) *AchievementFlowSagaBuilder {
	b.seasons = r
	return b
}

// WithGranter sets the grant handler.
func (b *AchievementFlowSagaBuilder) WithGranter(g Granter) *AchievementFlowSagaBuilder {
	b.grants = g
	return b
}

// WithBonusReader sets the bonus lookup.
func (b *AchievementFlowSagaBuilder) WithBonusReader(r BonusReader) *AchievementFlowSagaBuilder {
	b.bonuses = r
	return b
}

// WithBonusRules sets bonus pricing.
func (b *AchievementFlowSagaBuilder) WithBonusRules(rules mission.BonusRules) *AchievementFlowSagaBuilder {
	b.rules = rules
	return b
}

// WithLogger sets the logger.
func (b *AchievementFlowSagaBuilder) WithLogger(l *logger.Logger) *AchievementFlowSagaBuilder {
	b.log = l
	return b
}

// Build creates the AchievementFlowSaga instance.
func (b *AchievementFlowSagaBuilder) Build() (*AchievementFlowSaga, error) {
	if b.missions == nil {
		return nil, errors.New("mission lookup is required")
	}
	if b.grants == nil {
		return nil, errors.New("granter is required")
	}
	if b.bonuses == nil {
		return nil, errors.New("bonus reader is required")
	}
	return NewAchievementFlowSaga(b.missions, b.seasons, b.grants, b.bonuses, b.rules, b.log), nil
}
