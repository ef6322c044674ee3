package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/civicquest/xp-ledger/internal/application/query"
	"github.com/civicquest/xp-ledger/internal/application/saga"
	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESPONSE TYPES
// ══════════════════════════════════════════════════════════════════════════════

// BatchRequest is the body of POST /v1/xp/batches.
type BatchRequest struct {
	Entries []xp.BatchEntry `json:"entries"`
}

// BatchUserResponse is the per-user outcome of a batch.
type BatchUserResponse struct {
	xp.UserResult
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// BatchResponse is returned by POST /v1/xp/batches.
type BatchResponse struct {
	SeasonID string              `json:"season_id"`
	Inserted int                 `json:"inserted"`
	Failed   int                 `json:"failed"`
	Results  []BatchUserResponse `json:"results"`
}

// AchievementRequest is the body of the achievement transitions. Bonus is
// only read on completion.
type AchievementRequest struct {
	UserID    string                 `json:"user_id"`
	MissionID string                 `json:"mission_id"`
	Bonus     *mission.BonusActivity `json:"bonus,omitempty"`
}

// CompletionResponse is returned by POST /v1/achievements/:id/complete.
type CompletionResponse struct {
	AchievementID string      `json:"achievement_id"`
	MissionXP     int         `json:"mission_xp"`
	BonusXP       int         `json:"bonus_xp"`
	TotalXP       int         `json:"total_xp"`
	LeveledUp     bool        `json:"leveled_up"`
	Balance       *xp.Balance `json:"balance,omitempty"`
	BonusError    string      `json:"bonus_error,omitempty"`
}

// CancellationResponse is returned by POST /v1/achievements/:id/cancel.
type CancellationResponse struct {
	AchievementID string      `json:"achievement_id"`
	ReversedXP    int         `json:"reversed_xp"`
	Balance       *xp.Balance `json:"balance,omitempty"`
}

// HistoryResponse is returned by GET /v1/users/:id/xp-history.
type HistoryResponse struct {
	UserID       string            `json:"user_id"`
	Transactions []*xp.Transaction `json:"transactions"`
}

// RankResponse is returned by GET /v1/users/:id/rank. Rank is null for
// users without a balance this season.
type RankResponse struct {
	UserID string `json:"user_id"`
	Rank   *int   `json:"rank"`
}

// ReconcileResponse is returned by POST /v1/admin/reconcile.
type ReconcileResponse struct {
	SeasonID string            `json:"season_id"`
	Drifted  int               `json:"drifted"`
	Repaired int               `json:"repaired"`
	Failed   map[string]string `json:"failed,omitempty"`
	Duration string            `json:"duration"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := s.deps.Health.Check(c.UserContext())
	code := fiber.StatusOK
	if !status.Healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(status)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGrant(c *fiber.Ctx) error {
	var req xp.GrantRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	res, err := s.deps.GrantXP.Handle(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleBatch(c *fiber.Ctx) error {
	var req BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	res, err := s.deps.GrantBatch.Handle(c.UserContext(), req.Entries)
	if err != nil {
		return err
	}

	out := BatchResponse{
		SeasonID: res.SeasonID,
		Inserted: res.Inserted,
		Results:  make([]BatchUserResponse, 0, len(res.Results)),
	}
	for _, r := range res.Results {
		ur := BatchUserResponse{UserResult: r, Applied: r.OK()}
		if r.Err != nil {
			ur.Error = r.Err.Error()
			out.Failed++
		}
		out.Results = append(out.Results, ur)
	}
	return c.JSON(out)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleCompleteAchievement(c *fiber.Ctx) error {
	var req AchievementRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	res, err := s.deps.Achievements.Complete(c.UserContext(), saga.CompleteInput{
		UserID:        req.UserID,
		MissionID:     req.MissionID,
		AchievementID: c.Params("id"),
		Bonus:         req.Bonus,
	})
	if err != nil {
		return err
	}

	out := CompletionResponse{
		AchievementID: res.AchievementID,
		MissionXP:     res.MissionXP,
		BonusXP:       res.BonusXP,
		TotalXP:       res.TotalXP(),
		Balance:       res.Balance(),
	}
	if res.Completion != nil && res.Completion.LeveledUp {
		out.LeveledUp = true
	}
	if res.Bonus != nil && res.Bonus.LeveledUp {
		out.LeveledUp = true
	}
	if res.BonusErr != nil {
		out.BonusError = res.BonusErr.Error()
	}
	return c.Status(fiber.StatusCreated).JSON(out)
}

func (s *Server) handleCancelAchievement(c *fiber.Ctx) error {
	var req AchievementRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	res, err := s.deps.Achievements.Cancel(c.UserContext(), saga.CancelInput{
		UserID:        req.UserID,
		MissionID:     req.MissionID,
		AchievementID: c.Params("id"),
	})
	if err != nil {
		return err
	}

	out := CancellationResponse{
		AchievementID: res.AchievementID,
		ReversedXP:    res.ReversedXP(),
	}
	if res.Reversal != nil {
		out.Balance = res.Reversal.Balance
	}
	return c.JSON(out)
}

// ══════════════════════════════════════════════════════════════════════════════
// USERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetLevel(c *fiber.Ctx) error {
	view, err := s.deps.GetUserLevel.Handle(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (s *Server) handleGetHistory(c *fiber.Ctx) error {
	userID := c.Params("id")
	txs, err := s.deps.GetXPHistory.Handle(c.UserContext(), userID, c.QueryInt("limit", query.DefaultHistoryLimit))
	if err != nil {
		return err
	}
	return c.JSON(HistoryResponse{UserID: userID, Transactions: txs})
}

func (s *Server) handleGetRank(c *fiber.Ctx) error {
	userID := c.Params("id")
	rank, err := s.deps.GetUserRank.Handle(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(RankResponse{UserID: userID, Rank: rank})
}

func (s *Server) handleCheckLevelUp(c *fiber.Ctx) error {
	n, err := s.deps.CheckLevelUp.Handle(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(n)
}

func (s *Server) handleMarkLevelUpSeen(c *fiber.Ctx) error {
	if err := s.deps.MarkLevelUpSeen.Handle(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleReconcile(c *fiber.Ctx) error {
	res, err := s.deps.Rebuild.Reconcile(c.UserContext())
	if err != nil {
		return err
	}
	out := ReconcileResponse{
		SeasonID: res.SeasonID,
		Drifted:  len(res.Drifted),
		Repaired: res.Repaired,
		Duration: res.Duration.String(),
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for user, ferr := range res.Failed {
			out.Failed[user] = ferr.Error()
		}
	}
	return c.JSON(out)
}

func (s *Server) handleRebuildUser(c *fiber.Ctx) error {
	b, err := s.deps.Rebuild.Rebuild(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(b)
}
