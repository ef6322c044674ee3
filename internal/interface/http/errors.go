package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/internal/interface/http/handlers"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeInvalidInput           = "invalid_input"
	CodeNotFound               = "not_found"
	CodeNoActiveSeason         = "no_active_season"
	CodeReversalPartialFailure = "reversal_partial_failure"
	CodeCompletionGrantFailed  = "completion_grant_failed"
	CodeInternal               = "internal"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps an error to its HTTP status and error code. Order matters:
// a partial reversal wraps its cause, and a missing season is also a
// not-found error.
func classify(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.Is(err, shared.ErrReversalPartialFailure):
		return fiber.StatusBadGateway, CodeReversalPartialFailure
	case errors.Is(err, shared.ErrNoActiveSeason):
		return fiber.StatusConflict, CodeNoActiveSeason
	case shared.IsValidation(err):
		return fiber.StatusBadRequest, CodeInvalidInput
	case shared.IsNotFound(err):
		return fiber.StatusNotFound, CodeNotFound
	case errors.Is(err, shared.ErrCompletionGrantFailed):
		return fiber.StatusInternalServerError, CodeCompletionGrantFailed
	case errors.As(err, &fe):
		switch {
		case fe.Code == fiber.StatusNotFound:
			return fe.Code, CodeNotFound
		case fe.Code < fiber.StatusInternalServerError:
			return fe.Code, CodeInvalidInput
		}
		return fe.Code, CodeInternal
	}
	return fiber.StatusInternalServerError, CodeInternal
}

// handleError is the fiber error handler for every route.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	body := ErrorBody{
		Code:      code,
		Message:   err.Error(),
		RequestID: handlers.GetRequestID(c),
	}
	if status >= fiber.StatusInternalServerError {
		s.log.Error("request failed",
			logger.Err(err),
			logger.String("code", code),
			logger.String("request_id", body.RequestID),
			logger.String("path", c.Path()),
		)
		if code == CodeInternal {
			body.Message = "internal server error"
		}
	}
	return c.Status(status).JSON(body)
}
