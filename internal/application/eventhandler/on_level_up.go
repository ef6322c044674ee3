package eventhandler

import (
	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

// OnLevelUpHandler records level-ups in the structured log. The user-facing
// notification is pulled through the level-up check, not pushed.
type OnLevelUpHandler struct {
	log *logger.Logger
}

// NewOnLevelUpHandler creates a new OnLevelUpHandler.
func NewOnLevelUpHandler(log *logger.Logger) *OnLevelUpHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnLevelUpHandler{log: log.With(logger.Component("on_level_up"))}
}

// Handle processes shared.LevelUpEvent.
func (h *OnLevelUpHandler) Handle(event shared.Event) error {
	e, ok := event.(shared.LevelUpEvent)
	if !ok {
		return nil
	}
	h.log.Info("user leveled up",
		logger.UserID(e.UserID()),
		logger.SeasonID(e.SeasonID),
		logger.Int("previous_level", e.PreviousLevel),
		logger.Int("new_level", e.NewLevel),
	)
	return nil
}

// Register subscribes the handler to level.up.
func (h *OnLevelUpHandler) Register(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventLevelUp, h.Handle)
}
