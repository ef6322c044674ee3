package shared

import "time"

// EventType names a ledger event.
type EventType string

// Events published after a ledger write commits.
const (
	EventXPGranted      EventType = "xp.granted"
	EventLevelUp        EventType = "level.up"
	EventBalanceRebuilt EventType = "xp.rebuilt"
)

// Event is implemented by every ledger event.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	// UserID is the user whose balance changed.
	UserID() string
}

// Envelope carries the fields common to all events.
type Envelope struct {
	Type EventType `json:"type"`
	At   time.Time `json:"occurred_at"`
	User string    `json:"user_id"`
}

func (e Envelope) EventType() EventType  { return e.Type }
func (e Envelope) OccurredAt() time.Time { return e.At }
func (e Envelope) UserID() string        { return e.User }

func envelope(t EventType, userID string) Envelope {
	return Envelope{Type: t, At: time.Now().UTC(), User: userID}
}

// XPGrantedEvent reports a committed ledger entry and the balance after it.
type XPGrantedEvent struct {
	Envelope
	SeasonID   string `json:"season_id"`
	Amount     int    `json:"xp_amount"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id,omitempty"`
	NewXP      int    `json:"xp"`
	NewLevel   int    `json:"level"`
}

// NewXPGrantedEvent creates an XPGrantedEvent for userID.
func NewXPGrantedEvent(userID, seasonID string, amount int, sourceType, sourceID string, newXP, newLevel int) XPGrantedEvent {
	return XPGrantedEvent{
		Envelope:   envelope(EventXPGranted, userID),
		SeasonID:   seasonID,
		Amount:     amount,
		SourceType: sourceType,
		SourceID:   sourceID,
		NewXP:      newXP,
		NewLevel:   newLevel,
	}
}

// LevelUpEvent is published when a grant moves a user to a higher level.
type LevelUpEvent struct {
	Envelope
	SeasonID      string `json:"season_id"`
	PreviousLevel int    `json:"previous_level"`
	NewLevel      int    `json:"level"`
}

// NewLevelUpEvent creates a LevelUpEvent.
func NewLevelUpEvent(userID, seasonID string, previousLevel, newLevel int) LevelUpEvent {
	return LevelUpEvent{
		Envelope:      envelope(EventLevelUp, userID),
		SeasonID:      seasonID,
		PreviousLevel: previousLevel,
		NewLevel:      newLevel,
	}
}

// BalanceRebuiltEvent is published when a balance was recomputed from the
// ledger.
type BalanceRebuiltEvent struct {
	Envelope
	SeasonID   string `json:"season_id"`
	PreviousXP int    `json:"previous_xp"`
	NewXP      int    `json:"xp"`
	NewLevel   int    `json:"level"`
}

// NewBalanceRebuiltEvent creates a BalanceRebuiltEvent.
func NewBalanceRebuiltEvent(userID, seasonID string, previousXP, newXP, newLevel int) BalanceRebuiltEvent {
	return BalanceRebuiltEvent{
		Envelope:   envelope(EventBalanceRebuilt, userID),
		SeasonID:   seasonID,
		PreviousXP: previousXP,
		NewXP:      newXP,
		NewLevel:   newLevel,
	}
}

// EventHandler handles one event. Errors are logged by the bus.
type EventHandler func(event Event) error

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber registers handlers by event type.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
