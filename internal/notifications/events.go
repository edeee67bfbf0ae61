package notifications

import (
	"time"

	"github.com/google/uuid"
)

// EventType names something operators may want to hear about.
type EventType string

const (
	EventBreakerTripped       EventType = "BREAKER_TRIPPED"
	EventBreakerReset         EventType = "BREAKER_RESET"
	EventBreakerClosed        EventType = "BREAKER_CLOSED"
	EventLiquidationAvoidance EventType = "LIQUIDATION_AVOIDANCE_CLOSE"
	EventStopLoss             EventType = "STOP_LOSS_CLOSE"
	EventTakeProfit           EventType = "TAKE_PROFIT_CLOSE"
	EventPartialTakeProfit    EventType = "PARTIAL_TAKE_PROFIT"
	EventPositionOpened       EventType = "POSITION_OPENED"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventSignalRejected       EventType = "SIGNAL_REJECTED"
	EventPersistenceDegraded  EventType = "PERSISTENCE_DEGRADED"
	EventCloseFailed          EventType = "CLOSE_ORDER_FAILED"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelSuccess:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	}
	return 0
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(min Level) bool {
	return l.rank() >= min.rank()
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelSuccess, LevelWarning, LevelError:
		return Level(s)
	}
	return LevelInfo
}

var defaultLevels = map[EventType]Level{
	EventBreakerTripped:       LevelError,
	EventBreakerReset:         LevelWarning,
	EventBreakerClosed:        LevelSuccess,
	EventLiquidationAvoidance: LevelError,
	EventStopLoss:             LevelWarning,
	EventTakeProfit:           LevelSuccess,
	EventPartialTakeProfit:    LevelSuccess,
	EventPositionOpened:       LevelInfo,
	EventPositionClosed:       LevelInfo,
	EventSignalRejected:       LevelInfo,
	EventPersistenceDegraded:  LevelError,
	EventCloseFailed:          LevelError,
}

// Event is a single notification.
type Event struct {
	ID      string                 `json:"id"`
	Type    EventType              `json:"type"`
	Level   Level                  `json:"level"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	At      time.Time              `json:"at"`
}

// NewEvent builds an event with the default level for its type.
func NewEvent(t EventType, message string) Event {
	level, ok := defaultLevels[t]
	if !ok {
		level = LevelInfo
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Level:   level,
		Message: message,
		At:      time.Now(),
	}
}

// With attaches a data field.
func (e Event) With(key string, value interface{}) Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// WithLevel overrides the default level for the event's type.
func (e Event) WithLevel(l Level) Event {
	e.Level = l
	return e
}
