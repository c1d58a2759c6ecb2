package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DuelEvent is the envelope for every event the engine pushes out to a
// participant, regardless of which transport carries it.
type DuelEvent struct {
	ID        string          `json:"id"`         // Event UUID
	SessionID string          `json:"session_id"` // Duel session UUID
	Type      EventType       `json:"type"`       // Event type
	Timestamp time.Time       `json:"timestamp"`  // Event creation time
	Data      json.RawMessage `json:"data"`       // Event-specific payload
}

// EventType represents the type of duel event. The names match the original
// browser client protocol so existing clients keep working.
type EventType string

const (
	EventTypeGameStart    EventType = "gameStart"
	EventTypeCountdown    EventType = "countdown"
	EventTypeHighNoon     EventType = "highNoon"
	EventTypeGameEnd      EventType = "gameEnd"
	EventTypeOpponentLeft EventType = "playerDisconnected"
	EventTypeWaiting      EventType = "waiting"
	EventTypeDrawResult   EventType = "drawResult"
	EventTypeError        EventType = "error"
)

// NewEvent builds an event envelope with a fresh ID, stamping it with the
// given time and marshaled payload.
func NewEvent(sessionID uuid.UUID, typ EventType, at time.Time, payload any) (*DuelEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &DuelEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID.String(),
		Type:      typ,
		Timestamp: at,
		Data:      data,
	}, nil
}

// Notifier is the outbound half of the transport boundary: best-effort,
// fire-and-forget delivery of one event to one participant. The engine is
// the source of truth, so a missed push is recoverable by re-polling.
// Implementations must not block the caller.
type Notifier interface {
	Notify(participantID uuid.UUID, event *DuelEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(participantID uuid.UUID, event *DuelEvent)

func (f NotifierFunc) Notify(participantID uuid.UUID, event *DuelEvent) {
	f(participantID, event)
}

// Fanout delivers each event to every registered transport. Transports are
// added during process wiring, after the engine exists, which breaks the
// construction cycle between the engine and transports that call back into
// it.
type Fanout struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// Add registers another transport.
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiers = append(f.notifiers, n)
}

// Notify implements Notifier.
func (f *Fanout) Notify(participantID uuid.UUID, event *DuelEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.notifiers {
		n.Notify(participantID, event)
	}
}
