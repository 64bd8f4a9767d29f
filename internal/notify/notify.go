package notify

import (
	"time"

	"garame-service/internal/service/game"
	"garame-service/internal/service/ledger"
)

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventState            EventType = "state"
	EventSessionSettled   EventType = "session_settled"
	EventSessionCancelled EventType = "session_cancelled"
)

// Event is a state delta pushed to clients. Seq increases per session.
type Event struct {
	Type       EventType                 `json:"type"`
	SessionID  string                    `json:"sessionId"`
	Seq        int64                     `json:"seq"`
	State      *game.GameState           `json:"state,omitempty"`
	Settlement *ledger.SettlementSummary `json:"settlement,omitempty"`
	Refund     *ledger.RefundSummary     `json:"refund,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	At         time.Time                 `json:"at"`
}

func (e Event) Terminal() bool {
	return e.Type == EventSessionSettled || e.Type == EventSessionCancelled
}

// redactedFor returns a copy of e safe to show to userID.
func (e Event) redactedFor(userID int64) Event {
	if e.State != nil {
		e.State = e.State.ViewFor(userID)
	}
	return e
}

// Sink receives session events. Notify must not block the caller.
type Sink interface {
	Notify(sessionID string, event Event)
}

type Nop struct{}

func (Nop) Notify(string, Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Notify(sessionID string, event Event) {
	for _, s := range m {
		s.Notify(sessionID, event)
	}
}
