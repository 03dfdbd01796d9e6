package match

import (
	"log"
	"time"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/settlement"
)

type EventType string

const (
	EventPlayerJoined  EventType = "PLAYER_JOINED"
	EventMoveCommitted EventType = "MOVE_COMMITTED"
	EventRoundResult   EventType = "ROUND_RESULT"
	EventMatchResolved EventType = "MATCH_RESOLVED"
	EventMatchAborted  EventType = "MATCH_ABORTED"
)

// Event is a domain event produced by a committed transition.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the event closes its session.
func (e Event) Terminal() bool {
	return e.Type == EventMatchResolved || e.Type == EventMatchAborted
}

type PlayerJoined struct {
	SessionID string     `json:"sessionId"`
	Players   []int64    `json:"players"`
	Round     int        `json:"round"`
	Deadline  *time.Time `json:"turnDeadline,omitempty"`
}

// MoveCommitted tells the room that a seat has played without revealing the
// move.
type MoveCommitted struct {
	SessionID string `json:"sessionId"`
	UserID    int64  `json:"userId"`
	Round     int    `json:"round"`
}

type RoundResult struct {
	SessionID string          `json:"sessionId"`
	Round     int             `json:"round"`
	Outcome   string          `json:"outcome"` // "win" or "draw"
	WinnerID  int64           `json:"winnerId,omitempty"`
	Players   []int64         `json:"players"`
	Plays     [2]arbiter.Play `json:"plays"`
	Scores    [2]int          `json:"scores"`
	Deadline  *time.Time      `json:"turnDeadline,omitempty"`
}

type MatchResolved struct {
	SessionID  string             `json:"sessionId"`
	WinnerID   int64              `json:"winnerId,omitempty"`
	Draw       bool               `json:"draw"`
	Players    []int64            `json:"players"`
	Scores     [2]int             `json:"scores"`
	Reason     string             `json:"reason"`
	Settlement *settlement.Record `json:"settlement,omitempty"`
}

type MatchAborted struct {
	SessionID string  `json:"sessionId"`
	Players   []int64 `json:"players"`
	Reason    string  `json:"reason"`
}

// Notifier receives events after the transition that produced them has been
// committed. Notify is called with the session lock held, so the events of
// one session arrive in commit order; implementations must not block and
// must not call back into the lifecycle.
type Notifier interface {
	Notify(ev Event)
}

type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ev)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// EventStream buffers events for a single consumer. Delivery is best effort:
// when the buffer is full the event is dropped and logged.
type EventStream struct {
	ch chan Event
}

func NewEventStream(size int) *EventStream {
	if size <= 0 {
		size = 256
	}
	return &EventStream{ch: make(chan Event, size)}
}

func (s *EventStream) Notify(ev Event) {
	select {
	case s.ch <- ev:
	default:
		log.Printf("[EventStream] WARN: buffer full, dropping %s for session %s", ev.Type, ev.SessionID)
	}
}

func (s *EventStream) Events() <-chan Event {
	return s.ch
}
