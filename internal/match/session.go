package match

import (
	"time"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/settlement"
)

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePlaying  Phase = "playing"
	PhaseResolved Phase = "resolved"
	PhaseAborted  Phase = "aborted"
)

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseAborted
}

func (p Phase) rank() int {
	switch p {
	case PhaseWaiting:
		return 0
	case PhasePlaying:
		return 1
	case PhaseResolved, PhaseAborted:
		return 2
	}
	return -1
}

// Player is a seat in a session. DisconnectedAt is set while the player's
// real-time channel is down.
type Player struct {
	UserID         int64      `json:"userId"`
	JoinedAt       time.Time  `json:"joinedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
}

// Outcome is recorded when a session reaches a terminal phase.
type Outcome struct {
	WinnerID   int64              `json:"winnerId,omitempty"`
	Draw       bool               `json:"draw"`
	Scores     [2]int             `json:"scores"`
	Reason     string             `json:"reason"`
	Settlement *settlement.Record `json:"settlement,omitempty"`
}

// Session is one wagered match. Values handed out by the store are copies;
// the authoritative instance is only reachable through Store.WithSession.
type Session struct {
	ID           string             `json:"id"`
	Kind         arbiter.Kind       `json:"kind"`
	Bet          int64              `json:"bet"`
	Phase        Phase              `json:"phase"`
	Players      []Player           `json:"players"`
	Round        arbiter.RoundState `json:"round"`
	CreatedAt    time.Time          `json:"createdAt"`
	DecidedAt    *time.Time         `json:"decidedAt,omitempty"`
	TurnDeadline *time.Time         `json:"turnDeadline,omitempty"`
	Outcome      *Outcome           `json:"outcome,omitempty"`
}

// Seat returns the seat index of userID, or -1.
func (s *Session) Seat(userID int64) int {
	for i, p := range s.Players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// Creator is the user who opened the session.
func (s *Session) Creator() int64 {
	if len(s.Players) == 0 {
		return 0
	}
	return s.Players[0].UserID
}

// UserIDs lists seated users in seat order.
func (s *Session) UserIDs() []int64 {
	ids := make([]int64, len(s.Players))
	for i, p := range s.Players {
		ids[i] = p.UserID
	}
	return ids
}

func (s *Session) clone() *Session {
	c := *s
	c.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		c.Players[i] = p
		c.Players[i].DisconnectedAt = copyTime(p.DisconnectedAt)
	}
	for i, play := range s.Round.Committed {
		if play != nil {
			cp := *play
			c.Round.Committed[i] = &cp
		}
	}
	c.Round.History = append([]arbiter.RoundOutcome(nil), s.Round.History...)
	c.DecidedAt = copyTime(s.DecidedAt)
	c.TurnDeadline = copyTime(s.TurnDeadline)
	if s.Outcome != nil {
		o := *s.Outcome
		if o.Settlement != nil {
			rec := *o.Settlement
			rec.Legs = append([]settlement.Leg(nil), o.Settlement.Legs...)
			o.Settlement = &rec
		}
		c.Outcome = &o
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Summary is the lobby entry for a waiting session.
type Summary struct {
	ID        string       `json:"sessionId"`
	Kind      arbiter.Kind `json:"gameKind"`
	Bet       int64        `json:"betAmount"`
	CreatorID int64        `json:"creatorId"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (s *Session) summary() Summary {
	return Summary{
		ID:        s.ID,
		Kind:      s.Kind,
		Bet:       s.Bet,
		CreatorID: s.Creator(),
		CreatedAt: s.CreatedAt,
	}
}
