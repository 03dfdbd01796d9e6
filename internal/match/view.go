package match

import (
	"time"

	"tokenduel/internal/game/arbiter"
)

type PlayerView struct {
	UserID    int64 `json:"userId"`
	Connected bool  `json:"connected"`
	Committed bool  `json:"committed"`
}

// View is a session as seen by one user. The current round's committed
// moves are only shown to their owner; the opponent just sees that a move
// was made.
type View struct {
	ID           string                 `json:"sessionId"`
	Kind         arbiter.Kind           `json:"gameKind"`
	Bet          int64                  `json:"betAmount"`
	Phase        Phase                  `json:"phase"`
	Players      []PlayerView           `json:"players"`
	Round        int                    `json:"round"`
	Scores       [2]int                 `json:"scores"`
	History      []arbiter.RoundOutcome `json:"history,omitempty"`
	YourMove     *arbiter.Play          `json:"yourMove,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	DecidedAt    *time.Time             `json:"decidedAt,omitempty"`
	TurnDeadline *time.Time             `json:"turnDeadline,omitempty"`
	Outcome      *Outcome               `json:"outcome,omitempty"`
}

// NewView renders s for viewer. Any viewer may look at a session; only a
// seated viewer gets their own pending move back.
func NewView(s Session, viewer int64) View {
	v := View{
		ID:           s.ID,
		Kind:         s.Kind,
		Bet:          s.Bet,
		Phase:        s.Phase,
		Round:        s.Round.Round,
		Scores:       s.Round.Scores,
		History:      s.Round.History,
		CreatedAt:    s.CreatedAt,
		DecidedAt:    s.DecidedAt,
		TurnDeadline: s.TurnDeadline,
		Outcome:      s.Outcome,
	}
	for i, p := range s.Players {
		v.Players = append(v.Players, PlayerView{
			UserID:    p.UserID,
			Connected: p.DisconnectedAt == nil,
			Committed: s.Round.Committed[i] != nil,
		})
		if p.UserID == viewer && s.Round.Committed[i] != nil {
			own := *s.Round.Committed[i]
			v.YourMove = &own
		}
	}
	return v
}
