// Package arbiter scores turn-based duels: it validates submitted moves,
// keeps the per-round commitments hidden until both seats have played, and
// decides when a best-of-three match is over.
package arbiter

import (
	"fmt"
	"time"
)

const (
	// WinsToTakeMatch is the round-win count that decides a best-of-three.
	WinsToTakeMatch = 2

	// DrawSeat marks a drawn round or match.
	DrawSeat = -1
)

// RoundState is the game accumulator owned by a session. It is only mutated
// through an Arbiter while the owning session is locked.
type RoundState struct {
	Round     int            `json:"round"`
	Committed [2]*Play       `json:"committed"`
	Scores    [2]int         `json:"scores"`
	History   []RoundOutcome `json:"history,omitempty"`
	OpenedAt  time.Time      `json:"openedAt"`
}

// RoundOutcome is the scored result of one completed round.
type RoundOutcome struct {
	Round  int     `json:"round"`
	Winner int     `json:"winner"` // seat index or DrawSeat
	Plays  [2]Play `json:"plays"`
	Scores [2]int  `json:"scores"`
}

// MatchOutcome is returned once the scores reach the deciding threshold.
type MatchOutcome struct {
	Winner int    `json:"winner"` // seat index or DrawSeat
	Scores [2]int `json:"scores"`
	Reason string `json:"reason"`
}

// Result is what a submission produces: either a pending round (Own holds the
// submitter's committed play) or a completed round, possibly with a match
// outcome attached.
type Result struct {
	Pending bool
	Own     Play
	Round   *RoundOutcome
	Match   *MatchOutcome
}

// Arbiter holds the rules for every supported game kind.
type Arbiter struct {
	rules     map[Kind]Rules
	roller    Roller
	maxRounds int
}

// New builds an arbiter for dice and rock-paper-scissors. maxRounds caps the
// number of completed rounds (draws included) before the match is called on
// the current scores; zero disables the cap.
func New(roller Roller, maxRounds int) *Arbiter {
	if roller == nil {
		roller = NewRoller()
	}
	a := &Arbiter{
		rules:     make(map[Kind]Rules),
		roller:    roller,
		maxRounds: maxRounds,
	}
	for _, r := range []Rules{diceRules{}, rpsRules{}} {
		a.rules[r.Kind()] = r
	}
	return a
}

// Supports reports whether kind has rules registered.
func (a *Arbiter) Supports(kind Kind) bool {
	_, ok := a.rules[kind]
	return ok
}

// NewRound returns the accumulator for a freshly started match.
func NewRound(now time.Time) RoundState {
	return RoundState{Round: 1, OpenedAt: now}
}

// Submit commits seat's move for the current round. The round is scored only
// when both seats have committed, and the order of the two submissions does
// not change the outcome. A rejected move leaves st untouched.
func (a *Arbiter) Submit(st *RoundState, kind Kind, seat int, move Move, now time.Time) (Result, error) {
	rules, ok := a.rules[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if seat != 0 && seat != 1 {
		return Result{}, ErrNotSeated
	}
	if st.Committed[seat] != nil {
		return Result{}, ErrAlreadyMoved
	}
	if a.decided(st) {
		return Result{}, ErrMatchDecided
	}

	play, err := rules.Commit(move, a.roller)
	if err != nil {
		return Result{}, err
	}
	st.Committed[seat] = &play

	if st.Committed[0] == nil || st.Committed[1] == nil {
		return Result{Pending: true, Own: play}, nil
	}
	res := a.score(st, rules, now)
	res.Own = play
	return res, nil
}

// Forfeit closes the current round after its deadline. A seat with no
// committed move loses the round; if neither seat moved the round is a draw.
func (a *Arbiter) Forfeit(st *RoundState, kind Kind, now time.Time) (Result, error) {
	rules, ok := a.rules[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if a.decided(st) {
		return Result{}, ErrMatchDecided
	}
	for seat := range st.Committed {
		if st.Committed[seat] == nil {
			st.Committed[seat] = &Play{Forfeit: true}
		}
	}
	return a.score(st, rules, now), nil
}

// Missing lists the seats that have not committed in the current round.
func Missing(st *RoundState) []int {
	var seats []int
	for seat, p := range st.Committed {
		if p == nil {
			seats = append(seats, seat)
		}
	}
	return seats
}

func (a *Arbiter) score(st *RoundState, rules Rules, now time.Time) Result {
	p0, p1 := *st.Committed[0], *st.Committed[1]

	winner := DrawSeat
	switch rules.Compare(p0, p1) {
	case 1:
		winner = 0
	case -1:
		winner = 1
	}
	if winner != DrawSeat {
		st.Scores[winner]++
	}

	outcome := RoundOutcome{
		Round:  st.Round,
		Winner: winner,
		Plays:  [2]Play{p0, p1},
		Scores: st.Scores,
	}
	st.History = append(st.History, outcome)
	st.Committed = [2]*Play{}
	st.Round++
	st.OpenedAt = now

	res := Result{Round: &outcome}
	if m := a.matchOutcome(st); m != nil {
		res.Match = m
	}
	return res
}

func (a *Arbiter) matchOutcome(st *RoundState) *MatchOutcome {
	for seat, wins := range st.Scores {
		if wins >= WinsToTakeMatch {
			return &MatchOutcome{Winner: seat, Scores: st.Scores, Reason: "best of three decided"}
		}
	}
	if a.maxRounds > 0 && len(st.History) >= a.maxRounds {
		m := &MatchOutcome{Winner: DrawSeat, Scores: st.Scores, Reason: "round limit reached"}
		switch {
		case st.Scores[0] > st.Scores[1]:
			m.Winner = 0
		case st.Scores[1] > st.Scores[0]:
			m.Winner = 1
		}
		return m
	}
	return nil
}

func (a *Arbiter) decided(st *RoundState) bool {
	return a.matchOutcome(st) != nil
}
