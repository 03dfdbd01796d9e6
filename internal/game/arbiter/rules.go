package arbiter

import (
	"fmt"
	"strings"
)

// Kind identifies the game played inside a session.
type Kind string

const (
	KindDice Kind = "dice"
	KindRPS  Kind = "rps"
)

// ParseKind accepts the wire names used by the mini-app.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dice":
		return KindDice, nil
	case "rps", "rock-paper-scissors", "jokenpo":
		return KindRPS, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Choice is a rock-paper-scissors hand.
type Choice string

const (
	Rock     Choice = "rock"
	Paper    Choice = "paper"
	Scissors Choice = "scissors"
)

// winConditions: the key beats the value.
var winConditions = map[Choice]Choice{
	Rock:     Scissors,
	Scissors: Paper,
	Paper:    Rock,
}

// Move is what a player submits for the current round. Dice moves are a bare
// roll request: the die value is always produced server side.
type Move struct {
	Choice Choice `json:"choice,omitempty"`
}

// Play is a move that has been validated and committed for a round.
type Play struct {
	Choice  Choice `json:"choice,omitempty"`
	Die     int    `json:"die,omitempty"`
	Forfeit bool   `json:"forfeit,omitempty"`
}

// Rules validates moves and compares committed plays for one game kind.
type Rules interface {
	Kind() Kind
	Commit(move Move, roller Roller) (Play, error)
	// Compare returns 1 when a beats b, -1 when b beats a and 0 on a draw.
	Compare(a, b Play) int
}

type diceRules struct{}

func (diceRules) Kind() Kind { return KindDice }

func (diceRules) Commit(move Move, roller Roller) (Play, error) {
	if move.Choice != "" {
		return Play{}, fmt.Errorf("%w: dice rounds take a roll action without a value", ErrMalformedMove)
	}
	return Play{Die: roller.Roll()}, nil
}

func (diceRules) Compare(a, b Play) int {
	switch {
	case a.Forfeit && b.Forfeit:
		return 0
	case a.Forfeit:
		return -1
	case b.Forfeit:
		return 1
	case a.Die > b.Die:
		return 1
	case b.Die > a.Die:
		return -1
	}
	return 0
}

type rpsRules struct{}

func (rpsRules) Kind() Kind { return KindRPS }

func (rpsRules) Commit(move Move, _ Roller) (Play, error) {
	c := Choice(strings.ToLower(string(move.Choice)))
	if c == "scissor" {
		c = Scissors
	}
	if _, ok := winConditions[c]; !ok {
		return Play{}, fmt.Errorf("%w: choice must be rock, paper or scissors", ErrMalformedMove)
	}
	return Play{Choice: c}, nil
}

func (rpsRules) Compare(a, b Play) int {
	switch {
	case a.Forfeit && b.Forfeit:
		return 0
	case a.Forfeit:
		return -1
	case b.Forfeit:
		return 1
	case winConditions[a.Choice] == b.Choice:
		return 1
	case winConditions[b.Choice] == a.Choice:
		return -1
	}
	return 0
}
