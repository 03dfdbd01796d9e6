package match

import (
	"errors"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/ledger"
)

// Errors returned by Store and Lifecycle. Every error leaving this package
// maps to exactly one tag through Code.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionFull         = errors.New("session is full")
	ErrSelfJoinNotAllowed  = errors.New("cannot join your own session")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidMove         = errors.New("invalid move")
	ErrTooLate             = errors.New("too late")
	ErrInvalidBet          = errors.New("bet must be a positive amount")
	ErrInvalidGameKind     = errors.New("unsupported game kind")
	ErrNotCreator          = errors.New("only the creator can cancel a session")
	ErrInternal            = errors.New("internal error")
)

const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionFull         = "SESSION_FULL"
	CodeSelfJoinNotAllowed  = "SELF_JOIN_NOT_ALLOWED"
	CodeInvalidMove         = "INVALID_MOVE"
	CodeTooLate             = "TOO_LATE"
	CodeInvalidBet          = "INVALID_BET"
	CodeInvalidGameKind     = "INVALID_GAME_KIND"
	CodeNotCreator          = "NOT_CREATOR"
	CodeInternal            = "INTERNAL"
)

// Code returns the discrete tag for err, or "" for a nil error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionFull):
		return CodeSessionFull
	case errors.Is(err, ErrSelfJoinNotAllowed):
		return CodeSelfJoinNotAllowed
	case errors.Is(err, ErrInvalidMove), errors.Is(err, arbiter.ErrMalformedMove),
		errors.Is(err, arbiter.ErrAlreadyMoved), errors.Is(err, arbiter.ErrNotSeated):
		return CodeInvalidMove
	case errors.Is(err, ErrTooLate), errors.Is(err, arbiter.ErrMatchDecided):
		return CodeTooLate
	case errors.Is(err, ErrInvalidBet), errors.Is(err, ledger.ErrInvalidAmount):
		return CodeInvalidBet
	case errors.Is(err, ErrInvalidGameKind), errors.Is(err, arbiter.ErrUnknownKind):
		return CodeInvalidGameKind
	case errors.Is(err, ErrNotCreator):
		return CodeNotCreator
	}
	return CodeInternal
}
