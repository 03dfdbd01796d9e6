package arbiter

import "errors"

var (
	ErrUnknownKind   = errors.New("unknown game kind")
	ErrMalformedMove = errors.New("malformed move")
	ErrAlreadyMoved  = errors.New("move already committed for this round")
	ErrNotSeated     = errors.New("player is not seated")
	ErrMatchDecided  = errors.New("match already decided")
)
