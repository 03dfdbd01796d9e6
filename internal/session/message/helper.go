package message

import (
	"fmt"

	"tokenduel/internal/match"
	"tokenduel/internal/network"
)

// MessageSender is anything that can take an outbound message, typically a
// *network.Client.
type MessageSender interface {
	Send(msg network.Message) bool
}

// SendError reports err to the sender under its error tag.
func SendError(sender MessageSender, command string, err error) {
	sender.Send(CreateErrorResponse(command, match.Code(err), err.Error()))
}

// SendErrorf reports a request problem that never reached the game engine.
func SendErrorf(sender MessageSender, command, code, format string, args ...any) {
	sender.Send(CreateErrorResponse(command, code, fmt.Sprintf(format, args...)))
}

func SendSuccess(sender MessageSender, command, msg string, data any) {
	sender.Send(CreateSuccessResponse(command, msg, data))
}
