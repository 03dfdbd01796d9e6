// Package message builds the server-to-client envelopes of the real-time
// channel.
package message

import (
	"encoding/json"

	"tokenduel/internal/match"
	"tokenduel/internal/network"
)

const (
	TypeSuccess = "RESPONSE_SUCCESS"
	TypeError   = "RESPONSE_ERROR"
)

// SuccessPayload answers a command.
type SuccessPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorPayload carries one discrete error tag plus a readable message.
type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func CreateSuccessResponse(command, msg string, data any) network.Message {
	payload, _ := json.Marshal(SuccessPayload{Command: command, Message: msg, Data: data})
	return network.Message{Type: TypeSuccess, Payload: payload}
}

func CreateErrorResponse(command, code, errorMsg string) network.Message {
	payload, _ := json.Marshal(ErrorPayload{Command: command, Code: code, Error: errorMsg})
	return network.Message{Type: TypeError, Payload: payload}
}

// CreateEventMessage wraps a domain event; the message type is the event
// type.
func CreateEventMessage(ev match.Event) (network.Message, error) {
	return network.NewMessage(string(ev.Type), ev.Payload)
}
