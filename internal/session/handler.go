// Package session serves the real-time channel: it routes client commands
// to the match lifecycle and fans match events out to session rooms.
package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/match"
	"tokenduel/internal/network"
	"tokenduel/internal/session/message"
)

// Commands accepted over the real-time channel.
const (
	CmdCreateMatch = "CREATE_MATCH"
	CmdJoinMatch   = "JOIN_MATCH"
	CmdCancelMatch = "CANCEL_MATCH"
	CmdAttach      = "ATTACH"
	CmdMove        = "MOVE"
	CmdState       = "STATE"
	CmdListWaiting = "LIST_WAITING"
)

const (
	codeBadRequest     = "BAD_REQUEST"
	codeUnknownCommand = "UNKNOWN_COMMAND"
	codeNotSeated      = "NOT_SEATED"

	commandTimeout = 10 * time.Second
)

// Games is the part of the match lifecycle the channel drives.
type Games interface {
	Create(ctx context.Context, userID int64, kind arbiter.Kind, bet int64) (match.View, error)
	Join(ctx context.Context, id string, userID int64) (match.View, error)
	Cancel(ctx context.Context, id string, userID int64) error
	SubmitMove(ctx context.Context, id string, userID int64, move arbiter.Move, round int) (match.MoveResult, error)
	Get(ctx context.Context, id string, viewer int64) (match.View, error)
	ListWaiting(kind arbiter.Kind) []match.Summary
}

// CommandHandlerFunc handles one command type for a bound connection.
type CommandHandlerFunc func(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage)

// GameHandler implements network.EventHandler on top of a Bridge.
type GameHandler struct {
	games  Games
	bridge *Bridge
	router map[string]CommandHandlerFunc
}

func NewGameHandler(games Games, bridge *Bridge) *GameHandler {
	h := &GameHandler{
		games:  games,
		bridge: bridge,
		router: make(map[string]CommandHandlerFunc),
	}
	h.registerMatchHandlers()
	return h
}

func (h *GameHandler) OnConnect(c *network.Client) {
	h.bridge.Bind(c)
	log.Printf("[Session] User %d connected on %s.", c.UserID(), c.ID())
}

func (h *GameHandler) OnDisconnect(c *network.Client) {
	h.bridge.OnDisconnect(c.ID())
	log.Printf("[Session] User %d disconnected from %s.", c.UserID(), c.ID())
}

func (h *GameHandler) OnMessage(c *network.Client, msg network.Message) {
	h.dispatch(c, msg)
}

func (h *GameHandler) dispatch(c Conn, msg network.Message) {
	handler, found := h.router[msg.Type]
	if !found {
		message.SendErrorf(c, msg.Type, codeUnknownCommand, "unknown command: %s", msg.Type)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	handler(ctx, h, c, msg.Payload)
}

// decode reports a malformed payload to the client and returns false.
func decode(c Conn, command string, payload json.RawMessage, v any) bool {
	if len(payload) == 0 {
		message.SendErrorf(c, command, codeBadRequest, "missing payload")
		return false
	}
	if err := json.Unmarshal(payload, v); err != nil {
		message.SendErrorf(c, command, codeBadRequest, "invalid payload: %v", err)
		return false
	}
	return true
}
