package session

import (
	"context"
	"encoding/json"
	"log"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/session/message"
)

type createPayload struct {
	GameKind  string `json:"gameKind"`
	BetAmount int64  `json:"betAmount"`
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

type movePayload struct {
	SessionID string         `json:"sessionId"`
	Choice    arbiter.Choice `json:"choice,omitempty"`
	Round     int            `json:"round,omitempty"`
}

type listPayload struct {
	GameKind string `json:"gameKind,omitempty"`
}

func (h *GameHandler) registerMatchHandlers() {
	h.router[CmdCreateMatch] = handleCreateMatch
	h.router[CmdJoinMatch] = handleJoinMatch
	h.router[CmdCancelMatch] = handleCancelMatch
	h.router[CmdAttach] = handleAttach
	h.router[CmdMove] = handleMove
	h.router[CmdState] = handleState
	h.router[CmdListWaiting] = handleListWaiting
}

func handleCreateMatch(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req createPayload
	if !decode(c, CmdCreateMatch, payload, &req) {
		return
	}
	kind, err := arbiter.ParseKind(req.GameKind)
	if err != nil {
		message.SendError(c, CmdCreateMatch, err)
		return
	}
	view, err := h.games.Create(ctx, c.UserID(), kind, req.BetAmount)
	if err != nil {
		message.SendError(c, CmdCreateMatch, err)
		return
	}
	h.attachQuietly(c, view.ID)
	message.SendSuccess(c, CmdCreateMatch, "Match created, waiting for an opponent.", view)
}

func handleJoinMatch(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req sessionPayload
	if !decode(c, CmdJoinMatch, payload, &req) {
		return
	}
	view, err := h.games.Join(ctx, req.SessionID, c.UserID())
	if err != nil {
		message.SendError(c, CmdJoinMatch, err)
		return
	}
	h.attachQuietly(c, view.ID)
	message.SendSuccess(c, CmdJoinMatch, "Joined, the match has started.", view)
}

func handleCancelMatch(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req sessionPayload
	if !decode(c, CmdCancelMatch, payload, &req) {
		return
	}
	if err := h.games.Cancel(ctx, req.SessionID, c.UserID()); err != nil {
		message.SendError(c, CmdCancelMatch, err)
		return
	}
	message.SendSuccess(c, CmdCancelMatch, "Match cancelled, your bet was refunded.", req)
}

// handleAttach is the reconnect path: the client re-joins the room and gets
// the current state instead of replaying missed events.
func handleAttach(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req sessionPayload
	if !decode(c, CmdAttach, payload, &req) {
		return
	}
	if err := h.bridge.Attach(c.ID(), req.SessionID); err != nil {
		message.SendErrorf(c, CmdAttach, codeNotSeated, "%v", err)
		return
	}
	view, err := h.games.Get(ctx, req.SessionID, c.UserID())
	if err != nil {
		message.SendError(c, CmdAttach, err)
		return
	}
	message.SendSuccess(c, CmdAttach, "Attached.", view)
}

func handleMove(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req movePayload
	if !decode(c, CmdMove, payload, &req) {
		return
	}
	res, err := h.games.SubmitMove(ctx, req.SessionID, c.UserID(), arbiter.Move{Choice: req.Choice}, req.Round)
	if err != nil {
		message.SendError(c, CmdMove, err)
		return
	}
	msg := "Move committed, waiting for your opponent."
	if !res.Pending {
		msg = "Round complete."
	}
	message.SendSuccess(c, CmdMove, msg, res)
}

func handleState(ctx context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req sessionPayload
	if !decode(c, CmdState, payload, &req) {
		return
	}
	view, err := h.games.Get(ctx, req.SessionID, c.UserID())
	if err != nil {
		message.SendError(c, CmdState, err)
		return
	}
	message.SendSuccess(c, CmdState, "Current state.", view)
}

func handleListWaiting(_ context.Context, h *GameHandler, c Conn, payload json.RawMessage) {
	var req listPayload
	if len(payload) > 0 && !decode(c, CmdListWaiting, payload, &req) {
		return
	}
	var kind arbiter.Kind
	if req.GameKind != "" {
		k, err := arbiter.ParseKind(req.GameKind)
		if err != nil {
			message.SendError(c, CmdListWaiting, err)
			return
		}
		kind = k
	}
	message.SendSuccess(c, CmdListWaiting, "Open matches.", h.games.ListWaiting(kind))
}

func (h *GameHandler) attachQuietly(c Conn, sessionID string) {
	if err := h.bridge.Attach(c.ID(), sessionID); err != nil {
		log.Printf("[Session] WARN: could not attach %s to %s: %v", c.ID(), sessionID, err)
	}
}
