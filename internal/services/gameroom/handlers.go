package gameroom

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"tokenduel/internal/game/arbiter"
)

var errBadPayload = errors.New("invalid payload")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadPayload(w, err)
		return false
	}
	return true
}

func writeBadPayload(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: fmt.Sprintf("%v: %v", errBadPayload, err),
		Code:  "BAD_REQUEST",
	})
}

// handleCreate handles POST /matches.
func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := arbiter.ParseKind(req.GameKind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := a.games.Create(r.Context(), userFrom(r), kind, req.BetAmount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleList handles GET /matches?kind=.
func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	var kind arbiter.Kind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := arbiter.ParseKind(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		kind = k
	}
	writeJSON(w, http.StatusOK, a.games.ListWaiting(kind))
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := a.games.Get(r.Context(), mux.Vars(r)["id"], userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	view, err := a.games.Join(r.Context(), mux.Vars(r)["id"], userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.games.Cancel(r.Context(), id, userFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "cancelled"})
}

// handleMove handles POST /matches/{id}/moves. Dice players send an empty
// body or {}.
func (a *API) handleMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	// an empty body, sized or chunked, is a move without a choice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadPayload(w, err)
		return
	}
	res, err := a.games.SubmitMove(r.Context(), mux.Vars(r)["id"], userFrom(r), arbiter.Move{Choice: req.Choice}, req.Round)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
