// Package gameroom exposes the match lifecycle over HTTP.
package gameroom

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/match"
	"tokenduel/internal/network"
)

// Games is the part of the match lifecycle served over HTTP.
type Games interface {
	Create(ctx context.Context, userID int64, kind arbiter.Kind, bet int64) (match.View, error)
	Join(ctx context.Context, id string, userID int64) (match.View, error)
	Cancel(ctx context.Context, id string, userID int64) error
	SubmitMove(ctx context.Context, id string, userID int64, move arbiter.Move, round int) (match.MoveResult, error)
	Get(ctx context.Context, id string, viewer int64) (match.View, error)
	ListWaiting(kind arbiter.Kind) []match.Summary
}

// ============================================================================
// DTOs
// ============================================================================

type CreateMatchRequest struct {
	GameKind  string `json:"gameKind"`
	BetAmount int64  `json:"betAmount"`
}

type MoveRequest struct {
	Choice arbiter.Choice `json:"choice,omitempty"`
	Round  int            `json:"round,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Options tune the API. The zero value accepts any origin and identifies
// users with network.IdentifyFromRequest.
type Options struct {
	AllowedOrigins []string
	Identify       network.IdentifyFunc
	// Health serves GET /health. Nil answers a plain liveness check.
	Health http.Handler
}

// API routes HTTP requests to the match lifecycle.
type API struct {
	router   *mux.Router
	games    Games
	identify network.IdentifyFunc
	cors     *cors.Cors
}

func New(games Games, opts Options) *API {
	if opts.Identify == nil {
		opts.Identify = network.IdentifyFromRequest
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	a := &API{
		router:   mux.NewRouter(),
		games:    games,
		identify: opts.Identify,
		cors: cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", network.UserHeader},
		}),
	}
	a.setupRoutes(opts.Health)
	return a
}

func (a *API) setupRoutes(health http.Handler) {
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "Service is alive.")
		})
	}
	a.router.Handle("/health", health).Methods(http.MethodGet)

	matches := a.router.PathPrefix("/matches").Subrouter()
	matches.Use(a.identityMiddleware)
	matches.HandleFunc("", a.handleCreate).Methods(http.MethodPost)
	matches.HandleFunc("", a.handleList).Methods(http.MethodGet)
	matches.HandleFunc("/{id}", a.handleGet).Methods(http.MethodGet)
	matches.HandleFunc("/{id}/join", a.handleJoin).Methods(http.MethodPost)
	matches.HandleFunc("/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	matches.HandleFunc("/{id}/moves", a.handleMove).Methods(http.MethodPost)
}

// Router exposes the mux so other handlers (the websocket endpoint) can be
// mounted next to the API.
func (a *API) Router() *mux.Router { return a.router }

// Handler returns the router wrapped with CORS.
func (a *API) Handler() http.Handler {
	return a.cors.Handler(a.router)
}

type ctxKey struct{}

func (a *API) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.identify(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "UNAUTHORIZED"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

// ============================================================================
// Responses
// ============================================================================

var statusByCode = map[string]int{
	match.CodeInsufficientBalance: http.StatusPaymentRequired,
	match.CodeSessionNotFound:     http.StatusNotFound,
	match.CodeSessionFull:         http.StatusConflict,
	match.CodeSelfJoinNotAllowed:  http.StatusConflict,
	match.CodeInvalidMove:         http.StatusUnprocessableEntity,
	match.CodeTooLate:             http.StatusConflict,
	match.CodeInvalidBet:          http.StatusBadRequest,
	match.CodeInvalidGameKind:     http.StatusBadRequest,
	match.CodeNotCreator:          http.StatusForbidden,
	match.CodeInternal:            http.StatusInternalServerError,
}

// StatusFor maps a lifecycle error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[match.Code(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] ERROR: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: match.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] WARN: failed to write response: %v", err)
	}
}
