package network

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// UserHeader carries the verified user id set by the upstream identity
// check. Browsers cannot set headers on a websocket handshake, so the
// userId query parameter is accepted as well.
const UserHeader = "X-User-ID"

var ErrNoIdentity = errors.New("missing or invalid user id")

// IdentifyFunc extracts the verified user id of a request.
type IdentifyFunc func(r *http.Request) (int64, error)

// IdentifyFromRequest reads UserHeader, falling back to the userId query
// parameter.
func IdentifyFromRequest(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(UserHeader))
	if raw == "" {
		raw = r.URL.Query().Get("userId")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrNoIdentity
	}
	return id, nil
}

// Server upgrades HTTP requests to websocket clients registered with a Hub.
type Server struct {
	hub      *Hub
	handler  EventHandler
	identify IdentifyFunc
	upgrader websocket.Upgrader
}

// NewServer builds a server. checkOrigin may be nil to accept any origin.
func NewServer(handler EventHandler, identify IdentifyFunc, checkOrigin func(r *http.Request) bool) *Server {
	if identify == nil {
		identify = IdentifyFromRequest
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		hub:      NewHub(handler),
		handler:  handler,
		identify: identify,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Run drives the hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// ServeHTTP is the websocket entry point.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Upgrade failed for user %d: %v", userID, err)
		return
	}

	client := newClient(conn, s.hub, userID)
	if err := s.hub.add(r.Context(), client); err != nil {
		conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop(s.handler)
}
