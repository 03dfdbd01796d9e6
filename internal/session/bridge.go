package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"tokenduel/internal/match"
	"tokenduel/internal/network"
	"tokenduel/internal/session/message"
)

var (
	ErrNotBound  = errors.New("connection is not bound")
	ErrNotSeated = errors.New("user is not seated in this session")
)

// Conn is the part of a real-time connection the bridge needs.
// *network.Client implements it.
type Conn interface {
	ID() string
	UserID() int64
	Send(msg network.Message) bool
	Close()
}

// Seats is what the bridge asks of the match lifecycle.
type Seats interface {
	IsSeated(userID int64, sessionID string) bool
	PlayerDisconnected(userID int64)
	PlayerReconnected(userID int64)
}

type binding struct {
	conn     Conn
	sessions map[string]struct{}
}

// Bridge maps connections to users and session rooms and multicasts domain
// events to the rooms. One connection per user is live at a time: binding a
// new connection for a user replaces the old one and inherits its rooms.
type Bridge struct {
	seats Seats

	mu      sync.RWMutex
	conns   map[string]*binding
	current map[int64]string
	rooms   map[string]map[string]Conn
}

func NewBridge(seats Seats) *Bridge {
	return &Bridge{
		seats:   seats,
		conns:   make(map[string]*binding),
		current: make(map[int64]string),
		rooms:   make(map[string]map[string]Conn),
	}
}

// Bind records c as the live connection of its user. A previous connection
// of the same user is closed, and any pending disconnect forfeit is
// cancelled.
func (b *Bridge) Bind(c Conn) {
	userID := c.UserID()

	b.mu.Lock()
	var replaced *binding
	if prevID, ok := b.current[userID]; ok && prevID != c.ID() {
		replaced = b.conns[prevID]
		delete(b.conns, prevID)
	}
	bnd := &binding{conn: c, sessions: make(map[string]struct{})}
	if replaced != nil {
		for sessionID := range replaced.sessions {
			room, ok := b.rooms[sessionID]
			if !ok {
				continue
			}
			delete(room, replaced.conn.ID())
			room[c.ID()] = c
			bnd.sessions[sessionID] = struct{}{}
		}
	}
	b.conns[c.ID()] = bnd
	b.current[userID] = c.ID()
	b.mu.Unlock()

	if replaced != nil {
		log.Printf("[Bridge] User %d rebound from %s to %s.", userID, replaced.conn.ID(), c.ID())
		replaced.conn.Close()
	}
	b.seats.PlayerReconnected(userID)
}

// Attach joins the connection to a session room. Only seated users may
// attach.
func (b *Bridge) Attach(connID, sessionID string) error {
	b.mu.RLock()
	bnd, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return ErrNotBound
	}
	if !b.seats.IsSeated(bnd.conn.UserID(), sessionID) {
		return fmt.Errorf("%w: %s", ErrNotSeated, sessionID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// the binding may have been replaced meanwhile
	if b.conns[connID] != bnd {
		return ErrNotBound
	}
	room, ok := b.rooms[sessionID]
	if !ok {
		room = make(map[string]Conn)
		b.rooms[sessionID] = room
	}
	room[connID] = bnd.conn
	bnd.sessions[sessionID] = struct{}{}
	return nil
}

// Detach clears the binding of a connection. When it was the user's live
// connection the lifecycle starts the reconnection grace period.
func (b *Bridge) Detach(connID string) {
	b.mu.Lock()
	bnd, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.conns, connID)
	for sessionID := range bnd.sessions {
		b.leaveLocked(sessionID, connID)
	}
	userID := bnd.conn.UserID()
	wasCurrent := b.current[userID] == connID
	if wasCurrent {
		delete(b.current, userID)
	}
	b.mu.Unlock()

	if !wasCurrent {
		return
	}
	b.seats.PlayerDisconnected(userID)

	// A Bind racing this detach may have reported the reconnect first.
	b.mu.RLock()
	_, rebound := b.current[userID]
	b.mu.RUnlock()
	if rebound {
		b.seats.PlayerReconnected(userID)
	}
}

// OnDisconnect is Detach for a dropped transport.
func (b *Bridge) OnDisconnect(connID string) {
	b.Detach(connID)
}

func (b *Bridge) leaveLocked(sessionID, connID string) {
	room := b.rooms[sessionID]
	delete(room, connID)
	if len(room) == 0 {
		delete(b.rooms, sessionID)
	}
}

// Notify multicasts ev to every connection attached to its session. A
// terminal event closes the room after delivery.
func (b *Bridge) Notify(ev match.Event) {
	msg, err := message.CreateEventMessage(ev)
	if err != nil {
		log.Printf("[Bridge] ERROR: %v", err)
		return
	}

	b.mu.RLock()
	targets := make([]Conn, 0, len(b.rooms[ev.SessionID]))
	for _, c := range b.rooms[ev.SessionID] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(msg) {
			log.Printf("[Bridge] WARN: %s for session %s not delivered to %s", ev.Type, ev.SessionID, c.ID())
		}
	}

	if ev.Terminal() {
		b.closeRoom(ev.SessionID)
	}
}

func (b *Bridge) closeRoom(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for connID := range b.rooms[sessionID] {
		if bnd, ok := b.conns[connID]; ok {
			delete(bnd.sessions, sessionID)
		}
	}
	delete(b.rooms, sessionID)
}

// Run consumes events until ctx is cancelled or the channel is closed.
func (b *Bridge) Run(ctx context.Context, events <-chan match.Event) {
	log.Println("[Bridge] Event fan-out started.")
	for {
		select {
		case <-ctx.Done():
			log.Println("[Bridge] Event fan-out stopped.")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Notify(ev)
		}
	}
}

// RoomSize returns the number of connections attached to a session.
func (b *Bridge) RoomSize(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[sessionID])
}
