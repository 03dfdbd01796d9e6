package network

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 64
)

// Client is one open real-time channel. A user may hold several over time;
// each gets its own id.
type Client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	hub    *Hub

	mu     sync.Mutex
	closed bool
	send   chan Message
}

func newClient(conn *websocket.Conn, hub *Hub, userID int64) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan Message, sendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

// UserID is the verified identity the channel was opened with.
func (c *Client) UserID() int64 { return c.userID }

// Send queues msg for delivery without blocking. It reports false when the
// client is gone or too slow to keep up; delivery is best effort.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("[Client %s] WARN: send buffer full, dropping %s", c.id, msg.Type)
		return false
	}
}

// Close asks the server to drop the connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readLoop(handler EventHandler) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Client %s] Unexpected close from %s: %v", c.id, c.conn.RemoteAddr(), err)
			}
			return
		}
		handler.OnMessage(c, msg)
	}
}

// writeLoop pumps queued messages to the socket and keeps it alive with
// pings.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[Client %s] Write error: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
