package network

import (
	"context"
	"errors"
	"log"
)

var ErrHubStopped = errors.New("hub stopped")

type registration struct {
	client *Client
	done   chan struct{}
}

// Hub keeps the set of live clients. Registration and removal go through
// its goroutine so OnConnect and OnDisconnect never race for one client.
type Hub struct {
	clients map[*Client]struct{}

	register   chan registration
	unregister chan *Client
	count      chan chan int
	stopped    chan struct{}

	handler EventHandler
}

func NewHub(handler EventHandler) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan registration),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		stopped:    make(chan struct{}),
		handler:    handler,
	}
}

// Run serves the hub until ctx is cancelled, then closes every client. It
// must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case reg := <-h.register:
			h.clients[reg.client] = struct{}{}
			h.handler.OnConnect(reg.client)
			close(reg.done)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.handler.OnDisconnect(client)
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-ctx.Done():
			for client := range h.clients {
				client.closeSend()
				client.Close()
			}
			log.Printf("[Hub] Stopped, closed %d clients.", len(h.clients))
			h.clients = map[*Client]struct{}{}
			h.drain()
			return
		}
	}
}

// drain absorbs unregistrations from read loops still exiting.
func (h *Hub) drain() {
	go func() {
		for range h.unregister {
		}
	}()
}

// add registers c and waits until OnConnect has returned, so the client's
// first message never reaches the handler before its connection does.
func (h *Hub) add(ctx context.Context, c *Client) error {
	reg := registration{client: c, done: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrHubStopped
	}
	<-reg.done
	return nil
}

// Count returns the number of registered clients, zero once Run has
// returned.
func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.stopped:
		return 0
	}
}
