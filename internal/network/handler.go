package network

// EventHandler connects the transport to the game layer.
type EventHandler interface {
	// OnConnect is called once the client is registered.
	OnConnect(c *Client)

	// OnDisconnect is called after the client's channel has been closed.
	OnDisconnect(c *Client)

	// OnMessage is called from the client's read goroutine, one message at a
	// time per client. Different clients are served concurrently.
	OnMessage(c *Client, msg Message)
}
