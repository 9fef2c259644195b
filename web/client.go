package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one browser websocket connection bound to a single channel.
type Client struct {
	id         string
	channel    string
	listenerID string
	hub        *Hub
	conn       *websocket.Conn

	// sendMu orders queue writes against close: the dispatcher forwarder
	// and the command path may still hold an envelope when unregister
	// runs, and a send on a closed channel panics even under select.
	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(id, channel string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:      id,
		channel: channel,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
}

// sendJSON queues a marshaled value, dropping it if the client is backed up.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.sendBytes(data)
}

func (c *Client) sendBytes(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow client: drop rather than block the broadcast path.
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump consumes commands until the connection drops, then unregisters.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendJSON(Response{Type: "error", Message: "invalid JSON"})
			continue
		}
		c.hub.handleCommand(c, cmd)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
