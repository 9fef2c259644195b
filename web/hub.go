package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketdeck/marketdeck/broker"
	"github.com/marketdeck/marketdeck/snapshot"
	"github.com/marketdeck/marketdeck/symbols"
)

// Command is a browser request to change a channel's instrument set.
//
// Actions: "subscribe" adds instruments, "unsubscribe" removes them, "set"
// replaces the whole set, "disconnect" tears the channel down.
type Command struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments,omitempty"`
}

// Response acknowledges a command or reports an error.
type Response struct {
	Type    string   `json:"type"`
	Action  string   `json:"action,omitempty"`
	Message string   `json:"message,omitempty"`
	Desired []string `json:"desired,omitempty"`
}

// Hub upgrades browser websockets and routes their subscription commands to
// the broker. Each connected client is bound to one channel and receives
// that channel's tick, status and error events.
type Hub struct {
	broker    *broker.Broker
	catalog   *symbols.Catalog
	snapshots snapshot.Store
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates a websocket hub on top of the broker.
func NewHub(b *broker.Broker, catalog *symbols.Catalog, snapshots snapshot.Store, logger *slog.Logger) *Hub {
	return &Hub{
		broker:    b,
		catalog:   catalog,
		snapshots: snapshots,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
	}
}

// ServeWS upgrades the request and runs the client until it disconnects.
// The channel name comes from the query string; absent means "default".
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.New().String()[:8], channel, h, conn)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	listenerID, events := h.broker.Dispatcher().AddListener(channel)
	go func() {
		for env := range events {
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			client.sendBytes(data)
		}
	}()
	client.listenerID = listenerID

	h.logger.Info("Websocket client connected", "client_id", client.id, "channel", channel)

	h.primeSnapshots(client, nil)

	go client.writePump()
	client.readPump()
}

// ClientCount reports the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.broker.Dispatcher().RemoveListener(c.channel, c.listenerID)
	c.close()
	h.logger.Info("Websocket client disconnected", "client_id", c.id, "channel", c.channel)
}

func (h *Hub) handleCommand(c *Client, cmd Command) {
	switch cmd.Action {
	case "subscribe":
		keys, rejected := h.validKeys(cmd.Instruments)
		if len(keys) == 0 {
			c.sendJSON(Response{Type: "error", Action: cmd.Action, Message: "no valid instruments"})
			return
		}
		if err := h.broker.RequestSubscription(c.channel, keys); err != nil {
			c.sendJSON(Response{Type: "error", Action: cmd.Action, Message: err.Error()})
			return
		}
		h.ack(c, cmd.Action, rejected)
		h.primeSnapshots(c, keys)

	case "unsubscribe":
		if len(cmd.Instruments) == 0 {
			c.sendJSON(Response{Type: "error", Action: cmd.Action, Message: "no instruments given"})
			return
		}
		if err := h.broker.RequestUnsubscription(c.channel, cmd.Instruments); err != nil {
			c.sendJSON(Response{Type: "error", Action: cmd.Action, Message: err.Error()})
			return
		}
		h.ack(c, cmd.Action, nil)

	case "set":
		keys, rejected := h.validKeys(cmd.Instruments)
		if err := h.broker.SetSubscriptions(c.channel, keys); err != nil {
			c.sendJSON(Response{Type: "error", Action: cmd.Action, Message: err.Error()})
			return
		}
		h.ack(c, cmd.Action, rejected)
		h.primeSnapshots(c, keys)

	case "disconnect":
		if err := h.broker.RequestDisconnect(c.channel); err != nil {
			c.sendJSON(Response{Type: "error", Action: cmd.Action, Message: err.Error()})
			return
		}
		h.ack(c, cmd.Action, nil)

	default:
		c.sendJSON(Response{Type: "error", Message: "unknown action: " + cmd.Action})
	}
}

func (h *Hub) ack(c *Client, action string, rejected []string) {
	resp := Response{
		Type:    "ack",
		Action:  action,
		Desired: h.broker.Registry().Desired(c.channel),
	}
	if len(rejected) > 0 {
		resp.Message = fmt.Sprintf("unknown instruments skipped: %v", rejected)
	}
	c.sendJSON(resp)
}

// validKeys splits instruments into catalog-known keys and rejects. With no
// catalog loaded every key passes; the upstream feed is the arbiter then.
func (h *Hub) validKeys(instruments []string) (keys, rejected []string) {
	if h.catalog == nil || h.catalog.Count() == 0 {
		return instruments, nil
	}
	for _, key := range instruments {
		if _, ok := h.catalog.Get(key); ok {
			keys = append(keys, key)
		} else {
			rejected = append(rejected, key)
		}
	}
	return keys, rejected
}

// primeSnapshots replays the latest known ticks so a fresh client renders
// prices before the next live update. With keys nil the whole channel
// snapshot is sent.
func (h *Hub) primeSnapshots(c *Client, keys []string) {
	if h.snapshots == nil {
		return
	}

	var ticks []broker.Tick
	if keys == nil {
		ticks = h.snapshots.Latest(c.channel)
	} else {
		for _, key := range keys {
			if tick, ok := h.snapshots.Get(c.channel, key); ok {
				ticks = append(ticks, tick)
			}
		}
	}

	topic := broker.Topic(c.channel, broker.TopicTick)
	for _, tick := range ticks {
		data, err := json.Marshal(tick)
		if err != nil {
			continue
		}
		c.sendJSON(broker.Envelope{Topic: topic, Data: data})
	}
}
