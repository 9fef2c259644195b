package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultFyersSocketURL is the Fyers v3 data socket endpoint.
	DefaultFyersSocketURL = "wss://socket.fyers.in/hsm/v1-5/prod"

	// OrderUpdateKey is the pseudo instrument key that subscribes the
	// order update stream instead of symbol data.
	OrderUpdateKey = "ORDERS"

	fyersWriteTimeout = 5 * time.Second
	fyersPongTimeout  = 60 * time.Second
	fyersPingInterval = 20 * time.Second
)

// fyersCommand is the subscribe/unsubscribe frame the data socket accepts.
type fyersCommand struct {
	Type     string   `json:"T"`
	Symbols  []string `json:"symbols,omitempty"`
	DataType string   `json:"data_type"`
}

// FyersSession streams ticks from the Fyers data socket over a raw
// websocket. The access token is presented as "<client_id>:<token>", the
// same shape the original FyersDataSocket client uses.
type FyersSession struct {
	url    string
	logger *slog.Logger
	events chan Event

	mu        sync.Mutex
	started   bool
	conn      *websocket.Conn
	connected bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFyersSession creates a single-use Fyers session. An empty url selects
// the production endpoint.
func NewFyersSession(url string, logger *slog.Logger) *FyersSession {
	if url == "" {
		url = DefaultFyersSocketURL
	}
	return &FyersSession{
		url:    url,
		logger: logger,
		events: make(chan Event, 512),
		stopCh: make(chan struct{}),
	}
}

// Connect validates the credential and hands the dial to the session's own
// goroutine. Non-blocking: the KindOpen event signals readiness for Subscribe
// calls, and a failed dial surfaces as KindError followed by KindClosed.
func (s *FyersSession) Connect(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("fyers session already started")
	}
	if cred.AccessToken == "" {
		return fmt.Errorf("fyers session requires an access token")
	}
	s.started = true

	go s.dial(cred)
	return nil
}

// dial opens the websocket and starts the read and ping loops. Runs off the
// request path so a slow or unreachable endpoint never blocks a reconcile.
func (s *FyersSession) dial(cred Credential) {
	header := http.Header{}
	header.Set("Authorization", cred.ClientID+":"+cred.AccessToken)

	conn, resp, err := websocket.DefaultDialer.Dial(s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("fyers dial: %w (status %s)", err, resp.Status)
		} else {
			err = fmt.Errorf("fyers dial: %w", err)
		}
		s.emit(Event{Kind: KindError, Err: err})
		s.emit(Event{Kind: KindClosed, Reason: "fyers dial failed"})
		close(s.events)
		return
	}

	s.mu.Lock()
	select {
	case <-s.stopCh:
		// Stop won the race with the dial; release the fresh connection.
		s.mu.Unlock()
		conn.Close()
		s.emit(Event{Kind: KindClosed, Reason: "stopped while dialing"})
		close(s.events)
		return
	default:
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.pingLoop(conn)

	s.emit(Event{Kind: KindOpen})
}

// Subscribe sends a symbolData subscription for the given keys. The order
// update pseudo key switches the frame to the orderUpdate data type, which
// takes no symbols.
func (s *FyersSession) Subscribe(keys []string) error {
	symbols, orders := splitOrderKey(keys)
	if orders {
		if err := s.write(fyersCommand{Type: "SUB", DataType: "orderUpdate"}); err != nil {
			return err
		}
	}
	if len(symbols) > 0 {
		return s.write(fyersCommand{Type: "SUB", Symbols: symbols, DataType: "symbolData"})
	}
	return nil
}

// Unsubscribe removes the given keys from the wire subscription.
func (s *FyersSession) Unsubscribe(keys []string) error {
	symbols, orders := splitOrderKey(keys)
	if orders {
		if err := s.write(fyersCommand{Type: "UNSUB", DataType: "orderUpdate"}); err != nil {
			return err
		}
	}
	if len(symbols) > 0 {
		return s.write(fyersCommand{Type: "UNSUB", Symbols: symbols, DataType: "symbolData"})
	}
	return nil
}

// IsConnected reports whether the websocket is currently open.
func (s *FyersSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stop closes the websocket. Idempotent. The read loop notices the closed
// connection and emits KindClosed.
func (s *FyersSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		conn := s.conn
		s.connected = false
		s.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(fyersWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop"), deadline)
			_ = conn.Close()
		}
	})
}

// Events returns the session event stream.
func (s *FyersSession) Events() <-chan Event {
	return s.events
}

func (s *FyersSession) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.emit(Event{Kind: KindClosed, Reason: "fyers read loop exited"})
		close(s.events)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(fyersPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(fyersPongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				// deliberate stop, not an upstream fault
			default:
				s.emit(Event{Kind: KindError, Err: fmt.Errorf("fyers read: %w", err)})
			}
			return
		}

		var tick FyersTick
		if err := json.Unmarshal(data, &tick); err != nil {
			s.logger.Debug("Unparseable fyers frame, skipping", "error", err)
			continue
		}
		s.emit(Event{Kind: KindMessage, Payload: &tick})
	}
}

func (s *FyersSession) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(fyersPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(fyersWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *FyersSession) write(cmd fyersCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return fmt.Errorf("fyers session not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(fyersWriteTimeout))
	if err := s.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("fyers write %s: %w", cmd.Type, err)
	}
	return nil
}

// emit delivers an event without blocking. A full buffer means nobody is
// draining (an abandoned session); dropping beats wedging the read loop.
func (s *FyersSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("Dropping feed event, buffer full", "kind", ev.Kind.String())
	}
}

// splitOrderKey separates the order update pseudo key from real symbols.
func splitOrderKey(keys []string) (symbols []string, orders bool) {
	for _, k := range keys {
		if k == OrderUpdateKey {
			orders = true
			continue
		}
		symbols = append(symbols, k)
	}
	return symbols, orders
}
