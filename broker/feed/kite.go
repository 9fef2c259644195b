package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// TokenResolver maps an instrument key ("NSE:SBIN") to the numeric instrument
// token the Kite wire protocol subscribes with.
type TokenResolver interface {
	Token(key string) (uint32, bool)
}

// KiteSession streams ticks from the Zerodha Kite websocket. Keys are
// resolved to instrument tokens on Subscribe and mapped back on every tick.
type KiteSession struct {
	resolver TokenResolver
	logger   *slog.Logger
	events   chan Event

	mu        sync.Mutex
	ticker    *kiteticker.Ticker
	connected bool
	keys      map[uint32]string // token -> instrument key
	cancel    context.CancelFunc

	stopOnce sync.Once
}

// NewKiteSession creates a single-use Kite session.
func NewKiteSession(resolver TokenResolver, logger *slog.Logger) *KiteSession {
	return &KiteSession{
		resolver: resolver,
		logger:   logger,
		events:   make(chan Event, 512),
		keys:     make(map[uint32]string),
	}
}

// Connect starts the Kite ticker in its own goroutine. Reconnection is
// disabled: the supervisor owns restart decisions, so a dropped connection
// surfaces as KindClosed and the session is done.
func (s *KiteSession) Connect(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return fmt.Errorf("kite session already started")
	}
	if cred.ClientID == "" || cred.AccessToken == "" {
		return fmt.Errorf("kite session requires client id and access token")
	}

	t := kiteticker.New(cred.ClientID, cred.AccessToken)
	t.SetAutoReconnect(false)

	t.OnConnect(func() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.emit(Event{Kind: KindOpen})
	})

	t.OnTick(func(tick kitemodels.Tick) {
		s.mu.Lock()
		key, ok := s.keys[tick.InstrumentToken]
		s.mu.Unlock()
		if !ok {
			return // tick for an instrument we no longer track
		}
		s.emit(Event{Kind: KindMessage, Payload: KiteTick{Key: key, Tick: tick}})
	})

	t.OnError(func(err error) {
		s.emit(Event{Kind: KindError, Err: err})
	})

	t.OnClose(func(code int, reason string) {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.logger.Info("Kite websocket closed", "code", code, "reason", reason)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.ticker = t
	s.cancel = cancel

	go func() {
		t.ServeWithContext(ctx)
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.emit(Event{Kind: KindClosed, Reason: "kite serve loop exited"})
		close(s.events)
	}()

	return nil
}

// Subscribe resolves keys and subscribes in full mode so ticks carry OHLC and
// change data. Unresolvable keys are logged and skipped; the rest proceed.
func (s *KiteSession) Subscribe(keys []string) error {
	tokens := s.resolve(keys, true)
	if len(tokens) == 0 {
		return fmt.Errorf("no resolvable instruments in %v", keys)
	}

	s.mu.Lock()
	t := s.ticker
	s.mu.Unlock()
	if t == nil {
		return fmt.Errorf("kite session not started")
	}
	if err := t.Subscribe(tokens); err != nil {
		return fmt.Errorf("kite subscribe: %w", err)
	}
	if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("kite set mode: %w", err)
	}
	return nil
}

// Unsubscribe drops the given keys from the wire subscription.
func (s *KiteSession) Unsubscribe(keys []string) error {
	tokens := s.resolve(keys, false)
	if len(tokens) == 0 {
		return nil
	}

	s.mu.Lock()
	t := s.ticker
	for _, tok := range tokens {
		delete(s.keys, tok)
	}
	s.mu.Unlock()
	if t == nil {
		return fmt.Errorf("kite session not started")
	}
	if err := t.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("kite unsubscribe: %w", err)
	}
	return nil
}

// IsConnected reports whether the websocket is currently open.
func (s *KiteSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stop terminates the serve loop. Idempotent.
func (s *KiteSession) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Events returns the session event stream.
func (s *KiteSession) Events() <-chan Event {
	return s.events
}

// resolve maps keys to tokens, optionally recording the reverse mapping for
// tick attribution. Keys are opaque to callers: the instrument master is
// tried verbatim first, upper-cased as a fallback, and the reverse map
// always keeps the key exactly as the caller wrote it so ticks and snapshot
// lookups line up with the subscription.
func (s *KiteSession) resolve(keys []string, record bool) []uint32 {
	tokens := make([]uint32, 0, len(keys))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		tok, ok := s.resolver.Token(key)
		if !ok {
			tok, ok = s.resolver.Token(strings.ToUpper(key))
		}
		if !ok {
			s.logger.Warn("Unknown instrument key, skipping", "key", key)
			continue
		}
		tokens = append(tokens, tok)
		if record {
			s.keys[tok] = key
		}
	}
	return tokens
}

// emit delivers an event without blocking. A full buffer means nobody is
// draining (an abandoned session); dropping beats wedging the serve loop.
func (s *KiteSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("Dropping feed event, buffer full", "kind", ev.Kind.String())
	}
}
