package web

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/broker"
	"github.com/marketdeck/marketdeck/broker/feed"
	"github.com/marketdeck/marketdeck/snapshot"
	"github.com/marketdeck/marketdeck/symbols"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticGate struct{}

func (staticGate) Credential(channel string) (feed.Credential, error) {
	return feed.Credential{ClientID: "test", AccessToken: "token"}, nil
}

// fakeSession opens immediately on Connect and records subscribe calls.
type fakeSession struct {
	mu        sync.Mutex
	events    chan feed.Event
	connected bool
	stopOnce  sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan feed.Event, 16)}
}

func (s *fakeSession) Connect(cred feed.Credential) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.events <- feed.Event{Kind: feed.KindOpen}
	return nil
}

func (s *fakeSession) Subscribe(keys []string) error   { return nil }
func (s *fakeSession) Unsubscribe(keys []string) error { return nil }

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.events <- feed.Event{Kind: feed.KindClosed, Reason: "stopped"}
		close(s.events)
	})
}

func (s *fakeSession) Events() <-chan feed.Event { return s.events }

func testCatalog() *symbols.Catalog {
	c := symbols.NewCatalog(testLogger())
	c.Replace([]symbols.Symbol{
		{Key: "NSE:SBIN", Token: 779521, Exchange: "NSE", Tradingsymbol: "SBIN", Name: "STATE BANK OF INDIA"},
		{Key: "NSE:RELIANCE", Token: 738561, Exchange: "NSE", Tradingsymbol: "RELIANCE", Name: "RELIANCE INDUSTRIES"},
		{Key: "NSE:TCS", Token: 2953217, Exchange: "NSE", Tradingsymbol: "TCS", Name: "TATA CONSULTANCY SERVICES"},
	})
	return c
}

// newTestHandler wires a handler over a broker whose sessions are fakes.
func newTestHandler(t *testing.T) (*Handler, *broker.Broker, *snapshot.Memory) {
	t.Helper()

	b, err := broker.New(broker.Config{
		Gate:         staticGate{},
		Sessions:     func(channel string) feed.Session { return newFakeSession() },
		Logger:       testLogger(),
		JoinTimeout:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)

	snapshots := snapshot.NewMemory()
	b.Dispatcher().SetSnapshots(snapshots)

	h := NewHandler(b, testCatalog(), snapshots, testLogger())
	t.Cleanup(h.Hub().Shutdown)
	return h, b, snapshots
}
