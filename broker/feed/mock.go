package feed

import (
	"sort"
	"sync"
)

// MockSession is an in-memory scripted session. It opens as soon as Connect
// runs, records every subscribe and unsubscribe, and lets the caller push
// payloads and errors onto the event stream. Single-use, like the real
// adapters: Stop closes the stream for good.
type MockSession struct {
	// ConnectErr fails Connect synchronously when set.
	ConnectErr error
	// SubscribeErr fails every Subscribe call when set.
	SubscribeErr error

	mu         sync.Mutex
	connected  bool
	subscribed map[string]struct{}

	events   chan Event
	stopOnce sync.Once
}

// NewMockSession creates a mock session ready to Connect.
func NewMockSession() *MockSession {
	return &MockSession{
		subscribed: make(map[string]struct{}),
		events:     make(chan Event, 64),
	}
}

func (m *MockSession) Connect(cred Credential) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.events <- Event{Kind: KindOpen}
	return nil
}

func (m *MockSession) Subscribe(keys []string) error {
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.subscribed[k] = struct{}{}
	}
	return nil
}

func (m *MockSession) Unsubscribe(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.subscribed, k)
	}
	return nil
}

func (m *MockSession) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Stop emits KindClosed and closes the stream. Idempotent.
func (m *MockSession) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		m.events <- Event{Kind: KindClosed, Reason: "mock stopped"}
		close(m.events)
	})
}

func (m *MockSession) Events() <-chan Event {
	return m.events
}

// EmitMessage scripts one market data payload onto the stream.
func (m *MockSession) EmitMessage(payload any) {
	m.events <- Event{Kind: KindMessage, Payload: payload}
}

// EmitError scripts one runtime error onto the stream.
func (m *MockSession) EmitError(err error) {
	m.events <- Event{Kind: KindError, Err: err}
}

// Subscribed returns the currently subscribed keys, sorted.
func (m *MockSession) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subscribed))
	for k := range m.subscribed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
