package broker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marketdeck/marketdeck/broker/feed"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSession is an in-memory feed.Session. When autoOpen is set, Connect
// immediately queues the open event; otherwise the test drives the handshake
// with open().
type fakeSession struct {
	mu           sync.Mutex
	events       chan feed.Event
	autoOpen     bool
	connectErr   error
	subscribeErr error
	connected    bool
	connects     int
	subscribes   [][]string
	unsubscribes [][]string
	stopOnce     sync.Once
}

func newFakeSession(autoOpen bool) *fakeSession {
	return &fakeSession{events: make(chan feed.Event, 16), autoOpen: autoOpen}
}

func (f *fakeSession) Connect(cred feed.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	if f.autoOpen {
		f.events <- feed.Event{Kind: feed.KindOpen}
	}
	return nil
}

func (f *fakeSession) Subscribe(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, append([]string(nil), keys...))
	return f.subscribeErr
}

func (f *fakeSession) Unsubscribe(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, append([]string(nil), keys...))
	return nil
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		f.events <- feed.Event{Kind: feed.KindClosed, Reason: "stopped"}
		close(f.events)
	})
}

func (f *fakeSession) Events() <-chan feed.Event { return f.events }

func (f *fakeSession) open() {
	f.events <- feed.Event{Kind: feed.KindOpen}
}

func (f *fakeSession) message(payload any) {
	f.events <- feed.Event{Kind: feed.KindMessage, Payload: payload}
}

func (f *fakeSession) subscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.subscribes...)
}

func (f *fakeSession) unsubscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.unsubscribes...)
}

func (f *fakeSession) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSession) markDropped() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// sessionRecorder is a feed.Factory that remembers every session it built.
type sessionRecorder struct {
	mu       sync.Mutex
	autoOpen bool
	sessions []*fakeSession
}

func (r *sessionRecorder) factory(channel string) feed.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := newFakeSession(r.autoOpen)
	r.sessions = append(r.sessions, fs)
	return fs
}

func (r *sessionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *sessionRecorder) last() *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

type staticGate struct {
	err error
}

func (g staticGate) Credential(channel string) (feed.Credential, error) {
	if g.err != nil {
		return feed.Credential{}, g.err
	}
	return feed.Credential{ClientID: "TEST01", AccessToken: "token"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T, rec *sessionRecorder, gate TokenGate) *Broker {
	t.Helper()
	b, err := New(Config{
		Gate:         gate,
		Sessions:     rec.factory,
		Logger:       testLogger(),
		JoinTimeout:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)
	return b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestConnectSubscribesFullDesiredSet(t *testing.T) {
	rec := &sessionRecorder{}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN", "NSE:RELIANCE"}))
	require.Equal(t, 1, rec.count())
	fs := rec.last()

	// The handshake has not completed yet.
	h := b.registry.Handle("ch")
	require.NotNil(t, h)
	assert.Equal(t, StateConnecting, h.State())
	assert.Empty(t, fs.subscribeCalls())

	fs.open()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "initial subscribe")

	assert.Equal(t, StateConnected, h.State())
	assert.Equal(t, [][]string{{"NSE:RELIANCE", "NSE:SBIN"}}, fs.subscribeCalls())
}

func TestIncrementalChangeKeepsConnection(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN", "NSE:RELIANCE"}))
	fs := rec.last()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "initial subscribe")
	h := b.registry.Handle("ch")

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:RELIANCE", "NSE:TCS"}))

	// Same session, same handle, no reconnect: only the delta went over
	// the wire.
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, fs.connectCount())
	assert.Same(t, h, b.registry.Handle("ch"))
	assert.Equal(t, StateConnected, h.State())
	assert.Equal(t, [][]string{{"NSE:RELIANCE", "NSE:SBIN"}, {"NSE:TCS"}}, fs.subscribeCalls())
	assert.Equal(t, [][]string{{"NSE:SBIN"}}, fs.unsubscribeCalls())
}

func TestUnionAndSubtractRequests(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN"}))
	fs := rec.last()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "initial subscribe")

	require.NoError(t, b.RequestSubscription("ch", []string{"NSE:TCS", "NSE:SBIN"}))
	assert.Equal(t, []string{"NSE:SBIN", "NSE:TCS"}, b.registry.Desired("ch"))

	require.NoError(t, b.RequestUnsubscription("ch", []string{"NSE:SBIN"}))
	assert.Equal(t, []string{"NSE:TCS"}, b.registry.Desired("ch"))

	// Still the original connection.
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, fs.connectCount())
}

func TestReconcileToEmptyTearsDown(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN"}))
	fs := rec.last()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "initial subscribe")

	require.NoError(t, b.RequestDisconnect("ch"))

	// stop joins the loop before returning, so the teardown is visible
	// immediately.
	assert.Nil(t, b.registry.Handle("ch"))
	assert.False(t, fs.IsConnected())
	assert.Empty(t, b.registry.Desired("ch"))
}

func TestDroppedSessionRestartsOnReconcile(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN"}))
	first := rec.last()
	waitFor(t, func() bool { return len(first.subscribeCalls()) == 1 }, "initial subscribe")

	// Transport dropped underneath the handle. Re-reconciling the same set
	// notices and rebuilds the connection.
	first.markDropped()
	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN"}))

	require.Equal(t, 2, rec.count())
	second := rec.last()
	waitFor(t, func() bool { return len(second.subscribeCalls()) == 1 }, "resubscribe after restart")
	assert.Equal(t, [][]string{{"NSE:SBIN"}}, second.subscribeCalls())
}

func TestStaleGenerationDiscarded(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	stale := b.registry.Reconcile("ch", []string{"NSE:SBIN"})
	fresh := b.registry.Reconcile("ch", []string{"NSE:TCS"})

	// The superseded diff must not touch the connection at all.
	require.NoError(t, b.supervisor.Apply("ch", stale))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, b.supervisor.Apply("ch", fresh))
	require.Equal(t, 1, rec.count())
	fs := rec.last()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "subscribe")
	assert.Equal(t, [][]string{{"NSE:TCS"}}, fs.subscribeCalls())
}

func TestCredentialUnavailable(t *testing.T) {
	rec := &sessionRecorder{}
	b := newTestBroker(t, rec, staticGate{err: errors.New("token expired")})

	id, events := b.dispatcher.AddListener("ch")
	defer b.dispatcher.RemoveListener("ch", id)

	err := b.SetSubscriptions("ch", []string{"NSE:SBIN"})
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.Equal(t, 0, rec.count())
	assert.Nil(t, b.registry.Handle("ch"))

	// The failure surfaces as an error event, not silence.
	select {
	case env := <-events:
		assert.Equal(t, "ch.error", env.Topic)
		assert.Contains(t, string(env.Data), "credential_unavailable")
	case <-time.After(time.Second):
		t.Fatal("no error event delivered")
	}

	// Desired is retained: a later reconcile retries with a valid token.
	assert.Equal(t, []string{"NSE:SBIN"}, b.registry.Desired("ch"))
}

func TestConnectFailureClearsHandle(t *testing.T) {
	var fs *fakeSession
	factory := func(channel string) feed.Session {
		fs = newFakeSession(false)
		fs.connectErr = errors.New("dial tcp: connection refused")
		return fs
	}
	b, err := New(Config{
		Gate:         staticGate{},
		Sessions:     factory,
		Logger:       testLogger(),
		JoinTimeout:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)

	err = b.SetSubscriptions("ch", []string{"NSE:SBIN"})
	require.Error(t, err)
	assert.Nil(t, b.registry.Handle("ch"))
	assert.Equal(t, 1, fs.connectCount())
}

func TestChannelsAreIsolated(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("dashboard-ticks", []string{"NSE:SBIN"}))
	require.NoError(t, b.SetSubscriptions("order-updates", []string{"ORDERS"}))

	require.Equal(t, 2, rec.count())

	require.NoError(t, b.RequestDisconnect("dashboard-ticks"))
	assert.Nil(t, b.registry.Handle("dashboard-ticks"))
	assert.NotNil(t, b.registry.Handle("order-updates"))
}

func TestChannelsSummary(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN"}))
	fs := rec.last()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "subscribe")

	id, _ := b.dispatcher.AddListener("ch")
	defer b.dispatcher.RemoveListener("ch", id)

	infos := b.Channels()
	require.Len(t, infos, 1)
	assert.Equal(t, "ch", infos[0].Channel)
	assert.Equal(t, "connected", infos[0].State)
	assert.Equal(t, uint64(1), infos[0].Generation)
	assert.Equal(t, []string{"NSE:SBIN"}, infos[0].Desired)
	assert.Equal(t, 1, infos[0].Listeners)
}

func TestTickReachesEveryListener(t *testing.T) {
	rec := &sessionRecorder{autoOpen: true}
	b := newTestBroker(t, rec, staticGate{})

	id1, l1 := b.dispatcher.AddListener("ch")
	id2, l2 := b.dispatcher.AddListener("ch")
	defer b.dispatcher.RemoveListener("ch", id1)
	defer b.dispatcher.RemoveListener("ch", id2)

	require.NoError(t, b.SetSubscriptions("ch", []string{"NSE:SBIN"}))
	fs := rec.last()
	waitFor(t, func() bool { return len(fs.subscribeCalls()) == 1 }, "subscribe")

	fs.message(Tick{InstrumentKey: "NSE:SBIN", LastPrice: 101.5, TimestampMS: 1700000000000})

	env1 := readTopic(t, l1, "ch.tick")
	env2 := readTopic(t, l2, "ch.tick")
	assert.Equal(t, env1, env2)
	assert.Contains(t, string(env1.Data), `"last_price":101.5`)
	assert.Contains(t, string(env1.Data), `"instrument_key":"NSE:SBIN"`)
}

// readTopic drains a listener until an envelope with the wanted topic
// arrives, skipping interleaved status events.
func readTopic(t *testing.T, ch <-chan Envelope, topic string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("listener closed before %s arrived", topic)
			}
			if env.Topic == topic {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for topic %s", topic)
		}
	}
}
