package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketdeck/marketdeck/app/metrics"
	"github.com/marketdeck/marketdeck/broker/feed"
)

// HandleState is the connection handle's lifecycle position.
type HandleState int32

const (
	StateDisconnected HandleState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s HandleState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ErrCredentialUnavailable is returned when the token gate has no valid
// credential for a channel. The supervisor fails fast and does not retry;
// the next reconciliation tries again.
var ErrCredentialUnavailable = errors.New("no valid credential available")

// TokenGate supplies credentials to the supervisor. It never initiates an
// interactive login; it only hands out tokens minted elsewhere. Must be safe
// for concurrent use.
type TokenGate interface {
	Credential(channel string) (feed.Credential, error)
}

// Handle is one connection's lifecycle record. Exactly one handle owns a
// channel's upstream session at a time; a superseded handle is marked
// Closing and must release the session before a replacement is installed.
// Once the feed loop starts, the loop goroutine is the only writer of the
// underlying session.
type Handle struct {
	state      atomic.Int32
	shutdown   *ShutdownSignal
	done       chan struct{} // closed when the feed loop exits
	session    feed.Session
	generation uint64
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

// Generation returns the reconciliation generation that started this handle.
func (h *Handle) Generation() uint64 {
	return h.generation
}

func (h *Handle) setState(s HandleState) {
	h.state.Store(int32(s))
}

// Supervisor owns connection lifecycles: it starts feed loops, applies
// incremental diffs to live connections, and tears loops down cooperatively.
// All provider errors stop here and leave as events, never as panics or
// errors crossing into request handlers.
type Supervisor struct {
	registry   *Registry
	gate       TokenGate
	dispatcher *Dispatcher
	sessions   feed.Factory
	logger     *slog.Logger
	metrics    *metrics.Manager

	joinTimeout  time.Duration
	pollInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-channel, serializes connection side effects
}

// NewSupervisor creates a supervisor. Zero timeouts select the defaults
// (3s join, 1s shutdown poll).
func NewSupervisor(registry *Registry, gate TokenGate, dispatcher *Dispatcher, sessions feed.Factory, logger *slog.Logger, m *metrics.Manager, joinTimeout, pollInterval time.Duration) *Supervisor {
	if joinTimeout <= 0 {
		joinTimeout = 3 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Supervisor{
		registry:     registry,
		gate:         gate,
		dispatcher:   dispatcher,
		sessions:     sessions,
		logger:       logger,
		metrics:      m,
		joinTimeout:  joinTimeout,
		pollInterval: pollInterval,
		locks:        make(map[string]*sync.Mutex),
	}
}

// channelLock returns the per-channel mutex, creating it on first use.
func (s *Supervisor) channelLock(channel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channel] = l
	}
	return l
}

// Apply performs the connection-level side effects for a reconciliation
// diff. A diff whose generation has been superseded is discarded untouched:
// the newer reconciliation already owns the channel's fate.
func (s *Supervisor) Apply(channel string, diff Diff) error {
	lock := s.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	if cur := s.registry.CurrentGeneration(channel); cur != diff.Generation {
		s.logger.Debug("Discarding stale diff", "channel", channel, "generation", diff.Generation, "current", cur)
		return nil
	}

	desired := s.registry.Desired(channel)
	h := s.registry.Handle(channel)

	if len(desired) == 0 {
		if h != nil {
			s.stop(channel, h)
		}
		return nil
	}

	if h != nil {
		switch h.State() {
		case StateConnected:
			if h.session.IsConnected() {
				s.applyIncremental(channel, h, diff)
				return nil
			}
			// handle thinks it is connected but the session disagrees;
			// fall through to a restart
		case StateConnecting:
			// the on-open path subscribes the full desired set, which
			// already includes this diff
			return nil
		}
	}

	return s.start(channel, h, diff.Generation)
}

// applyIncremental pushes a diff through subscribe/unsubscribe on the live
// session instead of reconnecting. Partial failures are logged and surfaced
// as events; desired remains the source of truth, so the next
// reconciliation re-attempts whatever did not stick.
func (s *Supervisor) applyIncremental(channel string, h *Handle, diff Diff) {
	if diff.Empty() {
		return
	}
	if len(diff.ToAdd) > 0 {
		if err := h.session.Subscribe(diff.ToAdd); err != nil {
			s.logger.Warn("Incremental subscribe failed", "channel", channel, "keys", diff.ToAdd, "error", err)
			s.dispatcher.EmitError(channel, "partial_subscribe", err.Error())
		}
	}
	if len(diff.ToRemove) > 0 {
		if err := h.session.Unsubscribe(diff.ToRemove); err != nil {
			s.logger.Warn("Incremental unsubscribe failed", "channel", channel, "keys", diff.ToRemove, "error", err)
			s.dispatcher.EmitError(channel, "partial_subscribe", err.Error())
		}
	}
	s.logger.Info("Applied incremental diff", "channel", channel, "added", len(diff.ToAdd), "removed", len(diff.ToRemove))
}

// start tears down any previous handle, acquires a credential, and launches
// a new feed loop for the channel.
func (s *Supervisor) start(channel string, old *Handle, generation uint64) error {
	cred, err := s.gate.Credential(channel)
	if err != nil {
		s.logger.Warn("Credential unavailable for channel", "channel", channel, "error", err)
		s.dispatcher.EmitError(channel, "credential_unavailable", "login required before streaming")
		return fmt.Errorf("channel %s: %w", channel, ErrCredentialUnavailable)
	}

	if old != nil {
		s.stop(channel, old)
	}

	sess := s.sessions(channel)
	h := &Handle{
		shutdown:   NewShutdownSignal(),
		done:       make(chan struct{}),
		session:    sess,
		generation: generation,
	}
	h.setState(StateConnecting)
	s.registry.setHandle(channel, h)

	if err := sess.Connect(cred); err != nil {
		h.setState(StateDisconnected)
		s.registry.clearHandle(channel, h)
		close(h.done)
		s.logger.Error("Upstream connect failed", "channel", channel, "error", err)
		s.dispatcher.EmitError(channel, "upstream_connect", err.Error())
		return fmt.Errorf("connect channel %s: %w", channel, err)
	}

	s.metrics.Increment("feed_loops_started")
	s.logger.Info("Feed loop starting", "channel", channel, "generation", generation)
	go s.runLoop(channel, h)
	return nil
}

// stop signals a handle's loop and joins it with a bounded timeout. A loop
// that does not exit in time is abandoned and reported as a leak; there is
// no forcible termination of a wedged provider call.
func (s *Supervisor) stop(channel string, h *Handle) {
	h.setState(StateClosing)
	h.shutdown.Signal()

	select {
	case <-h.done:
		s.logger.Info("Feed loop joined", "channel", channel, "generation", h.generation)
	case <-time.After(s.joinTimeout):
		s.metrics.Increment("feed_loops_leaked")
		s.logger.Warn("Feed loop join timed out, goroutine leaked",
			"channel", channel, "generation", h.generation, "timeout", s.joinTimeout)
	}

	s.registry.clearHandle(channel, h)
}

// runLoop is the background unit that owns one upstream connection. It is
// the sole consumer of the session's events and the sole caller of its
// Stop; everything it learns leaves through the dispatcher.
func (s *Supervisor) runLoop(channel string, h *Handle) {
	defer close(h.done)

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	events := h.session.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.finish(channel, h, "event stream ended")
				return
			}
			switch ev.Kind {
			case feed.KindOpen:
				s.onOpen(channel, h)

			case feed.KindClosed:
				reason := ev.Reason
				if reason == "" {
					reason = "upstream closed"
				}
				s.finish(channel, h, reason)
				return

			default:
				s.dispatcher.Dispatch(channel, ev)
			}

		case <-poll.C:
			if h.shutdown.IsSignaled() {
				h.session.Stop()
				s.drainUntilClosed(events)
				s.finish(channel, h, "shutdown requested")
				return
			}
		}
	}
}

// onOpen marks the handle Connected and applies the full current desired
// set as the initial subscription. Using the registry's view (not a set
// captured at start) means reconciliations that raced the connect are
// already included.
func (s *Supervisor) onOpen(channel string, h *Handle) {
	if h.State() == StateClosing {
		return // superseded while connecting; the loop will exit shortly
	}
	h.setState(StateConnected)

	desired := s.registry.Desired(channel)
	if len(desired) > 0 {
		if err := h.session.Subscribe(desired); err != nil {
			s.logger.Warn("Initial subscribe failed", "channel", channel, "keys", desired, "error", err)
			s.dispatcher.EmitError(channel, "partial_subscribe", err.Error())
		}
	}

	s.logger.Info("Channel connected", "channel", channel, "instruments", len(desired))
	s.dispatcher.EmitStatus(channel, "connected", fmt.Sprintf("streaming %d instruments", len(desired)))
}

// finish transitions the handle to Disconnected and releases channel
// ownership if this handle still holds it.
func (s *Supervisor) finish(channel string, h *Handle, reason string) {
	h.setState(StateDisconnected)
	s.registry.clearHandle(channel, h)
	s.logger.Info("Feed loop exited", "channel", channel, "generation", h.generation, "reason", reason)
	s.dispatcher.EmitStatus(channel, "disconnected", reason)
}

// drainUntilClosed consumes remaining events after Stop so the adapter can
// flush and close. Bounded: an adapter that never closes is abandoned.
func (s *Supervisor) drainUntilClosed(events <-chan feed.Event) {
	deadline := time.After(s.joinTimeout)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			return
		}
	}
}
