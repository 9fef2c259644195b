package broker

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/marketdeck/marketdeck/app/metrics"
	"github.com/marketdeck/marketdeck/broker/feed"
)

// listenerBuffer is the per-listener queue depth. A listener that falls this
// far behind starts losing ticks; it never stalls dispatch to the others.
const listenerBuffer = 100

// Envelope is what listeners receive: the full topic name and the payload,
// already serialized so every listener shares one marshal.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// SnapshotRecorder receives the latest tick per (channel, instrument) so new
// listeners can be primed before their first live tick.
type SnapshotRecorder interface {
	Record(channel string, tick Tick)
}

// Dispatcher normalizes provider messages and fans them out to every
// registered listener of a channel. Delivery is fire and forget.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Manager

	mu        sync.RWMutex
	listeners map[string]map[string]chan Envelope // channel -> listener id
	snapshots SnapshotRecorder
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(logger *slog.Logger, m *metrics.Manager) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		metrics:   m,
		listeners: make(map[string]map[string]chan Envelope),
	}
}

// SetSnapshots wires an optional last-tick recorder.
func (d *Dispatcher) SetSnapshots(rec SnapshotRecorder) {
	d.mu.Lock()
	d.snapshots = rec
	d.mu.Unlock()
}

// AddListener registers a listener on a channel and returns its id and
// receive channel. The channel is closed by RemoveListener.
func (d *Dispatcher) AddListener(channel string) (string, <-chan Envelope) {
	id := uuid.New().String()[:8]
	ch := make(chan Envelope, listenerBuffer)

	d.mu.Lock()
	if d.listeners[channel] == nil {
		d.listeners[channel] = make(map[string]chan Envelope)
	}
	d.listeners[channel][id] = ch
	d.mu.Unlock()

	d.logger.Debug("Listener added", "channel", channel, "listener_id", id)
	return id, ch
}

// RemoveListener detaches a listener and closes its channel.
func (d *Dispatcher) RemoveListener(channel, id string) {
	d.mu.Lock()
	var ch chan Envelope
	if m, ok := d.listeners[channel]; ok {
		ch = m[id]
		delete(m, id)
		if len(m) == 0 {
			delete(d.listeners, channel)
		}
	}
	d.mu.Unlock()

	if ch != nil {
		close(ch)
		d.logger.Debug("Listener removed", "channel", channel, "listener_id", id)
	}
}

// ListenerCount returns the number of listeners attached to a channel.
func (d *Dispatcher) ListenerCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[channel])
}

// Dispatch consumes one feed event from a channel's connection loop. Message
// payloads are normalized into ticks; payloads that are not ticks (order
// updates and other provider frames) are forwarded raw on the status topic.
func (d *Dispatcher) Dispatch(channel string, ev feed.Event) {
	switch ev.Kind {
	case feed.KindMessage:
		tick, ok := Normalize(ev.Payload)
		if !ok {
			d.logger.Debug("Non-tick payload on channel", "channel", channel, "payload", describePayload(ev.Payload))
			d.Broadcast(channel, TopicStatus, ev.Payload)
			return
		}
		d.mu.RLock()
		rec := d.snapshots
		d.mu.RUnlock()
		if rec != nil {
			rec.Record(channel, tick)
		}
		d.metrics.Increment("ticks_dispatched")
		d.Broadcast(channel, TopicTick, tick)

	case feed.KindError:
		msg := "upstream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		d.EmitError(channel, "upstream_runtime", msg)

	default:
		// Open/Closed are translated into status events by the supervisor,
		// which knows the state machine context. Nothing to do here.
	}
}

// Broadcast serializes the payload once and delivers it to every listener on
// the channel. A full listener queue drops the envelope for that listener.
func (d *Dispatcher) Broadcast(channel, suffix string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("Failed to marshal broadcast payload", "channel", channel, "topic", suffix, "error", err)
		return
	}
	env := Envelope{Topic: Topic(channel, suffix), Data: data}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, ch := range d.listeners[channel] {
		select {
		case ch <- env:
		default:
			d.metrics.Increment("envelopes_dropped")
			d.logger.Debug("Listener queue full, dropping", "channel", channel, "listener_id", id, "topic", env.Topic)
		}
	}
}

// EmitStatus broadcasts a StatusEvent on the channel's status topic.
func (d *Dispatcher) EmitStatus(channel, kind, message string) {
	d.Broadcast(channel, TopicStatus, StatusEvent{Channel: channel, Kind: kind, Message: message})
}

// EmitError broadcasts an ErrorEvent on the channel's error topic.
func (d *Dispatcher) EmitError(channel, kind, message string) {
	d.metrics.Increment("channel_errors")
	d.Broadcast(channel, TopicError, ErrorEvent{Channel: channel, Kind: kind, Message: message})
}
