// Package broker is the live subscription core: it reconciles desired
// instrument sets against a single long-lived upstream connection per
// channel, supervises connection lifecycles in the background, and fans out
// normalized ticks to listeners.
package broker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/marketdeck/marketdeck/app/metrics"
	"github.com/marketdeck/marketdeck/broker/feed"
)

// Config holds configuration for creating a Broker.
type Config struct {
	Gate     TokenGate    // required
	Sessions feed.Factory // required
	Logger   *slog.Logger // required
	Metrics  *metrics.Manager

	// JoinTimeout bounds how long a superseded feed loop is waited on.
	// PollInterval is how often loops check their shutdown signal.
	// Zero values select the defaults (3s, 1s).
	JoinTimeout  time.Duration
	PollInterval time.Duration
}

// Broker composes the registry, supervisor and dispatcher behind the control
// boundary the transport layer calls.
type Broker struct {
	registry   *Registry
	supervisor *Supervisor
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// New creates a Broker with the given configuration.
func New(cfg Config) (*Broker, error) {
	if cfg.Gate == nil {
		return nil, errors.New("token gate is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	registry := NewRegistry()
	dispatcher := NewDispatcher(cfg.Logger, cfg.Metrics)
	supervisor := NewSupervisor(registry, cfg.Gate, dispatcher, cfg.Sessions,
		cfg.Logger, cfg.Metrics, cfg.JoinTimeout, cfg.PollInterval)

	return &Broker{
		registry:   registry,
		supervisor: supervisor,
		dispatcher: dispatcher,
		logger:     cfg.Logger,
	}, nil
}

// Registry exposes the subscription registry (read paths for ops/status).
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Dispatcher exposes the event bus for listener registration.
func (b *Broker) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// SetSubscriptions replaces the channel's desired set wholesale and applies
// the result. This is what a dashboard sends on connect: the complete set of
// instruments it wants.
func (b *Broker) SetSubscriptions(channel string, keys []string) error {
	diff := b.registry.Reconcile(channel, keys)
	return b.supervisor.Apply(channel, diff)
}

// RequestSubscription adds keys to the channel's desired set.
func (b *Broker) RequestSubscription(channel string, keys []string) error {
	desired := union(b.registry.Desired(channel), keys)
	return b.SetSubscriptions(channel, desired)
}

// RequestUnsubscription removes keys from the channel's desired set.
func (b *Broker) RequestUnsubscription(channel string, keys []string) error {
	desired := subtract(b.registry.Desired(channel), keys)
	return b.SetSubscriptions(channel, desired)
}

// RequestDisconnect empties the channel's desired set, tearing down its
// connection.
func (b *Broker) RequestDisconnect(channel string) error {
	return b.SetSubscriptions(channel, nil)
}

// ChannelInfo is a point-in-time view of one channel for the ops dashboard.
type ChannelInfo struct {
	Channel    string   `json:"channel"`
	State      string   `json:"state"`
	Generation uint64   `json:"generation"`
	Desired    []string `json:"desired"`
	Listeners  int      `json:"listeners"`
}

// Channels summarizes every channel the broker has seen.
func (b *Broker) Channels() []ChannelInfo {
	names := b.registry.Channels()
	out := make([]ChannelInfo, 0, len(names))
	for _, name := range names {
		info := ChannelInfo{
			Channel:    name,
			State:      StateDisconnected.String(),
			Generation: b.registry.CurrentGeneration(name),
			Desired:    b.registry.Desired(name),
			Listeners:  b.dispatcher.ListenerCount(name),
		}
		if h := b.registry.Handle(name); h != nil {
			info.State = h.State().String()
		}
		out = append(out, info)
	}
	return out
}

// Shutdown disconnects every channel. Used on process exit.
func (b *Broker) Shutdown() {
	for _, name := range b.registry.Channels() {
		if err := b.RequestDisconnect(name); err != nil {
			b.logger.Error("Failed to disconnect channel during shutdown", "channel", name, "error", err)
		}
	}
	b.logger.Info("Broker shutdown complete")
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, k := range b {
		drop[k] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, k := range a {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
