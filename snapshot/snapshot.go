// Package snapshot keeps the latest tick per (channel, instrument) so a
// listener attaching mid-stream can be primed without waiting for the next
// trade. Two implementations: in-process memory and Redis.
package snapshot

import (
	"sync"

	"github.com/marketdeck/marketdeck/broker"
)

// Store records and serves last-known ticks. Record must be cheap and never
// block the dispatch path.
type Store interface {
	Record(channel string, tick broker.Tick)
	Latest(channel string) []broker.Tick
	Get(channel, instrumentKey string) (broker.Tick, bool)
}

// Memory is the default in-process store.
type Memory struct {
	mu       sync.RWMutex
	channels map[string]map[string]broker.Tick
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{channels: make(map[string]map[string]broker.Tick)}
}

// Record stores the tick as the latest for its instrument.
func (m *Memory) Record(channel string, tick broker.Tick) {
	if tick.InstrumentKey == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channel]
	if !ok {
		ch = make(map[string]broker.Tick)
		m.channels[channel] = ch
	}
	ch[tick.InstrumentKey] = tick
}

// Latest returns the last tick for every instrument seen on the channel.
func (m *Memory) Latest(channel string) []broker.Tick {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch := m.channels[channel]
	out := make([]broker.Tick, 0, len(ch))
	for _, tick := range ch {
		out = append(out, tick)
	}
	return out
}

// Get returns the last tick for one instrument.
func (m *Memory) Get(channel, instrumentKey string) (broker.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tick, ok := m.channels[channel][instrumentKey]
	return tick, ok
}
