package broker

import (
	"sort"
	"sync"
)

// Diff is the instrument-level delta produced by one reconciliation, tagged
// with the generation that owns it. A caller whose generation has been
// superseded must discard the diff without applying connection side effects.
type Diff struct {
	ToAdd      []string
	ToRemove   []string
	Generation uint64
}

// Empty reports whether the diff requires no wire-level changes.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// channelState is the per-channel subscription record. It lives for the
// process lifetime once created; the handle comes and goes with the
// connection. All fields are guarded by mu.
type channelState struct {
	mu         sync.Mutex
	desired    map[string]struct{}
	generation uint64
	handle     *Handle
}

// Registry tracks the desired instrument set per channel and computes diffs.
// It is the only state shared between request-handling and background paths,
// and every access goes through its locked API.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channelState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channelState)}
}

// channel returns the state for a channel, creating it on first use.
func (r *Registry) channel(name string) *channelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.channels[name]
	if !ok {
		cs = &channelState{desired: make(map[string]struct{})}
		r.channels[name] = cs
	}
	return cs
}

// Reconcile atomically replaces the channel's desired set, bumps the
// generation, and returns the diff against the previous set. An empty
// desired set is valid and means "no subscriptions wanted". Reconciling the
// same set twice yields an empty diff the second time.
func (r *Registry) Reconcile(channel string, desired []string) Diff {
	cs := r.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	next := make(map[string]struct{}, len(desired))
	for _, key := range desired {
		next[key] = struct{}{}
	}

	var diff Diff
	for key := range next {
		if _, ok := cs.desired[key]; !ok {
			diff.ToAdd = append(diff.ToAdd, key)
		}
	}
	for key := range cs.desired {
		if _, ok := next[key]; !ok {
			diff.ToRemove = append(diff.ToRemove, key)
		}
	}
	sort.Strings(diff.ToAdd)
	sort.Strings(diff.ToRemove)

	cs.desired = next
	cs.generation++
	diff.Generation = cs.generation
	return diff
}

// Desired returns a snapshot of the channel's desired set in sorted order.
func (r *Registry) Desired(channel string) []string {
	cs := r.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, 0, len(cs.desired))
	for key := range cs.desired {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// CurrentGeneration returns the channel's latest generation. A caller
// holding an older generation has been superseded.
func (r *Registry) CurrentGeneration(channel string) uint64 {
	cs := r.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.generation
}

// Handle returns the channel's current connection handle, or nil.
func (r *Registry) Handle(channel string) *Handle {
	cs := r.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.handle
}

// setHandle installs a new owning handle for the channel.
func (r *Registry) setHandle(channel string, h *Handle) {
	cs := r.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handle = h
}

// clearHandle removes the handle only if it is still the owner. A superseded
// handle exiting late must not evict its replacement.
func (r *Registry) clearHandle(channel string, h *Handle) {
	cs := r.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.handle == h {
		cs.handle = nil
	}
}

// Channels returns the names of every channel seen so far, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
