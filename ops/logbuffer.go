// Package ops serves the admin surface: an overview of channels and alerts,
// the metrics snapshot, and a live log tail backed by a ring buffer.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const listenerBuffer = 100

// Entry is one captured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Attrs   string    `json:"attrs,omitempty"`
}

// LogBuffer keeps the most recent log entries in a fixed ring and fans new
// ones out to stream listeners.
type LogBuffer struct {
	mu        sync.RWMutex
	ring      []Entry
	next      int
	filled    int
	listeners map[string]chan Entry
}

// NewLogBuffer allocates a buffer holding the last capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		ring:      make([]Entry, capacity),
		listeners: make(map[string]chan Entry),
	}
}

// Append records an entry, evicting the oldest once the ring is full, and
// offers it to every listener without blocking.
func (lb *LogBuffer) Append(entry Entry) {
	lb.mu.Lock()
	lb.ring[lb.next] = entry
	lb.next = (lb.next + 1) % len(lb.ring)
	if lb.filled < len(lb.ring) {
		lb.filled++
	}
	for _, ch := range lb.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.mu.Unlock()
}

// Tail returns up to n most recent entries, oldest first.
func (lb *LogBuffer) Tail(n int) []Entry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n > lb.filled {
		n = lb.filled
	}
	if n <= 0 {
		return nil
	}

	out := make([]Entry, n)
	start := (lb.next - n + len(lb.ring)) % len(lb.ring)
	for i := range out {
		out[i] = lb.ring[(start+i)%len(lb.ring)]
	}
	return out
}

// AddListener registers a stream listener. Entries the listener cannot keep
// up with are dropped.
func (lb *LogBuffer) AddListener(id string) <-chan Entry {
	ch := make(chan Entry, listenerBuffer)
	lb.mu.Lock()
	lb.listeners[id] = ch
	lb.mu.Unlock()
	return ch
}

// RemoveListener detaches a listener and closes its channel.
func (lb *LogBuffer) RemoveListener(id string) {
	lb.mu.Lock()
	ch, ok := lb.listeners[id]
	delete(lb.listeners, id)
	lb.mu.Unlock()
	if ok {
		close(ch)
	}
}

// TeeHandler copies every slog record into a LogBuffer before delegating to
// the wrapped handler. Install it at logger construction so the admin log
// tail sees the same records as stderr.
type TeeHandler struct {
	inner slog.Handler
	buf   *LogBuffer
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler wraps inner with capture into buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, "%s=%v ", a.Key, a.Value.Any())
		return true
	})

	h.buf.Append(Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   strings.TrimSpace(attrs.String()),
	})
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf}
}
