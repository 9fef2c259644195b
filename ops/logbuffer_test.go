package ops

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferTail(t *testing.T) {
	lb := NewLogBuffer(5)
	assert.Nil(t, lb.Tail(10))

	for i := 0; i < 3; i++ {
		lb.Append(Entry{Time: time.Now(), Level: "INFO", Message: "msg"})
	}
	assert.Len(t, lb.Tail(10), 3)

	tail := lb.Tail(2)
	require.Len(t, tail, 2)
}

func TestLogBufferEvictsOldest(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		lb.Append(Entry{Message: string(rune('a' + i))})
	}

	tail := lb.Tail(10)
	require.Len(t, tail, 3)
	assert.Equal(t, "c", tail[0].Message)
	assert.Equal(t, "d", tail[1].Message)
	assert.Equal(t, "e", tail[2].Message)
}

func TestLogBufferTailOrder(t *testing.T) {
	lb := NewLogBuffer(10)
	lb.Append(Entry{Message: "first"})
	lb.Append(Entry{Message: "second"})
	lb.Append(Entry{Message: "third"})

	tail := lb.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "second", tail[0].Message)
	assert.Equal(t, "third", tail[1].Message)
}

func TestLogBufferListener(t *testing.T) {
	lb := NewLogBuffer(10)
	ch := lb.AddListener("tail")

	lb.Append(Entry{Message: "hello"})
	select {
	case entry := <-ch:
		assert.Equal(t, "hello", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("listener did not receive entry")
	}

	lb.RemoveListener("tail")
	_, open := <-ch
	assert.False(t, open)
}

func TestLogBufferSlowListenerDrops(t *testing.T) {
	lb := NewLogBuffer(10)
	ch := lb.AddListener("slow")
	defer lb.RemoveListener("slow")

	for i := 0; i < listenerBuffer+20; i++ {
		lb.Append(Entry{Message: "burst"})
	}
	assert.Len(t, ch, listenerBuffer)
}

func TestTeeHandlerCapturesRecords(t *testing.T) {
	lb := NewLogBuffer(10)
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(io.Discard, nil), lb))

	logger.Info("Channel connected", "channel", "desk1", "generation", 3)
	logger.Warn("Feed dropped")

	tail := lb.Tail(10)
	require.Len(t, tail, 2)
	assert.Equal(t, "INFO", tail[0].Level)
	assert.Equal(t, "Channel connected", tail[0].Message)
	assert.Contains(t, tail[0].Attrs, "channel=desk1")
	assert.Contains(t, tail[0].Attrs, "generation=3")
	assert.Equal(t, "WARN", tail[1].Level)
}

func TestTeeHandlerWithAttrs(t *testing.T) {
	lb := NewLogBuffer(10)
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(io.Discard, nil), lb)).With("component", "broker")

	logger.Info("ready")
	tail := lb.Tail(1)
	require.Len(t, tail, 1)
	assert.Equal(t, "ready", tail[0].Message)
}
