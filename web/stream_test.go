package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/broker"
)

// readSSEData returns the next data: payload from the stream.
func readSSEData(t *testing.T, reader *bufio.Reader) broker.Envelope {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env broker.Envelope
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
		return env
	}
}

func TestSSEStream(t *testing.T) {
	h, b, snapshots := newTestHandler(t)
	snapshots.Record("desk1", broker.Tick{InstrumentKey: "NSE:SBIN", LastPrice: 845.10})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux, passthrough, passthrough)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/stream?channel=desk1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// Snapshot replay comes first.
	env := readSSEData(t, reader)
	assert.Equal(t, "desk1.tick", env.Topic)
	var tick broker.Tick
	require.NoError(t, json.Unmarshal(env.Data, &tick))
	assert.Equal(t, 845.10, tick.LastPrice)

	// Then live events.
	require.Eventually(t, func() bool {
		return b.Dispatcher().ListenerCount("desk1") == 1
	}, time.Second, 10*time.Millisecond)
	b.Dispatcher().Broadcast("desk1", broker.TopicTick, broker.Tick{InstrumentKey: "NSE:SBIN", LastPrice: 846.00})

	env = readSSEData(t, reader)
	require.NoError(t, json.Unmarshal(env.Data, &tick))
	assert.Equal(t, 846.00, tick.LastPrice)

	// Cancelling the request ends the stream and detaches the listener.
	cancel()
	require.Eventually(t, func() bool {
		return b.Dispatcher().ListenerCount("desk1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSSEStreamDefaultsChannel(t *testing.T) {
	h, b, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, passthrough, passthrough)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return b.Dispatcher().ListenerCount("default") == 1
	}, time.Second, 10*time.Millisecond)
}
