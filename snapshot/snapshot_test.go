package snapshot

import (
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/broker"
)

func tick(key string, price float64) broker.Tick {
	return broker.Tick{InstrumentKey: key, LastPrice: price, TimestampMS: 1700000000000}
}

func sortTicks(ticks []broker.Tick) {
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].InstrumentKey < ticks[j].InstrumentKey })
}

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, s Store) {
	t.Helper()

	// Empty channel.
	assert.Empty(t, s.Latest("ch"))
	_, ok := s.Get("ch", "NSE:SBIN")
	assert.False(t, ok)

	s.Record("ch", tick("NSE:SBIN", 810))
	s.Record("ch", tick("NSE:TCS", 4100))
	s.Record("ch", tick("NSE:SBIN", 812.5)) // newer tick replaces

	// Channels are isolated.
	s.Record("other", tick("NSE:SBIN", 999))

	got, ok := s.Get("ch", "NSE:SBIN")
	require.True(t, ok)
	assert.Equal(t, 812.5, got.LastPrice)

	latest := s.Latest("ch")
	sortTicks(latest)
	require.Len(t, latest, 2)
	assert.Equal(t, "NSE:SBIN", latest[0].InstrumentKey)
	assert.Equal(t, 812.5, latest[0].LastPrice)
	assert.Equal(t, "NSE:TCS", latest[1].InstrumentKey)

	other, ok := s.Get("other", "NSE:SBIN")
	require.True(t, ok)
	assert.Equal(t, 999.0, other.LastPrice)

	// Ticks without a key are dropped silently.
	s.Record("ch", broker.Tick{LastPrice: 5})
	assert.Len(t, s.Latest("ch"), 2)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemory())
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewRedis(srv.Addr(), "", 0, logger)
	require.NoError(t, err)
	defer s.Close()

	runStoreSuite(t, s)

	// Snapshots carry a TTL so stale hashes expire.
	srv.FastForward(redisTTL * 2)
	assert.Empty(t, s.Latest("ch"))
}

func TestRedisStoreRejectsBadAddr(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewRedis("127.0.0.1:1", "", 0, logger)
	assert.Error(t, err)
}
