package alerts

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreAddListDelete(t *testing.T) {
	s := NewStore(nil, testLogger())

	id, err := s.Add("NSE:SBIN", 850, DirectionAbove)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Add("NSE:TCS", 4000, DirectionBelow)
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)

	assert.Equal(t, []string{"NSE:SBIN", "NSE:TCS"}, s.ActiveInstruments())

	require.NoError(t, s.Delete(id))
	assert.Len(t, s.List(), 1)
	assert.Error(t, s.Delete(id))
}

func TestStoreValidation(t *testing.T) {
	s := NewStore(nil, testLogger())

	_, err := s.Add("", 850, DirectionAbove)
	assert.Error(t, err)

	_, err = s.Add("NSE:SBIN", 0, DirectionAbove)
	assert.Error(t, err)

	_, err = s.Add("NSE:SBIN", 850, Direction("sideways"))
	assert.Error(t, err)
}

func TestStoreCap(t *testing.T) {
	s := NewStore(nil, testLogger())

	for i := 0; i < MaxAlerts; i++ {
		_, err := s.Add(fmt.Sprintf("NSE:S%d", i), 100, DirectionAbove)
		require.NoError(t, err)
	}
	_, err := s.Add("NSE:OVERFLOW", 100, DirectionAbove)
	assert.Error(t, err)
}

func TestMarkTriggeredOnce(t *testing.T) {
	s := NewStore(nil, testLogger())
	id, err := s.Add("NSE:SBIN", 850, DirectionAbove)
	require.NoError(t, err)

	assert.True(t, s.MarkTriggered(id, 851))
	assert.False(t, s.MarkTriggered(id, 852), "second trigger must be rejected")
	assert.False(t, s.MarkTriggered("unknown", 1))

	list := s.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Triggered)
	assert.Equal(t, 851.0, list[0].TriggeredPrice)

	// Triggered alerts leave the active sets.
	assert.Empty(t, s.ActiveByInstrument("NSE:SBIN"))
	assert.Empty(t, s.ActiveInstruments())
}

func TestStorePersistence(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, testLogger())
	id, err := s.Add("NSE:SBIN", 850, DirectionAbove)
	require.NoError(t, err)
	require.True(t, s.MarkTriggered(id, 851.5))

	reloaded := NewStore(db, testLogger())
	require.NoError(t, reloaded.LoadFromDB())
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "NSE:SBIN", list[0].InstrumentKey)
	assert.True(t, list[0].Triggered)
	assert.Equal(t, 851.5, list[0].TriggeredPrice)
}

func TestListReturnsCopies(t *testing.T) {
	s := NewStore(nil, testLogger())
	_, err := s.Add("NSE:SBIN", 850, DirectionAbove)
	require.NoError(t, err)

	s.List()[0].TargetPrice = 1

	assert.Equal(t, 850.0, s.List()[0].TargetPrice)
}
