package backtest

import (
	"context"
	"fmt"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/marketdeck/marketdeck/symbols"
)

// KiteSource serves candles from the Kite Connect historical data API,
// resolving instrument keys through the symbol catalog.
type KiteSource struct {
	client  *kiteconnect.Client
	catalog *symbols.Catalog
}

// NewKiteSource creates a historical source over a Kite Connect client.
func NewKiteSource(client *kiteconnect.Client, catalog *symbols.Catalog) *KiteSource {
	return &KiteSource{client: client, catalog: catalog}
}

// Candles fetches bars for the instrument in the given interval.
func (s *KiteSource) Candles(ctx context.Context, instrumentKey, interval string, from, to time.Time) ([]Candle, error) {
	token, ok := s.catalog.Token(instrumentKey)
	if !ok {
		return nil, fmt.Errorf("unknown instrument %s", instrumentKey)
	}

	data, err := s.client.GetHistoricalData(int(token), interval, from, to, false, false)
	if err != nil {
		return nil, fmt.Errorf("kite historical data: %w", err)
	}

	out := make([]Candle, 0, len(data))
	for _, bar := range data {
		out = append(out, Candle{
			Timestamp: bar.Date.Time,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    float64(bar.Volume),
		})
	}
	return out, nil
}
