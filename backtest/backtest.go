// Package backtest runs trading strategies against historical candles and
// reports the signals and trade metrics a dashboard chart needs.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Candle is one historical OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SeriesPoint is one value of a computed indicator series.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Signal marks a buy or sell point on the chart.
type Signal struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// Trade is one completed buy/sell round trip.
type Trade struct {
	EntryDate  time.Time `json:"entry_date"`
	ExitDate   time.Time `json:"exit_date"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	ProfitPct  float64   `json:"profit_pct"`
}

// Metrics summarizes the paired trades of a run.
type Metrics struct {
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	AvgProfit   float64 `json:"avg_profit"`
	AvgLoss     float64 `json:"avg_loss"`
	MaxProfit   float64 `json:"max_profit"`
	MaxLoss     float64 `json:"max_loss"`
	NetProfit   float64 `json:"net_profit"`
	Trades      []Trade `json:"trades"`
}

// Result is the full outcome of one backtest run.
type Result struct {
	InstrumentKey string                   `json:"instrument_key"`
	Strategy      string                   `json:"strategy"`
	Candles       []Candle                 `json:"candles"`
	Indicators    map[string][]SeriesPoint `json:"indicators"`
	BuySignals    []Signal                 `json:"buy_signals"`
	SellSignals   []Signal                 `json:"sell_signals"`
	Metrics       Metrics                  `json:"metrics"`
}

// Params carries strategy tuning values; missing keys fall back to each
// strategy's defaults.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Strategy computes indicator series and raw buy/sell signals over candles.
type Strategy func(candles []Candle, params Params) (indicators map[string][]SeriesPoint, buy, sell []Signal)

// HistoricalSource fetches candles for an instrument.
type HistoricalSource interface {
	Candles(ctx context.Context, instrumentKey, interval string, from, to time.Time) ([]Candle, error)
}

// Service runs registered strategies over historical data.
type Service struct {
	source     HistoricalSource
	logger     *slog.Logger
	strategies map[string]Strategy
}

// NewService creates a backtest service with the built-in strategies.
func NewService(source HistoricalSource, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		logger: logger,
		strategies: map[string]Strategy{
			"moving_average_crossover": MovingAverageCrossover,
			"rsi_strategy":             RSIStrategy,
		},
	}
}

// Strategies returns the registered strategy names, sorted.
func (s *Service) Strategies() []string {
	out := make([]string, 0, len(s.strategies))
	for name := range s.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run fetches daily candles and applies the named strategy.
func (s *Service) Run(ctx context.Context, instrumentKey, strategyName string, params Params, from, to time.Time) (*Result, error) {
	strategy, ok := s.strategies[strategyName]
	if !ok {
		return nil, fmt.Errorf("strategy %s not found", strategyName)
	}

	candles, err := s.source.Candles(ctx, instrumentKey, "day", from, to)
	if err != nil {
		return nil, fmt.Errorf("historical data: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no historical data for %s", instrumentKey)
	}

	indicators, buy, sell := strategy(candles, params)
	result := &Result{
		InstrumentKey: instrumentKey,
		Strategy:      strategyName,
		Candles:       candles,
		Indicators:    indicators,
		BuySignals:    buy,
		SellSignals:   sell,
		Metrics:       pairTrades(candles, buy, sell),
	}

	s.logger.Info("Backtest complete",
		"instrument", instrumentKey,
		"strategy", strategyName,
		"candles", len(candles),
		"trades", result.Metrics.TotalTrades,
	)
	return result, nil
}

// MovingAverageCrossover goes long while the short moving average is above
// the long one. Defaults: short_window 20, long_window 50.
func MovingAverageCrossover(candles []Candle, params Params) (map[string][]SeriesPoint, []Signal, []Signal) {
	shortWindow := int(params.get("short_window", 20))
	longWindow := int(params.get("long_window", 50))
	if shortWindow < 1 {
		shortWindow = 1
	}
	if longWindow < shortWindow {
		longWindow = shortWindow
	}

	shortMA := rollingMean(candles, shortWindow)
	longMA := rollingMean(candles, longWindow)

	var buy, sell []Signal
	prev := 0
	for i, c := range candles {
		signal := 0
		if i >= longWindow-1 && shortMA[i] > longMA[i] {
			signal = 1
		}
		switch {
		case signal == 1 && prev == 0:
			buy = append(buy, Signal{Timestamp: c.Timestamp, Price: c.Close})
		case signal == 0 && prev == 1:
			sell = append(sell, Signal{Timestamp: c.Timestamp, Price: c.Close})
		}
		prev = signal
	}

	indicators := map[string][]SeriesPoint{
		"short_ma": seriesFrom(candles, shortMA, shortWindow-1),
		"long_ma":  seriesFrom(candles, longMA, longWindow-1),
	}
	return indicators, buy, sell
}

// RSIStrategy buys when the RSI drops below the oversold level and emits a
// sell signal while it sits above the overbought level. Defaults:
// rsi_period 14, overbought 70, oversold 30.
func RSIStrategy(candles []Candle, params Params) (map[string][]SeriesPoint, []Signal, []Signal) {
	period := int(params.get("rsi_period", 14))
	overbought := params.get("overbought", 70)
	oversold := params.get("oversold", 30)
	if period < 1 {
		period = 1
	}

	rsi := relativeStrength(candles, period)

	var buy, sell []Signal
	prev := 0
	for i, c := range candles {
		valid := i >= period // first delta is at index 1
		signal := 0
		if valid && rsi[i] < oversold {
			signal = 1
		}
		if signal == 1 && prev == 0 {
			buy = append(buy, Signal{Timestamp: c.Timestamp, Price: c.Close})
		}
		if valid && rsi[i] > overbought {
			sell = append(sell, Signal{Timestamp: c.Timestamp, Price: c.Close})
		}
		prev = signal
	}

	indicators := map[string][]SeriesPoint{
		"rsi": seriesFrom(candles, rsi, period),
	}
	return indicators, buy, sell
}

// pairTrades walks the candles pairing each buy with the next sell, long
// only, one position at a time.
func pairTrades(candles []Candle, buy, sell []Signal) Metrics {
	buyAt := make(map[time.Time]struct{}, len(buy))
	for _, s := range buy {
		buyAt[s.Timestamp] = struct{}{}
	}
	sellAt := make(map[time.Time]struct{}, len(sell))
	for _, s := range sell {
		sellAt[s.Timestamp] = struct{}{}
	}

	var trades []Trade
	open := false
	var entryPrice float64
	var entryDate time.Time

	for _, c := range candles {
		if _, ok := buyAt[c.Timestamp]; ok && !open {
			entryPrice = c.Close
			entryDate = c.Timestamp
			open = true
			continue
		}
		if _, ok := sellAt[c.Timestamp]; ok && open {
			profitPct := (c.Close/entryPrice - 1) * 100
			trades = append(trades, Trade{
				EntryDate:  entryDate,
				ExitDate:   c.Timestamp,
				EntryPrice: entryPrice,
				ExitPrice:  c.Close,
				ProfitPct:  profitPct,
			})
			open = false
		}
	}

	m := Metrics{TotalTrades: len(trades), Trades: trades}
	if len(trades) == 0 {
		return m
	}

	var wins, losses []float64
	for _, t := range trades {
		m.NetProfit += t.ProfitPct
		if t.ProfitPct > m.MaxProfit {
			m.MaxProfit = t.ProfitPct
		}
		if t.ProfitPct < m.MaxLoss {
			m.MaxLoss = t.ProfitPct
		}
		if t.ProfitPct > 0 {
			wins = append(wins, t.ProfitPct)
		} else {
			losses = append(losses, t.ProfitPct)
		}
	}
	m.WinRate = float64(len(wins)) / float64(len(trades))
	m.AvgProfit = mean(wins)
	m.AvgLoss = mean(losses)
	return m
}

// rollingMean computes the trailing mean of closes over window; entries
// before the window fills are zero and must be masked by the caller.
func rollingMean(candles []Candle, window int) []float64 {
	out := make([]float64, len(candles))
	var sum float64
	for i, c := range candles {
		sum += c.Close
		if i >= window {
			sum -= candles[i-window].Close
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// relativeStrength computes the simple-average RSI. A period with no losses
// reads 100, no gains reads 0.
func relativeStrength(candles []Candle, period int) []float64 {
	out := make([]float64, len(candles))
	if len(candles) < 2 {
		return out
	}

	gains := make([]float64, len(candles))
	losses := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	var gainSum, lossSum float64
	for i := 1; i < len(candles); i++ {
		gainSum += gains[i]
		lossSum += losses[i]
		if i > period {
			gainSum -= gains[i-period]
			lossSum -= losses[i-period]
		}
		if i < period {
			continue
		}
		avgGain := gainSum / float64(period)
		avgLoss := lossSum / float64(period)
		switch {
		case avgLoss == 0 && avgGain == 0:
			out[i] = 50
		case avgLoss == 0:
			out[i] = 100
		default:
			rs := avgGain / avgLoss
			out[i] = 100 - 100/(1+rs)
		}
	}
	return out
}

// seriesFrom builds an indicator series from values, skipping the warmup
// prefix.
func seriesFrom(candles []Candle, values []float64, skip int) []SeriesPoint {
	if skip < 0 {
		skip = 0
	}
	var out []SeriesPoint
	for i := skip; i < len(candles); i++ {
		out = append(out, SeriesPoint{Timestamp: candles[i].Timestamp, Value: values[i]})
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
