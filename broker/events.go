package broker

import (
	"fmt"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	"github.com/marketdeck/marketdeck/broker/feed"
)

// Topic suffixes. Every channel fans out on three topics; listeners attach to
// a channel and filter by topic client-side.
const (
	TopicTick   = "tick"
	TopicStatus = "status"
	TopicError  = "error"
)

// Topic builds the full topic name for a channel, e.g. "dashboard-ticks.tick".
func Topic(channel, suffix string) string {
	return channel + "." + suffix
}

// OHLC is the open/high/low/close block of a tick. Present only when the
// provider supplied all four values.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Tick is one normalized market data update. Optional fields stay nil when
// the provider omitted them so listeners can tell "no data" from zero.
type Tick struct {
	InstrumentKey string   `json:"instrument_key"`
	LastPrice     float64  `json:"last_price"`
	OHLC          *OHLC    `json:"ohlc,omitempty"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
	TimestampMS   int64    `json:"timestamp_ms"`
}

// StatusEvent reports a connection lifecycle change on a channel.
type StatusEvent struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorEvent reports a contained provider or credential failure on a channel.
type ErrorEvent struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Normalize maps a provider-native message into the common Tick shape.
// Returns false for payloads that do not describe a tick (order updates,
// heartbeats, unknown types); those are not an error, just not ticks.
func Normalize(payload any) (Tick, bool) {
	switch msg := payload.(type) {
	case Tick:
		return msg, true

	case feed.KiteTick:
		t := Tick{
			InstrumentKey: msg.Key,
			LastPrice:     msg.Tick.LastPrice,
			TimestampMS:   msg.Tick.Timestamp.UnixMilli(),
		}
		ohlc := msg.Tick.OHLC
		if ohlc.Open != 0 || ohlc.High != 0 || ohlc.Low != 0 || ohlc.Close != 0 {
			t.OHLC = &OHLC{Open: ohlc.Open, High: ohlc.High, Low: ohlc.Low, Close: ohlc.Close}
			if ohlc.Close != 0 {
				pct := (msg.Tick.LastPrice - ohlc.Close) / ohlc.Close * 100
				t.ChangePercent = &pct
			}
		}
		return t, true

	case *feed.FyersTick:
		if msg.Symbol == "" || msg.LTP == nil {
			return Tick{}, false
		}
		t := Tick{
			InstrumentKey: msg.Symbol,
			LastPrice:     *msg.LTP,
			ChangePercent: msg.ChangePercent,
		}
		if msg.ExchFeedTime != nil {
			t.TimestampMS = *msg.ExchFeedTime * 1000
		}
		if msg.OpenPrice != nil && msg.HighPrice != nil && msg.LowPrice != nil && msg.PrevClose != nil {
			t.OHLC = &OHLC{
				Open:  *msg.OpenPrice,
				High:  *msg.HighPrice,
				Low:   *msg.LowPrice,
				Close: *msg.PrevClose,
			}
		}
		return t, true

	default:
		return Tick{}, false
	}
}

// describePayload is used in logs when a message could not be normalized.
func describePayload(payload any) string {
	switch payload.(type) {
	case feed.KiteTick, *feed.FyersTick, Tick:
		return "tick"
	case kitemodels.Tick:
		return "unwrapped kite tick"
	default:
		return fmt.Sprintf("%T", payload)
	}
}
