// Package feed defines the upstream provider session boundary and the
// adapters that implement it. Each adapter speaks one provider's streaming
// protocol and emits structured events on a channel; it never invokes
// callbacks into shared state.
package feed

import (
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
)

// Credential is what a session needs to open the upstream connection.
type Credential struct {
	ClientID    string
	AccessToken string
}

// Kind classifies a session event.
type Kind int

const (
	// KindOpen fires once the upstream connection is established and ready
	// for subscribe calls.
	KindOpen Kind = iota
	// KindMessage carries one provider-native market data payload.
	KindMessage
	// KindError carries a runtime error from the upstream connection.
	KindError
	// KindClosed fires exactly once when the connection has terminated,
	// whether by Stop or by the provider. No events follow it.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single occurrence on a session. Payload is provider-native for
// KindMessage events; the dispatcher owns the mapping into the common shape.
type Event struct {
	Kind    Kind
	Payload any
	Err     error
	Reason  string
}

// KiteTick pairs a normalized instrument key with the raw Kite tick. The
// adapter resolves instrument tokens back to keys because only it holds the
// token mapping it built for Subscribe.
type KiteTick struct {
	Key  string
	Tick kitemodels.Tick
}

// FyersTick is the decoded symbolData payload from the Fyers data socket.
// Optional fields are pointers so absent values survive as nil instead of
// collapsing to zero.
type FyersTick struct {
	Symbol        string   `json:"symbol"`
	LTP           *float64 `json:"ltp"`
	OpenPrice     *float64 `json:"open_price"`
	HighPrice     *float64 `json:"high_price"`
	LowPrice      *float64 `json:"low_price"`
	PrevClose     *float64 `json:"prev_close_price"`
	Change        *float64 `json:"ch"`
	ChangePercent *float64 `json:"chp"`
	ExchFeedTime  *int64   `json:"exch_feed_time"`
	Type          string   `json:"type"`
}

// Session is the capability set a provider adapter must implement. Connect is
// non-blocking: it starts the session's own delivery goroutine and returns;
// progress and data arrive as Events. The events channel is closed after
// KindClosed is delivered.
//
// Subscribe and Unsubscribe are only valid while IsConnected reports true;
// the supervisor applies the full desired set again after every KindOpen, so
// adapters need not replay subscriptions themselves.
type Session interface {
	Connect(cred Credential) error
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
	IsConnected() bool
	Stop()
	Events() <-chan Event
}

// Factory builds a fresh Session for a channel. A session is single-use: once
// closed it is discarded and the factory is asked for a new one.
type Factory func(channel string) Session
