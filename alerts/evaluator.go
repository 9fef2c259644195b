package alerts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/marketdeck/marketdeck/broker"
)

// Evaluator checks incoming ticks against active alerts. It consumes the
// broker's fan-out like any other listener, so alert evaluation never sits
// on the dispatch path itself.
type Evaluator struct {
	store  *Store
	logger *slog.Logger
}

// NewEvaluator creates an alert evaluator.
func NewEvaluator(store *Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: store, logger: logger}
}

// Evaluate checks whether a tick fires any active alerts for its instrument.
func (e *Evaluator) Evaluate(tick broker.Tick) {
	alerts := e.store.ActiveByInstrument(tick.InstrumentKey)
	if len(alerts) == 0 {
		return
	}

	for _, alert := range alerts {
		if !shouldTrigger(alert, tick.LastPrice) {
			continue
		}
		if !e.store.MarkTriggered(alert.ID, tick.LastPrice) {
			continue
		}

		e.logger.Info("Alert triggered",
			"alert_id", alert.ID,
			"instrument", alert.InstrumentKey,
			"target", alert.TargetPrice,
			"current", tick.LastPrice,
			"direction", alert.Direction,
		)
		e.store.notify(alert, tick.LastPrice)
	}
}

// Run attaches to the channel's fan-out and evaluates every tick until ctx
// is cancelled.
func (e *Evaluator) Run(ctx context.Context, dispatcher *broker.Dispatcher, channel string) {
	id, events := dispatcher.AddListener(channel)
	defer dispatcher.RemoveListener(channel, id)

	tickTopic := broker.Topic(channel, broker.TopicTick)
	e.logger.Info("Alert evaluator attached", "channel", channel, "listener_id", id)

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			if env.Topic != tickTopic {
				continue
			}
			var tick broker.Tick
			if err := json.Unmarshal(env.Data, &tick); err != nil {
				e.logger.Warn("Undecodable tick envelope", "channel", channel, "error", err)
				continue
			}
			e.Evaluate(tick)
		case <-ctx.Done():
			return
		}
	}
}

// shouldTrigger checks if the current price meets the alert condition.
func shouldTrigger(alert *Alert, currentPrice float64) bool {
	switch alert.Direction {
	case DirectionAbove:
		return currentPrice >= alert.TargetPrice
	case DirectionBelow:
		return currentPrice <= alert.TargetPrice
	default:
		return false
	}
}
