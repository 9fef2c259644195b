package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marketdeck/marketdeck/broker"
)

const keepaliveInterval = 15 * time.Second

// serveStream sends a channel's events as Server-Sent Events. The latest
// known tick per instrument is replayed first so the page renders prices
// before the next live update arrives.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "default"
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush() // headers out immediately so EventSource fires onopen

	h.logger.Info("SSE stream started", "channel", channel)

	writeEnvelope := func(env broker.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	if h.snapshots != nil {
		topic := broker.Topic(channel, broker.TopicTick)
		for _, tick := range h.snapshots.Latest(channel) {
			data, err := json.Marshal(tick)
			if err != nil {
				continue
			}
			writeEnvelope(broker.Envelope{Topic: topic, Data: data})
		}
		flusher.Flush()
	}

	listenerID, events := h.broker.Dispatcher().AddListener(channel)
	defer h.broker.Dispatcher().RemoveListener(channel, listenerID)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Info("SSE stream closed", "channel", channel)
			return

		case env, ok := <-events:
			if !ok {
				return
			}
			writeEnvelope(env)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
