package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketdeck/marketdeck/alerts"
	"github.com/marketdeck/marketdeck/app/metrics"
	"github.com/marketdeck/marketdeck/broker"
	"github.com/marketdeck/marketdeck/symbols"
)

// Handler serves the admin ops API.
type Handler struct {
	broker    *broker.Broker
	catalog   *symbols.Catalog
	alerts    *alerts.Store
	metrics   *metrics.Manager
	logs      *LogBuffer
	logger    *slog.Logger
	version   string
	startTime time.Time
}

// New creates an ops Handler.
func New(b *broker.Broker, catalog *symbols.Catalog, alertStore *alerts.Store, m *metrics.Manager, logs *LogBuffer, logger *slog.Logger, version string, startTime time.Time) *Handler {
	return &Handler{
		broker:    b,
		catalog:   catalog,
		alerts:    alertStore,
		metrics:   m,
		logs:      logs,
		logger:    logger,
		version:   version,
		startTime: startTime,
	}
}

// RegisterRoutes mounts the ops API under /admin/ops behind the given auth
// middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	wrap := func(f http.HandlerFunc) http.Handler { return auth(f) }
	mux.Handle("/admin/ops/api/overview", wrap(h.overview))
	mux.Handle("/admin/ops/api/channels", wrap(h.channels))
	mux.Handle("/admin/ops/api/alerts", wrap(h.listAlerts))
	mux.Handle("/admin/ops/api/logs", wrap(h.logStream))
	if h.metrics != nil {
		mux.Handle("/admin/ops/api/metrics", wrap(h.metrics.AdminHTTPHandler()))
	}
}

// Overview is the summary block at the top of the admin page.
type Overview struct {
	Version           string    `json:"version"`
	Uptime            string    `json:"uptime"`
	Channels          int       `json:"channels"`
	ConnectedChannels int       `json:"connected_channels"`
	Listeners         int       `json:"listeners"`
	Symbols           int       `json:"symbols"`
	CatalogLoadedAt   time.Time `json:"catalog_loaded_at"`
	TotalAlerts       int       `json:"total_alerts"`
	ActiveAlerts      int       `json:"active_alerts"`
}

func (h *Handler) buildOverview() Overview {
	o := Overview{
		Version: h.version,
		Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
	}

	for _, info := range h.broker.Channels() {
		o.Channels++
		o.Listeners += info.Listeners
		if info.State == broker.StateConnected.String() {
			o.ConnectedChannels++
		}
	}

	if h.catalog != nil {
		o.Symbols = h.catalog.Count()
		o.CatalogLoadedAt = h.catalog.LoadedAt()
	}

	if h.alerts != nil {
		for _, a := range h.alerts.List() {
			o.TotalAlerts++
			if !a.Triggered {
				o.ActiveAlerts++
			}
		}
	}
	return o
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.buildOverview())
}

func (h *Handler) channels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"channels": h.broker.Channels()})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if h.alerts == nil {
		json.NewEncoder(w).Encode(map[string]any{"alerts": []alerts.Alert{}})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"alerts": h.alerts.List()})
}

// logStream serves the captured log tail as Server-Sent Events: a backfill
// of recent entries followed by the live feed.
func (h *Handler) logStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	listenerID := fmt.Sprintf("ops-%d", time.Now().UnixNano())
	ch := h.logs.AddListener(listenerID)
	defer h.logs.RemoveListener(listenerID)

	for _, entry := range h.logs.Tail(50) {
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if data, err := json.Marshal(entry); err == nil {
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
