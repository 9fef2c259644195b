package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/marketdeck/marketdeck/broker"
	"github.com/marketdeck/marketdeck/snapshot"
	"github.com/marketdeck/marketdeck/symbols"
	"github.com/marketdeck/marketdeck/web/templates"
)

const searchLimit = 20

// UserProfile is the brokerage account summary shown on the dashboard.
type UserProfile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

// ProfileFunc fetches the account profile from the provider's REST API. A
// failing call doubles as the cheapest "is my token still valid" probe.
type ProfileFunc func() (UserProfile, error)

// Handler serves the browser pages and the live-data HTTP surface: the SSE
// stream, the websocket endpoint and the subscription REST API.
type Handler struct {
	broker    *broker.Broker
	catalog   *symbols.Catalog
	snapshots snapshot.Store
	hub       *Hub
	logger    *slog.Logger
	profile   ProfileFunc
}

// NewHandler creates the web handler and its websocket hub.
func NewHandler(b *broker.Broker, catalog *symbols.Catalog, snapshots snapshot.Store, logger *slog.Logger) *Handler {
	return &Handler{
		broker:    b,
		catalog:   catalog,
		snapshots: snapshots,
		hub:       NewHub(b, catalog, snapshots, logger),
		logger:    logger,
	}
}

// Hub exposes the websocket hub for shutdown wiring.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// SetProfile installs the provider's profile fetcher. Without one the
// profile endpoint reports the feature unavailable. Set during wiring,
// before the server accepts requests.
func (h *Handler) SetProfile(fn ProfileFunc) {
	h.profile = fn
}

// RegisterRoutes registers pages behind the page middleware and the JSON API
// behind the api middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, page, api func(http.Handler) http.Handler) {
	mux.Handle("/", page(http.HandlerFunc(h.serveRoot)))
	mux.Handle("/dashboard", page(http.HandlerFunc(h.servePage("dashboard.html"))))
	mux.Handle("/backtest", page(http.HandlerFunc(h.servePage("backtest.html"))))
	mux.HandleFunc("/login", h.servePage("login.html"))

	mux.Handle("/ws", api(http.HandlerFunc(h.hub.ServeWS)))
	mux.Handle("/api/stream", api(http.HandlerFunc(h.serveStream)))
	mux.Handle("/api/channels", api(http.HandlerFunc(h.serveChannels)))
	mux.Handle("/api/subscriptions", api(http.HandlerFunc(h.serveSubscriptions)))
	mux.Handle("/api/symbols/search", api(http.HandlerFunc(h.serveSearch)))
	mux.Handle("/api/profile", api(http.HandlerFunc(h.serveProfile)))
}

func (h *Handler) serveRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (h *Handler) servePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := templates.FS.ReadFile(name)
		if err != nil {
			h.logger.Error("Failed to read page template", "page", name, "error", err)
			http.Error(w, "Page not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}
}

func (h *Handler) serveChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.broker.Channels()})
}

// serveSubscriptions is the REST fallback to the websocket commands: POST
// replaces a channel's desired set, DELETE tears the channel down.
func (h *Handler) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Channel     string   `json:"channel"`
			Instruments []string `json:"instruments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Channel == "" {
			req.Channel = "default"
		}
		keys, rejected := h.hub.validKeys(req.Instruments)
		if err := h.broker.SetSubscriptions(req.Channel, keys); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel":  req.Channel,
			"desired":  h.broker.Registry().Desired(req.Channel),
			"rejected": rejected,
		})

	case http.MethodDelete:
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			channel = "default"
		}
		if err := h.broker.RequestDisconnect(channel); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"channel": channel, "status": "disconnected"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) serveSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	limit := searchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < 100 {
			limit = n
		}
	}

	results := h.catalog.Search(query, limit)
	writeJSON(w, http.StatusOK, map[string]any{"symbols": results})
}

func (h *Handler) serveProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.profile == nil {
		writeError(w, http.StatusServiceUnavailable, "profile unavailable for this provider")
		return
	}
	profile, err := h.profile()
	if err != nil {
		h.logger.Warn("Profile fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "profile fetch failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
