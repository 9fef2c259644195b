package watchlist

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Handler exposes the watchlist store as a JSON API.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a watchlist API handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes registers the watchlist API on the mux. wrap is applied to
// every route, typically the session auth middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("/api/watchlists", wrap(http.HandlerFunc(h.handleLists)))
	mux.Handle("/api/watchlists/instruments", wrap(http.HandlerFunc(h.handleInstruments)))
}

func (h *Handler) handleLists(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.All())

	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := h.store.Create(strings.TrimSpace(req.Name)); err != nil {
			writeError(w, http.StatusInternalServerError, "could not create watchlist")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": strings.TrimSpace(req.Name)})

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := h.store.Delete(name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleInstruments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Watchlist     string `json:"watchlist"`
			InstrumentKey string `json:"instrument_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Watchlist == "" || req.InstrumentKey == "" {
			writeError(w, http.StatusBadRequest, "watchlist and instrument_key are required")
			return
		}
		if err := h.store.Add(req.Watchlist, req.InstrumentKey); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		keys, _ := h.store.Get(req.Watchlist)
		writeJSON(w, http.StatusOK, map[string]any{"watchlist": req.Watchlist, "instruments": keys})

	case http.MethodDelete:
		name := r.URL.Query().Get("watchlist")
		key := r.URL.Query().Get("instrument_key")
		if name == "" || key == "" {
			writeError(w, http.StatusBadRequest, "watchlist and instrument_key are required")
			return
		}
		if err := h.store.Remove(name, key); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
