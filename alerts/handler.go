package alerts

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler exposes alerts over a small JSON API.
type Handler struct {
	store    *Store
	notifier *TelegramNotifier // may be nil
	logger   *slog.Logger
}

// NewHandler creates an alerts API handler.
func NewHandler(store *Store, notifier *TelegramNotifier, logger *slog.Logger) *Handler {
	return &Handler{store: store, notifier: notifier, logger: logger}
}

// RegisterRoutes registers the alerts API on the mux, wrapped with the
// given middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("/api/alerts", wrap(http.HandlerFunc(h.handleAlerts)))
	mux.Handle("/api/alerts/telegram", wrap(http.HandlerFunc(h.handleTelegramBind)))
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.List())

	case http.MethodPost:
		var req struct {
			InstrumentKey string  `json:"instrument_key"`
			TargetPrice   float64 `json:"target_price"`
			Direction     string  `json:"direction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id, err := h.store.Add(req.InstrumentKey, req.TargetPrice, Direction(req.Direction))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := h.store.Delete(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleTelegramBind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if err := h.notifier.Bind(req.ChatID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": req.ChatID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
