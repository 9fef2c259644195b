package backtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// dateLayout is the request date format.
const dateLayout = "2006-01-02"

// Handler exposes backtests over a JSON API.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a backtest API handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers the backtest API on the mux, wrapped with the
// given middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("/api/backtest", wrap(http.HandlerFunc(h.handleRun)))
	mux.Handle("/api/backtest/strategies", wrap(http.HandlerFunc(h.handleStrategies)))
}

func (h *Handler) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"strategies": h.service.Strategies()})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		InstrumentKey string `json:"instrument_key"`
		Strategy      string `json:"strategy"`
		Params        Params `json:"params"`
		StartDate     string `json:"start_date"`
		EndDate       string `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstrumentKey == "" || req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "instrument_key and strategy are required")
		return
	}

	from, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	to, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "end_date must be after start_date")
		return
	}

	result, err := h.service.Run(r.Context(), req.InstrumentKey, req.Strategy, req.Params, from, to)
	if err != nil {
		h.logger.Warn("Backtest failed", "instrument", req.InstrumentKey, "strategy", req.Strategy, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
