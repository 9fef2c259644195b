// Package alerts implements price alerts: crossing targets evaluated
// against the live tick stream, with optional Telegram delivery.
package alerts

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketdeck/marketdeck/storage"
)

// Direction specifies the alert trigger direction.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"

	// MaxAlerts caps the number of stored alerts.
	MaxAlerts = 100
)

// Alert represents a price alert on one instrument.
type Alert struct {
	ID             string    `json:"id"`
	InstrumentKey  string    `json:"instrument_key"`
	TargetPrice    float64   `json:"target_price"`
	Direction      Direction `json:"direction"`
	Triggered      bool      `json:"triggered"`
	CreatedAt      time.Time `json:"created_at"`
	TriggeredAt    time.Time `json:"triggered_at,omitempty"`
	TriggeredPrice float64   `json:"triggered_price,omitempty"`
}

// NotifyCallback is invoked once when an alert fires.
type NotifyCallback func(alert *Alert, currentPrice float64)

// Store is a thread-safe in-memory store for price alerts, optionally
// backed by SQLite for persistence.
type Store struct {
	logger   *slog.Logger
	db       *storage.DB // optional
	onNotify NotifyCallback

	mu     sync.RWMutex
	alerts map[string]*Alert // by id
}

// NewStore creates an alert store. db may be nil for memory-only operation.
func NewStore(db *storage.DB, logger *slog.Logger) *Store {
	return &Store{
		logger: logger,
		db:     db,
		alerts: make(map[string]*Alert),
	}
}

// SetNotify registers the callback fired when an alert triggers.
func (s *Store) SetNotify(cb NotifyCallback) {
	s.mu.Lock()
	s.onNotify = cb
	s.mu.Unlock()
}

// LoadFromDB populates the in-memory store from the database.
func (s *Store) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	records, err := s.db.LoadAlerts()
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.alerts[rec.ID] = &Alert{
			ID:             rec.ID,
			InstrumentKey:  rec.InstrumentKey,
			TargetPrice:    rec.TargetPrice,
			Direction:      Direction(rec.Direction),
			Triggered:      rec.Triggered,
			CreatedAt:      rec.CreatedAt,
			TriggeredAt:    rec.TriggeredAt,
			TriggeredPrice: rec.TriggeredPrice,
		}
	}
	s.logger.Info("Loaded alerts", "count", len(records))
	return nil
}

// Add creates a new alert and returns its ID.
func (s *Store) Add(instrumentKey string, targetPrice float64, direction Direction) (string, error) {
	if instrumentKey == "" {
		return "", fmt.Errorf("instrument key is required")
	}
	if targetPrice <= 0 {
		return "", fmt.Errorf("target price must be positive")
	}
	if direction != DirectionAbove && direction != DirectionBelow {
		return "", fmt.Errorf("direction must be %q or %q", DirectionAbove, DirectionBelow)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.alerts) >= MaxAlerts {
		return "", fmt.Errorf("maximum number of alerts (%d) reached", MaxAlerts)
	}

	alert := &Alert{
		ID:            uuid.New().String()[:8],
		InstrumentKey: instrumentKey,
		TargetPrice:   targetPrice,
		Direction:     direction,
		CreatedAt:     time.Now(),
	}
	s.alerts[alert.ID] = alert

	if s.db != nil {
		if err := s.db.SaveAlert(s.record(alert)); err != nil {
			s.logger.Error("Failed to persist alert", "id", alert.ID, "error", err)
		}
	}
	return alert.ID, nil
}

// Delete removes an alert by ID.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[id]; !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	delete(s.alerts, id)

	if s.db != nil {
		if err := s.db.DeleteAlert(id); err != nil {
			s.logger.Error("Failed to delete persisted alert", "id", id, "error", err)
		}
	}
	return nil
}

// List returns copies of all alerts, newest first.
func (s *Store) List() []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveByInstrument returns copies of the untriggered alerts for one
// instrument.
func (s *Store) ActiveByInstrument(instrumentKey string) []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Alert
	for _, a := range s.alerts {
		if a.InstrumentKey == instrumentKey && !a.Triggered {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveInstruments returns the distinct instrument keys that still have
// untriggered alerts, sorted. This is the set the evaluator needs streamed.
func (s *Store) ActiveInstruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, a := range s.alerts {
		if !a.Triggered {
			seen[a.InstrumentKey] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// MarkTriggered transitions an alert to triggered exactly once. Returns
// false if the alert is unknown or already triggered.
func (s *Store) MarkTriggered(id string, price float64) bool {
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok || a.Triggered {
		s.mu.Unlock()
		return false
	}
	a.Triggered = true
	a.TriggeredAt = time.Now()
	a.TriggeredPrice = price
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.MarkTriggered(id, price, time.Now()); err != nil {
			s.logger.Error("Failed to persist trigger", "id", id, "error", err)
		}
	}
	return true
}

// notify invokes the registered callback, if any.
func (s *Store) notify(alert *Alert, price float64) {
	s.mu.RLock()
	cb := s.onNotify
	s.mu.RUnlock()
	if cb != nil {
		cb(alert, price)
	}
}

func (s *Store) record(a *Alert) *storage.AlertRecord {
	return &storage.AlertRecord{
		ID:             a.ID,
		InstrumentKey:  a.InstrumentKey,
		TargetPrice:    a.TargetPrice,
		Direction:      string(a.Direction),
		Triggered:      a.Triggered,
		CreatedAt:      a.CreatedAt,
		TriggeredAt:    a.TriggeredAt,
		TriggeredPrice: a.TriggeredPrice,
	}
}
