// Package watchlist manages named instrument groups. The store is the
// in-memory source of truth with SQLite write-through; the handler exposes
// it as a small JSON API.
package watchlist

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marketdeck/marketdeck/storage"
)

// ErrNotFound is returned when a named watchlist does not exist.
var ErrNotFound = errors.New("watchlist not found")

// Store holds watchlists in memory, mirrored to SQLite when a DB is
// attached. Safe for concurrent use.
type Store struct {
	logger *slog.Logger
	db     *storage.DB // optional

	mu    sync.RWMutex
	lists map[string][]string // name -> instrument keys in insertion order
}

// NewStore creates an empty store. db may be nil for memory-only operation.
func NewStore(db *storage.DB, logger *slog.Logger) *Store {
	return &Store{
		logger: logger,
		db:     db,
		lists:  make(map[string][]string),
	}
}

// LoadFromDB populates the store from the database.
func (s *Store) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	lists, err := s.db.LoadWatchlists()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lists = lists
	s.mu.Unlock()
	s.logger.Info("Loaded watchlists", "count", len(lists))
	return nil
}

// Create adds an empty watchlist. Creating an existing one is a no-op.
func (s *Store) Create(name string) error {
	s.mu.Lock()
	if _, ok := s.lists[name]; !ok {
		s.lists[name] = []string{}
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveWatchlist(name, time.Now()); err != nil {
			s.logger.Error("Failed to persist watchlist", "watchlist", name, "error", err)
			return err
		}
	}
	return nil
}

// Delete removes a watchlist and its instruments.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	_, ok := s.lists[name]
	delete(s.lists, name)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if s.db != nil {
		if err := s.db.DeleteWatchlist(name); err != nil {
			s.logger.Error("Failed to delete persisted watchlist", "watchlist", name, "error", err)
			return err
		}
	}
	return nil
}

// Add appends an instrument to a watchlist. Duplicates are ignored.
func (s *Store) Add(name, instrumentKey string) error {
	s.mu.Lock()
	keys, ok := s.lists[name]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	exists := false
	for _, k := range keys {
		if k == instrumentKey {
			exists = true
			break
		}
	}
	if !exists {
		s.lists[name] = append(keys, instrumentKey)
	}
	s.mu.Unlock()

	if !exists && s.db != nil {
		if err := s.db.AddInstrument(name, instrumentKey, time.Now()); err != nil {
			s.logger.Error("Failed to persist instrument", "watchlist", name, "key", instrumentKey, "error", err)
			return err
		}
	}
	return nil
}

// Remove drops an instrument from a watchlist.
func (s *Store) Remove(name, instrumentKey string) error {
	s.mu.Lock()
	keys, ok := s.lists[name]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for i, k := range keys {
		if k == instrumentKey {
			s.lists[name] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.RemoveInstrument(name, instrumentKey); err != nil {
			s.logger.Error("Failed to remove persisted instrument", "watchlist", name, "key", instrumentKey, "error", err)
			return err
		}
	}
	return nil
}

// Get returns a copy of a watchlist's instruments.
func (s *Store) Get(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.lists[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), keys...), true
}

// All returns copies of every watchlist.
func (s *Store) All() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.lists))
	for name, keys := range s.lists {
		out[name] = append([]string(nil), keys...)
	}
	return out
}

// Names returns the watchlist names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.lists))
	for name := range s.lists {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
