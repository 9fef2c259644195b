// Package metrics keeps lightweight in-process counters for the ops
// dashboard and the admin endpoint. Not a time series store: totals since
// boot plus per-day buckets that are pruned as they age out.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	dailyRetention  = 30 * 24 * time.Hour
	cleanupInterval = 6 * time.Hour
)

// Config holds configuration for a metrics Manager.
type Config struct {
	ServiceName string
	AutoCleanup bool // prune old daily buckets in the background
}

// Manager aggregates counters. Safe for concurrent use.
type Manager struct {
	serviceName string
	startTime   time.Time

	mu       sync.RWMutex
	counters map[string]int64
	daily    map[string]map[string]int64 // day (2006-01-02) -> key -> count

	cancel context.CancelFunc
}

// New creates a metrics manager.
func New(cfg Config) *Manager {
	m := &Manager{
		serviceName: cfg.ServiceName,
		startTime:   time.Now(),
		counters:    make(map[string]int64),
		daily:       make(map[string]map[string]int64),
	}
	if cfg.AutoCleanup {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.cleanupLoop(ctx)
	}
	return m
}

// Increment adds 1 to a counter.
func (m *Manager) Increment(key string) {
	m.Add(key, 1)
}

// Add adds n to a counter.
func (m *Manager) Add(key string, n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[key] += n
	m.mu.Unlock()
}

// IncrementDaily adds 1 to today's bucket for a counter.
func (m *Manager) IncrementDaily(key string) {
	if m == nil {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	m.mu.Lock()
	if m.daily[day] == nil {
		m.daily[day] = make(map[string]int64)
	}
	m.daily[day][key]++
	m.mu.Unlock()
}

// Get returns a counter's current value.
func (m *Manager) Get(key string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[key]
}

// Snapshot is the serialized view served to the admin endpoint.
type Snapshot struct {
	Service  string                      `json:"service"`
	Uptime   string                      `json:"uptime"`
	Counters map[string]int64            `json:"counters"`
	Daily    map[string]map[string]int64 `json:"daily"`
}

// Snapshot returns a copy of all counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	daily := make(map[string]map[string]int64, len(m.daily))
	for day, bucket := range m.daily {
		cp := make(map[string]int64, len(bucket))
		for k, v := range bucket {
			cp[k] = v
		}
		daily[day] = cp
	}
	return Snapshot{
		Service:  m.serviceName,
		Uptime:   time.Since(m.startTime).Round(time.Second).String(),
		Counters: counters,
		Daily:    daily,
	}
}

// AdminHTTPHandler serves the snapshot as JSON.
func (m *Manager) AdminHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	}
}

// Shutdown stops the cleanup routine if one is running.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pruneDaily()
		}
	}
}

// pruneDaily drops day buckets older than the retention window.
func (m *Manager) pruneDaily() {
	cutoff := time.Now().UTC().Add(-dailyRetention).Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for day := range m.daily {
		if day < cutoff {
			stale = append(stale, day)
		}
	}
	sort.Strings(stale)
	for _, day := range stale {
		delete(m.daily, day)
	}
}
