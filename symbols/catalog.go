// Package symbols holds the instrument master: the mapping between
// instrument keys ("NSE:SBIN"), provider numeric tokens, and display
// metadata, plus the search the add-instrument UI is built on.
package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// Symbol is one tradable instrument.
type Symbol struct {
	Key            string  `json:"key"` // "EXCHANGE:TRADINGSYMBOL"
	Token          uint32  `json:"token"`
	Exchange       string  `json:"exchange"`
	Tradingsymbol  string  `json:"tradingsymbol"`
	Name           string  `json:"name"`
	Segment        string  `json:"segment"`
	InstrumentType string  `json:"instrument_type"`
	TickSize       float64 `json:"tick_size"`
	LotSize        int     `json:"lot_size"`
}

// Loader fetches the full instrument dump from the provider.
type Loader func(ctx context.Context) ([]Symbol, error)

// Catalog is the in-memory instrument master. Lookups are cheap map reads;
// Replace swaps the whole dataset atomically under the write lock.
type Catalog struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byKey    map[string]Symbol
	byToken  map[uint32]string
	ordered  []Symbol // sorted by key, backs Search
	loadedAt time.Time
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		logger:  logger,
		byKey:   make(map[string]Symbol),
		byToken: make(map[uint32]string),
	}
}

// Replace swaps in a fresh instrument dump.
func (c *Catalog) Replace(symbols []Symbol) {
	byKey := make(map[string]Symbol, len(symbols))
	byToken := make(map[uint32]string, len(symbols))
	ordered := make([]Symbol, 0, len(symbols))
	for _, s := range symbols {
		if s.Key == "" {
			continue
		}
		byKey[s.Key] = s
		if s.Token != 0 {
			byToken[s.Token] = s.Key
		}
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	c.mu.Lock()
	c.byKey = byKey
	c.byToken = byToken
	c.ordered = ordered
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("Instrument catalog replaced", "instruments", len(ordered))
}

// Refresh loads the dump through the loader and replaces the catalog.
func (c *Catalog) Refresh(ctx context.Context, load Loader) error {
	symbols, err := load(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	c.Replace(symbols)
	return nil
}

// RefreshEvery refreshes the catalog on a fixed interval until ctx is
// cancelled. A failed refresh keeps the previous dataset.
func (c *Catalog) RefreshEvery(ctx context.Context, interval time.Duration, load Loader) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx, load); err != nil {
				c.logger.Warn("Scheduled instrument refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Get looks up a symbol by its key.
func (c *Catalog) Get(key string) (Symbol, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byKey[key]
	return s, ok
}

// Token resolves an instrument key to the provider's numeric token. This is
// what the streaming adapter uses to translate subscribe requests.
func (c *Catalog) Token(key string) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byKey[key]
	if !ok || s.Token == 0 {
		return 0, false
	}
	return s.Token, true
}

// KeyForToken resolves a numeric token back to its instrument key.
func (c *Catalog) KeyForToken(token uint32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byToken[token]
	return key, ok
}

// Count returns the number of loaded instruments.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ordered)
}

// LoadedAt returns when the current dataset was installed.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Search returns up to limit symbols matching the query, case-insensitive.
// Key prefix matches rank before tradingsymbol matches, which rank before
// company-name substring matches.
func (c *Catalog) Search(query string, limit int) []Symbol {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var keyPrefix, symbolMatch, nameMatch []Symbol
	for _, s := range c.ordered {
		switch {
		case strings.HasPrefix(s.Key, q) || strings.HasPrefix(s.Tradingsymbol, q):
			keyPrefix = append(keyPrefix, s)
		case strings.Contains(s.Tradingsymbol, q):
			symbolMatch = append(symbolMatch, s)
		case strings.Contains(strings.ToUpper(s.Name), q):
			nameMatch = append(nameMatch, s)
		}
		if len(keyPrefix) >= limit {
			break
		}
	}

	out := keyPrefix
	for _, extra := range [][]Symbol{symbolMatch, nameMatch} {
		for _, s := range extra {
			if len(out) >= limit {
				return out
			}
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// KiteLoader builds a Loader over the Kite Connect full-market instrument
// dump.
func KiteLoader(client *kiteconnect.Client) Loader {
	return func(ctx context.Context) ([]Symbol, error) {
		dump, err := client.GetInstruments()
		if err != nil {
			return nil, fmt.Errorf("kite instruments: %w", err)
		}
		out := make([]Symbol, 0, len(dump))
		for _, in := range dump {
			out = append(out, Symbol{
				Key:            in.Exchange + ":" + in.Tradingsymbol,
				Token:          uint32(in.InstrumentToken),
				Exchange:       in.Exchange,
				Tradingsymbol:  in.Tradingsymbol,
				Name:           in.Name,
				Segment:        in.Segment,
				InstrumentType: in.InstrumentType,
				TickSize:       in.TickSize,
				LotSize:        int(in.LotSize),
			})
		}
		return out, nil
	}
}
