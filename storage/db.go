// Package storage provides SQLite persistence for watchlists, price alerts
// and the Telegram chat binding. Everything else in the server is in-memory;
// this is the only state that survives a restart besides the token file.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures tables exist.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS watchlists (
    name       TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watchlist_instruments (
    watchlist      TEXT NOT NULL,
    instrument_key TEXT NOT NULL,
    added_at       TEXT NOT NULL,
    PRIMARY KEY (watchlist, instrument_key)
);

CREATE TABLE IF NOT EXISTS alerts (
    id              TEXT PRIMARY KEY,
    instrument_key  TEXT NOT NULL,
    target_price    REAL NOT NULL,
    direction       TEXT NOT NULL CHECK(direction IN ('above','below')),
    triggered       INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    triggered_at    TEXT,
    triggered_price REAL
);
CREATE INDEX IF NOT EXISTS idx_alerts_instrument ON alerts(instrument_key);

CREATE TABLE IF NOT EXISTS telegram_chat (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    chat_id INTEGER NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveWatchlist creates a watchlist if it does not already exist.
func (d *DB) SaveWatchlist(name string, createdAt time.Time) error {
	_, err := d.db.Exec(`INSERT OR IGNORE INTO watchlists (name, created_at) VALUES (?, ?)`,
		name, createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save watchlist: %w", err)
	}
	return nil
}

// DeleteWatchlist removes a watchlist and its instruments.
func (d *DB) DeleteWatchlist(name string) error {
	if _, err := d.db.Exec(`DELETE FROM watchlist_instruments WHERE watchlist = ?`, name); err != nil {
		return fmt.Errorf("delete watchlist instruments: %w", err)
	}
	if _, err := d.db.Exec(`DELETE FROM watchlists WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete watchlist: %w", err)
	}
	return nil
}

// AddInstrument adds an instrument to a watchlist. Adding twice is a no-op.
func (d *DB) AddInstrument(watchlist, instrumentKey string, addedAt time.Time) error {
	_, err := d.db.Exec(`INSERT OR IGNORE INTO watchlist_instruments (watchlist, instrument_key, added_at) VALUES (?,?,?)`,
		watchlist, instrumentKey, addedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add instrument: %w", err)
	}
	return nil
}

// RemoveInstrument removes an instrument from a watchlist.
func (d *DB) RemoveInstrument(watchlist, instrumentKey string) error {
	_, err := d.db.Exec(`DELETE FROM watchlist_instruments WHERE watchlist = ? AND instrument_key = ?`,
		watchlist, instrumentKey)
	if err != nil {
		return fmt.Errorf("remove instrument: %w", err)
	}
	return nil
}

// LoadWatchlists reads every watchlist and its instruments, instruments in
// insertion order.
func (d *DB) LoadWatchlists() (map[string][]string, error) {
	out := make(map[string][]string)

	rows, err := d.db.Query(`SELECT name FROM watchlists`)
	if err != nil {
		return nil, fmt.Errorf("query watchlists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		out[name] = []string{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	irows, err := d.db.Query(`SELECT watchlist, instrument_key FROM watchlist_instruments ORDER BY added_at, instrument_key`)
	if err != nil {
		return nil, fmt.Errorf("query watchlist instruments: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		var watchlist, key string
		if err := irows.Scan(&watchlist, &key); err != nil {
			return nil, fmt.Errorf("scan watchlist instrument: %w", err)
		}
		out[watchlist] = append(out[watchlist], key)
	}
	return out, irows.Err()
}

// AlertRecord is one persisted price alert row.
type AlertRecord struct {
	ID             string
	InstrumentKey  string
	TargetPrice    float64
	Direction      string
	Triggered      bool
	CreatedAt      time.Time
	TriggeredAt    time.Time
	TriggeredPrice float64
}

// LoadAlerts reads all alerts from the database.
func (d *DB) LoadAlerts() ([]*AlertRecord, error) {
	rows, err := d.db.Query(`SELECT id, instrument_key, target_price, direction,
		triggered, created_at, triggered_at, triggered_price FROM alerts`)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*AlertRecord
	for rows.Next() {
		var (
			a           AlertRecord
			triggeredI  int
			createdAtS  string
			triggeredAt sql.NullString
			trigPrice   sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.InstrumentKey, &a.TargetPrice, &a.Direction,
			&triggeredI, &createdAtS, &triggeredAt, &trigPrice); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Triggered = triggeredI != 0
		a.CreatedAt, err = time.Parse(time.RFC3339, createdAtS)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if triggeredAt.Valid {
			a.TriggeredAt, err = time.Parse(time.RFC3339, triggeredAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse triggered_at: %w", err)
			}
		}
		if trigPrice.Valid {
			a.TriggeredPrice = trigPrice.Float64
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveAlert inserts or replaces an alert.
func (d *DB) SaveAlert(a *AlertRecord) error {
	triggered := 0
	if a.Triggered {
		triggered = 1
	}
	var triggeredAt sql.NullString
	if !a.TriggeredAt.IsZero() {
		triggeredAt = sql.NullString{String: a.TriggeredAt.Format(time.RFC3339), Valid: true}
	}
	var trigPrice sql.NullFloat64
	if a.TriggeredPrice != 0 {
		trigPrice = sql.NullFloat64{Float64: a.TriggeredPrice, Valid: true}
	}

	_, err := d.db.Exec(`INSERT OR REPLACE INTO alerts
		(id, instrument_key, target_price, direction, triggered, created_at, triggered_at, triggered_price)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.InstrumentKey, a.TargetPrice, a.Direction,
		triggered, a.CreatedAt.Format(time.RFC3339), triggeredAt, trigPrice)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// DeleteAlert removes an alert by ID.
func (d *DB) DeleteAlert(id string) error {
	_, err := d.db.Exec(`DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return nil
}

// MarkTriggered marks an alert as triggered with the given price and time.
func (d *DB) MarkTriggered(id string, price float64, at time.Time) error {
	_, err := d.db.Exec(`UPDATE alerts SET triggered = 1, triggered_at = ?, triggered_price = ? WHERE id = ?`,
		at.Format(time.RFC3339), price, id)
	if err != nil {
		return fmt.Errorf("mark triggered: %w", err)
	}
	return nil
}

// SaveTelegramChat stores the Telegram chat that receives alert
// notifications. Single row: the server serves one operator.
func (d *DB) SaveTelegramChat(chatID int64) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO telegram_chat (id, chat_id) VALUES (1, ?)`, chatID)
	if err != nil {
		return fmt.Errorf("save telegram chat: %w", err)
	}
	return nil
}

// TelegramChat returns the bound chat ID, or false when none is stored.
func (d *DB) TelegramChat() (int64, bool, error) {
	var chatID int64
	err := d.db.QueryRow(`SELECT chat_id FROM telegram_chat WHERE id = 1`).Scan(&chatID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query telegram chat: %w", err)
	}
	return chatID, true, nil
}

// ClearTelegramChat removes the chat binding.
func (d *DB) ClearTelegramChat() error {
	_, err := d.db.Exec(`DELETE FROM telegram_chat WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear telegram chat: %w", err)
	}
	return nil
}
