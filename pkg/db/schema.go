package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as epoch milliseconds so rows read back identically
// regardless of driver time handling.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    quantity REAL NOT NULL,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    pnl REAL NOT NULL,
    pnl_percent REAL DEFAULT 0,
    fees REAL DEFAULT 0,
    exit_reason TEXT NOT NULL,
    opened_at INTEGER NOT NULL,
    closed_at INTEGER NOT NULL,
    hold_seconds INTEGER DEFAULT 0,
    leverage INTEGER DEFAULT 1,
    signal_data TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);

CREATE TABLE IF NOT EXISTS open_positions (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    stop_loss REAL NOT NULL,
    take_profit REAL NOT NULL,
    entry_fee REAL DEFAULT 0,
    leverage INTEGER DEFAULT 1,
    trading_mode TEXT NOT NULL,
    entry_order_id TEXT,
    protective_order_ids TEXT,
    opened_at INTEGER NOT NULL,
    signal_data TEXT
);

CREATE TABLE IF NOT EXISTS risk_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    state TEXT NOT NULL,
    reason TEXT,
    daily_pnl REAL DEFAULT 0,
    day_start INTEGER DEFAULT 0,
    day_start_equity REAL DEFAULT 0,
    equity REAL DEFAULT 0,
    peak_equity REAL DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    total_trades INTEGER DEFAULT 0,
    wins INTEGER DEFAULT 0,
    losses INTEGER DEFAULT 0,
    tripped_at INTEGER DEFAULT 0,
    updated_at INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS performance_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at INTEGER NOT NULL,
    trading_mode TEXT NOT NULL,
    balance REAL,
    equity REAL,
    available_margin REAL,
    open_positions INTEGER,
    daily_pnl REAL,
    drawdown_pct REAL,
    risk_state TEXT,
    total_trades INTEGER,
    win_rate REAL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "trades", "trading_mode", "TEXT NOT NULL DEFAULT 'simulated'"); err != nil {
		return err
	}
	if _, err := d.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_mode ON trades(trading_mode)`); err != nil {
		return fmt.Errorf("create trades mode index: %w", err)
	}
	if err := ensureColumn(d.DB, "open_positions", "high_water", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "open_positions", "low_water", "REAL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
