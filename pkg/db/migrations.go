package db

import (
	"context"
	"fmt"
)

// migration is a single schema step. Migrations run once, in slice
// order, and are recorded in schema_migrations by id.
type migration struct {
	id  string
	sql string
}

// migrations is the static registry. Ids are timestamp-prefixed so the
// ordering is self-evident; never reorder or edit an applied entry,
// append a new one instead.
var migrations = []migration{
	{
		id: "202502100900_base_schema",
		sql: `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    venue TEXT NOT NULL,
    market TEXT NOT NULL DEFAULT 'SPOT',
    name TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    extra_encrypted TEXT DEFAULT '',
    key_version INTEGER DEFAULT 1,
    is_testnet BOOLEAN DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS strategies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT DEFAULT '',
    webhook_token TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id),
    UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    weight TEXT NOT NULL DEFAULT '1',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_id, account_id),
    FOREIGN KEY(strategy_id) REFERENCES strategies(id),
    FOREIGN KEY(account_id) REFERENCES exchange_accounts(id)
);

CREATE TABLE IF NOT EXISTS open_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    exchange_order_id TEXT NOT NULL,
    client_order_id TEXT DEFAULT '',
    venue TEXT NOT NULL,
    market TEXT NOT NULL DEFAULT 'SPOT',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    status TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT DEFAULT '0',
    stop_price TEXT DEFAULT '0',
    filled_qty TEXT DEFAULT '0',
    avg_fill_price TEXT DEFAULT '0',
    last_execution_time INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(venue, exchange_order_id)
);
CREATE INDEX IF NOT EXISTS idx_open_orders_status ON open_orders(status);
CREATE INDEX IF NOT EXISTS idx_open_orders_strategy ON open_orders(strategy_id);

CREATE TABLE IF NOT EXISTS trade_executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    strategy_id INTEGER NOT NULL,
    exchange_order_id TEXT NOT NULL,
    exchange_trade_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT NOT NULL,
    commission TEXT DEFAULT '0',
    commission_asset TEXT DEFAULT '',
    is_maker BOOLEAN DEFAULT 0,
    executed_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(venue, exchange_trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trade_executions_order ON trade_executions(exchange_order_id);

CREATE TABLE IF NOT EXISTS strategy_positions (
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    qty TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    realized_pnl TEXT NOT NULL DEFAULT '0',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_id, account_id, symbol)
);

CREATE TABLE IF NOT EXISTS strategy_capital (
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    allocated TEXT NOT NULL DEFAULT '0',
    available TEXT NOT NULL DEFAULT '0',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_id, account_id)
);

CREATE TABLE IF NOT EXISTS failed_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    venue TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT DEFAULT '0',
    error_kind TEXT NOT NULL,
    reason TEXT NOT NULL,
    payload TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_failed_orders_strategy ON failed_orders(strategy_id);

CREATE TABLE IF NOT EXISTS cancel_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    attempts INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'QUEUED',
    next_attempt_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    last_error TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(order_id)
);

CREATE TABLE IF NOT EXISTS securities_tokens (
    account_id INTEGER PRIMARY KEY,
    access_token TEXT NOT NULL,
    issued_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS performance_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    name TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    success BOOLEAN DEFAULT 1,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		id: "202502181130_webhook_log",
		sql: `
CREATE TABLE IF NOT EXISTS webhook_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id INTEGER NOT NULL,
    payload TEXT NOT NULL,
    accounts_total INTEGER DEFAULT 0,
    accounts_failed INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		id: "202503061015_stream_tracking",
		sql: `
CREATE TABLE IF NOT EXISTS tracking_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    venue TEXT NOT NULL,
    connected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    disconnected_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tracking_sessions_account ON tracking_sessions(account_id);

CREATE TABLE IF NOT EXISTS tracking_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER DEFAULT 0,
    account_id INTEGER NOT NULL,
    event TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tracking_logs_account ON tracking_logs(account_id);
`,
	},
	{
		id: "202508221400_capital_realized_pnl",
		sql: `
ALTER TABLE strategy_capital ADD COLUMN realized_pnl TEXT NOT NULL DEFAULT '0';
`,
	},
	{
		id: "202508221405_binding_active_flag",
		sql: `
ALTER TABLE strategy_accounts ADD COLUMN is_active BOOLEAN DEFAULT 1;
`,
	},
}

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func (d *Database) ApplyMigrations(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}

	if _, err := d.DB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := d.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE id = ?`, m.id).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.id, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := d.DB.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.id, err)
		}
		if _, err := d.DB.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES (?)`, m.id); err != nil {
			return fmt.Errorf("record migration %s: %w", m.id, err)
		}
	}
	return nil
}
