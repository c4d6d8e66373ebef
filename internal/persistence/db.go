package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

var migrateStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		node_num INTEGER PRIMARY KEY,
		node_id TEXT NOT NULL,
		long_name TEXT NOT NULL DEFAULT '',
		short_name TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		altitude INTEGER,
		battery_level INTEGER,
		voltage REAL,
		channel_util REAL,
		air_util_tx REAL,
		snr REAL,
		last_heard_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_key TEXT NOT NULL,
		from_num INTEGER NOT NULL,
		to_num INTEGER NOT NULL,
		direction INTEGER NOT NULL,
		body TEXT NOT NULL,
		id_hex TEXT NOT NULL DEFAULT '',
		via INTEGER NOT NULL,
		at INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
		ON messages(from_num, id_hex, body) WHERE id_hex <> '';`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_at ON messages(chat_key, at);`,
}

func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
