package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	serial          TEXT PRIMARY KEY,
	model           TEXT NOT NULL DEFAULT '',
	android_version TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'connected',
	last_seen       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	device_serial TEXT NOT NULL REFERENCES devices(serial) ON DELETE CASCADE,
	local_port    INTEGER NOT NULL UNIQUE,
	remote_port   INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'stopped',
	current_ip    TEXT,
	last_check    DATETIME,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_connections_device ON connections(device_serial);
`

// OpenDatabase opens (creating if needed) the SQLite database at path and
// applies the schema. Foreign keys are enforced on the connection.
func OpenDatabase(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer keeps row updates from interleaving inside SQLite.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.WithField("path", path).Info("Database initialized successfully")
	return db, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
