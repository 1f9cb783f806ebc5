// Package db opens the SQLite database behind the sqlite mailbox driver.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens the SQLite database at dbPath and runs schema migrations.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// busy_timeout lets concurrent commits from many sessions wait on the
	// single writer lock instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailbox (
		key BLOB PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	) WITHOUT ROWID;

	CREATE INDEX IF NOT EXISTS idx_mailbox_expires_at ON mailbox(expires_at) WHERE expires_at > 0;
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// NewTestDB creates a fresh database file under dir for tests.
func NewTestDB(dir string) (*sql.DB, error) {
	return OpenSQLite(filepath.Join(dir, "mailbox.db"))
}
