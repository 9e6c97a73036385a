// Package db provides the local SQLite store for the sync engine.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with client-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the local SQLite database with:
// - WAL mode for concurrent reads alongside the UI
// - foreign key constraints enabled
// - a single writer connection (SQLite does not support multiple writers)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "matricarmz.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// OpenMemory opens an in-memory database with the same pragmas, for tests.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Rebuild drops and recreates the local storage. Callers invoke this when
// the schema reconciler signals that local structure cannot be repaired;
// the user must re-authenticate afterwards because all local state is gone.
func (db *DB) Rebuild() error {
	if err := DropSchema(db); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	if err := InitSchema(db); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}
	return nil
}
