// Package settings persists engine key/value state in the settings table.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Keys consumed and produced by the sync engine.
const (
	KeyServerCursor    = "sync.server_cursor"
	KeyLastSyncAt      = "sync.last_sync_at"
	KeyLastAppliedAt   = "sync.last_applied_at"
	KeySchemaSnapshot  = "sync.schema_snapshot"
	KeySchemaFetchedAt = "sync.schema_fetched_at"
	KeyLastReportAt    = "sync.last_report_at"
	KeyLastFullPullMs  = "sync.last_full_pull_ms"
	KeyAccessToken     = "session.access_token"
	KeyRefreshToken    = "session.refresh_token"
	KeyUserID          = "session.user_id"
	KeyClientID        = "client.id"
)

// Store reads and writes the settings key/value table.
type Store struct {
	db *sql.DB
}

// NewStore creates a settings store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetString returns the value for a key, or "" when the key is absent.
func (s *Store) GetString(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return v, nil
}

// SetString stores a value for a key.
func (s *Store) SetString(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// GetInt64 returns the value for a key parsed as int64, 0 when absent.
func (s *Store) GetInt64(key string) (int64, error) {
	v, err := s.GetString(key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return n, nil
}

// SetInt64 stores an int64 value for a key.
func (s *Store) SetInt64(key string, value int64) error {
	return s.SetString(key, strconv.FormatInt(value, 10))
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
