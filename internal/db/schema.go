package db

import (
	"fmt"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// syncColumns is the bookkeeping column block shared by every syncable table.
const syncColumns = `
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER,
	last_server_seq INTEGER,
	sync_status TEXT NOT NULL DEFAULT 'pending'`

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS entity_types (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	metadata TEXT,` + syncColumns + `,
	UNIQUE (code)
	)`,
	`CREATE TABLE IF NOT EXISTS attribute_defs (
	id TEXT PRIMARY KEY,
	entity_type_id TEXT NOT NULL REFERENCES entity_types(id),
	code TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'text',
	metadata TEXT,` + syncColumns + `,
	UNIQUE (entity_type_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	entity_type_id TEXT NOT NULL REFERENCES entity_types(id),
	name TEXT NOT NULL DEFAULT '',
	metadata TEXT,` + syncColumns + `
	)`,
	`CREATE TABLE IF NOT EXISTS attribute_values (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL REFERENCES entities(id),
	attribute_def_id TEXT NOT NULL REFERENCES attribute_defs(id),
	value TEXT,
	payload TEXT,` + syncColumns + `,
	UNIQUE (entity_id, attribute_def_id)
	)`,
	`CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL REFERENCES entities(id),
	kind TEXT NOT NULL DEFAULT '',
	performed_by TEXT,
	payload TEXT,` + syncColumns + `
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	actor_id TEXT,
	action TEXT NOT NULL DEFAULT '',
	entity_id TEXT REFERENCES entities(id),
	payload TEXT,` + syncColumns + `
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	metadata TEXT,` + syncColumns + `
	)`,
	`CREATE TABLE IF NOT EXISTS chat_reads (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES chat_messages(id),
	user_id TEXT NOT NULL DEFAULT '',` + syncColumns + `,
	UNIQUE (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	author_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body TEXT,
	metadata TEXT,` + syncColumns + `
	)`,
	`CREATE TABLE IF NOT EXISTS note_shares (
	id TEXT PRIMARY KEY,
	note_id TEXT NOT NULL REFERENCES notes(id),
	recipient_id TEXT NOT NULL DEFAULT '',` + syncColumns + `,
	UNIQUE (note_id, recipient_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_presence (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	last_seen_at INTEGER,
	metadata TEXT,` + syncColumns + `,
	UNIQUE (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_blocks (
	height INTEGER PRIMARY KEY,
	hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attribute_values_entity ON attribute_values(entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_id)`,
}

// InitSchema creates all local tables if they do not exist.
func InitSchema(db *DB) error {
	for _, stmt := range createStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DropSchema removes all local tables, syncable and bookkeeping alike.
func DropSchema(db *DB) error {
	// Drop dependents before parents so FK constraints never block the drop.
	for i := len(models.SyncOrder) - 1; i >= 0; i-- {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", models.SyncOrder[i])); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", models.SyncOrder[i], err)
		}
	}
	for _, t := range []string{"settings", "ledger_blocks"} {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", t)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", t, err)
		}
	}
	return nil
}
