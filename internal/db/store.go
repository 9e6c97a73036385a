package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// Store provides table-scoped row operations for the sync engine. Table and
// column names are always taken from the closed table enumeration, never
// from caller input, so statements are built by string concatenation.
type Store struct {
	db *DB
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for repair and test setup.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// RowError records a single row that failed to apply during a bulk upsert.
type RowError struct {
	ID  string
	Err error
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanRows(rows *sql.Rows, cols []string) ([]models.Row, error) {
	var out []models.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) selectRows(table models.Table, where string, limit int, args ...any) ([]models.Row, error) {
	spec := models.MustSpec(table)
	cols := spec.AllColumns()
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY updated_at ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows, cols)
}

// RowsByStatus returns up to limit rows with the given sync status,
// ordered by updated_at. limit <= 0 means no limit.
func (s *Store) RowsByStatus(table models.Table, status models.SyncStatus, limit int) ([]models.Row, error) {
	return s.selectRows(table, "sync_status = ?", limit, string(status))
}

// CountByStatus returns the number of rows with the given sync status.
func (s *Store) CountByStatus(table models.Table, status models.SyncStatus) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE sync_status = ?", table)
	if err := s.db.QueryRow(query, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// RowByID returns a single row, or nil when it does not exist.
func (s *Store) RowByID(table models.Table, id string) (models.Row, error) {
	rows, err := s.selectRows(table, "id = ?", 1, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// RowsByIDs returns the rows matching the given ids.
func (s *Store) RowsByIDs(table models.Table, ids []string) ([]models.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.selectRows(table, fmt.Sprintf("id IN (%s)", placeholders(len(ids))), 0, args...)
}

// RowByColumns returns the first row matching the given column values, or
// nil when none matches. Used for logical-key lookups during remapping.
func (s *Store) RowByColumns(table models.Table, match map[string]any) (models.Row, error) {
	spec := models.MustSpec(table)
	var conds []string
	var args []any
	for _, col := range spec.AllColumns() {
		v, ok := match[col]
		if !ok {
			continue
		}
		conds = append(conds, col+" = ?")
		args = append(args, v)
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("no match columns for %s", table)
	}
	rows, err := s.selectRows(table, strings.Join(conds, " AND "), 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// UpsertRows inserts or updates rows by id. The update is a full-column
// overwrite of the supplied columns except id and created_at. Rows failing
// a constraint are skipped and reported so the rest of the batch proceeds.
func (s *Store) UpsertRows(table models.Table, rows []models.Row) (int, []RowError, error) {
	if len(rows) == 0 {
		return 0, nil, nil
	}
	spec := models.MustSpec(table)
	cols := spec.AllColumns()
	var updates []string
	for _, c := range cols {
		if c == "id" || c == "created_at" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(updates, ", "))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to prepare upsert for %s: %w", table, err)
	}
	defer stmt.Close()

	applied := 0
	var failed []RowError
	for _, row := range rows {
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		if _, err := stmt.Exec(args...); err != nil {
			failed = append(failed, RowError{ID: row.ID(), Err: err})
			continue
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit upsert for %s: %w", table, err)
	}
	return applied, failed, nil
}

// SetStatus updates sync_status for the given row ids.
func (s *Store) SetStatus(table models.Table, ids []string, status models.SyncStatus) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE id IN (%s)", table, placeholders(len(ids)))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to set status on %s: %w", table, err)
	}
	return nil
}

// SetStatusAll transitions every row currently in one status to another and
// returns the number of rows changed.
func (s *Store) SetStatusAll(table models.Table, from, to models.SyncStatus) (int64, error) {
	query := fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE sync_status = ?", table)
	res, err := s.db.Exec(query, string(to), string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to transition status on %s: %w", table, err)
	}
	return res.RowsAffected()
}

// MarkAllPending resets every row of a table to pending regardless of its
// current status. Used when a remediation forces lookup rows to re-push.
func (s *Store) MarkAllPending(table models.Table) (int64, error) {
	query := fmt.Sprintf("UPDATE %s SET sync_status = ?", table)
	res, err := s.db.Exec(query, string(models.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s pending: %w", table, err)
	}
	return res.RowsAffected()
}

// SetServerSeq records the server-assigned sequence for the given rows and
// marks them synced in the same statement.
func (s *Store) SetServerSeq(table models.Table, ids []string, seq int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, seq)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE %s SET last_server_seq = ?, sync_status = 'synced' WHERE id IN (%s)",
		table, placeholders(len(ids)))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to set server seq on %s: %w", table, err)
	}
	return nil
}

// DeleteByIDs physically removes rows. Only schema repair and duplicate
// remediation use this; logical deletion during sync is always a tombstone.
func (s *Store) DeleteByIDs(table models.Table, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders(len(ids)))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}
