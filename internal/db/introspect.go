package db

import (
	"database/sql"
	"fmt"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// ColumnInfo describes one column as reported by PRAGMA table_info.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	Default    sql.NullString
	PrimaryKey bool
}

// ForeignKeyInfo describes one declared foreign key.
type ForeignKeyInfo struct {
	Column    string
	RefTable  string
	RefColumn string
}

// UniqueIndexInfo describes one unique index and its column list.
type UniqueIndexInfo struct {
	Name    string
	Columns []string
}

// Columns lists the columns of a local table.
func (s *Store) Columns(table models.Table) ([]ColumnInfo, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var cid int
		var notNull, pk int
		var c ColumnInfo
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &c.Default, &pk); err != nil {
			return nil, err
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// ForeignKeys lists the declared foreign keys of a local table.
func (s *Store) ForeignKeys(table models.Table) ([]ForeignKeyInfo, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var out []ForeignKeyInfo
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		refColumn := "id"
		if to.Valid && to.String != "" {
			refColumn = to.String
		}
		out = append(out, ForeignKeyInfo{Column: from, RefTable: refTable, RefColumn: refColumn})
	}
	return out, rows.Err()
}

// UniqueIndexes lists the unique indexes of a local table, including the
// implicit indexes SQLite creates for UNIQUE constraints. The primary key
// index is excluded.
func (s *Store) UniqueIndexes(table models.Table) ([]UniqueIndexInfo, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA index_list(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect indexes of %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, err
		}
		if unique == 0 || origin == "pk" {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []UniqueIndexInfo
	for _, name := range names {
		cols, err := s.indexColumns(name)
		if err != nil {
			return nil, err
		}
		out = append(out, UniqueIndexInfo{Name: name, Columns: cols})
	}
	return out, nil
}

func (s *Store) indexColumns(index string) ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA index_info(%s)", index))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}
