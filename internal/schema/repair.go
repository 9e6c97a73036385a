package schema

import (
	"fmt"
	"strings"

	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// RepairLocalTables resolves local constraint violations so sync cannot
// trip over drifted data: null values in NOT NULL columns, duplicate rows
// under unique constraints, and orphaned foreign keys. With a nil snapshot
// the constraints are taken from local introspection.
func (r *Reconciler) RepairLocalTables(snap *Snapshot) error {
	if snap == nil {
		local, err := r.localSnapshot()
		if err != nil {
			return fmt.Errorf("failed to introspect local schema: %w", err)
		}
		snap = local
	}

	// Repair rewrites and deletes rows out of dependency order; constraint
	// enforcement is suspended until the orphan pass restores consistency.
	conn := r.store.DB()
	if _, err := conn.Exec("PRAGMA foreign_keys=OFF;"); err != nil {
		return err
	}
	defer conn.Exec("PRAGMA foreign_keys=ON;")

	for _, t := range models.SyncOrder {
		ts, ok := snap.Tables[string(t)]
		if !ok {
			continue
		}
		if err := r.repairNulls(t, ts); err != nil {
			return err
		}
		if err := r.repairUniques(t, ts); err != nil {
			return err
		}
	}
	for _, t := range models.SyncOrder {
		ts, ok := snap.Tables[string(t)]
		if !ok {
			continue
		}
		if err := r.repairOrphans(t, ts); err != nil {
			return err
		}
	}
	return nil
}

// repairNulls sets declared defaults on NOT NULL columns that still contain
// nulls, then deletes any rows that remain null.
func (r *Reconciler) repairNulls(t models.Table, ts TableSchema) error {
	conn := r.store.DB()
	for _, col := range ts.Columns {
		if !col.NotNull || col.Name == "id" {
			continue
		}
		if col.Default != nil {
			def := unquoteDefault(*col.Default)
			res, err := conn.Exec(
				fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s IS NULL", t, col.Name, col.Name), def)
			if err != nil {
				return fmt.Errorf("failed to default nulls in %s.%s: %w", t, col.Name, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				logging.Info("Repaired null values with column default", map[string]interface{}{
					"table": string(t), "column": col.Name, "rows": n,
				})
			}
		}
		res, err := conn.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s IS NULL", t, col.Name))
		if err != nil {
			return fmt.Errorf("failed to delete null rows in %s: %w", t, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logging.Warn("Deleted rows with unrepairable nulls", map[string]interface{}{
				"table": string(t), "column": col.Name, "rows": n,
			})
		}
	}
	return nil
}

// repairUniques collapses duplicate groups under each unique constraint.
// Alive rows outrank tombstoned ones; among equally-alive rows the most
// recently updated wins, with the smallest id as the deterministic
// tie-break. Foreign keys elsewhere are rewritten from losers to the
// survivor before the losers are deleted.
func (r *Reconciler) repairUniques(t models.Table, ts TableSchema) error {
	for _, cols := range ts.UniqueConstraints {
		if len(cols) == 0 || (len(cols) == 1 && cols[0] == "id") {
			continue
		}
		groups, err := r.duplicateGroups(t, cols)
		if err != nil {
			return err
		}
		for _, group := range groups {
			survivor := pickSurvivor(group)
			var losers []string
			for _, m := range group {
				if m.id != survivor {
					losers = append(losers, m.id)
				}
			}
			if len(losers) == 0 {
				continue
			}
			if err := r.rewriteReferences(t, losers, survivor); err != nil {
				return err
			}
			if err := r.store.DeleteByIDs(t, losers); err != nil {
				return err
			}
			logging.Info("Collapsed duplicate rows under unique constraint", map[string]interface{}{
				"table": string(t), "columns": strings.Join(cols, ","),
				"survivor": survivor, "removed": len(losers),
			})
		}
	}
	return nil
}

type groupMember struct {
	id        string
	deleted   bool
	updatedAt int64
}

func (r *Reconciler) duplicateGroups(t models.Table, cols []string) ([][]groupMember, error) {
	conn := r.store.DB()
	query := fmt.Sprintf("SELECT id, deleted_at, updated_at, %s FROM %s", strings.Join(cols, ", "), t)
	rows, err := conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for duplicates: %w", t, err)
	}
	defer rows.Close()

	byKey := make(map[string][]groupMember)
	var order []string
	for rows.Next() {
		vals := make([]any, 3+len(cols))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := groupMember{
			id:        asString(vals[0]),
			deleted:   vals[1] != nil,
			updatedAt: asInt64(vals[2]),
		}
		keyParts := make([]string, len(cols))
		for i := range cols {
			keyParts[i] = asString(vals[3+i])
		}
		key := strings.Join(keyParts, "\x1f")
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out [][]groupMember
	for _, key := range order {
		if len(byKey[key]) > 1 {
			out = append(out, byKey[key])
		}
	}
	return out, nil
}

func pickSurvivor(group []groupMember) string {
	best := group[0]
	for _, m := range group[1:] {
		switch {
		case best.deleted && !m.deleted:
			best = m
		case best.deleted == m.deleted && m.updatedAt > best.updatedAt:
			best = m
		case best.deleted == m.deleted && m.updatedAt == best.updatedAt && m.id < best.id:
			best = m
		}
	}
	return best.id
}

// rewriteReferences repoints every foreign key in other tables from the
// loser ids to the survivor, so deleting the losers leaves nothing dangling.
func (r *Reconciler) rewriteReferences(target models.Table, losers []string, survivor string) error {
	conn := r.store.DB()
	marks := strings.TrimSuffix(strings.Repeat("?,", len(losers)), ",")
	for _, ot := range models.SyncOrder {
		for _, fk := range models.MustSpec(ot).ForeignKeys {
			if fk.RefTable != target {
				continue
			}
			args := make([]any, 0, len(losers)+1)
			args = append(args, survivor)
			for _, id := range losers {
				args = append(args, id)
			}
			query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s IN (%s)", ot, fk.Column, fk.Column, marks)
			if _, err := conn.Exec(query, args...); err != nil {
				return fmt.Errorf("failed to rewrite %s.%s: %w", ot, fk.Column, err)
			}
		}
	}
	return nil
}

// repairOrphans deletes rows whose foreign key target no longer exists.
func (r *Reconciler) repairOrphans(t models.Table, ts TableSchema) error {
	conn := r.store.DB()
	for _, fk := range ts.ForeignKeys {
		query := fmt.Sprintf(
			"DELETE FROM %s WHERE %s IS NOT NULL AND %s != '' AND %s NOT IN (SELECT %s FROM %s)",
			t, fk.Column, fk.Column, fk.Column, fk.RefColumn, fk.RefTable)
		res, err := conn.Exec(query)
		if err != nil {
			return fmt.Errorf("failed to delete orphans in %s: %w", t, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logging.Warn("Deleted orphaned rows", map[string]interface{}{
				"table": string(t), "column": fk.Column, "rows": n,
			})
		}
	}
	return nil
}

func unquoteDefault(def string) string {
	if len(def) >= 2 && strings.HasPrefix(def, "'") && strings.HasSuffix(def, "'") {
		return strings.ReplaceAll(def[1:len(def)-1], "''", "'")
	}
	return def
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}
