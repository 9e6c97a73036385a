// Package db tests for the local store.
package db

import (
	"testing"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := InitSchema(database); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return NewStore(database)
}

func entityTypeRow(id, code string) models.Row {
	return models.Row{
		"id":          id,
		"code":        code,
		"name":        "Type " + code,
		"metadata":    nil,
		"created_at":  int64(1),
		"updated_at":  int64(1),
		"sync_status": string(models.StatusPending),
	}
}

// TestUpsertInsertAndUpdate verifies a row inserts, then updates in place
// without touching created_at.
func TestUpsertInsertAndUpdate(t *testing.T) {
	store := newTestStore(t)

	row := entityTypeRow("et-1", "detail")
	n, failed, err := store.UpsertRows(models.TableEntityTypes, []models.Row{row})
	if err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}
	if n != 1 || len(failed) != 0 {
		t.Fatalf("UpsertRows() = (%d, %d failed), want (1, 0)", n, len(failed))
	}

	update := row.Clone()
	update["name"] = "Renamed"
	update["created_at"] = int64(999)
	update["updated_at"] = int64(2)
	if _, _, err := store.UpsertRows(models.TableEntityTypes, []models.Row{update}); err != nil {
		t.Fatalf("UpsertRows() update error = %v", err)
	}

	got, err := store.RowByID(models.TableEntityTypes, "et-1")
	if err != nil {
		t.Fatalf("RowByID() error = %v", err)
	}
	if got.String("name") != "Renamed" {
		t.Errorf("name = %q, want Renamed", got.String("name"))
	}
	if got.Int64("created_at") != 1 {
		t.Errorf("created_at = %d, want 1 (update must not overwrite it)", got.Int64("created_at"))
	}
	if got.UpdatedAt() != 2 {
		t.Errorf("updated_at = %d, want 2", got.UpdatedAt())
	}
}

// TestUpsertSkipsConstraintFailures verifies one bad row does not sink the
// batch: it is reported and the rest applies.
func TestUpsertSkipsConstraintFailures(t *testing.T) {
	store := newTestStore(t)

	good := entityTypeRow("et-1", "detail")
	dupCode := entityTypeRow("et-2", "detail") // violates UNIQUE(code)
	other := entityTypeRow("et-3", "assembly")

	n, failed, err := store.UpsertRows(models.TableEntityTypes, []models.Row{good, dupCode, other})
	if err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}
	if n != 2 {
		t.Errorf("applied = %d, want 2", n)
	}
	if len(failed) != 1 || failed[0].ID != "et-2" {
		t.Fatalf("failed = %v, want one entry for et-2", failed)
	}

	if row, _ := store.RowByID(models.TableEntityTypes, "et-3"); row == nil {
		t.Error("et-3 missing, rows after the failure should still apply")
	}
}

// TestRowsByStatus verifies status filtering and the limit.
func TestRowsByStatus(t *testing.T) {
	store := newTestStore(t)

	rows := []models.Row{
		entityTypeRow("et-1", "a"),
		entityTypeRow("et-2", "b"),
		entityTypeRow("et-3", "c"),
	}
	rows[2]["sync_status"] = string(models.StatusSynced)
	if _, _, err := store.UpsertRows(models.TableEntityTypes, rows); err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}

	pending, err := store.RowsByStatus(models.TableEntityTypes, models.StatusPending, 0)
	if err != nil {
		t.Fatalf("RowsByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("len(pending) = %d, want 2", len(pending))
	}

	limited, err := store.RowsByStatus(models.TableEntityTypes, models.StatusPending, 1)
	if err != nil {
		t.Fatalf("RowsByStatus() error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}

	count, err := store.CountByStatus(models.TableEntityTypes, models.StatusSynced)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountByStatus(synced) = %d, want 1", count)
	}
}

// TestRowByColumns verifies logical-key lookup.
func TestRowByColumns(t *testing.T) {
	store := newTestStore(t)
	if _, _, err := store.UpsertRows(models.TableEntityTypes, []models.Row{entityTypeRow("et-1", "detail")}); err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}

	got, err := store.RowByColumns(models.TableEntityTypes, map[string]any{"code": "detail"})
	if err != nil {
		t.Fatalf("RowByColumns() error = %v", err)
	}
	if got == nil || got.ID() != "et-1" {
		t.Errorf("RowByColumns() = %v, want row et-1", got)
	}

	missing, err := store.RowByColumns(models.TableEntityTypes, map[string]any{"code": "nope"})
	if err != nil {
		t.Fatalf("RowByColumns() error = %v", err)
	}
	if missing != nil {
		t.Errorf("RowByColumns(absent) = %v, want nil", missing)
	}
}

// TestStatusTransitions verifies SetStatus, SetStatusAll, MarkAllPending
// and SetServerSeq.
func TestStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	rows := []models.Row{entityTypeRow("et-1", "a"), entityTypeRow("et-2", "b")}
	if _, _, err := store.UpsertRows(models.TableEntityTypes, rows); err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}

	if err := store.SetStatus(models.TableEntityTypes, []string{"et-1"}, models.StatusError); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	row, _ := store.RowByID(models.TableEntityTypes, "et-1")
	if row.Status() != models.StatusError {
		t.Errorf("status = %v, want error", row.Status())
	}

	n, err := store.SetStatusAll(models.TableEntityTypes, models.StatusError, models.StatusPending)
	if err != nil {
		t.Fatalf("SetStatusAll() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SetStatusAll() = %d, want 1", n)
	}

	if err := store.SetServerSeq(models.TableEntityTypes, []string{"et-1", "et-2"}, 42); err != nil {
		t.Fatalf("SetServerSeq() error = %v", err)
	}
	row, _ = store.RowByID(models.TableEntityTypes, "et-2")
	if row.ServerSeq() != 42 {
		t.Errorf("last_server_seq = %d, want 42", row.ServerSeq())
	}
	if row.Status() != models.StatusSynced {
		t.Errorf("status after ack = %v, want synced", row.Status())
	}

	if _, err := store.SetStatusAll(models.TableEntityTypes, models.StatusSynced, models.StatusSynced); err != nil {
		t.Fatalf("SetStatusAll() error = %v", err)
	}
	n, err = store.MarkAllPending(models.TableEntityTypes)
	if err != nil {
		t.Fatalf("MarkAllPending() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkAllPending() = %d, want 2", n)
	}
}

// TestDeleteByIDs verifies physical deletion.
func TestDeleteByIDs(t *testing.T) {
	store := newTestStore(t)
	if _, _, err := store.UpsertRows(models.TableEntityTypes, []models.Row{entityTypeRow("et-1", "a")}); err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}
	if err := store.DeleteByIDs(models.TableEntityTypes, []string{"et-1"}); err != nil {
		t.Fatalf("DeleteByIDs() error = %v", err)
	}
	row, err := store.RowByID(models.TableEntityTypes, "et-1")
	if err != nil {
		t.Fatalf("RowByID() error = %v", err)
	}
	if row != nil {
		t.Errorf("row = %v, want nil after delete", row)
	}
}

// TestIntrospection verifies PRAGMA-backed schema introspection sees the
// declared columns, foreign keys and unique indexes.
func TestIntrospection(t *testing.T) {
	store := newTestStore(t)

	cols, err := store.Columns(models.TableAttributeDefs)
	if err != nil {
		t.Fatalf("Columns() error = %v", err)
	}
	byName := make(map[string]bool, len(cols))
	for _, c := range cols {
		byName[c.Name] = true
	}
	for _, want := range []string{"id", "entity_type_id", "code", "sync_status"} {
		if !byName[want] {
			t.Errorf("Columns() missing %s", want)
		}
	}

	fks, err := store.ForeignKeys(models.TableAttributeDefs)
	if err != nil {
		t.Fatalf("ForeignKeys() error = %v", err)
	}
	if len(fks) != 1 || fks[0].RefTable != string(models.TableEntityTypes) {
		t.Errorf("ForeignKeys() = %v, want one key to entity_types", fks)
	}

	uniques, err := store.UniqueIndexes(models.TableAttributeDefs)
	if err != nil {
		t.Fatalf("UniqueIndexes() error = %v", err)
	}
	if len(uniques) != 1 {
		t.Fatalf("len(UniqueIndexes()) = %d, want 1", len(uniques))
	}
	if len(uniques[0].Columns) != 2 {
		t.Errorf("unique columns = %v, want (entity_type_id, code)", uniques[0].Columns)
	}
}

// TestRebuildResetsStorage verifies Rebuild leaves empty tables behind.
func TestRebuildResetsStorage(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer database.Close()
	if err := InitSchema(database); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	store := NewStore(database)
	if _, _, err := store.UpsertRows(models.TableEntityTypes, []models.Row{entityTypeRow("et-1", "a")}); err != nil {
		t.Fatalf("UpsertRows() error = %v", err)
	}

	if err := database.Rebuild(); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	count, err := store.CountByStatus(models.TableEntityTypes, models.StatusPending)
	if err != nil {
		t.Fatalf("CountByStatus() after rebuild error = %v", err)
	}
	if count != 0 {
		t.Errorf("count after rebuild = %d, want 0", count)
	}
}
