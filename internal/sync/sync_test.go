// Package sync test fixtures shared by the collector, push, pull,
// diagnostics and engine tests.
package sync

import (
	"context"
	"testing"

	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

type noSession struct{}

func (noSession) GetSession() (*session.Session, error) { return nil, nil }
func (noSession) Refresh(ctx context.Context, refreshToken string) (string, error) {
	return "", nil
}
func (noSession) ClearSession() error { return nil }

type testEnv struct {
	database *db.DB
	store    *db.Store
	settings *settings.Store
	gateway  *session.Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.InitSchema(database); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return &testEnv{
		database: database,
		store:    db.NewStore(database),
		settings: settings.NewStore(database.DB),
		gateway:  session.NewGateway(noSession{}, nil),
	}
}

func (e *testEnv) insert(t *testing.T, table models.Table, row models.Row) {
	t.Helper()
	n, failed, err := e.store.UpsertRows(table, []models.Row{row})
	if err != nil || n != 1 || len(failed) != 0 {
		t.Fatalf("UpsertRows(%s) = (%d, %d failed, %v), want clean insert", table, n, len(failed), err)
	}
}

func (e *testEnv) mustStatus(t *testing.T, table models.Table, id string, want models.SyncStatus) {
	t.Helper()
	row, err := e.store.RowByID(table, id)
	if err != nil {
		t.Fatalf("RowByID(%s, %s) error = %v", table, id, err)
	}
	if row == nil {
		t.Fatalf("RowByID(%s, %s) = nil, want row", table, id)
	}
	if got := row.Status(); got != want {
		t.Errorf("status of %s/%s = %v, want %v", table, id, got, want)
	}
}

func entityTypeRow(id, code string, status models.SyncStatus) models.Row {
	return models.Row{
		"id": id, "code": code, "name": "Type " + code, "metadata": nil,
		"created_at": int64(1), "updated_at": int64(1),
		"sync_status": string(status),
	}
}

func entityRow(id, typeID, name string, status models.SyncStatus) models.Row {
	return models.Row{
		"id": id, "entity_type_id": typeID, "name": name, "metadata": nil,
		"created_at": int64(1), "updated_at": int64(1),
		"sync_status": string(status),
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return v
}
