package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	apperrors "github.com/Valstan/MatricaRMZ-sub000/internal/errors"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

// pageServer serves canned change pages keyed by the since cursor.
func pageServer(t *testing.T, pages map[int64]changesResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		if err != nil {
			t.Errorf("bad since parameter: %v", err)
		}
		page, ok := pages[since]
		if !ok {
			page = changesResponse{ServerCursor: since}
		}
		json.NewEncoder(w).Encode(page)
	}))
}

func newTestApplier(t *testing.T, env *testEnv, apiBase string) *Applier {
	t.Helper()
	return NewApplier(env.store, env.settings, env.gateway, nil, apiBase, "client-1")
}

func wireEntityType(id, code, name string) models.Row {
	return models.Row{"id": id, "code": code, "name": name, "created_at": int64(1), "updated_at": int64(1)}
}

func wireEntity(id, typeID, name string) models.Row {
	return models.Row{"id": id, "entity_type_id": typeID, "name": name, "created_at": int64(1), "updated_at": int64(1)}
}

func wireAttributeDef(id, typeID, code string) models.Row {
	return models.Row{"id": id, "entity_type_id": typeID, "code": code, "name": code, "kind": "text",
		"created_at": int64(1), "updated_at": int64(1)}
}

func wireAttributeValue(id, entityID, defID, value string) models.Row {
	return models.Row{"id": id, "entity_id": entityID, "attribute_def_id": defID, "value": value,
		"created_at": int64(1), "updated_at": int64(1)}
}

// TestPullAppliesPageAndAdvancesCursor verifies pulled rows land synced
// with their server sequence recorded and the cursor persisted.
func TestPullAppliesPageAndAdvancesCursor(t *testing.T) {
	server := pageServer(t, map[int64]changesResponse{
		0: {
			Changes: []Change{
				{Table: models.TableEntityTypes, Row: wireEntityType("et-1", "detail", "Detail"), ServerSeq: 7},
			},
			ServerCursor: 7,
		},
	})
	defer server.Close()

	env := newTestEnv(t)
	a := newTestApplier(t, env, server.URL)

	pulled, err := a.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if pulled != 1 {
		t.Fatalf("Pull() = %d, want 1", pulled)
	}

	row, err := env.store.RowByID(models.TableEntityTypes, "et-1")
	if err != nil || row == nil {
		t.Fatalf("RowByID() = (%v, %v), want the pulled row", row, err)
	}
	if row.Status() != models.StatusSynced {
		t.Errorf("status = %v, want %v", row.Status(), models.StatusSynced)
	}
	if row.ServerSeq() != 7 {
		t.Errorf("last_server_seq = %d, want 7", row.ServerSeq())
	}
	cursor, _ := env.settings.GetInt64(settings.KeyServerCursor)
	if cursor != 7 {
		t.Errorf("server cursor = %d, want 7", cursor)
	}
}

// TestPullRemapsLookupIdentifiers verifies incoming rows whose logical key
// matches a local row adopt the local identifier, transitively through
// dependent lookup tables and down to plain dependents.
func TestPullRemapsLookupIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.TableEntityTypes, entityTypeRow("L-et", "detail", models.StatusSynced))
	def := models.Row{
		"id": "L-def", "entity_type_id": "L-et", "code": "weight", "name": "Weight", "kind": "text",
		"created_at": int64(1), "updated_at": int64(1), "sync_status": string(models.StatusSynced),
	}
	env.insert(t, models.TableAttributeDefs, def)

	server := pageServer(t, map[int64]changesResponse{
		0: {
			Changes: []Change{
				{Table: models.TableEntityTypes, Row: wireEntityType("S-et", "detail", "Detail v2"), ServerSeq: 1},
				{Table: models.TableAttributeDefs, Row: wireAttributeDef("S-def", "S-et", "weight"), ServerSeq: 2},
				{Table: models.TableEntities, Row: wireEntity("S-ent", "S-et", "Shaft"), ServerSeq: 3},
				{Table: models.TableAttributeValues, Row: wireAttributeValue("S-val", "S-ent", "S-def", "10"), ServerSeq: 4},
			},
			ServerCursor: 4,
		},
	})
	defer server.Close()

	a := newTestApplier(t, env, server.URL)
	pulled, err := a.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if pulled != 4 {
		t.Fatalf("Pull() = %d, want 4", pulled)
	}

	// Server-side ids for the lookup rows must not exist locally.
	for _, probe := range []struct {
		table models.Table
		id    string
	}{
		{models.TableEntityTypes, "S-et"},
		{models.TableAttributeDefs, "S-def"},
	} {
		if row, _ := env.store.RowByID(probe.table, probe.id); row != nil {
			t.Errorf("%s row %s exists, want remapped onto local id", probe.table, probe.id)
		}
	}

	et, _ := env.store.RowByID(models.TableEntityTypes, "L-et")
	if et == nil || et.String("name") != "Detail v2" {
		t.Errorf("local lookup row not updated through remap: %v", et)
	}
	entity, _ := env.store.RowByID(models.TableEntities, "S-ent")
	if entity == nil || entity.String("entity_type_id") != "L-et" {
		t.Errorf("entity foreign key = %v, want remapped to L-et", entity)
	}
	val, _ := env.store.RowByID(models.TableAttributeValues, "S-val")
	if val == nil || val.String("attribute_def_id") != "L-def" {
		t.Errorf("attribute value foreign key = %v, want remapped to L-def", val)
	}
}

// TestPullRemapsDependentByLogicalKey verifies a dependent row whose
// remapped foreign keys collide with an existing local row adopts that
// row's id instead of violating the unique constraint.
func TestPullRemapsDependentByLogicalKey(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.TableEntityTypes, entityTypeRow("L-et", "detail", models.StatusSynced))
	env.insert(t, models.TableAttributeDefs, models.Row{
		"id": "L-def", "entity_type_id": "L-et", "code": "weight", "name": "Weight", "kind": "text",
		"created_at": int64(1), "updated_at": int64(1), "sync_status": string(models.StatusSynced),
	})
	env.insert(t, models.TableEntities, entityRow("L-ent", "L-et", "Shaft", models.StatusSynced))
	env.insert(t, models.TableAttributeValues, models.Row{
		"id": "L-val", "entity_id": "L-ent", "attribute_def_id": "L-def", "value": "5", "payload": nil,
		"created_at": int64(1), "updated_at": int64(1), "sync_status": string(models.StatusSynced),
	})

	server := pageServer(t, map[int64]changesResponse{
		0: {
			Changes: []Change{
				{Table: models.TableEntityTypes, Row: wireEntityType("S-et", "detail", "Detail"), ServerSeq: 8},
				{Table: models.TableAttributeDefs, Row: wireAttributeDef("S-def", "S-et", "weight"), ServerSeq: 8},
				{Table: models.TableAttributeValues, Row: wireAttributeValue("S-val", "L-ent", "S-def", "10"), ServerSeq: 9},
			},
			ServerCursor: 9,
		},
	})
	defer server.Close()

	a := newTestApplier(t, env, server.URL)
	if _, err := a.Pull(context.Background()); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if row, _ := env.store.RowByID(models.TableAttributeValues, "S-val"); row != nil {
		t.Errorf("attribute value kept server id S-val, want local id adopted")
	}
	local, _ := env.store.RowByID(models.TableAttributeValues, "L-val")
	if local == nil {
		t.Fatalf("local attribute value L-val missing")
	}
	if got := local.String("value"); got != "10" {
		t.Errorf("value = %q, want %q", got, "10")
	}
	if got := local.ServerSeq(); got != 9 {
		t.Errorf("last_server_seq = %d, want 9", got)
	}
}

// TestPullDedupesWithinPage verifies duplicate ids within one page collapse
// to the highest server sequence, with updated_at and first occurrence as
// tie-breaks.
func TestPullDedupesWithinPage(t *testing.T) {
	// The higher-sequence row carries an older updated_at on purpose: the
	// sequence must dominate the timestamp.
	highSeq := wireEntityType("et-1", "detail", "Newer")
	highSeq["updated_at"] = int64(5)
	lowSeq := wireEntityType("et-1", "detail", "Older")
	lowSeq["updated_at"] = int64(9)

	tieA := wireEntityType("et-2", "other", "First")
	tieB := wireEntityType("et-2", "other", "Second")

	server := pageServer(t, map[int64]changesResponse{
		0: {
			Changes: []Change{
				{Table: models.TableEntityTypes, Row: lowSeq, ServerSeq: 3},
				{Table: models.TableEntityTypes, Row: highSeq, ServerSeq: 6},
				{Table: models.TableEntityTypes, Row: tieA, ServerSeq: 7},
				{Table: models.TableEntityTypes, Row: tieB, ServerSeq: 7},
			},
			ServerCursor: 7,
		},
	})
	defer server.Close()

	env := newTestEnv(t)
	a := newTestApplier(t, env, server.URL)
	pulled, err := a.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if pulled != 2 {
		t.Fatalf("Pull() = %d, want 2 after dedupe", pulled)
	}

	row, _ := env.store.RowByID(models.TableEntityTypes, "et-1")
	if row == nil || row.String("name") != "Newer" {
		t.Errorf("et-1 = %v, want the higher-sequence row to win", row)
	}
	tie, _ := env.store.RowByID(models.TableEntityTypes, "et-2")
	if tie == nil || tie.String("name") != "First" {
		t.Errorf("et-2 = %v, want first occurrence to stand on a full tie", tie)
	}
}

// TestPullDefersRowsWithMissingParents verifies rows whose required parent
// resolves neither in the page nor locally are skipped without error.
func TestPullDefersRowsWithMissingParents(t *testing.T) {
	server := pageServer(t, map[int64]changesResponse{
		0: {
			Changes: []Change{
				{Table: models.TableEntities, Row: wireEntity("e-1", "ghost", "Orphan"), ServerSeq: 5},
			},
			ServerCursor: 5,
		},
	})
	defer server.Close()

	env := newTestEnv(t)
	a := newTestApplier(t, env, server.URL)
	pulled, err := a.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if pulled != 0 {
		t.Fatalf("Pull() = %d, want 0", pulled)
	}
	if row, _ := env.store.RowByID(models.TableEntities, "e-1"); row != nil {
		t.Errorf("orphan row applied, want deferred")
	}
	cursor, _ := env.settings.GetInt64(settings.KeyServerCursor)
	if cursor != 5 {
		t.Errorf("server cursor = %d, want 5 (deferral must not block the cursor)", cursor)
	}
}

// TestPullPagesAndResumes verifies multi-page pulls persist the cursor per
// page and a later run resumes from the stored cursor.
func TestPullPagesAndResumes(t *testing.T) {
	server := pageServer(t, map[int64]changesResponse{
		0: {
			Changes: []Change{
				{Table: models.TableEntityTypes, Row: wireEntityType("et-1", "a", "A"), ServerSeq: 10},
			},
			ServerCursor: 10,
			HasMore:      true,
		},
		10: {
			Changes: []Change{
				{Table: models.TableEntityTypes, Row: wireEntityType("et-2", "b", "B"), ServerSeq: 20},
			},
			ServerCursor: 20,
		},
	})
	defer server.Close()

	env := newTestEnv(t)
	a := newTestApplier(t, env, server.URL)

	pulled, err := a.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if pulled != 2 {
		t.Fatalf("Pull() = %d, want 2", pulled)
	}
	cursor, _ := env.settings.GetInt64(settings.KeyServerCursor)
	if cursor != 20 {
		t.Fatalf("server cursor = %d, want 20", cursor)
	}

	// A second run starts at 20 and finds nothing new.
	pulled, err = a.Pull(context.Background())
	if err != nil {
		t.Fatalf("second Pull() error = %v", err)
	}
	if pulled != 0 {
		t.Errorf("second Pull() = %d, want 0", pulled)
	}
}

// TestPullStallsOnStuckCursor verifies a server claiming more pages while
// the cursor does not advance terminates with a stall instead of looping.
func TestPullStallsOnStuckCursor(t *testing.T) {
	server := pageServer(t, map[int64]changesResponse{
		0: {ServerCursor: 0, HasMore: true},
	})
	defer server.Close()

	env := newTestEnv(t)
	a := newTestApplier(t, env, server.URL)

	_, err := a.Pull(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncStalled) {
		t.Fatalf("Pull() error = %v, want %v", err, apperrors.ErrSyncStalled)
	}
}

// TestPullAuthFailure verifies an authorization rejection on the feed maps
// to an auth-required error.
func TestPullAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	env := newTestEnv(t)
	a := newTestApplier(t, env, server.URL)

	_, err := a.Pull(context.Background())
	if !apperrors.Is(err, apperrors.ErrAuthRequired) {
		t.Fatalf("Pull() error = %v, want %v", err, apperrors.ErrAuthRequired)
	}
}

// TestApplyPageIsIdempotent verifies reapplying the same page leaves the
// store unchanged.
func TestApplyPageIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := newTestApplier(t, env, "http://unused")

	page := []Change{
		{Table: models.TableEntityTypes, Row: wireEntityType("et-1", "detail", "Detail"), ServerSeq: 3},
		{Table: models.TableEntities, Row: wireEntity("e-1", "et-1", "Shaft"), ServerSeq: 4},
	}
	for i := 0; i < 2; i++ {
		if _, err := a.applyPage(page); err != nil {
			t.Fatalf("applyPage() pass %d error = %v", i+1, err)
		}
	}

	for _, probe := range []struct {
		table models.Table
		id    string
	}{
		{models.TableEntityTypes, "et-1"},
		{models.TableEntities, "e-1"},
	} {
		row, err := env.store.RowByID(probe.table, probe.id)
		if err != nil || row == nil {
			t.Fatalf("RowByID(%s) = (%v, %v), want the row", probe.table, row, err)
		}
		if row.Status() != models.StatusSynced {
			t.Errorf("%s status = %v, want %v", probe.id, row.Status(), models.StatusSynced)
		}
	}
	count, err := env.store.CountByStatus(models.TableEntityTypes, models.StatusSynced)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if count != 1 {
		t.Errorf("entity_types synced rows = %d, want 1", count)
	}
}
