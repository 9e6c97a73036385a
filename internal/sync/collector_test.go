package sync

import (
	"testing"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

func newTestCollector(t *testing.T, env *testEnv) *Collector {
	t.Helper()
	return NewCollector(env.store, newTestValidator(t))
}

// insertDrifted inserts a row bypassing foreign key enforcement, the way
// drifted local data ends up in the store.
func insertDrifted(t *testing.T, env *testEnv, table models.Table, row models.Row) {
	t.Helper()
	conn := env.store.DB()
	if _, err := conn.Exec("PRAGMA foreign_keys=OFF;"); err != nil {
		t.Fatalf("disable foreign keys: %v", err)
	}
	env.insert(t, table, row)
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
}

// TestCollectPendingOrdersTables verifies pending rows come back as packs
// in dependency order with lookup tables first.
func TestCollectPendingOrdersTables(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)

	env.insert(t, models.TableEntityTypes, entityTypeRow("et-1", "detail", models.StatusPending))
	env.insert(t, models.TableEntities, entityRow("e-1", "et-1", "Shaft", models.StatusPending))

	packs, err := c.CollectPending()
	if err != nil {
		t.Fatalf("CollectPending() error = %v", err)
	}
	if len(packs) != 2 {
		t.Fatalf("len(packs) = %d, want 2", len(packs))
	}
	if packs[0].Table != models.TableEntityTypes || packs[1].Table != models.TableEntities {
		t.Fatalf("pack order = [%s %s], want [entity_types entities]", packs[0].Table, packs[1].Table)
	}
	if len(packs[0].Rows) != 1 || packs[0].Rows[0].ID() != "et-1" {
		t.Errorf("entity_types pack rows = %v, want the et-1 wire row", packs[0].Rows)
	}
}

// TestCollectPendingQuarantinesInvalidRows verifies rows failing schema
// validation are marked error and excluded from the pack.
func TestCollectPendingQuarantinesInvalidRows(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)

	env.insert(t, models.TableEntityTypes, entityTypeRow("et-1", "detail", models.StatusPending))
	insertDrifted(t, env, models.TableEntities, entityRow("e-bad", "", "Broken", models.StatusPending))

	packs, err := c.CollectPending()
	if err != nil {
		t.Fatalf("CollectPending() error = %v", err)
	}
	for _, pack := range packs {
		if pack.Table == models.TableEntities {
			t.Fatalf("entities pack present with rows %v, want invalid row excluded", pack.Rows)
		}
	}
	env.mustStatus(t, models.TableEntities, "e-bad", models.StatusError)
}

// TestCollectPendingGlobalCap verifies the global cap truncates collection
// and leaves the remainder pending for the next cycle.
func TestCollectPendingGlobalCap(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)
	c.globalCap = 2

	env.insert(t, models.TableEntityTypes, entityTypeRow("et-1", "a", models.StatusPending))
	env.insert(t, models.TableEntityTypes, entityTypeRow("et-2", "b", models.StatusPending))
	env.insert(t, models.TableEntityTypes, entityTypeRow("et-3", "c", models.StatusPending))

	packs, err := c.CollectPending()
	if err != nil {
		t.Fatalf("CollectPending() error = %v", err)
	}
	if len(packs) != 1 {
		t.Fatalf("len(packs) = %d, want 1", len(packs))
	}
	if got := len(packs[0].Rows); got != 2 {
		t.Fatalf("collected rows = %d, want 2", got)
	}
	pending, err := env.store.CountByStatus(models.TableEntityTypes, models.StatusPending)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if pending != 3 {
		t.Errorf("pending count = %d, want 3 (collection must not change status)", pending)
	}
}

// TestRecoverErrorRowsWithFixer verifies an error row whose lookup
// reference can be resolved from its metadata is repaired, reset to
// pending and collected again.
func TestRecoverErrorRowsWithFixer(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)

	env.insert(t, models.TableEntityTypes, entityTypeRow("et-1", "detail", models.StatusSynced))
	broken := entityRow("e-1", "", "Shaft", models.StatusError)
	broken["metadata"] = `{"entity_type_code":"detail"}`
	insertDrifted(t, env, models.TableEntities, broken)

	packs, err := c.CollectPending()
	if err != nil {
		t.Fatalf("CollectPending() error = %v", err)
	}
	if len(packs) != 1 || packs[0].Table != models.TableEntities {
		t.Fatalf("packs = %v, want one entities pack", packs)
	}
	if got := packs[0].Rows[0].String("entity_type_id"); got != "et-1" {
		t.Errorf("repaired entity_type_id = %q, want %q", got, "et-1")
	}
	row, err := env.store.RowByID(models.TableEntities, "e-1")
	if err != nil || row == nil {
		t.Fatalf("RowByID() = (%v, %v), want the repaired row", row, err)
	}
	if got := row.String("entity_type_id"); got != "et-1" {
		t.Errorf("stored entity_type_id = %q, want %q", got, "et-1")
	}
}

// TestRecoverErrorRowsWithoutFix verifies unfixable error rows stay in
// error and are not collected.
func TestRecoverErrorRowsWithoutFix(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)

	insertDrifted(t, env, models.TableEntities, entityRow("e-1", "", "Broken", models.StatusError))

	packs, err := c.CollectPending()
	if err != nil {
		t.Fatalf("CollectPending() error = %v", err)
	}
	if len(packs) != 0 {
		t.Fatalf("packs = %v, want none", packs)
	}
	env.mustStatus(t, models.TableEntities, "e-1", models.StatusError)
}

// TestTopUpIncludesPendingParent verifies a dependent's pending lookup
// parent is force-included ahead of it when it was not collected.
func TestTopUpIncludesPendingParent(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)

	env.insert(t, models.TableEntityTypes, entityTypeRow("et-1", "detail", models.StatusPending))
	env.insert(t, models.TableEntities, entityRow("e-1", "et-1", "Shaft", models.StatusPending))

	spec := models.MustSpec(models.TableEntities)
	dependent, err := env.store.RowByID(models.TableEntities, "e-1")
	if err != nil {
		t.Fatalf("RowByID() error = %v", err)
	}
	packs := c.topUpDependencies(
		[]PushPack{{Table: models.TableEntities, Rows: []models.Row{models.ToWire(spec, dependent)}}},
		map[models.Table]map[string]bool{},
		1,
	)

	if len(packs) != 2 {
		t.Fatalf("len(packs) = %d, want 2 (parent plus dependent)", len(packs))
	}
	if packs[0].Table != models.TableEntityTypes || packs[0].Rows[0].ID() != "et-1" {
		t.Errorf("first pack = %s/%v, want forced entity_types parent et-1", packs[0].Table, packs[0].Rows)
	}
	if packs[1].Table != models.TableEntities {
		t.Errorf("second pack table = %s, want entities", packs[1].Table)
	}
}

// TestTopUpDefersDependentWithoutParent verifies a dependent whose parent
// cannot travel is held back rather than pushed alone.
func TestTopUpDefersDependentWithoutParent(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollector(t, env)

	// An empty code keeps the parent unpushable: it fails validation and
	// no fixer exists for entity_types.
	env.insert(t, models.TableEntityTypes, entityTypeRow("et-1", "", models.StatusError))
	env.insert(t, models.TableEntities, entityRow("e-1", "et-1", "Shaft", models.StatusPending))

	packs, err := c.CollectPending()
	if err != nil {
		t.Fatalf("CollectPending() error = %v", err)
	}
	if len(packs) != 0 {
		t.Fatalf("packs = %v, want dependent deferred until its parent recovers", packs)
	}
}
