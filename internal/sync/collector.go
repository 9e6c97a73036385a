package sync

import (
	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// GlobalPushCap bounds the total number of rows collected per cycle, so a
// single push request stays within what the server will process in one
// call. When the cap is hit remaining tables are skipped whole; the next
// cycle picks them up.
const GlobalPushCap = 1000

// maxLoggedSampleIDs bounds how many offending row ids one log line carries.
const maxLoggedSampleIDs = 5

// Collector scans local tables for rows awaiting upload.
type Collector struct {
	store     *db.Store
	validator *Validator
	globalCap int
}

// NewCollector creates a Collector.
func NewCollector(store *db.Store, validator *Validator) *Collector {
	return &Collector{store: store, validator: validator, globalCap: GlobalPushCap}
}

// CollectPending returns the push packs for this cycle: a recovery pass
// over error rows first, then per-table collection in dependency order
// under per-table and global caps, then a dependency top-up so every
// included dependent's pending parent lookup row travels with it.
func (c *Collector) CollectPending() ([]PushPack, error) {
	if err := c.recoverErrorRows(); err != nil {
		return nil, err
	}

	collected := 0
	var packs []PushPack
	included := make(map[models.Table]map[string]bool)

	for _, t := range models.SyncOrder {
		if collected >= c.globalCap {
			logging.Info("Global push cap reached, skipping remaining tables",
				map[string]interface{}{"table": string(t), "cap": c.globalCap})
			break
		}
		spec := models.MustSpec(t)
		cap := spec.PushCap
		if remaining := c.globalCap - collected; cap > remaining {
			cap = remaining
		}

		rows, err := c.store.RowsByStatus(t, models.StatusPending, cap)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}

		var wireRows []models.Row
		var invalidIDs []string
		for _, row := range rows {
			wire := models.ToWire(spec, row)
			if err := c.validator.Validate(t, wire); err != nil {
				invalidIDs = append(invalidIDs, row.ID())
				continue
			}
			wireRows = append(wireRows, wire)
		}
		if len(invalidIDs) > 0 {
			if err := c.store.SetStatus(t, invalidIDs, models.StatusError); err != nil {
				return nil, err
			}
			logging.Warn("Marked invalid pending rows as error", map[string]interface{}{
				"table": string(t), "count": len(invalidIDs), "sample": sampleIDs(invalidIDs),
			})
		}
		if len(wireRows) == 0 {
			continue
		}

		packs = append(packs, PushPack{Table: t, Rows: wireRows})
		ids := make(map[string]bool, len(wireRows))
		for _, w := range wireRows {
			ids[w.ID()] = true
		}
		included[t] = ids
		collected += len(wireRows)
	}

	return c.topUpDependencies(packs, included, collected), nil
}

// recoverErrorRows re-validates rows previously marked error, applying a
// table-specific fixer when one exists; rows that validate again are reset
// to pending so the collection pass can pick them up.
func (c *Collector) recoverErrorRows() error {
	for _, t := range models.SyncOrder {
		spec := models.MustSpec(t)
		rows, err := c.store.RowsByStatus(t, models.StatusError, 0)
		if err != nil {
			return err
		}
		var recovered []string
		for _, row := range rows {
			if c.validator.Validate(t, models.ToWire(spec, row)) == nil {
				recovered = append(recovered, row.ID())
				continue
			}
			fixer, ok := rowFixers[t]
			if !ok {
				continue
			}
			fixed, changed := fixer(c.store, row)
			if !changed {
				continue
			}
			if c.validator.Validate(t, models.ToWire(spec, fixed)) != nil {
				continue
			}
			if _, _, err := c.store.UpsertRows(t, []models.Row{fixed}); err != nil {
				return err
			}
			recovered = append(recovered, row.ID())
		}
		if len(recovered) > 0 {
			if err := c.store.SetStatus(t, recovered, models.StatusPending); err != nil {
				return err
			}
			logging.Info("Recovered error rows for retry", map[string]interface{}{
				"table": string(t), "count": len(recovered),
			})
		}
	}
	return nil
}

// topUpDependencies force-includes pending parent lookup rows for every
// included dependent, so the server can resolve references by logical key
// even when local and server identifiers differ. Dependents whose pending
// parent cannot travel (capacity exhausted, or parent unpushable) are
// deferred to a later cycle rather than failed.
func (c *Collector) topUpDependencies(packs []PushPack, included map[models.Table]map[string]bool, collected int) []PushPack {
	extras := make(map[models.Table][]models.Row)
	rowsByTable := make(map[models.Table][]models.Row, len(packs))

	for _, pack := range packs {
		spec := models.MustSpec(pack.Table)
		for _, row := range pack.Rows {
			ok := true
			for _, fk := range spec.RequiredForeignKeys() {
				if !models.MustSpec(fk.RefTable).Lookup {
					continue
				}
				parentID := row.String(fk.Column)
				if parentID == "" || (included[fk.RefTable] != nil && included[fk.RefTable][parentID]) {
					continue
				}
				wire, include := c.parentWireRow(fk.RefTable, parentID, collected)
				if !include {
					ok = false
					break
				}
				if wire != nil {
					extras[fk.RefTable] = append(extras[fk.RefTable], wire)
					if included[fk.RefTable] == nil {
						included[fk.RefTable] = make(map[string]bool)
					}
					included[fk.RefTable][parentID] = true
					collected++
				}
			}
			if ok {
				rowsByTable[pack.Table] = append(rowsByTable[pack.Table], row)
			}
		}
	}

	// Rebuild in dependency order so forced parents precede dependents.
	var out []PushPack
	for _, t := range models.SyncOrder {
		rows := append(extras[t], rowsByTable[t]...)
		if len(rows) > 0 {
			out = append(out, PushPack{Table: t, Rows: rows})
		}
	}
	return out
}

// parentWireRow decides how an excluded parent affects its dependent:
// a synced parent needs no inclusion (nil, true); a valid pending parent is
// force-included while capacity remains (row, true); anything else defers
// the dependent (nil, false).
func (c *Collector) parentWireRow(table models.Table, id string, collected int) (models.Row, bool) {
	parent, err := c.store.RowByID(table, id)
	if err != nil || parent == nil {
		return nil, false
	}
	if parent.Status() == models.StatusSynced {
		return nil, true
	}
	if parent.Status() != models.StatusPending || collected >= c.globalCap {
		return nil, false
	}
	wire := models.ToWire(models.MustSpec(table), parent)
	if c.validator.Validate(table, wire) != nil {
		return nil, false
	}
	return wire, true
}

func sampleIDs(ids []string) []string {
	if len(ids) <= maxLoggedSampleIDs {
		return ids
	}
	return ids[:maxLoggedSampleIDs]
}
