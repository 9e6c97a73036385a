// Package schema fetches the server's authoritative schema snapshot and
// repairs local constraint violations before any sync attempt.
package schema

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

// SnapshotTTL bounds how often the schema snapshot is re-fetched.
const SnapshotTTL = 6 * time.Hour

// Snapshot is the server's authoritative description of the syncable schema.
type Snapshot struct {
	GeneratedAt int64                  `json:"generated_at"`
	Tables      map[string]TableSchema `json:"tables"`
}

// TableSchema describes one table's structural constraints.
type TableSchema struct {
	Columns           []ColumnSchema     `json:"columns"`
	ForeignKeys       []ForeignKeySchema `json:"foreign_keys"`
	UniqueConstraints [][]string         `json:"unique_constraints"`
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name    string  `json:"name"`
	NotNull bool    `json:"not_null"`
	Default *string `json:"default,omitempty"`
}

// ForeignKeySchema describes one declared foreign key.
type ForeignKeySchema struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Reconciler fetches, caches and applies the schema snapshot.
type Reconciler struct {
	store    *db.Store
	settings *settings.Store
	gateway  *session.Gateway
	apiBase  string
	ttl      time.Duration
	now      func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(store *db.Store, set *settings.Store, gateway *session.Gateway, apiBase string) *Reconciler {
	return &Reconciler{
		store:    store,
		settings: set,
		gateway:  gateway,
		apiBase:  apiBase,
		ttl:      SnapshotTTL,
		now:      time.Now,
	}
}

type schemaResponse struct {
	OK     bool      `json:"ok"`
	Schema *Snapshot `json:"schema"`
}

// FetchSnapshot returns the cached snapshot when it is younger than the
// TTL, otherwise requests a fresh one. Any fetch failure falls back to the
// cache (or nil), with the reason logged; schema fetch problems never block
// a sync cycle on their own.
func (r *Reconciler) FetchSnapshot(ctx context.Context) *Snapshot {
	cached, fetchedAt := r.cachedSnapshot()
	if cached != nil && r.now().Sub(time.UnixMilli(fetchedAt)) < r.ttl {
		return cached
	}

	var out schemaResponse
	_, err := r.gateway.DoJSON(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    r.apiBase + "/diagnostics/sync-schema",
	}, httpx.Options{
		Attempts:  2,
		Timeout:   15 * time.Second,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}, &out)
	if err != nil || !out.OK || out.Schema == nil {
		reason := "server returned no schema"
		if err != nil {
			reason = err.Error()
		}
		logging.Warn("Schema snapshot fetch failed, falling back to cache",
			map[string]interface{}{"reason": reason, "cached": cached != nil})
		return cached
	}

	r.cacheSnapshot(out.Schema)
	return out.Schema
}

func (r *Reconciler) cachedSnapshot() (*Snapshot, int64) {
	raw, err := r.settings.GetString(settings.KeySchemaSnapshot)
	if err != nil || raw == "" {
		return nil, 0
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		logging.Warn("Cached schema snapshot is corrupt, discarding",
			map[string]interface{}{"error": err.Error()})
		return nil, 0
	}
	fetchedAt, err := r.settings.GetInt64(settings.KeySchemaFetchedAt)
	if err != nil {
		return &snap, 0
	}
	return &snap, fetchedAt
}

func (r *Reconciler) cacheSnapshot(snap *Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := r.settings.SetString(settings.KeySchemaSnapshot, string(raw)); err != nil {
		logging.Warn("Failed to cache schema snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	_ = r.settings.SetInt64(settings.KeySchemaFetchedAt, r.now().UnixMilli())
}

// localSnapshot builds a snapshot-equivalent structure from local
// introspection, used when no server snapshot is available.
func (r *Reconciler) localSnapshot() (*Snapshot, error) {
	snap := &Snapshot{
		GeneratedAt: r.now().UnixMilli(),
		Tables:      make(map[string]TableSchema),
	}
	for _, t := range models.SyncOrder {
		cols, err := r.store.Columns(t)
		if err != nil {
			return nil, err
		}
		fks, err := r.store.ForeignKeys(t)
		if err != nil {
			return nil, err
		}
		uniques, err := r.store.UniqueIndexes(t)
		if err != nil {
			return nil, err
		}

		var ts TableSchema
		for _, c := range cols {
			col := ColumnSchema{Name: c.Name, NotNull: c.NotNull}
			if c.Default.Valid {
				d := c.Default.String
				col.Default = &d
			}
			ts.Columns = append(ts.Columns, col)
		}
		for _, fk := range fks {
			ts.ForeignKeys = append(ts.ForeignKeys, ForeignKeySchema{
				Column: fk.Column, RefTable: fk.RefTable, RefColumn: fk.RefColumn,
			})
		}
		for _, u := range uniques {
			ts.UniqueConstraints = append(ts.UniqueConstraints, u.Columns)
		}
		snap.Tables[string(t)] = ts
	}
	return snap, nil
}
