package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Valstan/MatricaRMZ-sub000/internal/crypto"
	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	apperrors "github.com/Valstan/MatricaRMZ-sub000/internal/errors"
	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

const (
	// defaultPullPageSize is the change-feed page size requested per call.
	defaultPullPageSize = 500

	// maxPullPages bounds one pull phase regardless of server paging.
	maxPullPages = 200
)

// Applier pages the server change feed and applies each page locally:
// decrypt, remap identifiers onto local equivalents, dedupe, sanity-check
// references, then upsert in dependency order.
type Applier struct {
	store    *db.Store
	settings *settings.Store
	gateway  *session.Gateway
	ring     *crypto.Keyring // nil when field encryption is disabled
	apiBase  string
	clientID string
	pageSize int
}

// NewApplier creates an Applier. ring may be nil.
func NewApplier(store *db.Store, set *settings.Store, gateway *session.Gateway, ring *crypto.Keyring, apiBase, clientID string) *Applier {
	return &Applier{
		store:    store,
		settings: set,
		gateway:  gateway,
		ring:     ring,
		apiBase:  apiBase,
		clientID: clientID,
		pageSize: defaultPullPageSize,
	}
}

// Pull fetches and applies change pages until the server reports no more.
// The cursor is persisted after every applied page, so an interrupted pull
// resumes without reapplying. A cursor that fails to advance while the
// server still reports more pages is a stall and terminates the run.
func (a *Applier) Pull(ctx context.Context) (int, error) {
	total := 0
	for page := 0; page < maxPullPages; page++ {
		since, err := a.settings.GetInt64(settings.KeyServerCursor)
		if err != nil {
			return total, err
		}

		resp, err := a.fetchPage(ctx, since)
		if err != nil {
			return total, err
		}
		if len(resp.Changes) == 0 && !resp.HasMore {
			return total, nil
		}

		applied, err := a.applyPage(resp.Changes)
		if err != nil {
			return total, err
		}
		total += applied

		if resp.ServerCursor <= since {
			if !resp.HasMore {
				return total, nil
			}
			return total, apperrors.New(apperrors.ErrSyncStalled,
				fmt.Sprintf("server cursor stuck at %d with more pages pending", since))
		}
		if err := a.settings.SetInt64(settings.KeyServerCursor, resp.ServerCursor); err != nil {
			return total, err
		}
		if err := a.settings.SetInt64(settings.KeyLastAppliedAt, time.Now().UnixMilli()); err != nil {
			return total, err
		}
		if !resp.HasMore {
			return total, nil
		}
	}
	return total, apperrors.New(apperrors.ErrSyncStalled, "pull page ceiling reached")
}

func (a *Applier) fetchPage(ctx context.Context, since int64) (*changesResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(a.pageSize))
	if a.clientID != "" {
		q.Set("client_id", a.clientID)
	}
	var out changesResponse
	_, err := a.gateway.DoJSON(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    a.apiBase + "/ledger/state/changes?" + q.Encode(),
	}, httpx.Options{
		Attempts:  5,
		Timeout:   180 * time.Second,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}, &out)
	if err != nil {
		if httpErr, ok := err.(*httpx.HTTPError); ok &&
			(httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Wrap(apperrors.ErrAuthRequired, "pull rejected by auth gateway", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to fetch change page", err)
	}
	return &out, nil
}

// applyPage applies one page of changes. The same page applied twice yields
// the same local state.
func (a *Applier) applyPage(changes []Change) (int, error) {
	byTable := make(map[models.Table][]Change)
	for _, ch := range changes {
		if !models.IsTable(string(ch.Table)) {
			logging.Warn("Skipping change for unknown table", map[string]interface{}{
				"table": string(ch.Table),
			})
			continue
		}
		byTable[ch.Table] = append(byTable[ch.Table], ch)
	}

	remap := make(map[string]string)

	// Lookup tables first: incoming rows that match a local row by logical
	// key keep the local identifier, and every later reference follows.
	for _, table := range models.LookupTables() {
		if err := a.remapByLogicalKey(table, byTable[table], remap); err != nil {
			return 0, err
		}
	}

	applied := 0
	for _, table := range models.SyncOrder {
		tableChanges := byTable[table]
		if len(tableChanges) == 0 {
			continue
		}
		spec := models.MustSpec(table)

		rows := make([]models.Row, 0, len(tableChanges))
		for _, ch := range tableChanges {
			row := a.decryptRow(spec, ch.Row.Clone())
			a.remapRow(spec, row, remap)
			local := models.FromWire(spec, row)
			local["last_server_seq"] = ch.ServerSeq
			local["sync_status"] = string(models.StatusSynced)
			rows = append(rows, local)
		}

		// Identifier remapping can make two incoming rows, or an incoming
		// and a local row, the same logical row. Collapse both before the
		// unique constraints do.
		if len(spec.LogicalKey) > 0 && !spec.Lookup {
			if err := a.remapRowsByLogicalKey(spec, rows, remap); err != nil {
				return 0, err
			}
		}
		rows = dedupeRows(table, rows)
		rows, err := a.filterMissingParents(spec, rows, byTable, remap)
		if err != nil {
			return applied, err
		}

		n, rowErrs, err := a.store.UpsertRows(table, rows)
		if err != nil {
			return applied, err
		}
		if len(rowErrs) > 0 {
			ids := make([]string, 0, len(rowErrs))
			for _, re := range rowErrs {
				ids = append(ids, re.ID)
			}
			logging.Warn("Some pulled rows failed to apply", map[string]interface{}{
				"table": string(table), "failed": len(rowErrs), "sample": sampleIDs(ids),
			})
		}
		applied += n
	}
	return applied, nil
}

// decryptRow decrypts tagged fields in place. A field no key in the ring can
// open is kept as-is so a later key rotation can still recover it.
func (a *Applier) decryptRow(spec models.TableSpec, row models.Row) models.Row {
	if a.ring == nil {
		return row
	}
	for _, field := range spec.EncryptedFields {
		value := row.String(field)
		if !crypto.IsEncrypted(value) {
			continue
		}
		plain, ok := a.ring.DecryptField(value)
		if !ok {
			logging.Warn("Field undecryptable with current keyring", map[string]interface{}{
				"table": string(spec.Name), "field": field, "row": row.ID(),
			})
			continue
		}
		row[field] = plain
	}
	return row
}

// remapRow rewrites the row id and every foreign key through the remap
// table.
func (a *Applier) remapRow(spec models.TableSpec, row models.Row, remap map[string]string) {
	if mapped, ok := remap[row.ID()]; ok {
		row["id"] = mapped
	}
	for _, fk := range spec.ForeignKeys {
		ref := row.String(fk.Column)
		if ref == "" {
			continue
		}
		if mapped, ok := remap[ref]; ok {
			row[fk.Column] = mapped
		}
	}
}

// remapByLogicalKey scans incoming lookup rows and records an id remap for
// every row whose logical key already exists locally under a different id.
// Foreign keys inside the logical key are resolved through remaps recorded
// by earlier tables, so attribute_defs sees its entity_type_id already
// translated.
func (a *Applier) remapByLogicalKey(table models.Table, tableChanges []Change, remap map[string]string) error {
	if len(tableChanges) == 0 {
		return nil
	}
	spec := models.MustSpec(table)
	for _, ch := range tableChanges {
		incomingID := ch.Row.ID()
		if incomingID == "" {
			continue
		}
		match := make(map[string]any, len(spec.LogicalKey))
		for _, col := range spec.LogicalKey {
			value := ch.Row.String(col)
			if mapped, ok := remap[value]; ok {
				value = mapped
			}
			match[col] = value
		}
		local, err := a.store.RowByColumns(table, match)
		if err != nil {
			return err
		}
		if local != nil && local.ID() != incomingID {
			remap[incomingID] = local.ID()
		}
	}
	return nil
}

// remapRowsByLogicalKey is the post-remap pass for dependent tables whose
// logical key contains foreign keys: once those point at local parents, a
// row may collide with an existing local row and must adopt its id.
func (a *Applier) remapRowsByLogicalKey(spec models.TableSpec, rows []models.Row, remap map[string]string) error {
	for _, row := range rows {
		match := make(map[string]any, len(spec.LogicalKey))
		for _, col := range spec.LogicalKey {
			match[col] = row[col]
		}
		local, err := a.store.RowByColumns(spec.Name, match)
		if err != nil {
			return err
		}
		if local != nil && local.ID() != row.ID() {
			remap[row.ID()] = local.ID()
			row["id"] = local.ID()
		}
	}
	return nil
}

// dedupeRows collapses duplicate row ids within one page. Higher server
// sequence wins, then newer updated_at; on a full tie the first occurrence
// stands.
func dedupeRows(table models.Table, rows []models.Row) []models.Row {
	if len(rows) < 2 {
		return rows
	}
	winners := make(map[string]int, len(rows))
	out := make([]models.Row, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		id := row.ID()
		idx, seen := winners[id]
		if !seen {
			winners[id] = len(out)
			out = append(out, row)
			continue
		}
		dropped++
		prev := out[idx]
		if row.ServerSeq() > prev.ServerSeq() ||
			(row.ServerSeq() == prev.ServerSeq() && row.UpdatedAt() > prev.UpdatedAt()) {
			out[idx] = row
		}
	}
	if dropped > 0 {
		logging.Debug("Collapsed duplicate rows in page", map[string]interface{}{
			"table": string(table), "dropped": dropped,
		})
	}
	return out
}

// filterMissingParents drops rows whose required references resolve neither
// locally nor within the same page. They are not errors: the parent usually
// arrives on a later page and the row is re-sent with it.
func (a *Applier) filterMissingParents(spec models.TableSpec, rows []models.Row, byTable map[models.Table][]Change, remap map[string]string) ([]models.Row, error) {
	required := spec.RequiredForeignKeys()
	if len(required) == 0 {
		return rows, nil
	}

	inPage := make(map[models.Table]map[string]bool)
	for _, fk := range required {
		if inPage[fk.RefTable] != nil {
			continue
		}
		ids := make(map[string]bool)
		for _, ch := range byTable[fk.RefTable] {
			id := ch.Row.ID()
			if mapped, ok := remap[id]; ok {
				id = mapped
			}
			ids[id] = true
		}
		inPage[fk.RefTable] = ids
	}

	// References not satisfied by the page itself are checked against the
	// local database in one batch per parent table.
	wanted := make(map[models.Table]map[string]bool)
	for _, row := range rows {
		for _, fk := range required {
			ref := row.String(fk.Column)
			if ref == "" || inPage[fk.RefTable][ref] {
				continue
			}
			if wanted[fk.RefTable] == nil {
				wanted[fk.RefTable] = make(map[string]bool)
			}
			wanted[fk.RefTable][ref] = true
		}
	}
	local := make(map[models.Table]map[string]bool, len(wanted))
	for table, refs := range wanted {
		ids := make([]string, 0, len(refs))
		for id := range refs {
			ids = append(ids, id)
		}
		parents, err := a.store.RowsByIDs(table, ids)
		if err != nil {
			return nil, err
		}
		found := make(map[string]bool, len(parents))
		for _, parent := range parents {
			found[parent.ID()] = true
		}
		local[table] = found
	}

	out := rows[:0]
	var droppedIDs []string
	for _, row := range rows {
		ok := true
		for _, fk := range required {
			ref := row.String(fk.Column)
			if ref == "" {
				ok = false
				break
			}
			if !inPage[fk.RefTable][ref] && !local[fk.RefTable][ref] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, row)
		} else {
			droppedIDs = append(droppedIDs, row.ID())
		}
	}
	if len(droppedIDs) > 0 {
		logging.Warn("Deferred rows with unresolved parents", map[string]interface{}{
			"table": string(spec.Name), "count": len(droppedIDs), "sample": sampleIDs(droppedIDs),
		})
	}
	return out, nil
}
