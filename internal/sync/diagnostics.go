package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

// defaultReportInterval spaces out consistency reports; a sync run inside
// the window skips reporting entirely.
const defaultReportInterval = time.Hour

// TableReport is the per-table consistency summary sent to the server.
type TableReport struct {
	Table        models.Table     `json:"table"`
	RowCount     int64            `json:"row_count"`
	MaxUpdatedAt int64            `json:"max_updated_at"`
	Checksum     string           `json:"checksum"`
	PendingCount int              `json:"pending_count"`
	ErrorCount   int              `json:"error_count"`
	Samples      []RowSample      `json:"samples,omitempty"`
	Categories   []CategoryReport `json:"categories,omitempty"`
}

// CategoryReport breaks one table down by its lookup parent, so the server
// can localize drift to a category instead of a whole table.
type CategoryReport struct {
	Category     string      `json:"category"`
	Label        string      `json:"label,omitempty"`
	RowCount     int64       `json:"row_count"`
	MaxUpdatedAt int64       `json:"max_updated_at"`
	PendingCount int         `json:"pending_count"`
	ErrorCount   int         `json:"error_count"`
	Samples      []RowSample `json:"samples,omitempty"`
}

// RowSample identifies one row awaiting upload or parked in error, with a
// best-effort human label.
type RowSample struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Status string `json:"status,omitempty"`
}

type consistencyReport struct {
	ClientID   string        `json:"client_id"`
	ReportedAt int64         `json:"reported_at"`
	Tables     []TableReport `json:"tables"`
}

// Reporter builds and submits rate-limited consistency reports so the
// server can detect drifted clients without pulling their data.
type Reporter struct {
	store    *db.Store
	settings *settings.Store
	gateway  *session.Gateway
	apiBase  string
	clientID string
	interval time.Duration
	now      func() time.Time
}

// NewReporter creates a Reporter with the default reporting interval.
func NewReporter(store *db.Store, set *settings.Store, gateway *session.Gateway, apiBase, clientID string) *Reporter {
	return &Reporter{
		store:    store,
		settings: set,
		gateway:  gateway,
		apiBase:  apiBase,
		clientID: clientID,
		interval: defaultReportInterval,
		now:      time.Now,
	}
}

// Report submits a consistency report unless one was sent within the
// reporting interval. The last-report timestamp advances only on a
// successful submission, so a failed report is retried on the next run.
func (r *Reporter) Report(ctx context.Context) error {
	last, err := r.settings.GetInt64(settings.KeyLastReportAt)
	if err != nil {
		return err
	}
	nowMs := r.now().UnixMilli()
	if last > 0 && nowMs-last < r.interval.Milliseconds() {
		return nil
	}

	report := consistencyReport{
		ClientID:   r.clientID,
		ReportedAt: nowMs,
	}
	for _, table := range models.SyncOrder {
		tr, err := r.tableReport(table)
		if err != nil {
			return err
		}
		report.Tables = append(report.Tables, tr)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = r.gateway.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    r.apiBase + "/diagnostics/consistency/report",
		Body:   body,
	}, httpx.Options{
		Attempts:  1,
		Timeout:   60 * time.Second,
		BaseDelay: time.Second,
	}, nil)
	if err != nil {
		return err
	}

	if err := r.settings.SetInt64(settings.KeyLastReportAt, nowMs); err != nil {
		return err
	}
	logging.Info("Sent consistency report", map[string]interface{}{
		"tables": len(report.Tables),
	})
	return nil
}

func (r *Reporter) tableReport(table models.Table) (TableReport, error) {
	tr := TableReport{Table: table}

	var sumUpdatedAt int64
	query := fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(MAX(updated_at), 0), COALESCE(SUM(updated_at), 0) FROM %s", table)
	if err := r.store.DB().QueryRow(query).Scan(&tr.RowCount, &tr.MaxUpdatedAt, &sumUpdatedAt); err != nil {
		return tr, err
	}
	tr.Checksum = contentChecksum(tr.RowCount, tr.MaxUpdatedAt, sumUpdatedAt)

	var err error
	if tr.PendingCount, err = r.store.CountByStatus(table, models.StatusPending); err != nil {
		return tr, err
	}
	if tr.ErrorCount, err = r.store.CountByStatus(table, models.StatusError); err != nil {
		return tr, err
	}
	if tr.PendingCount > 0 || tr.ErrorCount > 0 {
		samples, err := r.offendingSamples(table)
		if err != nil {
			return tr, err
		}
		tr.Samples = samples
	}

	categories, err := r.categoryReports(table)
	if err != nil {
		return tr, err
	}
	tr.Categories = categories
	return tr, nil
}

// contentChecksum digests the row count together with the max and sum of
// updated_at, the same digest the server computes over its copy.
func contentChecksum(count, maxUpdatedAt, sumUpdatedAt int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d", count, maxUpdatedAt, sumUpdatedAt)))
	return hex.EncodeToString(h[:])
}

// offendingSamples returns a bounded sample of pending and error rows with
// their best-effort labels.
func (r *Reporter) offendingSamples(table models.Table) ([]RowSample, error) {
	spec := models.MustSpec(table)
	var samples []RowSample
	for _, status := range []models.SyncStatus{models.StatusPending, models.StatusError} {
		if len(samples) >= maxLoggedSampleIDs {
			break
		}
		rows, err := r.store.RowsByStatus(table, status, maxLoggedSampleIDs-len(samples))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			sample := RowSample{ID: row.ID(), Status: string(status)}
			if spec.LabelColumn != "" {
				sample.Label = row.String(spec.LabelColumn)
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

// categoryReports groups a table by its lookup parent. Tables without a
// lookup reference report no categories.
func (r *Reporter) categoryReports(table models.Table) ([]CategoryReport, error) {
	spec := models.MustSpec(table)
	var lookupFK *models.ForeignKey
	for i, fk := range spec.ForeignKeys {
		if models.MustSpec(fk.RefTable).Lookup {
			lookupFK = &spec.ForeignKeys[i]
			break
		}
	}
	if lookupFK == nil {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %[1]s, COUNT(*), COALESCE(MAX(updated_at), 0),
		SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END),
		SUM(CASE WHEN sync_status = 'error' THEN 1 ELSE 0 END)
		FROM %[2]s WHERE %[1]s IS NOT NULL GROUP BY %[1]s ORDER BY %[1]s`,
		lookupFK.Column, table)
	rows, err := r.store.DB().Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []CategoryReport
	for rows.Next() {
		var cr CategoryReport
		if err := rows.Scan(&cr.Category, &cr.RowCount, &cr.MaxUpdatedAt, &cr.PendingCount, &cr.ErrorCount); err != nil {
			return nil, err
		}
		categories = append(categories, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lookupSpec := models.MustSpec(lookupFK.RefTable)
	for i := range categories {
		cr := &categories[i]
		parent, err := r.store.RowByID(lookupFK.RefTable, cr.Category)
		if err != nil {
			return nil, err
		}
		if parent != nil && lookupSpec.LabelColumn != "" {
			cr.Label = parent.String(lookupSpec.LabelColumn)
		}
		if cr.PendingCount > 0 || cr.ErrorCount > 0 {
			samples, err := r.categorySamples(spec, lookupFK.Column, cr.Category)
			if err != nil {
				return nil, err
			}
			cr.Samples = samples
		}
	}
	return categories, nil
}

func (r *Reporter) categorySamples(spec models.TableSpec, fkColumn, category string) ([]RowSample, error) {
	labelCol := spec.LabelColumn
	if labelCol == "" {
		labelCol = "id"
	}
	query := fmt.Sprintf(
		"SELECT id, COALESCE(%s, ''), sync_status FROM %s WHERE %s = ? AND sync_status IN ('pending', 'error') ORDER BY id LIMIT %d",
		labelCol, spec.Name, fkColumn, maxLoggedSampleIDs)
	rows, err := r.store.DB().Query(query, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []RowSample
	for rows.Next() {
		var s RowSample
		if err := rows.Scan(&s.ID, &s.Label, &s.Status); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
