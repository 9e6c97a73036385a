package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
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

// maxPushCycles is a hard ceiling on push loop iterations, independent of
// the remediation guard set, so the loop terminates even under adversarial
// server responses.
const maxPushCycles = 25

// remediation identifies one automated recovery action. Each fires at most
// once per push cycle; a recurring error after its fix was applied is
// surfaced instead of retried.
type remediation string

const (
	remediationDropDuplicates remediation = "drop_duplicates"
	remediationMarkInvalid    remediation = "mark_invalid_table"
	remediationFullPull       remediation = "force_full_pull"
)

// classification is the parsed form of a server-reported push failure.
type classification struct {
	kind  remediation
	table models.Table
	ids   []string
	known bool
}

// Transmitter converts validated packs into ledger transactions and submits
// them, running a bounded error-classification/retry loop.
type Transmitter struct {
	store     *db.Store
	settings  *settings.Store
	gateway   *session.Gateway
	collector *Collector
	ring      *crypto.Keyring // nil when field encryption is disabled
	apiBase   string
}

// NewTransmitter creates a Transmitter. ring may be nil.
func NewTransmitter(store *db.Store, set *settings.Store, gateway *session.Gateway, collector *Collector, ring *crypto.Keyring, apiBase string) *Transmitter {
	return &Transmitter{
		store:     store,
		settings:  set,
		gateway:   gateway,
		collector: collector,
		ring:      ring,
		apiBase:   apiBase,
	}
}

// Push submits pending packs until none remain or an unrecoverable error
// occurs, applying at most one automated remediation per failure class.
// It returns the number of rows acknowledged; the error (if any) is
// recorded by the engine but must not block the pull phase.
func (t *Transmitter) Push(ctx context.Context) (int, error) {
	appliedRemediations := make(map[remediation]bool)
	total := 0

	for cycle := 0; cycle < maxPushCycles; cycle++ {
		packs, err := t.collector.CollectPending()
		if err != nil {
			return total, err
		}
		if len(packs) == 0 {
			return total, nil
		}

		txs, err := t.buildTransactions(packs)
		if err != nil {
			return total, err
		}

		resp, submitErr := t.submit(ctx, txs)
		if submitErr == nil && resp.OK {
			n, err := t.markPushed(packs, resp)
			if err != nil {
				return total, err
			}
			total += n
			continue
		}

		body := ""
		if httpErr, ok := submitErr.(*httpx.HTTPError); ok {
			if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
				return total, apperrors.Wrap(apperrors.ErrAuthRequired, "push rejected by auth gateway", submitErr)
			}
			body = httpErr.Body
		} else if submitErr != nil {
			return total, apperrors.Wrap(apperrors.ErrSyncFailed, "push transport failure", submitErr)
		} else {
			return total, apperrors.New(apperrors.ErrSyncPushRejected, "server rejected batch without detail")
		}

		cls := classifyPushError(body)
		if !cls.known {
			return total, apperrors.Wrap(apperrors.ErrSyncPushRejected, "unclassified push failure", submitErr)
		}
		if appliedRemediations[cls.kind] {
			return total, apperrors.Wrap(apperrors.ErrSyncPushRejected,
				fmt.Sprintf("remediation %s already applied this cycle", cls.kind), submitErr)
		}
		appliedRemediations[cls.kind] = true

		logging.Warn("Push rejected, applying remediation", map[string]interface{}{
			"remediation": string(cls.kind), "table": string(cls.table), "cycle": cycle,
		})
		if err := t.remediate(cls); err != nil {
			return total, err
		}
	}
	return total, apperrors.New(apperrors.ErrSyncPushRejected, "push cycle ceiling reached")
}

// buildTransactions converts packs into ledger transactions, encrypting
// sensitive fields when a keyring is configured. A tombstoned row becomes a
// delete transaction.
func (t *Transmitter) buildTransactions(packs []PushPack) ([]LedgerTransaction, error) {
	var txs []LedgerTransaction
	for _, pack := range packs {
		spec := models.MustSpec(pack.Table)
		for _, row := range pack.Rows {
			wire := row
			if t.ring != nil && !row.Deleted() {
				wire = row.Clone()
				for _, field := range spec.EncryptedFields {
					value := wire.String(field)
					if value == "" {
						continue
					}
					enc, err := t.ring.EncryptField(value)
					if err != nil {
						return nil, apperrors.Wrap(apperrors.ErrCryptoFailed,
							fmt.Sprintf("failed to encrypt %s.%s", pack.Table, field), err)
					}
					wire[field] = enc
				}
			}
			txType := TxUpsert
			if row.Deleted() {
				txType = TxDelete
			}
			txs = append(txs, LedgerTransaction{
				Type:  txType,
				Table: pack.Table,
				Row:   wire,
				RowID: row.ID(),
			})
		}
	}
	return txs, nil
}

func (t *Transmitter) submit(ctx context.Context, txs []LedgerTransaction) (*submitResponse, error) {
	body, err := json.Marshal(submitRequest{Txs: txs})
	if err != nil {
		return nil, err
	}
	var out submitResponse
	_, err = t.gateway.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    t.apiBase + "/ledger/tx/submit",
		Body:   body,
	}, httpx.Options{
		Attempts:  5,
		Timeout:   180 * time.Second,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// markPushed marks submitted rows synced, preferring the server's per-row
// applied list when present and assuming the whole batch applied otherwise.
// Applied rows carrying the sequence the server assigned also record it as
// the row's last known server sequence.
func (t *Transmitter) markPushed(packs []PushPack, resp *submitResponse) (int, error) {
	if len(resp.AppliedRows) > 0 {
		bySeq := make(map[models.Table]map[int64][]string)
		for _, ar := range resp.AppliedRows {
			if bySeq[ar.Table] == nil {
				bySeq[ar.Table] = make(map[int64][]string)
			}
			bySeq[ar.Table][ar.ServerSeq] = append(bySeq[ar.Table][ar.ServerSeq], ar.RowID)
		}
		n := 0
		for table, seqs := range bySeq {
			for seq, ids := range seqs {
				var err error
				if seq > 0 {
					err = t.store.SetServerSeq(table, ids, seq)
				} else {
					err = t.store.SetStatus(table, ids, models.StatusSynced)
				}
				if err != nil {
					return n, err
				}
				n += len(ids)
			}
		}
		return n, nil
	}

	n := 0
	for _, pack := range packs {
		ids := make([]string, 0, len(pack.Rows))
		for _, row := range pack.Rows {
			ids = append(ids, row.ID())
		}
		if err := t.store.SetStatus(pack.Table, ids, models.StatusSynced); err != nil {
			return n, err
		}
		n += len(ids)
	}
	return n, nil
}

var rowIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// classifyPushError maps a server error body onto exactly one remediation.
func classifyPushError(body string) classification {
	lower := strings.ToLower(body)
	table := implicatedTable(lower)

	switch {
	case strings.Contains(lower, "invalid row") && table != "":
		return classification{kind: remediationMarkInvalid, table: table, known: true}
	case (strings.Contains(lower, "duplicate") || strings.Contains(lower, "unique")) && table != "":
		return classification{
			kind:  remediationDropDuplicates,
			table: table,
			ids:   rowIDPattern.FindAllString(body, -1),
			known: true,
		}
	case strings.Contains(lower, "dependency") || strings.Contains(lower, "missing reference") || strings.Contains(lower, "conflict"):
		return classification{kind: remediationFullPull, known: true}
	default:
		return classification{}
	}
}

func implicatedTable(lowerBody string) models.Table {
	for _, t := range models.SyncOrder {
		if strings.Contains(lowerBody, string(t)) {
			return t
		}
	}
	return ""
}

func (t *Transmitter) remediate(cls classification) error {
	switch cls.kind {
	case remediationDropDuplicates:
		return t.dropDuplicatePending(cls.table, cls.ids)
	case remediationMarkInvalid:
		n, err := t.store.SetStatusAll(cls.table, models.StatusPending, models.StatusError)
		if err != nil {
			return err
		}
		logging.Warn("Marked rejected table rows as error", map[string]interface{}{
			"table": string(cls.table), "rows": n,
		})
		return nil
	case remediationFullPull:
		if err := t.settings.SetInt64(settings.KeyServerCursor, 0); err != nil {
			return err
		}
		for _, lt := range models.LookupTables() {
			if _, err := t.store.MarkAllPending(lt); err != nil {
				return err
			}
		}
		logging.Warn("Forced full pull from cursor 0 and re-queued lookup tables", nil)
		return nil
	default:
		return fmt.Errorf("unknown remediation %s", cls.kind)
	}
}

// dropDuplicatePending clears pending rows the server already holds. Rows
// named in the error body are marked synced directly; when the body names
// none, pending rows whose logical key collides with an already-synced row
// are dropped instead.
func (t *Transmitter) dropDuplicatePending(table models.Table, ids []string) error {
	if len(ids) > 0 {
		return t.store.SetStatus(table, ids, models.StatusSynced)
	}

	spec := models.MustSpec(table)
	if len(spec.LogicalKey) == 0 {
		// No logical key to collide on; conservatively re-queue nothing.
		return nil
	}
	pending, err := t.store.RowsByStatus(table, models.StatusPending, 0)
	if err != nil {
		return err
	}
	var duplicates []string
	for _, row := range pending {
		match := make(map[string]any, len(spec.LogicalKey))
		for _, col := range spec.LogicalKey {
			match[col] = row[col]
		}
		existing, err := t.store.RowByColumns(table, match)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID() != row.ID() && existing.Status() == models.StatusSynced {
			duplicates = append(duplicates, row.ID())
		}
	}
	if len(duplicates) == 0 {
		return nil
	}
	logging.Warn("Dropping duplicate pending rows", map[string]interface{}{
		"table": string(table), "count": len(duplicates), "sample": sampleIDs(duplicates),
	})
	return t.store.DeleteByIDs(table, duplicates)
}
