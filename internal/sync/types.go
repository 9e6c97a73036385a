package sync

import (
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// PushPack is a bounded batch of wire-form rows destined for one table in
// one push request.
type PushPack struct {
	Table models.Table `json:"table"`
	Rows  []models.Row `json:"rows"`
}

// TxType is the kind of a ledger transaction.
type TxType string

const (
	TxUpsert TxType = "upsert"
	TxDelete TxType = "delete"
)

// LedgerTransaction is the unit submitted to the server's append-only
// transaction log: an upsert-or-delete against one table.
type LedgerTransaction struct {
	Type  TxType       `json:"type"`
	Table models.Table `json:"table"`
	Row   models.Row   `json:"row"`
	RowID string       `json:"row_id"`
}

// Change is one incoming row mutation from the pull feed.
type Change struct {
	Table     models.Table `json:"table"`
	Row       models.Row   `json:"row"`
	ServerSeq int64        `json:"server_seq"`
}

type submitRequest struct {
	Txs []LedgerTransaction `json:"txs"`
}

// AppliedRow identifies one row the server acknowledged applying.
type AppliedRow struct {
	Table     models.Table `json:"table"`
	RowID     string       `json:"row_id"`
	ServerSeq int64        `json:"server_seq,omitempty"`
}

type submitResponse struct {
	OK          bool         `json:"ok"`
	Applied     int          `json:"applied"`
	AppliedRows []AppliedRow `json:"applied_rows,omitempty"`
}

type changesResponse struct {
	Changes      []Change `json:"changes"`
	ServerCursor int64    `json:"server_cursor"`
	HasMore      bool     `json:"has_more"`
}

// Result summarizes one sync run.
type Result struct {
	Pushed     int
	Pulled     int
	DurationMs int64
	PushErr    error
	PullErr    error
}
