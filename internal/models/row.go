package models

import (
	"fmt"
	"strconv"
)

// SyncStatus tracks where a row sits in the push lifecycle.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// Row is a single table row keyed by column name. Values come either from
// the SQLite driver (int64, float64, string, []byte, nil) or from decoded
// JSON (float64, string, bool, nil); the accessors below normalize both.
type Row map[string]any

// ID returns the row's primary key as a string.
func (r Row) ID() string {
	return r.String("id")
}

// String returns a column as a string, converting []byte and leaving
// missing or NULL columns as "".
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int64 returns a column as int64. JSON numbers arrive as float64 and are
// truncated; missing or NULL columns are 0.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	default:
		return 0
	}
}

// IsNull reports whether a column is absent or NULL.
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}

// UpdatedAt returns the row's update timestamp in epoch millis.
func (r Row) UpdatedAt() int64 { return r.Int64("updated_at") }

// ServerSeq returns the server-assigned sequence, 0 when never acknowledged.
func (r Row) ServerSeq() int64 { return r.Int64("last_server_seq") }

// Deleted reports whether the row is a tombstone.
func (r Row) Deleted() bool { return !r.IsNull("deleted_at") && r.Int64("deleted_at") != 0 }

// Status returns the row's sync status.
func (r Row) Status() SyncStatus { return SyncStatus(r.String("sync_status")) }

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ToWire projects a local row into wire form for the given table: wire
// columns only, []byte values converted to strings, local bookkeeping
// columns (sync_status, last_server_seq) dropped.
func ToWire(spec TableSpec, row Row) Row {
	out := make(Row, len(spec.Columns)+len(WireBaseColumns))
	for _, col := range spec.WireColumns() {
		v, ok := row[col]
		if !ok {
			continue
		}
		if b, isBytes := v.([]byte); isBytes {
			v = string(b)
		}
		out[col] = v
	}
	return out
}

// FromWire projects an incoming wire row into local column shape for the
// given table. Unknown keys are dropped; numeric JSON values are normalized
// to int64 for the timestamp and sequence columns.
func FromWire(spec TableSpec, wire Row) Row {
	out := make(Row, len(spec.Columns)+len(BaseColumns))
	for _, col := range spec.WireColumns() {
		v, ok := wire[col]
		if !ok {
			continue
		}
		switch col {
		case "created_at", "updated_at":
			out[col] = wire.Int64(col)
		case "deleted_at":
			if v == nil {
				out[col] = nil
			} else {
				out[col] = wire.Int64(col)
			}
		default:
			out[col] = v
		}
	}
	return out
}
