// Package models defines the syncable table set and row shapes for the
// MatricaRMZ embedded client.
package models

// Table is the closed enumeration of logical syncable table names.
type Table string

const (
	TableEntityTypes     Table = "entity_types"
	TableAttributeDefs   Table = "attribute_defs"
	TableEntities        Table = "entities"
	TableAttributeValues Table = "attribute_values"
	TableOperations      Table = "operations"
	TableAuditLog        Table = "audit_log"
	TableChatMessages    Table = "chat_messages"
	TableChatReads       Table = "chat_reads"
	TableNotes           Table = "notes"
	TableNoteShares      Table = "note_shares"
	TableUserPresence    Table = "user_presence"
)

// SyncOrder lists all syncable tables in dependency order: lookup tables
// first, then dependents, so parents always land before children during
// push collection and pull upserts.
var SyncOrder = []Table{
	TableEntityTypes,
	TableAttributeDefs,
	TableEntities,
	TableAttributeValues,
	TableOperations,
	TableAuditLog,
	TableChatMessages,
	TableChatReads,
	TableNotes,
	TableNoteShares,
	TableUserPresence,
}

// ForeignKey declares a column referencing another syncable table's id.
type ForeignKey struct {
	Column   string
	RefTable Table
	Required bool
}

// TableSpec declares the structural facts the engine needs about one table:
// its payload columns, business unique key, foreign keys, push batch cap and
// which JSON-blob fields are subject to field-level encryption.
type TableSpec struct {
	Name            Table
	Columns         []string // payload columns, base columns excluded
	Lookup          bool     // lookup tables are pushed before dependents and remapped by logical key
	LogicalKey      []string // business unique key, empty when none
	ForeignKeys     []ForeignKey
	PushCap         int
	EncryptedFields []string
	LabelColumn     string // best-effort human label for diagnostics samples
}

// BaseColumns are present on every syncable table in addition to the
// per-table payload columns. sync_status and last_server_seq are local
// bookkeeping and never cross the wire.
var BaseColumns = []string{"id", "created_at", "updated_at", "deleted_at", "last_server_seq", "sync_status"}

// WireBaseColumns are the base columns included in the wire form of a row.
var WireBaseColumns = []string{"id", "created_at", "updated_at", "deleted_at"}

var tableSpecs = map[Table]TableSpec{
	TableEntityTypes: {
		Name:            TableEntityTypes,
		Columns:         []string{"code", "name", "metadata"},
		Lookup:          true,
		LogicalKey:      []string{"code"},
		PushCap:         200,
		EncryptedFields: []string{"metadata"},
		LabelColumn:     "name",
	},
	TableAttributeDefs: {
		Name:       TableAttributeDefs,
		Columns:    []string{"entity_type_id", "code", "name", "kind", "metadata"},
		Lookup:     true,
		LogicalKey: []string{"entity_type_id", "code"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_type_id", RefTable: TableEntityTypes, Required: true},
		},
		PushCap:         300,
		EncryptedFields: []string{"metadata"},
		LabelColumn:     "name",
	},
	TableEntities: {
		Name:    TableEntities,
		Columns: []string{"entity_type_id", "name", "metadata"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_type_id", RefTable: TableEntityTypes, Required: true},
		},
		PushCap:         300,
		EncryptedFields: []string{"metadata"},
		LabelColumn:     "name",
	},
	TableAttributeValues: {
		Name:       TableAttributeValues,
		Columns:    []string{"entity_id", "attribute_def_id", "value", "payload"},
		LogicalKey: []string{"entity_id", "attribute_def_id"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", RefTable: TableEntities, Required: true},
			{Column: "attribute_def_id", RefTable: TableAttributeDefs, Required: true},
		},
		PushCap:         500,
		EncryptedFields: []string{"payload"},
		LabelColumn:     "value",
	},
	TableOperations: {
		Name:    TableOperations,
		Columns: []string{"entity_id", "kind", "performed_by", "payload"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", RefTable: TableEntities, Required: true},
		},
		PushCap:         300,
		EncryptedFields: []string{"payload"},
		LabelColumn:     "kind",
	},
	TableAuditLog: {
		Name:    TableAuditLog,
		Columns: []string{"actor_id", "action", "entity_id", "payload"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", RefTable: TableEntities, Required: false},
		},
		PushCap:         500,
		EncryptedFields: []string{"payload"},
		LabelColumn:     "action",
	},
	TableChatMessages: {
		Name:            TableChatMessages,
		Columns:         []string{"sender_id", "body", "metadata"},
		PushCap:         300,
		EncryptedFields: []string{"metadata"},
		LabelColumn:     "body",
	},
	TableChatReads: {
		Name:       TableChatReads,
		Columns:    []string{"message_id", "user_id"},
		LogicalKey: []string{"message_id", "user_id"},
		ForeignKeys: []ForeignKey{
			{Column: "message_id", RefTable: TableChatMessages, Required: true},
		},
		PushCap:     500,
		LabelColumn: "user_id",
	},
	TableNotes: {
		Name:            TableNotes,
		Columns:         []string{"author_id", "title", "body", "metadata"},
		PushCap:         200,
		EncryptedFields: []string{"metadata"},
		LabelColumn:     "title",
	},
	TableNoteShares: {
		Name:       TableNoteShares,
		Columns:    []string{"note_id", "recipient_id"},
		LogicalKey: []string{"note_id", "recipient_id"},
		ForeignKeys: []ForeignKey{
			{Column: "note_id", RefTable: TableNotes, Required: true},
		},
		PushCap:     300,
		LabelColumn: "recipient_id",
	},
	TableUserPresence: {
		Name:        TableUserPresence,
		Columns:     []string{"user_id", "last_seen_at", "metadata"},
		LogicalKey:  []string{"user_id"},
		PushCap:     100,
		LabelColumn: "user_id",
	},
}

// Spec returns the TableSpec for a table name.
func Spec(t Table) (TableSpec, bool) {
	s, ok := tableSpecs[t]
	return s, ok
}

// MustSpec returns the TableSpec for a known table and panics on an unknown
// name. Callers iterating SyncOrder use this form.
func MustSpec(t Table) TableSpec {
	s, ok := tableSpecs[t]
	if !ok {
		panic("models: unknown table " + string(t))
	}
	return s
}

// IsTable reports whether name is a member of the table enumeration.
func IsTable(name string) bool {
	_, ok := tableSpecs[Table(name)]
	return ok
}

// LookupTables returns the lookup tables in dependency order.
func LookupTables() []Table {
	var out []Table
	for _, t := range SyncOrder {
		if tableSpecs[t].Lookup {
			out = append(out, t)
		}
	}
	return out
}

// AllColumns returns base plus payload columns for a table, in the order
// they appear in the local schema.
func (s TableSpec) AllColumns() []string {
	out := make([]string, 0, len(BaseColumns)+len(s.Columns))
	out = append(out, "id")
	out = append(out, s.Columns...)
	out = append(out, "created_at", "updated_at", "deleted_at", "last_server_seq", "sync_status")
	return out
}

// WireColumns returns the columns included in the wire form of a row.
func (s TableSpec) WireColumns() []string {
	out := make([]string, 0, len(WireBaseColumns)+len(s.Columns))
	out = append(out, "id")
	out = append(out, s.Columns...)
	out = append(out, "created_at", "updated_at", "deleted_at")
	return out
}

// RequiredForeignKeys returns only the foreign keys that must be populated
// for a row to be applied locally.
func (s TableSpec) RequiredForeignKeys() []ForeignKey {
	var out []ForeignKey
	for _, fk := range s.ForeignKeys {
		if fk.Required {
			out = append(out, fk)
		}
	}
	return out
}
