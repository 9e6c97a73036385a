package sync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// Validator checks wire-form rows against per-table JSON Schemas compiled
// once at construction. The schemas express what the server will reject
// outright: missing ids, missing timestamps, and empty required foreign
// keys or logical key columns.
type Validator struct {
	schemas map[models.Table]*jsonschema.Schema
}

// NewValidator compiles the row schema for every syncable table.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[models.Table]*jsonschema.Schema, len(models.SyncOrder))}
	for _, t := range models.SyncOrder {
		spec := models.MustSpec(t)
		raw, err := json.Marshal(rowSchemaDoc(spec))
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("row://%s.json", t)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse row schema for %s: %w", t, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("failed to register row schema for %s: %w", t, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile row schema for %s: %w", t, err)
		}
		v.schemas[t] = sch
	}
	return v, nil
}

// Validate checks one wire-form row against its table schema.
func (v *Validator) Validate(table models.Table, row models.Row) error {
	sch, ok := v.schemas[table]
	if !ok {
		return fmt.Errorf("no row schema for table %s", table)
	}
	// Round-trip through JSON so driver types (int64, []byte) become the
	// decoded shapes the validator expects.
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return sch.Validate(decoded)
}

// rowSchemaDoc builds the JSON Schema document for one table's wire rows.
func rowSchemaDoc(spec models.TableSpec) map[string]any {
	required := []string{"id", "created_at", "updated_at"}
	props := map[string]any{
		"id":         map[string]any{"type": "string", "minLength": 1},
		"created_at": map[string]any{"type": "integer"},
		"updated_at": map[string]any{"type": "integer"},
		"deleted_at": map[string]any{"type": []string{"integer", "null"}},
	}
	for _, fk := range spec.ForeignKeys {
		if fk.Required {
			required = append(required, fk.Column)
			props[fk.Column] = map[string]any{"type": "string", "minLength": 1}
		} else {
			props[fk.Column] = map[string]any{"type": []string{"string", "null"}}
		}
	}
	for _, col := range spec.LogicalKey {
		if _, ok := props[col]; ok {
			continue
		}
		required = append(required, col)
		props[col] = map[string]any{"type": "string", "minLength": 1}
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}

// RowFixer attempts a table-specific repair of an invalid row, returning
// the fixed row together with whether anything changed.
type RowFixer func(store *db.Store, row models.Row) (models.Row, bool)

// rowFixers maps tables to their recovery strategies. The common drift is a
// row created against a lookup row the UI only knew by code: the id column
// is empty but the metadata blob carries entity_type_code. Resolving the
// code to the local id makes the row valid again.
var rowFixers = map[models.Table]RowFixer{
	models.TableEntities:      fixEntityTypeRef,
	models.TableAttributeDefs: fixEntityTypeRef,
}

func fixEntityTypeRef(store *db.Store, row models.Row) (models.Row, bool) {
	if !row.IsNull("entity_type_id") && row.String("entity_type_id") != "" {
		return row, false
	}
	meta := row.String("metadata")
	if meta == "" {
		return row, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(meta), &fields); err != nil {
		return row, false
	}
	code, _ := fields["entity_type_code"].(string)
	if code == "" {
		return row, false
	}
	parent, err := store.RowByColumns(models.TableEntityTypes, map[string]any{"code": code})
	if err != nil || parent == nil {
		return row, false
	}
	fixed := row.Clone()
	fixed["entity_type_id"] = parent.ID()
	return fixed, true
}
