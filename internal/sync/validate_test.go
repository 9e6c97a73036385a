package sync

import (
	"testing"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// TestValidateWireRows verifies the compiled row schemas accept complete
// rows and reject the shapes the server would bounce.
func TestValidateWireRows(t *testing.T) {
	v := newTestValidator(t)

	valid := models.Row{
		"id": "e-1", "entity_type_id": "et-1", "name": "Shaft",
		"created_at": int64(1), "updated_at": int64(1),
	}
	if err := v.Validate(models.TableEntities, valid); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}

	tests := []struct {
		name  string
		table models.Table
		row   models.Row
	}{
		{"missing id", models.TableEntities, models.Row{
			"entity_type_id": "et-1", "created_at": int64(1), "updated_at": int64(1),
		}},
		{"empty required foreign key", models.TableEntities, models.Row{
			"id": "e-1", "entity_type_id": "", "created_at": int64(1), "updated_at": int64(1),
		}},
		{"missing timestamps", models.TableEntities, models.Row{
			"id": "e-1", "entity_type_id": "et-1",
		}},
		{"empty logical key column", models.TableEntityTypes, models.Row{
			"id": "et-1", "code": "", "created_at": int64(1), "updated_at": int64(1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Validate(tt.table, tt.row); err == nil {
				t.Errorf("Validate() error = nil, want rejection")
			}
		})
	}
}

// TestValidateNullableDeletedAt verifies tombstone timestamps are accepted
// both as integers and nulls.
func TestValidateNullableDeletedAt(t *testing.T) {
	v := newTestValidator(t)
	row := models.Row{
		"id": "et-1", "code": "detail", "created_at": int64(1), "updated_at": int64(2),
		"deleted_at": int64(3),
	}
	if err := v.Validate(models.TableEntityTypes, row); err != nil {
		t.Fatalf("Validate(tombstone) error = %v", err)
	}
	row["deleted_at"] = nil
	if err := v.Validate(models.TableEntityTypes, row); err != nil {
		t.Fatalf("Validate(null deleted_at) error = %v", err)
	}
}
