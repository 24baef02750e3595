package civicrm

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
	"github.com/xiy/civicrm-mcp/pkg/types"
)

// Update and delete are split into a read-only preview and a confirmed
// mutation. Nothing links the two calls: the confirmed call re-validates its
// input and mutates without comparing against the preview.

// UpdateRequest reads the current record and returns the fields that would change.
func (s *Service) UpdateRequest(ctx context.Context, in types.UpdateInput) (types.UpdatePreview, error) {
	if err := validateUpdate(in); err != nil {
		return types.UpdatePreview{}, err
	}
	current, err := s.currentRecord(ctx, in.Entity, in.ID)
	if err != nil {
		return types.UpdatePreview{}, err
	}
	var row map[string]any
	if len(current) > 0 {
		row = current[0]
	} else {
		row = map[string]any{}
	}
	return types.UpdatePreview{
		Status:          types.StatusConfirmationRequired,
		Entity:          in.Entity,
		ID:              in.ID,
		CurrentRecord:   row,
		ProposedChanges: Diff(row, in.Record),
		Message:         fmt.Sprintf("Ready to update %s ID %d. Use civicrm_update_confirmed to proceed.", in.Entity, in.ID),
	}, nil
}

// UpdateConfirmed applies the update directly.
func (s *Service) UpdateConfirmed(ctx context.Context, in types.UpdateInput) (map[string]any, error) {
	if err := validateUpdate(in); err != nil {
		return nil, err
	}
	return s.call(ctx, in.Entity, "update", map[string]any{
		"values": in.Record,
		"where":  idWhere(in.ID),
	})
}

// DeleteRequest reads the record that would be deleted.
func (s *Service) DeleteRequest(ctx context.Context, in types.DeleteInput) (types.DeletePreview, error) {
	if err := validateDelete(in); err != nil {
		return types.DeletePreview{}, err
	}
	current, err := s.currentRecord(ctx, in.Entity, in.ID)
	if err != nil {
		return types.DeletePreview{}, err
	}
	return types.DeletePreview{
		Status:  types.StatusConfirmationRequired,
		Entity:  in.Entity,
		ID:      in.ID,
		Record:  current,
		Message: fmt.Sprintf("Ready to delete %s ID %d. Use civicrm_delete_confirmed to proceed.", in.Entity, in.ID),
	}, nil
}

// DeleteConfirmed deletes the record directly.
func (s *Service) DeleteConfirmed(ctx context.Context, in types.DeleteInput) (map[string]any, error) {
	if err := validateDelete(in); err != nil {
		return nil, err
	}
	return s.call(ctx, in.Entity, "delete", map[string]any{"where": idWhere(in.ID)})
}

func (s *Service) currentRecord(ctx context.Context, entity string, id int64) ([]map[string]any, error) {
	out, err := s.call(ctx, entity, "get", map[string]any{"where": idWhere(id), "limit": 1})
	if err != nil {
		return nil, err
	}
	rows := apiv4.Values(out)
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// Diff returns the keys of proposed whose value differs from current.
// Numbers compare by value regardless of their JSON spelling.
func Diff(current, proposed map[string]any) map[string]types.FieldChange {
	changes := map[string]types.FieldChange{}
	for key, next := range proposed {
		prev := current[key]
		if sameValue(prev, next) {
			continue
		}
		changes[key] = types.FieldChange{Old: prev, New: next}
	}
	return changes
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalizeValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalizeValue(x)
		}
		return out
	default:
		return v
	}
}

func validateUpdate(in types.UpdateInput) error {
	if err := validateEntity(in.Entity); err != nil {
		return err
	}
	if err := validateID(in.ID); err != nil {
		return err
	}
	if in.Record == nil {
		return inputErr("record", "is required")
	}
	return nil
}

func validateDelete(in types.DeleteInput) error {
	if err := validateEntity(in.Entity); err != nil {
		return err
	}
	return validateID(in.ID)
}
