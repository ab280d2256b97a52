package query

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// ValidateDocument rejects stored documents whose field names would
// collide with the filter grammar: operator-prefixed ("$...") keys and
// names containing or starting with dots.
func ValidateDocument(doc docval.Value) error {
	if doc.Kind() != docval.KindObject {
		return nil
	}
	for _, k := range doc.Fields() {
		if strings.HasPrefix(k, "$") {
			return fmt.Errorf("op=query.ValidateDocument: operator field name %q: %w", k, domain.ErrInvalidArgument)
		}
		if strings.HasPrefix(k, ".") || strings.Contains(k, ".") {
			return fmt.Errorf("op=query.ValidateDocument: dotted field name %q: %w", k, domain.ErrInvalidArgument)
		}
		child, _ := doc.Field(k)
		if err := ValidateDocument(child); err != nil {
			return err
		}
	}
	return nil
}

// Flatten converts a nested update document into dotted leaf paths.
// {"args": {"lr": 0.2}, "priority": 20} becomes
// {"args.lr": 0.2, "priority": 20}. Arrays and scalars are leaves;
// empty objects are leaves too (they replace the whole subtree).
func Flatten(update docval.Value) (map[string]docval.Value, error) {
	out := map[string]docval.Value{}
	if update.IsNull() {
		return out, nil
	}
	if update.Kind() != docval.KindObject {
		return nil, fmt.Errorf("op=query.Flatten: update must be an object: %w", domain.ErrInvalidArgument)
	}
	if err := flattenInto(out, "", update); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]docval.Value, prefix string, v docval.Value) error {
	for _, k := range v.Fields() {
		if strings.HasPrefix(k, "$") {
			return fmt.Errorf("op=query.Flatten: operator field name %q: %w", k, domain.ErrInvalidArgument)
		}
		if strings.Contains(k, ".") {
			return fmt.Errorf("op=query.Flatten: dotted field name %q: %w", k, domain.ErrInvalidArgument)
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		child, _ := v.Field(k)
		if child.Kind() == docval.KindObject && child.Len() > 0 {
			if err := flattenInto(out, path, child); err != nil {
				return err
			}
			continue
		}
		out[path] = child
	}
	return nil
}

// ApplyUpdate returns doc with every leaf path of update set, without
// disturbing siblings. banned lists path prefixes that must not change
// (id, queue_id, timestamps, engine-owned lifecycle fields).
func ApplyUpdate(doc, update docval.Value, banned []string) (docval.Value, error) {
	leaves, err := Flatten(update)
	if err != nil {
		return docval.Value{}, err
	}
	for path := range leaves {
		for _, b := range banned {
			if path == b || strings.HasPrefix(path, b+".") {
				return docval.Value{}, fmt.Errorf("op=query.ApplyUpdate: field %q is not allowed to be updated: %w", path, domain.ErrInvalidArgument)
			}
		}
	}
	out := doc
	for path, val := range leaves {
		out = out.Set(path, val)
	}
	return out, nil
}
