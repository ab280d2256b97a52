// Package query evaluates filter expressions against task documents and
// applies dotted-path update documents.
//
// The filter grammar follows the document-store convention the wire API
// exposes: field paths with implicit equality, operator objects
// ($eq/$ne/$gt/$gte/$lt/$lte/$in/$nin/$exists), and the logical
// combinators $and/$or/$not. Paths traverse nested objects with dotted
// notation ("args.lr"). Missing paths evaluate as not present, so
// ordered comparisons against them are false.
package query

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// Match reports whether doc satisfies filter. A null or empty filter
// matches everything. Malformed filters yield ErrInvalidArgument.
func Match(doc, filter docval.Value) (bool, error) {
	if filter.IsNull() || filter.Len() == 0 {
		return true, nil
	}
	if filter.Kind() != docval.KindObject {
		return false, fmt.Errorf("op=query.Match: filter must be an object: %w", domain.ErrInvalidArgument)
	}
	for _, key := range filter.Fields() {
		cond, _ := filter.Field(key)
		ok, err := matchClause(doc, key, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchClause(doc docval.Value, key string, cond docval.Value) (bool, error) {
	switch key {
	case "$and", "$or":
		return matchCombinator(doc, key, cond)
	case "$not":
		ok, err := Match(doc, cond)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("op=query.Match: unknown operator %q: %w", key, domain.ErrInvalidArgument)
	}
	return matchField(doc, key, cond)
}

func matchCombinator(doc docval.Value, op string, cond docval.Value) (bool, error) {
	elems, ok := cond.AsArray()
	if !ok {
		return false, fmt.Errorf("op=query.Match: %s requires an array: %w", op, domain.ErrInvalidArgument)
	}
	if len(elems) == 0 {
		return false, fmt.Errorf("op=query.Match: %s requires at least one clause: %w", op, domain.ErrInvalidArgument)
	}
	for _, sub := range elems {
		matched, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		if op == "$and" && !matched {
			return false, nil
		}
		if op == "$or" && matched {
			return true, nil
		}
	}
	return op == "$and", nil
}

// matchField evaluates one path clause. cond is either an operator
// object (every key starts with "$") or a literal for equality.
func matchField(doc docval.Value, path string, cond docval.Value) (bool, error) {
	if isOperatorObject(cond) {
		got, present := doc.Get(path)
		for _, op := range cond.Fields() {
			arg, _ := cond.Field(op)
			ok, err := applyOperator(op, got, present, arg)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	got, present := doc.Get(path)
	return present && got.Equal(cond), nil
}

func isOperatorObject(v docval.Value) bool {
	if v.Kind() != docval.KindObject || v.Len() == 0 {
		return false
	}
	for _, k := range v.Fields() {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func applyOperator(op string, got docval.Value, present bool, arg docval.Value) (bool, error) {
	switch op {
	case "$eq":
		return present && got.Equal(arg), nil
	case "$ne":
		return !present || !got.Equal(arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		c, ordered := got.Compare(arg)
		if !ordered {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$in", "$nin":
		elems, ok := arg.AsArray()
		if !ok {
			return false, fmt.Errorf("op=query.Match: %s requires an array: %w", op, domain.ErrInvalidArgument)
		}
		found := false
		if present {
			for _, e := range elems {
				if got.Equal(e) {
					found = true
					break
				}
			}
		}
		if op == "$in" {
			return found, nil
		}
		return !found, nil
	case "$exists":
		want, ok := arg.AsBool()
		if !ok {
			return false, fmt.Errorf("op=query.Match: $exists requires a bool: %w", domain.ErrInvalidArgument)
		}
		has := present && !got.IsNull()
		return has == want, nil
	}
	return false, fmt.Errorf("op=query.Match: unknown operator %q: %w", op, domain.ErrInvalidArgument)
}

// HasRequiredFields reports whether every dotted path in paths resolves
// to a non-null value within doc. Used by fetch-next so heterogeneous
// workers only claim tasks whose argument shape they understand.
func HasRequiredFields(doc docval.Value, paths []string) bool {
	for _, p := range paths {
		if !doc.Exists(p) {
			return false
		}
	}
	return true
}
