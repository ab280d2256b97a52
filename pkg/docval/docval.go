// Package docval models arbitrary JSON documents as a tagged value tree
// with dotted-path traversal.
//
// Task args, metadata and summaries are free-form JSON supplied by
// clients. Representing them as an explicit tree (instead of raw
// map[string]any plumbing) gives the query matcher and the update
// applier a single, well-defined surface: typed kind checks, ordered
// comparisons and clone-on-write path updates.
package docval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the JSON value variants.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one node of a JSON document. The zero Value is JSON null.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
}

// Constructors.

func Null() Value            { return Value{kind: KindNull} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func String(s string) Value  { return Value{kind: KindString, str: s} }

// Array builds an array value from its elements.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, arr: elems}
}

// Object builds an object value. The map is used as-is; callers must not
// mutate it afterwards.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// Kind reports the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Accessors. The ok result is false when the value holds a different kind.

func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v Value) AsArray() ([]Value, bool)  { return v.arr, v.kind == KindArray }

// Field returns the named field of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Fields returns the sorted field names of an object value.
func (v Value) Fields() []string {
	if v.kind != KindObject {
		return nil
	}
	names := make([]string, 0, len(v.obj))
	for k := range v.obj {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of elements (array) or fields (object).
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// Get resolves a dotted path ("args.lr", "metadata.tag") against v.
// The empty path resolves to v itself. The ok result is false when any
// intermediate segment is missing or not an object.
func (v Value) Get(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		next, ok := cur.Field(seg)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Exists reports whether the dotted path resolves to a non-null value.
func (v Value) Exists(path string) bool {
	got, ok := v.Get(path)
	return ok && !got.IsNull()
}

// Set returns a copy of v with the dotted path set to val. Intermediate
// objects are created as needed; non-object intermediates are replaced.
// Siblings along the path are preserved. v itself is not modified.
func (v Value) Set(path string, val Value) Value {
	if path == "" {
		return val
	}
	segs := strings.Split(path, ".")
	return setPath(v, segs, val)
}

func setPath(v Value, segs []string, val Value) Value {
	if len(segs) == 0 {
		return val
	}
	fields := map[string]Value{}
	if v.kind == KindObject {
		for k, f := range v.obj {
			fields[k] = f
		}
	}
	child := Value{kind: KindNull}
	if existing, ok := fields[segs[0]]; ok {
		child = existing
	}
	fields[segs[0]] = setPath(child, segs[1:], val)
	return Value{kind: KindObject, obj: fields}
}

// Delete returns a copy of v with the dotted path removed. Missing paths
// are a no-op.
func (v Value) Delete(path string) Value {
	segs := strings.Split(path, ".")
	if path == "" || v.kind != KindObject {
		return v
	}
	fields := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		fields[k] = f
	}
	if len(segs) == 1 {
		delete(fields, segs[0])
		return Value{kind: KindObject, obj: fields}
	}
	child, ok := fields[segs[0]]
	if !ok {
		return v
	}
	fields[segs[0]] = child.Delete(strings.Join(segs[1:], "."))
	return Value{kind: KindObject, obj: fields}
}

// Equal reports deep equality of two values. Numbers compare by value,
// objects by field set, arrays element-wise in order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, f := range v.obj {
			of, ok := o.obj[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of the same scalar kind. The ok result is
// false for mixed kinds and for non-ordered kinds (null, bool, array,
// object), in which case ordered comparisons must evaluate to false.
func (v Value) Compare(o Value) (int, bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindNumber:
		switch {
		case v.num < o.num:
			return -1, true
		case v.num > o.num:
			return 1, true
		}
		return 0, true
	case KindString:
		return strings.Compare(v.str, o.str), true
	}
	return 0, false
}

// FromAny converts a decoded JSON value (as produced by encoding/json
// into any) to a Value. Unsupported Go types map to null.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null()
		}
		return Number(f)
	case string:
		return String(t)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = FromAny(e)
		}
		return Array(elems...)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			fields[k] = FromAny(e)
		}
		return Object(fields)
	}
	return Null()
}

// ToAny converts a Value back to the encoding/json any representation.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = f.ToAny()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}

// FromJSON parses raw JSON into a Value.
func FromJSON(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("op=docval.FromJSON: %w", err)
	}
	return v, nil
}
