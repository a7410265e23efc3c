package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ValueKind discriminates the variants a Value can hold.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the kind name used in logs and error messages.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a tagged union over the JSON value space: null, bool, number,
// string, list, or map. Error context maps carry Values instead of raw
// interface{} so consumers switch on Kind instead of type-asserting.
// A Value is immutable; accessors return copies of composite contents.
type Value struct {
	kind ValueKind
	b    bool
	num  float64
	str  string
	list []Value
	obj  map[string]Value
}

// Null returns the null Value. The zero Value is also null.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer as a number Value.
func Int(n int) Value { return Value{kind: KindNumber, num: float64(n)} }

// Int64 wraps a 64-bit integer as a number Value.
func Int64(n int64) Value { return Value{kind: KindNumber, num: float64(n)} }

// Float wraps a float as a number Value.
func Float(f float64) Value { return Value{kind: KindNumber, num: f} }

// Str wraps a string.
func Str(s string) Value { return Value{kind: KindString, str: s} }

// List wraps an ordered sequence of Values.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map wraps a string-keyed mapping of Values.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, obj: cp}
}

// FromAny converts a decoded JSON value (as produced by encoding/json into
// interface{}) to a Value. Unsupported dynamic types yield an error.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Float(t), nil
	case int:
		return Int(t), nil
	case int64:
		return Int64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("number %q out of range: %w", t.String(), err)
		}
		return Float(f), nil
	case string:
		return Str(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, el := range t {
			ev, err := FromAny(el)
			if err != nil {
				return Null(), fmt.Errorf("list element %d: %w", i, err)
			}
			items = append(items, ev)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, el := range t {
			ev, err := FromAny(el)
			if err != nil {
				return Null(), fmt.Errorf("map key %q: %w", k, err)
			}
			obj[k] = ev
		}
		return Value{kind: KindMap, obj: obj}, nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", v)
	}
}

// Kind reports the variant held by the Value.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the Value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload. ok is false for non-bool Values.
func (v Value) Bool() (val bool, ok bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Int returns the numeric payload as an int64 when it has no fractional
// part. ok is false for non-numbers and non-integral numbers.
func (v Value) Int() (val int64, ok bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.num != math.Trunc(v.num) || math.IsInf(v.num, 0) || math.IsNaN(v.num) {
		return 0, false
	}
	return int64(v.num), true
}

// Float returns the numeric payload. ok is false for non-numbers.
func (v Value) Float() (val float64, ok bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Str returns the string payload. ok is false for non-strings.
func (v Value) Str() (val string, ok bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// List returns a copy of the list payload. ok is false for non-lists.
func (v Value) List() (items []Value, ok bool) {
	if v.kind != KindList {
		return nil, false
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// Map returns a copy of the map payload. ok is false for non-maps.
func (v Value) Map() (m map[string]Value, ok bool) {
	if v.kind != KindMap {
		return nil, false
	}
	cp := make(map[string]Value, len(v.obj))
	for k, el := range v.obj {
		cp[k] = el
	}
	return cp, true
}

// String renders the Value for logs. Strings render bare, composites render
// as compact JSON.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		if i, ok := v.Int(); ok {
			return fmt.Sprintf("%d", i)
		}
		return fmt.Sprintf("%g", v.num)
	case KindString:
		return v.str
	default:
		raw, err := v.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("<invalid value: %v>", err)
		}
		return string(raw)
	}
}

// Equal reports deep equality of two Values. Numbers compare by float value.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, el := range v.obj {
			oel, ok := other.obj[k]
			if !ok || !el.Equal(oel) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if i, ok := v.Int(); ok {
			return json.Marshal(i)
		}
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		// Deterministic key order keeps exports and cache keys stable.
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			sb.Write(vb)
		}
		sb.WriteByte('}')
		return []byte(sb.String()), nil
	default:
		return nil, fmt.Errorf("invalid value kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Context is the loosely typed key/value attachment carried by pipeline
// errors. Well-known keys include "line_number" and "surrounding_context".
type Context map[string]Value

// Clone returns an independent copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	cp := make(Context, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// GetString returns the string at key, or ok=false when absent or not a
// string.
func (c Context) GetString(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	return v.Str()
}

// GetInt returns the integer at key, or ok=false when absent or not an
// integral number.
func (c Context) GetInt(key string) (int64, bool) {
	v, ok := c[key]
	if !ok {
		return 0, false
	}
	return v.Int()
}
