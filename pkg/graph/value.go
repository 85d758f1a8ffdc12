package graph

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Kind enumerates the scalar kinds an attribute [Value] may hold.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindList
)

// Value is the typed union stored in entity and relation attribute maps:
// string | number | bool | list of strings. The zero Value is the empty
// string. JSON (un)marshalling preserves the native representation, so
// attribute maps round-trip loss-free through the persistence format.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
}

// String wraps a string attribute value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric attribute value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean attribute value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps a list-of-strings attribute value.
func List(items ...string) Value {
	return Value{kind: KindList, list: slices.Clone(items)}
}

// Kind returns which union member the value holds.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string member. ok is false for other kinds.
func (v Value) AsString() (s string, ok bool) { return v.str, v.kind == KindString }

// AsNumber returns the numeric member. ok is false for other kinds.
func (v Value) AsNumber() (n float64, ok bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean member. ok is false for other kinds.
func (v Value) AsBool() (b bool, ok bool) { return v.b, v.kind == KindBool }

// AsList returns a copy of the list member. ok is false for other kinds.
func (v Value) AsList() (items []string, ok bool) {
	if v.kind != KindList {
		return nil, false
	}
	return slices.Clone(v.list), true
}

// Text renders the value for display in prompts and log lines.
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		return strings.Join(v.list, ", ")
	default:
		return v.str
	}
}

// Equal reports structural equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		return slices.Equal(v.list, o.list)
	default:
		return v.str == o.str
	}
}

func (v Value) clone() Value {
	if v.kind == KindList {
		v.list = slices.Clone(v.list)
	}
	return v
}

// MarshalJSON encodes the value as its native JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(v.list)
	default:
		return json.Marshal(v.str)
	}
}

// UnmarshalJSON accepts any JSON scalar or array. Mixed-type arrays are
// coerced element-wise to strings; objects collapse to their compact JSON
// text so that no attribute is ever lost on load.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = String(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = Number(n)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Bool(b)
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err == nil {
		list := make([]string, 0, len(items))
		for _, it := range items {
			if str, ok := it.(string); ok {
				list = append(list, str)
			} else {
				list = append(list, fmt.Sprint(it))
			}
		}
		*v = Value{kind: KindList, list: list}
		return nil
	}
	*v = String(string(data))
	return nil
}

// FromAny converts a decoded JSON value (as produced by encoding/json into
// an any) to a [Value]. Used when ingesting LLM output.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case string:
		return String(x)
	case float64:
		return Number(x)
	case bool:
		return Bool(x)
	case []any:
		list := make([]string, 0, len(x))
		for _, it := range x {
			if s, ok := it.(string); ok {
				list = append(list, s)
			} else {
				list = append(list, fmt.Sprint(it))
			}
		}
		return Value{kind: KindList, list: list}
	case nil:
		return String("")
	default:
		return String(fmt.Sprint(x))
	}
}
