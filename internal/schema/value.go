// Package schema provides the closed value type used for document fields and
// the decode capability that validates raw input against a declared schema.
//
// Field values are never native dynamic objects: every value is one of null,
// string, number, bool, list or an ordered map, so validation and
// serialization are total over a closed set.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindList:
		return "list"
	case KindMap:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged field value. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    *Fields
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue wraps a number.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ListValue wraps a list of values.
func ListValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}

	return Value{kind: KindList, list: items}
}

// MapValue wraps an ordered map. A nil map becomes an empty one.
func MapValue(m *Fields) Value {
	if m == nil {
		m = NewFields()
	}

	return Value{kind: KindMap, m: m}
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number held by v.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// List returns the items held by v.
func (v Value) List() ([]Value, bool) { return v.list, v.kind == KindList }

// Map returns the ordered map held by v.
func (v Value) Map() (*Fields, bool) { return v.m, v.kind == KindMap }

// Equal reports deep equality. Map key order is not significant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}

		return true
	case KindMap:
		return v.m.Equal(o.m)
	}

	return false
}

// Any converts v back into plain Go values (map[string]any, []any, ...).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}

		return out
	case KindMap:
		return v.m.Any()
	default:
		return nil
	}
}

// String renders v for error messages.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return v.kind.String()
		}

		return string(data)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("cannot encode %v as JSON", v.num)
		}

		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}

		return json.Marshal(v.list)
	case KindMap:
		return v.m.MarshalJSON()
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler, preserving object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := decodeJSON(data)
	if err != nil {
		return err
	}
	*v = decoded

	return nil
}

// FromAny converts decoded JSON/YAML data into a Value. Plain Go maps are
// converted with sorted keys so the result is deterministic.
func FromAny(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return x, nil
	case *Fields:
		return MapValue(x), nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x, err)
		}

		return NumberValue(f), nil
	case time.Time:
		return StringValue(x.UTC().Format(time.RFC3339)), nil
	case []Value:
		return ListValue(x...), nil
	case []any:
		items := make([]Value, 0, len(x))
		for i, item := range x {
			val, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, val)
		}

		return ListValue(items...), nil
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = StringValue(s)
		}

		return ListValue(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := NewFields()
		for _, k := range keys {
			val, err := FromAny(x[k])
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields.Set(k, val)
		}

		return MapValue(fields), nil
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NumberValue(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NumberValue(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return NumberValue(rv.Float()), nil
	case reflect.Slice, reflect.Array:
		items := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			val, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, val)
		}

		return ListValue(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		fields := NewFields()
		for _, k := range keys {
			val, err := FromAny(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields.Set(k, val)
		}

		return MapValue(fields), nil
	}

	return Value{}, fmt.Errorf("unsupported value of type %T", in)
}

// MustFromAny is FromAny for literals known to be valid.
func MustFromAny(in any) Value {
	v, err := FromAny(in)
	if err != nil {
		panic(err)
	}

	return v
}
