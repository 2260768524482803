package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Fields is an insertion-ordered map of field name to Value.
type Fields struct {
	keys   []string
	values map[string]Value
}

// NewFields creates an empty ordered map.
func NewFields() *Fields {
	return &Fields{values: make(map[string]Value)}
}

// FieldsOf builds an ordered map from alternating key/value pairs.
func FieldsOf(pairs ...interface{}) *Fields {
	f := NewFields()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("FieldsOf: key %v is not a string", pairs[i]))
		}
		f.Set(key, MustFromAny(pairs[i+1]))
	}

	return f
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}

	return len(f.keys)
}

// Keys returns field names in insertion order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.keys))
	copy(out, f.keys)

	return out
}

// Has reports whether name is present.
func (f *Fields) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.values[name]

	return ok
}

// Get returns the value stored under name.
func (f *Fields) Get(name string) (Value, bool) {
	if f == nil {
		return Value{}, false
	}
	v, ok := f.values[name]

	return v, ok
}

// Set stores v under name. Existing keys keep their position.
func (f *Fields) Set(name string, v Value) {
	if f.values == nil {
		f.values = make(map[string]Value)
	}
	if _, ok := f.values[name]; !ok {
		f.keys = append(f.keys, name)
	}
	f.values[name] = v
}

// Delete removes name.
func (f *Fields) Delete(name string) {
	if _, ok := f.values[name]; !ok {
		return
	}
	delete(f.values, name)
	for i, k := range f.keys {
		if k == name {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)

			break
		}
	}
}

// Clone returns a shallow copy; Values are immutable so this is sufficient.
func (f *Fields) Clone() *Fields {
	out := NewFields()
	if f == nil {
		return out
	}
	out.keys = append(out.keys, f.keys...)
	for k, v := range f.values {
		out.values[k] = v
	}

	return out
}

// Merge returns a copy of f with every field of other set on top.
func (f *Fields) Merge(other *Fields) *Fields {
	out := f.Clone()
	for _, k := range other.Keys() {
		v, _ := other.Get(k)
		out.Set(k, v)
	}

	return out
}

// Equal reports whether both maps hold equal values for the same keys.
func (f *Fields) Equal(o *Fields) bool {
	if f.Len() != o.Len() {
		return false
	}
	for _, k := range f.Keys() {
		a, _ := f.Get(k)
		b, ok := o.Get(k)
		if !ok || !a.Equal(b) {
			return false
		}
	}

	return true
}

// Any converts the map into a map[string]any.
func (f *Fields) Any() map[string]any {
	out := make(map[string]any, f.Len())
	for _, k := range f.Keys() {
		v, _ := f.Get(k)
		out[k] = v.Any()
	}

	return out
}

// MarshalJSON writes the fields as a JSON object in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		v, _ := f.Get(k)
		data, err := v.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(data)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	v, err := decodeJSON(data)
	if err != nil {
		return err
	}
	m, ok := v.Map()
	if !ok {
		return fmt.Errorf("expected JSON object, got %s", v.Kind())
	}
	*f = *m.Clone()

	return nil
}

func decodeJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeToken(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("unexpected trailing data after JSON value")
	}

	return v, nil
}

func decodeToken(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			fields := NewFields()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("expected object key, got %v", keyTok)
				}
				val, err := decodeToken(dec)
				if err != nil {
					return Value{}, err
				}
				fields.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}

			return MapValue(fields), nil
		case '[':
			items := []Value{}
			for dec.More() {
				val, err := decodeToken(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}

			return ListValue(items...), nil
		}

		return Value{}, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return FromAny(t)
	}
}
