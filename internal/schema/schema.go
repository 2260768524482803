package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Schema validates and normalises a raw Value.
type Schema interface {
	Decode(v Value) (Value, *ValidationError)
	Describe() Descriptor
}

// Descriptor is a structural description of a schema used by type renderers.
type Descriptor struct {
	Type     string
	Elem     *Descriptor
	Fields   []FieldDescriptor
	Literals []Value
}

// FieldDescriptor describes one struct field.
type FieldDescriptor struct {
	Name        string
	Description string
	Optional    bool
	Type        Descriptor
}

// Decode is the decode capability: validate raw against s.
func Decode(s Schema, raw Value) (Value, *ValidationError) {
	return s.Decode(raw)
}

func expected(want string, actual Value) *ValidationError {
	return leaf(fmt.Sprintf("Expected %s, actual %s", want, actual))
}

type primitive struct {
	kind Kind
	name string
}

func (p primitive) Decode(v Value) (Value, *ValidationError) {
	if v.Kind() != p.kind {
		return Value{}, expected(p.name, v)
	}

	return v, nil
}

func (p primitive) Describe() Descriptor { return Descriptor{Type: p.name} }

// String accepts any string.
func String() Schema { return primitive{kind: KindString, name: "string"} }

// Number accepts any number.
func Number() Schema { return primitive{kind: KindNumber, name: "number"} }

// Boolean accepts true or false.
func Boolean() Schema { return primitive{kind: KindBool, name: "boolean"} }

// Null accepts only null.
func Null() Schema { return primitive{kind: KindNull, name: "null"} }

type unknown struct{}

func (unknown) Decode(v Value) (Value, *ValidationError) { return v, nil }
func (unknown) Describe() Descriptor                    { return Descriptor{Type: "unknown"} }

// Unknown accepts anything.
func Unknown() Schema { return unknown{} }

type refinement struct {
	from  Schema
	name  string
	check func(Value) bool
}

func (r refinement) Decode(v Value) (Value, *ValidationError) {
	out, err := r.from.Decode(v)
	if err != nil {
		return Value{}, err
	}
	if !r.check(out) {
		return Value{}, expected(r.name, v)
	}

	return out, nil
}

func (r refinement) Describe() Descriptor { return r.from.Describe() }

// Refine narrows s with a predicate. name appears in error messages.
func Refine(s Schema, name string, check func(Value) bool) Schema {
	return refinement{from: s, name: name, check: check}
}

// NonEmptyString accepts strings with at least one character.
func NonEmptyString() Schema {
	return Refine(String(), "a non empty string", func(v Value) bool {
		s, _ := v.Str()

		return s != ""
	})
}

// Integer accepts numbers without a fractional part.
func Integer() Schema {
	return Refine(Number(), "an integer", func(v Value) bool {
		n, _ := v.Num()

		return n == math.Trunc(n) && !math.IsInf(n, 0)
	})
}

type date struct{}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func (date) Decode(v Value) (Value, *ValidationError) {
	s, ok := v.Str()
	if !ok {
		return Value{}, expected("a date string", v)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return StringValue(t.UTC().Format(time.RFC3339)), nil
		}
	}

	return Value{}, expected("a date string", v)
}

func (date) Describe() Descriptor { return Descriptor{Type: "date"} }

// Date accepts RFC3339 or YYYY-MM-DD strings and normalises them to RFC3339 UTC.
func Date() Schema { return date{} }

type literal struct {
	values []Value
}

func (l literal) Decode(v Value) (Value, *ValidationError) {
	for _, lit := range l.values {
		if lit.Equal(v) {
			return v, nil
		}
	}
	names := make([]string, len(l.values))
	for i, lit := range l.values {
		names[i] = lit.String()
	}

	return Value{}, expected(strings.Join(names, " | "), v)
}

func (l literal) Describe() Descriptor { return Descriptor{Type: "literal", Literals: l.values} }

// Literal accepts exactly one of the given values.
func Literal(values ...any) Schema {
	lits := make([]Value, len(values))
	for i, v := range values {
		lits[i] = MustFromAny(v)
	}

	return literal{values: lits}
}

type list struct {
	elem Schema
}

func (l list) Decode(v Value) (Value, *ValidationError) {
	items, ok := v.List()
	if !ok {
		return Value{}, expected("a list", v)
	}
	out := make([]Value, len(items))
	var errs []*ValidationError
	for i, item := range items {
		decoded, err := l.elem.Decode(item)
		if err != nil {
			errs = append(errs, at("["+strconv.Itoa(i)+"]", err))

			continue
		}
		out[i] = decoded
	}
	if len(errs) > 0 {
		return Value{}, &ValidationError{Message: "list", Children: errs}
	}

	return ListValue(out...), nil
}

func (l list) Describe() Descriptor {
	elem := l.elem.Describe()

	return Descriptor{Type: "list", Elem: &elem}
}

// List accepts a list whose items all satisfy elem.
func List(elem Schema) Schema { return list{elem: elem} }

type record struct {
	value Schema
}

func (r record) Decode(v Value) (Value, *ValidationError) {
	m, ok := v.Map()
	if !ok {
		return Value{}, expected("an object", v)
	}
	out := NewFields()
	var errs []*ValidationError
	for _, k := range m.Keys() {
		item, _ := m.Get(k)
		decoded, err := r.value.Decode(item)
		if err != nil {
			errs = append(errs, at(strconv.Quote(k), err))

			continue
		}
		out.Set(k, decoded)
	}
	if len(errs) > 0 {
		return Value{}, &ValidationError{Message: "record", Children: errs}
	}

	return MapValue(out), nil
}

func (r record) Describe() Descriptor {
	elem := r.value.Describe()

	return Descriptor{Type: "record", Elem: &elem}
}

// Record accepts an object with arbitrary keys whose values satisfy value.
func Record(value Schema) Schema { return record{value: value} }

type nullOr struct {
	inner Schema
}

func (n nullOr) Decode(v Value) (Value, *ValidationError) {
	if v.IsNull() {
		return v, nil
	}

	return n.inner.Decode(v)
}

func (n nullOr) Describe() Descriptor {
	inner := n.inner.Describe()

	return Descriptor{Type: "nullable", Elem: &inner}
}

// NullOr accepts null or a value satisfying inner.
func NullOr(inner Schema) Schema { return nullOr{inner: inner} }

// FieldDef declares one field of a Struct.
type FieldDef struct {
	Name        string
	Description string
	Schema      Schema
	Optional    bool
	Default     *Value
}

// Field declares a required field.
func Field(name string, s Schema) FieldDef {
	return FieldDef{Name: name, Schema: s}
}

// Optional declares a field that may be absent.
func Optional(name string, s Schema) FieldDef {
	return FieldDef{Name: name, Schema: s, Optional: true}
}

// WithDefault declares a field that takes def when absent.
func WithDefault(name string, s Schema, def any) FieldDef {
	v := MustFromAny(def)

	return FieldDef{Name: name, Schema: s, Default: &v}
}

// Describe sets the field's description.
func (f FieldDef) Describe(description string) FieldDef {
	f.Description = description

	return f
}

// StructSchema validates an object with a fixed, ordered set of fields.
type StructSchema struct {
	fields []FieldDef
}

// Struct declares an object schema. Field order is preserved in the output.
func Struct(fields ...FieldDef) *StructSchema {
	return &StructSchema{fields: append([]FieldDef(nil), fields...)}
}

// Fields returns the declared fields in order.
func (s *StructSchema) Fields() []FieldDef {
	return append([]FieldDef(nil), s.fields...)
}

// Has reports whether name is a declared field.
func (s *StructSchema) Has(name string) bool {
	for _, f := range s.fields {
		if f.Name == name {
			return true
		}
	}

	return false
}

// Decode implements Schema.
func (s *StructSchema) Decode(v Value) (Value, *ValidationError) {
	m, ok := v.Map()
	if !ok {
		return Value{}, expected("an object", v)
	}
	out, err := s.DecodeFields(m)
	if err != nil {
		return Value{}, err
	}

	return MapValue(out), nil
}

// DecodeFields validates raw and returns exactly the declared fields in order.
// Unknown keys are dropped.
func (s *StructSchema) DecodeFields(raw *Fields) (*Fields, *ValidationError) {
	out := NewFields()
	var errs []*ValidationError
	for _, f := range s.fields {
		v, present := raw.Get(f.Name)
		if !present || (v.IsNull() && (f.Optional || f.Default != nil)) {
			switch {
			case f.Default != nil:
				out.Set(f.Name, *f.Default)
			case f.Optional:
			default:
				errs = append(errs, at(strconv.Quote(f.Name), leaf("is missing")))
			}

			continue
		}
		decoded, err := f.Schema.Decode(v)
		if err != nil {
			errs = append(errs, at(strconv.Quote(f.Name), err))

			continue
		}
		out.Set(f.Name, decoded)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Message: s.signature(), Children: errs}
	}

	return out, nil
}

func (s *StructSchema) signature() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		opt := ""
		if f.Optional || f.Default != nil {
			opt = "?"
		}
		parts[i] = fmt.Sprintf("readonly %s%s: %s", f.Name, opt, f.Schema.Describe().Type)
	}

	return "{ " + strings.Join(parts, "; ") + " }"
}

// Describe implements Schema.
func (s *StructSchema) Describe() Descriptor {
	d := Descriptor{Type: "object"}
	for _, f := range s.fields {
		d.Fields = append(d.Fields, FieldDescriptor{
			Name:        f.Name,
			Description: f.Description,
			Optional:    f.Optional,
			Type:        f.Schema.Describe(),
		})
	}

	return d
}
