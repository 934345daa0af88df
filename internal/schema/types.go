// Package schema bridges OpenAPI schema nodes into runtime-checked types.
//
// A Type validates an incoming argument value and returns the value to
// forward upstream; date-time strings come back as time.Time. Types are
// immutable once built. Optionality is expressed by wrapping a Type with
// Optional, never by mutating it.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// Kind is the declared OpenAPI type of a node.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// FormatDateTime is the only string format that changes the parsed value.
const FormatDateTime = "date-time"

type Type interface {
	Kind() Kind
	Description() string
	// Parse validates v and returns the value to forward.
	Parse(v any) (any, error)
	// JSONSchema renders the type as a JSON Schema object.
	JSONSchema() map[string]any
}

// Optional marks a Type as not required when embedded as an object field.
// A present value must still satisfy the wrapped type.
type Optional struct {
	Type
}

// MakeOptional wraps t unless it is already optional.
func MakeOptional(t Type) Type {
	if IsOptional(t) {
		return t
	}
	return Optional{Type: t}
}

func IsOptional(t Type) bool {
	_, ok := t.(Optional)
	return ok
}

type String struct {
	desc   string
	enum   []string
	format string
}

func NewString(description string, enum []string, format string) String {
	return String{desc: description, enum: append([]string(nil), enum...), format: format}
}

func (s String) Kind() Kind          { return KindString }
func (s String) Description() string { return s.desc }
func (s String) Enum() []string      { return append([]string(nil), s.enum...) }
func (s String) Format() string      { return s.format }

func (s String) Parse(v any) (any, error) {
	str, ok := v.(string)
	if !ok {
		return nil, newValidationError("expected string, received %s", describe(v))
	}
	if len(s.enum) > 0 {
		allowed := false
		for _, e := range s.enum {
			if e == str {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, newValidationError("invalid enum value %q, expected one of %q", str, s.enum)
		}
	}
	if s.format == FormatDateTime {
		ts, err := parseDateTime(str)
		if err != nil {
			return nil, newValidationError("invalid date-time %q", str)
		}
		return ts, nil
	}
	return str, nil
}

func (s String) JSONSchema() map[string]any {
	out := map[string]any{"type": string(KindString)}
	if len(s.enum) > 0 {
		out["enum"] = append([]string(nil), s.enum...)
	}
	if s.format != "" {
		out["format"] = s.format
	}
	return withDescription(out, s.desc)
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateTimeLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Number covers both number and integer nodes; bounds are inclusive.
type Number struct {
	desc    string
	integer bool
	min     *float64
	max     *float64
}

func NewNumber(description string, integer bool, minimum, maximum *float64) Number {
	return Number{desc: description, integer: integer, min: copyFloat(minimum), max: copyFloat(maximum)}
}

func (n Number) Kind() Kind {
	if n.integer {
		return KindInteger
	}
	return KindNumber
}

func (n Number) Description() string { return n.desc }

func (n Number) Parse(v any) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, newValidationError("expected %s, received %s", n.Kind(), describe(v))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, newValidationError("expected finite %s", n.Kind())
	}
	if n.integer && f != math.Trunc(f) {
		return nil, newValidationError("expected integer, received %v", f)
	}
	if n.min != nil && f < *n.min {
		return nil, newValidationError("number must be greater than or equal to %v", *n.min)
	}
	if n.max != nil && f > *n.max {
		return nil, newValidationError("number must be less than or equal to %v", *n.max)
	}
	// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n.integer && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

func (n Number) JSONSchema() map[string]any {
	out := map[string]any{"type": string(n.Kind())}
	if n.min != nil {
		out["minimum"] = *n.min
	}
	if n.max != nil {
		out["maximum"] = *n.max
	}
	return withDescription(out, n.desc)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type Boolean struct {
	desc string
}

func NewBoolean(description string) Boolean { return Boolean{desc: description} }

func (b Boolean) Kind() Kind          { return KindBoolean }
func (b Boolean) Description() string { return b.desc }

func (b Boolean) Parse(v any) (any, error) {
	val, ok := v.(bool)
	if !ok {
		return nil, newValidationError("expected boolean, received %s", describe(v))
	}
	return val, nil
}

func (b Boolean) JSONSchema() map[string]any {
	return withDescription(map[string]any{"type": string(KindBoolean)}, b.desc)
}

// Object validates a mapping. Keys without a field type are passed through.
type Object struct {
	desc   string
	fields map[string]Type
	names  []string
}

func NewObject(description string, fields map[string]Type) Object {
	o := Object{desc: description, fields: make(map[string]Type, len(fields))}
	for name, t := range fields {
		o.fields[name] = t
		o.names = append(o.names, name)
	}
	sort.Strings(o.names)
	return o
}

func (o Object) Kind() Kind          { return KindObject }
func (o Object) Description() string { return o.desc }

// Field returns the type of a declared field.
func (o Object) Field(name string) (Type, bool) {
	t, ok := o.fields[name]
	return t, ok
}

// Required lists the declared fields that are not optional, sorted.
func (o Object) Required() []string {
	var out []string
	for _, name := range o.names {
		if !IsOptional(o.fields[name]) {
			out = append(out, name)
		}
	}
	return out
}

func (o Object) Parse(v any) (any, error) {
	in, ok := asMap(v)
	if !ok {
		return nil, newValidationError("expected object, received %s", describe(v))
	}
	out := make(map[string]any, len(in))
	for k, val := range in {
		if _, declared := o.fields[k]; !declared {
			out[k] = val
		}
	}
	for _, name := range o.names {
		field := o.fields[name]
		val, present := in[name]
		if !present {
			if IsOptional(field) {
				continue
			}
			return nil, newValidationError("required").at(name)
		}
		parsed, err := field.Parse(val)
		if err != nil {
			return nil, wrapAt(err, name)
		}
		out[name] = parsed
	}
	return out, nil
}

func (o Object) JSONSchema() map[string]any {
	props := make(map[string]any, len(o.names))
	for _, name := range o.names {
		props[name] = o.fields[name].JSONSchema()
	}
	out := map[string]any{"type": string(KindObject), "properties": props}
	if req := o.Required(); len(req) > 0 {
		out["required"] = req
	}
	return withDescription(out, o.desc)
}

type Array struct {
	desc  string
	items Type
}

func NewArray(description string, items Type) Array {
	return Array{desc: description, items: items}
}

func (a Array) Kind() Kind          { return KindArray }
func (a Array) Description() string { return a.desc }
func (a Array) Items() Type         { return a.items }

func (a Array) Parse(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if v == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, newValidationError("expected array, received %s", describe(v))
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parsed, err := a.items.Parse(rv.Index(i).Interface())
		if err != nil {
			return nil, wrapAt(err, fmt.Sprint(i))
		}
		out[i] = parsed
	}
	return out, nil
}

func (a Array) JSONSchema() map[string]any {
	out := map[string]any{"type": string(KindArray), "items": a.items.JSONSchema()}
	return withDescription(out, a.desc)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	}
	return nil, false
}

func withDescription(m map[string]any, desc string) map[string]any {
	if desc != "" {
		m["description"] = desc
	}
	return m
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
