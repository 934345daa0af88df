package schema

import (
	"fmt"
	"strings"

	"github.com/mark3labs/openapi-mcp-server/internal/spec"
)

// FromSchema converts one resolved OpenAPI schema node into a Type. It fails
// with *UnsupportedTypeError when the node's type is outside
// string|number|integer|boolean|object|array.
func FromSchema(s *spec.Schema) (Type, error) {
	if s == nil {
		return nil, &UnsupportedTypeError{}
	}
	desc := description(s)
	switch Kind(strings.ToLower(s.Type)) {
	case KindObject:
		return objectFrom(s, desc)
	case KindArray:
		items, err := itemsFrom(s.Items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		return NewArray(desc, items), nil
	case KindString:
		return NewString(desc, stringEnum(s.Enum), s.Format), nil
	case KindNumber:
		return NewNumber(desc, false, s.Minimum, s.Maximum), nil
	case KindInteger:
		return NewNumber(desc, true, s.Minimum, s.Maximum), nil
	case KindBoolean:
		return NewBoolean(desc), nil
	default:
		return nil, &UnsupportedTypeError{Type: s.Type}
	}
}

func objectFrom(s *spec.Schema, desc string) (Object, error) {
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	fields := make(map[string]Type, len(s.Properties))
	for name, prop := range s.Properties {
		t, err := FromSchema(prop)
		if err != nil {
			return Object{}, fmt.Errorf("property %q: %w", name, err)
		}
		if !required[name] {
			t = MakeOptional(t)
		}
		fields[name] = t
	}
	return NewObject(desc, fields), nil
}

// itemsFrom bridges array items. Items that declare a primitive type keep it;
// anything else is treated as object-shaped over its declared properties.
func itemsFrom(items *spec.Schema) (Type, error) {
	if items == nil {
		return NewObject("", nil), nil
	}
	switch Kind(strings.ToLower(items.Type)) {
	case KindString, KindNumber, KindInteger, KindBoolean, KindArray:
		return FromSchema(items)
	case KindObject, "":
		return objectFrom(items, description(items))
	default:
		return nil, &UnsupportedTypeError{Type: items.Type}
	}
}

// description prefers the schema description, then its title.
func description(s *spec.Schema) string {
	if s.Description != "" {
		return s.Description
	}
	return s.Title
}

func stringEnum(values []any) []string {
	var out []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
