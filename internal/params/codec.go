// Package params converts operation parameters to argument types and
// splits validated arguments back into request parameters and a body.
package params

import (
	"fmt"

	"github.com/mark3labs/openapi-mcp-server/internal/schema"
	"github.com/mark3labs/openapi-mcp-server/internal/spec"
)

// Arg is one non-body argument routed to its location.
type Arg struct {
	Name  string
	In    spec.Location
	Value any
}

// Call is the request-shaped form of a tool invocation.
type Call struct {
	Params  []Arg
	Body    any
	HasBody bool
}

// ToSchema bridges every parameter's schema. Optional parameters are wrapped;
// a repeated name replaces the earlier entry.
func ToSchema(ps []spec.Parameter) (map[string]schema.Type, error) {
	out := make(map[string]schema.Type, len(ps))
	for _, p := range ps {
		t, err := schema.FromSchema(p.Schema)
		if err != nil {
			return nil, fmt.Errorf("parameter %q (%s): %w", p.Name, p.In, err)
		}
		if !p.Required {
			t = schema.MakeOptional(t)
		}
		out[p.Name] = t
	}
	return out, nil
}

// InputType is the object type a tool's raw arguments are parsed with.
func InputType(ps []spec.Parameter) (schema.Object, error) {
	fields, err := ToSchema(ps)
	if err != nil {
		return schema.Object{}, err
	}
	return schema.NewObject("", fields), nil
}

// ToCall partitions args following parameter declaration order. Parameters
// missing from args are skipped. When several body parameters are present the
// last one wins.
func ToCall(args map[string]any, ps []spec.Parameter) Call {
	var c Call
	for _, p := range ps {
		v, ok := args[p.Name]
		if !ok {
			continue
		}
		if p.In == spec.InBody {
			c.Body = v
			c.HasBody = true
			continue
		}
		c.Params = append(c.Params, Arg{Name: p.Name, In: p.In, Value: v})
	}
	return c
}
