package params

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mark3labs/openapi-mcp-server/internal/schema"
	"github.com/mark3labs/openapi-mcp-server/internal/spec"
)

func partitionParams() []spec.Parameter {
	return []spec.Parameter{
		{Name: "id", In: spec.InPath, Required: true, Schema: &spec.Schema{Type: "integer"}},
		{Name: "filter", In: spec.InQuery, Schema: &spec.Schema{Type: "string"}},
		{Name: "data", In: spec.InBody, Required: true, Schema: &spec.Schema{
			Type:       "object",
			Properties: map[string]*spec.Schema{"name": {Type: "string"}},
		}},
	}
}

func TestToCall_Partition(t *testing.T) {
	t.Parallel()
	ps := partitionParams()

	c := ToCall(map[string]any{"id": 123, "filter": "active", "data": map[string]any{"name": "Test"}}, ps)
	assert.Equal(t, []Arg{
		{Name: "id", In: spec.InPath, Value: 123},
		{Name: "filter", In: spec.InQuery, Value: "active"},
	}, c.Params)
	assert.True(t, c.HasBody)
	assert.Equal(t, map[string]any{"name": "Test"}, c.Body)

	c = ToCall(map[string]any{"id": 123}, ps)
	assert.Equal(t, []Arg{{Name: "id", In: spec.InPath, Value: 123}}, c.Params)
	assert.False(t, c.HasBody)
	assert.Nil(t, c.Body)
}

func TestToCall_LastBodyWins(t *testing.T) {
	t.Parallel()
	ps := []spec.Parameter{
		{Name: "first", In: spec.InBody},
		{Name: "second", In: spec.InBody},
	}
	c := ToCall(map[string]any{"first": "a", "second": "b"}, ps)
	assert.Equal(t, "b", c.Body)
	assert.Empty(t, c.Params)
}

func TestToSchema_RequiredAndOptional(t *testing.T) {
	t.Parallel()
	fields, err := ToSchema(partitionParams())
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.False(t, schema.IsOptional(fields["id"]))
	assert.True(t, schema.IsOptional(fields["filter"]))
	assert.False(t, schema.IsOptional(fields["data"]))

	empty, err := ToSchema(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestToSchema_NameCollisionLastWins(t *testing.T) {
	t.Parallel()
	fields, err := ToSchema([]spec.Parameter{
		{Name: "x", In: spec.InQuery, Schema: &spec.Schema{Type: "string"}},
		{Name: "x", In: spec.InHeader, Required: true, Schema: &spec.Schema{Type: "boolean"}},
	})
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, schema.KindBoolean, fields["x"].Kind())
}

func TestToSchema_Unsupported(t *testing.T) {
	t.Parallel()
	_, err := ToSchema([]spec.Parameter{{Name: "f", In: spec.InQuery, Schema: &spec.Schema{Type: "file"}}})
	var ute *schema.UnsupportedTypeError
	assert.True(t, errors.As(err, &ute))
}

func TestInputType_ParsesArguments(t *testing.T) {
	t.Parallel()
	in, err := InputType(partitionParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "id"}, in.Required())

	_, err = in.Parse(map[string]any{"id": 1.0, "data": map[string]any{}})
	assert.NoError(t, err)
	_, err = in.Parse(map[string]any{"data": map[string]any{}})
	assert.Error(t, err)
}

func TestToCall_PreservesDeclarationOrder(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "n")
		locs := []spec.Location{spec.InPath, spec.InQuery, spec.InHeader, spec.InCookie, spec.InBody}
		var ps []spec.Parameter
		args := map[string]any{}
		var wantNames []string
		var lastBody any
		hasBody := false
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("p%d", i)
			loc := rapid.SampledFrom(locs).Draw(rt, "loc")
			ps = append(ps, spec.Parameter{Name: name, In: loc})
			if !rapid.Bool().Draw(rt, "present") {
				continue
			}
			args[name] = i
			if loc == spec.InBody {
				lastBody, hasBody = i, true
				continue
			}
			wantNames = append(wantNames, name)
		}

		c := ToCall(args, ps)
		var gotNames []string
		for _, a := range c.Params {
			gotNames = append(gotNames, a.Name)
			if a.In == spec.InBody {
				rt.Fatalf("body parameter %s routed as %s", a.Name, a.In)
			}
		}
		if fmt.Sprint(gotNames) != fmt.Sprint(wantNames) {
			rt.Fatalf("params %v, want %v", gotNames, wantNames)
		}
		if c.HasBody != hasBody || c.Body != lastBody {
			rt.Fatalf("body %v/%v, want %v/%v", c.Body, c.HasBody, lastBody, hasBody)
		}
	})
}
