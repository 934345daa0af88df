package spec

import (
	"context"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSpec = `openapi: 3.0.0
info:
  title: Sample API
  version: "1.0.0"
  description: Demo
paths:
  /pets:
    parameters:
      - in: query
        name: limit
        required: false
        schema:
          type: integer
      - in: header
        name: X-Trace
        schema:
          type: string
    get:
      operationId: listPets
      summary: List pets
      description: Returns all pets
      tags: [read, animal]
      parameters:
        - in: query
          name: limit
          required: true
          description: Page size
          schema:
            type: integer
            minimum: 1
            maximum: 100
        - in: query
          name: status
          schema:
            type: string
            enum: [available, sold]
      responses:
        "200":
          description: ok
    post:
      summary: Create pet
      tags: [write, animal]
      requestBody:
        required: true
        content:
          application/xml:
            schema:
              type: string
          application/json:
            schema:
              $ref: '#/components/schemas/Pet'
      responses:
        "201":
          description: created
  /admin:
    get:
      summary: Admin only
      tags: [admin]
      responses:
        "200": { description: ok }
components:
  schemas:
    Pet:
      type: object
      title: Pet
      required: [id, name]
      properties:
        id:
          type: integer
          format: int64
        name:
          type: string
        owner:
          $ref: '#/components/schemas/Owner'
    Owner:
      allOf:
        - $ref: '#/components/schemas/Named'
        - type: object
          required: [since]
          properties:
            since:
              type: string
              format: date-time
            nicknames:
              type: array
              items:
                type: string
    Named:
      type: object
      required: [label]
      properties:
        label:
          type: string
`

func loadDoc(t *testing.T, src string) *openapi3.T {
	t.Helper()
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData([]byte(strings.TrimSpace(src)))
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))
	return doc
}

func findOperation(t *testing.T, d *Document, method HttpMethod, path string) Operation {
	t.Helper()
	for _, op := range d.Operations {
		if op.Method == method && op.Path == path {
			return op
		}
	}
	t.Fatalf("operation %s %s not found", method, path)
	return Operation{}
}

func TestBuildDocument_Basic(t *testing.T) {
	t.Parallel()
	d, err := BuildDocument(loadDoc(t, sampleSpec))
	require.NoError(t, err)

	assert.Equal(t, "Sample API", d.Title)
	require.Len(t, d.Operations, 3) // GET /admin, GET /pets, POST /pets
	assert.Equal(t, []string{"admin", "animal", "read", "write"}, d.Tags)

	get := findOperation(t, d, GET, "/pets")
	assert.Equal(t, "listPets", get.OperationID)
	assert.Equal(t, "get /pets", get.Key)
	require.Len(t, get.Parameters, 3)
	// path-level order kept, operation-level limit overrides in place
	assert.Equal(t, "limit", get.Parameters[0].Name)
	assert.True(t, get.Parameters[0].Required)
	assert.Equal(t, "Page size", get.Parameters[0].Schema.Description)
	require.NotNil(t, get.Parameters[0].Schema.Minimum)
	assert.Equal(t, 1.0, *get.Parameters[0].Schema.Minimum)
	assert.Equal(t, InHeader, get.Parameters[1].In)
	assert.Equal(t, []any{"available", "sold"}, get.Parameters[2].Schema.Enum)
	assert.Empty(t, get.BodyMediaType)
}

func TestBuildDocument_BodyParameter(t *testing.T) {
	t.Parallel()
	d, err := BuildDocument(loadDoc(t, sampleSpec))
	require.NoError(t, err)

	post := findOperation(t, d, POST, "/pets")
	assert.Empty(t, post.OperationID)
	assert.Equal(t, "application/json", post.BodyMediaType)

	body := post.Parameters[len(post.Parameters)-1]
	assert.Equal(t, "body", body.Name)
	assert.Equal(t, InBody, body.In)
	assert.True(t, body.Required)
	require.NotNil(t, body.Schema)
	assert.Equal(t, "object", body.Schema.Type)
	assert.ElementsMatch(t, []string{"id", "name"}, body.Schema.Required)

	owner := body.Schema.Properties["owner"]
	require.NotNil(t, owner)
	assert.Equal(t, "object", owner.Type, "allOf members merge into an object")
	assert.Contains(t, owner.Properties, "label")
	assert.Contains(t, owner.Properties, "since")
	assert.ElementsMatch(t, []string{"since", "label"}, owner.Required)

	nicknames := owner.Properties["nicknames"]
	require.NotNil(t, nicknames)
	require.NotNil(t, nicknames.Items)
	assert.Equal(t, "string", nicknames.Items.Type)
	assert.Equal(t, "date-time", owner.Properties["since"].Format)
}

func TestToSchema_CycleIsCutOff(t *testing.T) {
	t.Parallel()
	node := &openapi3.Schema{Type: "object", Description: "tree node", Properties: openapi3.Schemas{}}
	node.Properties["children"] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:  "array",
		Items: &openapi3.SchemaRef{Ref: "#/components/schemas/Node", Value: node},
	}}

	s := toSchema(&openapi3.SchemaRef{Value: node}, nil)
	require.NotNil(t, s)
	children := s.Properties["children"]
	require.NotNil(t, children)
	require.NotNil(t, children.Items)
	assert.Equal(t, "object", children.Items.Type)
	assert.Equal(t, "tree node", children.Items.Description)
	assert.Empty(t, children.Items.Properties)
}

func TestBuildDocument_TagFiltering(t *testing.T) {
	t.Parallel()
	doc := loadDoc(t, sampleSpec)

	d, err := BuildDocument(doc, WithIncludeTags([]string{"read"}))
	require.NoError(t, err)
	require.Len(t, d.Operations, 1)
	assert.Equal(t, "get /pets", d.Operations[0].Key)
	assert.Equal(t, []string{"animal", "read"}, d.Tags)

	d2, err := BuildDocument(doc, WithExcludeTags([]string{"admin"}))
	require.NoError(t, err)
	for _, op := range d2.Operations {
		assert.NotEqual(t, "/admin", op.Path)
	}
}

func TestBuildDocument_MethodAndPathFilters(t *testing.T) {
	t.Parallel()
	doc := loadDoc(t, sampleSpec)

	d, err := BuildDocument(doc, WithMethods([]HttpMethod{"POST"}), WithPathPatterns([]string{"^/pets$"}))
	require.NoError(t, err)
	require.Len(t, d.Operations, 1)
	assert.Equal(t, POST, d.Operations[0].Method)

	none, err := BuildDocument(doc, WithPathPatterns([]string{"(["}))
	require.NoError(t, err)
	assert.Empty(t, none.Operations)
}

func TestBuildDocument_NilDocument(t *testing.T) {
	t.Parallel()
	_, err := BuildDocument(nil)
	assert.Error(t, err)
}
