package spec

// Operation model consumed by the registry. Built from an OpenAPI v3 document
// by BuildDocument; schemas are fully resolved (no $ref left).

type HttpMethod string

const (
	GET     HttpMethod = "get"
	POST    HttpMethod = "post"
	PUT     HttpMethod = "put"
	DELETE  HttpMethod = "delete"
	PATCH   HttpMethod = "patch"
	HEAD    HttpMethod = "head"
	OPTIONS HttpMethod = "options"
	TRACE   HttpMethod = "trace"
)

// Location is where a parameter travels in the outgoing request.
type Location string

const (
	InPath   Location = "path"
	InQuery  Location = "query"
	InHeader Location = "header"
	InCookie Location = "cookie"
	InBody   Location = "body"
)

type Document struct {
	Title       string
	Version     string
	Description string
	Servers     []Server
	Tags        []string
	Operations  []Operation
}

type Server struct {
	URL         string
	Description string
}

type Operation struct {
	Key         string // method + " " + path
	OperationID string // as declared; may be empty
	Method      HttpMethod
	Path        string
	Summary     string
	Description string
	Tags        []string
	Parameters  []Parameter
	// BodyMediaType is the media type the body parameter is encoded with.
	BodyMediaType string
}

type Parameter struct {
	Name        string
	In          Location
	Required    bool
	Description string
	Schema      *Schema
}

// Schema is the OpenAPI subset the tool layer understands.
type Schema struct {
	Type        string
	Title       string
	Description string
	Format      string
	Enum        []any
	Minimum     *float64
	Maximum     *float64
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
}
