// Package registry turns a loaded API description into callable operation
// entries bound to an authenticated HTTP client.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/mark3labs/openapi-mcp-server/internal/auth"
	"github.com/mark3labs/openapi-mcp-server/internal/httpclient"
	"github.com/mark3labs/openapi-mcp-server/internal/params"
	"github.com/mark3labs/openapi-mcp-server/internal/schema"
	"github.com/mark3labs/openapi-mcp-server/internal/spec"
)

const (
	maxDescriptionIDLen = 64
	maxPathIDLen        = 55
)

// Entry is one callable operation. Entries are immutable after Build.
type Entry struct {
	OperationID string
	Description string
	Method      spec.HttpMethod
	Path        string
	Parameters  []spec.Parameter
	// Input is the argument type built from Parameters.
	Input schema.Object

	invoke func(ctx context.Context, call params.Call) (*httpclient.Response, error)
}

// Invoke performs the HTTP call for this entry.
func (e Entry) Invoke(ctx context.Context, call params.Call) (*httpclient.Response, error) {
	if e.invoke == nil {
		return nil, &httpclient.RouteNotFoundError{OperationID: e.OperationID}
	}
	return e.invoke(ctx, call)
}

// NewEntry builds an entry around an arbitrary invocation callback.
func NewEntry(operationID, description string, ps []spec.Parameter, invoke func(context.Context, params.Call) (*httpclient.Response, error)) (Entry, error) {
	input, err := params.InputType(ps)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		OperationID: operationID,
		Description: description,
		Parameters:  ps,
		Input:       input,
		invoke:      invoke,
	}, nil
}

// Options configures Load.
type Options struct {
	SpecSource   string
	BaseURL      string
	ExtraHeaders map[string]string
	Auth         *auth.Manager
	Timeout      time.Duration
	RateLimit    float64
	Filters      []spec.BuildOption
	Logger       *zap.Logger
}

// Load reads the API description and returns one entry per operation. The
// HTTP client sends ExtraHeaders merged with the auth headers, which win on
// collision and are resolved per request.
func Load(ctx context.Context, opts Options) ([]Entry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.SpecSource) == "" {
		return nil, errors.New("spec source is required")
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("base URL is required")
	}

	raw, err := spec.Load(ctx, opts.SpecSource, spec.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	doc, err := spec.BuildDocument(raw, opts.Filters...)
	if err != nil {
		return nil, err
	}

	clientOpts := []httpclient.Option{
		httpclient.WithLogger(logger),
		httpclient.WithTimeout(opts.Timeout),
		httpclient.WithRateLimit(opts.RateLimit),
		httpclient.WithHeaderSource(httpclient.StaticHeaders(opts.ExtraHeaders)),
	}
	if opts.Auth != nil {
		clientOpts = append(clientOpts,
			httpclient.WithTLSConfig(opts.Auth.TLSConfig()),
			httpclient.WithHeaderSource(opts.Auth.Headers))
	}
	client, err := httpclient.New(opts.BaseURL, clientOpts...)
	if err != nil {
		return nil, err
	}

	entries, err := Build(doc, client, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("operations loaded",
		zap.String("spec", opts.SpecSource),
		zap.String("title", doc.Title),
		zap.Int("operations", len(entries)))
	return entries, nil
}

// Build binds every operation of doc to client. A parameter schema outside
// the supported types aborts the whole build.
func Build(doc *spec.Document, client *httpclient.Client, logger *zap.Logger) ([]Entry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make([]Entry, 0, len(doc.Operations))
	index := make(map[string]int, len(doc.Operations))
	for _, op := range doc.Operations {
		id := OperationID(op)
		client.Bind(httpclient.Route{
			OperationID:   id,
			Method:        string(op.Method),
			Path:          op.Path,
			BodyMediaType: op.BodyMediaType,
		})
		e, err := NewEntry(id, describe(op), op.Parameters, func(ctx context.Context, call params.Call) (*httpclient.Response, error) {
			return client.Call(ctx, id, call)
		})
		if err != nil {
			return nil, fmt.Errorf("operation %s %s: %w", strings.ToUpper(string(op.Method)), op.Path, err)
		}
		e.Method, e.Path = op.Method, op.Path
		if err := compileInputSchema(e.Input); err != nil {
			return nil, fmt.Errorf("operation %s: input schema: %w", id, err)
		}

		if i, dup := index[id]; dup {
			logger.Warn("duplicate operation id, keeping the last one",
				zap.String("operation_id", id),
				zap.String("path", op.Path))
			entries[i] = e
			continue
		}
		index[id] = len(entries)
		entries = append(entries, e)
	}
	return entries, nil
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// OperationID returns the declared operationId, else one derived from the
// description, else one derived from method and path.
func OperationID(op spec.Operation) string {
	if id := strings.TrimSpace(op.OperationID); id != "" {
		return id
	}
	if op.Description != "" {
		id := unsafeIDChars.ReplaceAllString(op.Description, "_")
		if len(id) > maxDescriptionIDLen {
			id = id[:maxDescriptionIDLen]
		}
		return id
	}
	path := unsafeIDChars.ReplaceAllString(op.Path, "_")
	if len(path) > maxPathIDLen {
		path = path[len(path)-maxPathIDLen:]
	}
	return strings.ToLower(string(op.Method)) + "_" + path
}

func describe(op spec.Operation) string {
	switch {
	case op.Description != "":
		return op.Description
	case op.Summary != "":
		return op.Summary
	default:
		return strings.ToUpper(string(op.Method)) + " " + op.Path
	}
}

// compileInputSchema checks that the rendered input schema is a valid JSON
// Schema document.
func compileInputSchema(in schema.Object) error {
	b, err := json.Marshal(in.JSONSchema())
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("input.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
