package spec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// BuildOption configures how the Document is built from an OpenAPI doc.
type BuildOption func(*buildConfig)

type buildConfig struct {
	includeTags map[string]struct{}
	excludeTags map[string]struct{}
	methods     map[HttpMethod]struct{}
	pathRes     []*regexp.Regexp
}

// WithIncludeTags keeps only operations that have at least one of the given tags.
func WithIncludeTags(tags []string) BuildOption {
	return func(c *buildConfig) {
		c.includeTags = addTags(c.includeTags, tags)
	}
}

// WithExcludeTags removes operations that have any of the given tags.
func WithExcludeTags(tags []string) BuildOption {
	return func(c *buildConfig) {
		c.excludeTags = addTags(c.excludeTags, tags)
	}
}

func addTags(set map[string]struct{}, tags []string) map[string]struct{} {
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(tags))
		}
		set[t] = struct{}{}
	}
	return set
}

// WithMethods keeps only operations using one of the provided HTTP methods.
func WithMethods(methods []HttpMethod) BuildOption {
	return func(c *buildConfig) {
		for _, m := range methods {
			if c.methods == nil {
				c.methods = make(map[HttpMethod]struct{}, len(methods))
			}
			c.methods[HttpMethod(strings.ToLower(string(m)))] = struct{}{}
		}
	}
}

// WithPathPatterns keeps only operations whose path matches at least one of
// the provided regular expressions. An invalid pattern never matches.
func WithPathPatterns(patterns []string) BuildOption {
	return func(c *buildConfig) {
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			re, err := regexp.Compile(p)
			if err != nil {
				re = regexp.MustCompile("a^$")
			}
			c.pathRes = append(c.pathRes, re)
		}
	}
}

// BuildDocument converts an OpenAPI v3 document into the operation model.
// Paths are visited in sorted order and methods in a fixed order so the
// result is deterministic.
func BuildDocument(doc *openapi3.T, opts ...BuildOption) (*Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}

	cfg := &buildConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	out := &Document{}
	if doc.Info != nil {
		out.Title = safeStr(doc.Info.Title)
		out.Version = safeStr(doc.Info.Version)
		out.Description = safeStr(doc.Info.Description)
	}
	for _, s := range doc.Servers {
		if s == nil {
			continue
		}
		out.Servers = append(out.Servers, Server{URL: safeStr(s.URL), Description: safeStr(s.Description)})
	}

	pathKeys := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, p := range pathKeys {
		item := doc.Paths[p]
		if item == nil || !cfg.allowPath(p) {
			continue
		}
		ops := []struct {
			m HttpMethod
			o *openapi3.Operation
		}{
			{GET, item.Get},
			{POST, item.Post},
			{PUT, item.Put},
			{DELETE, item.Delete},
			{PATCH, item.Patch},
			{HEAD, item.Head},
			{OPTIONS, item.Options},
			{TRACE, item.Trace},
		}
		for _, pair := range ops {
			if pair.o == nil || !cfg.allowMethod(pair.m) {
				continue
			}
			tags := make([]string, 0, len(pair.o.Tags))
			for _, t := range pair.o.Tags {
				if t = strings.TrimSpace(t); t != "" {
					tags = append(tags, t)
				}
			}
			if !allowByTags(tags, cfg) {
				continue
			}

			params := mergeParameters(item.Parameters, pair.o.Parameters)
			op := Operation{
				Key:         string(pair.m) + " " + p,
				OperationID: safeStr(pair.o.OperationID),
				Method:      pair.m,
				Path:        p,
				Summary:     safeStr(pair.o.Summary),
				Description: safeStr(pair.o.Description),
				Tags:        tags,
				Parameters:  params,
			}
			if body, mime := bodyParameter(pair.o.RequestBody); body != nil {
				op.Parameters = append(op.Parameters, *body)
				op.BodyMediaType = mime
			}
			out.Operations = append(out.Operations, op)
		}
	}

	out.Tags = collectSortedTags(out.Operations)
	return out, nil
}

func (c *buildConfig) allowMethod(m HttpMethod) bool {
	if len(c.methods) == 0 {
		return true
	}
	_, ok := c.methods[m]
	return ok
}

func (c *buildConfig) allowPath(p string) bool {
	if len(c.pathRes) == 0 {
		return true
	}
	for _, re := range c.pathRes {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

func allowByTags(tags []string, cfg *buildConfig) bool {
	if len(cfg.includeTags) > 0 {
		ok := false
		for _, t := range tags {
			if _, yes := cfg.includeTags[t]; yes {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, t := range tags {
		if _, blocked := cfg.excludeTags[t]; blocked {
			return false
		}
	}
	return true
}

// mergeParameters keeps declaration order: path-level parameters first, each
// replaced in place by an operation-level parameter with the same location
// and name; new operation-level parameters are appended.
func mergeParameters(pathLevel, opLevel openapi3.Parameters) []Parameter {
	var out []Parameter
	index := make(map[string]int)
	add := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			pm := toParameter(ref)
			if pm == nil {
				continue
			}
			key := string(pm.In) + ":" + pm.Name
			if i, ok := index[key]; ok {
				out[i] = *pm
				continue
			}
			index[key] = len(out)
			out = append(out, *pm)
		}
	}
	add(pathLevel)
	add(opLevel)
	return out
}

func safeStr(s string) string { return strings.TrimSpace(s) }

func toParameter(ref *openapi3.ParameterRef) *Parameter {
	if ref == nil || ref.Value == nil {
		return nil
	}
	p := ref.Value
	pm := &Parameter{
		Name:        safeStr(p.Name),
		In:          Location(strings.ToLower(safeStr(p.In))),
		Required:    p.Required,
		Description: safeStr(p.Description),
	}
	switch {
	case p.Schema != nil:
		pm.Schema = toSchema(p.Schema, nil)
	case len(p.Content) > 0:
		if mime := pickMediaType(p.Content); mime != "" && p.Content[mime] != nil {
			pm.Schema = toSchema(p.Content[mime].Schema, nil)
		}
	}
	if pm.Schema == nil {
		pm.Schema = &Schema{Type: "string"}
	}
	if pm.Schema.Description == "" && pm.Description != "" {
		withDesc := *pm.Schema
		withDesc.Description = pm.Description
		pm.Schema = &withDesc
	}
	return pm
}

// originalBodyNameKey is set by openapi2conv on request bodies converted from
// a Swagger 2 body parameter.
const originalBodyNameKey = "x-originalParamName"

// bodyParameter turns a request body into a body-location parameter. The JSON
// media type is preferred, otherwise the first media type in sorted order.
func bodyParameter(ref *openapi3.RequestBodyRef) (*Parameter, string) {
	if ref == nil || ref.Value == nil {
		return nil, ""
	}
	rb := ref.Value
	mime := pickMediaType(rb.Content)
	if mime == "" {
		return nil, ""
	}
	param := &Parameter{
		Name:        "body",
		In:          InBody,
		Required:    rb.Required,
		Description: safeStr(rb.Description),
	}
	if name := extensionString(rb.Extensions, originalBodyNameKey); name != "" {
		param.Name = name
	}
	if media := rb.Content[mime]; media != nil {
		param.Schema = toSchema(media.Schema, nil)
	}
	if param.Schema == nil {
		param.Schema = &Schema{Type: "object"}
	}
	if param.Schema.Description == "" && param.Description != "" {
		withDesc := *param.Schema
		withDesc.Description = param.Description
		param.Schema = &withDesc
	}
	return param, mime
}

func pickMediaType(content openapi3.Content) string {
	if len(content) == 0 {
		return ""
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, "application/json") || strings.HasSuffix(strings.SplitN(lower, ";", 2)[0], "+json") {
			return k
		}
	}
	return keys[0]
}

func extensionString(ext map[string]interface{}, key string) string {
	switch v := ext[key].(type) {
	case string:
		return v
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return ""
}

// toSchema resolves a schema reference into the tool-layer Schema. $refs are
// followed through their resolved values; a schema that refers back to one of
// its ancestors is cut off as a bare object. allOf members are merged.
func toSchema(ref *openapi3.SchemaRef, ancestors map[*openapi3.Schema]bool) *Schema {
	if ref == nil || ref.Value == nil {
		return nil
	}
	v := ref.Value
	if ancestors[v] {
		return &Schema{Type: "object", Title: safeStr(v.Title), Description: safeStr(v.Description)}
	}
	next := make(map[*openapi3.Schema]bool, len(ancestors)+1)
	for k := range ancestors {
		next[k] = true
	}
	next[v] = true

	s := &Schema{
		Type:        safeStr(v.Type),
		Title:       safeStr(v.Title),
		Description: safeStr(v.Description),
		Format:      safeStr(v.Format),
		Required:    append([]string(nil), v.Required...),
		Minimum:     v.Min,
		Maximum:     v.Max,
	}
	if len(v.Enum) > 0 {
		s.Enum = append([]any(nil), v.Enum...)
	}
	if v.Items != nil {
		s.Items = toSchema(v.Items, next)
	}
	if len(v.Properties) > 0 {
		s.Properties = make(map[string]*Schema, len(v.Properties))
		for name, prop := range v.Properties {
			if ps := toSchema(prop, next); ps != nil {
				s.Properties[name] = ps
			}
		}
	}
	for _, member := range v.AllOf {
		ms := toSchema(member, next)
		if ms == nil {
			continue
		}
		mergeInto(s, ms)
	}

	if s.Type == "" {
		switch {
		case len(s.Properties) > 0:
			s.Type = "object"
		case s.Items != nil:
			s.Type = "array"
		}
	}
	return s
}

func mergeInto(dst, src *Schema) {
	if dst.Type == "" {
		dst.Type = src.Type
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if len(src.Properties) > 0 && dst.Properties == nil {
		dst.Properties = make(map[string]*Schema, len(src.Properties))
	}
	for name, prop := range src.Properties {
		if _, exists := dst.Properties[name]; !exists {
			dst.Properties[name] = prop
		}
	}
	for _, r := range src.Required {
		if !contains(dst.Required, r) {
			dst.Required = append(dst.Required, r)
		}
	}
	if dst.Items == nil {
		dst.Items = src.Items
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func collectSortedTags(ops []Operation) []string {
	set := make(map[string]struct{})
	for _, op := range ops {
		for _, t := range op.Tags {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
