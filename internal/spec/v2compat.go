package spec

import "strings"

// preprocessV2ForCompatibility rewrites non-compliant Swagger v2 operations in
// place so kin-openapi can convert them to v3:
//   - several body parameters on one operation are merged into a single body
//     parameter whose schema is an object with one property per original parameter;
//   - body parameters mixed with formData parameters are turned into formData
//     parameters and the operation is marked as consuming multipart/form-data.
//
// It returns the document and whether anything changed.
func preprocessV2ForCompatibility(doc map[string]any) (map[string]any, bool) {
	paths, ok := doc["paths"].(map[string]any)
	if !ok || len(paths) == 0 {
		return doc, false
	}
	modified := false
	for _, rawItem := range paths {
		item, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		for method, rawOp := range item {
			if !isV2Method(method) {
				continue
			}
			op, ok := rawOp.(map[string]any)
			if !ok {
				continue
			}
			if rewriteV2Operation(op) {
				modified = true
			}
		}
	}
	return doc, modified
}

func isV2Method(method string) bool {
	switch strings.ToLower(method) {
	case "get", "post", "put", "delete", "patch", "options", "head":
		return true
	}
	return false
}

func rewriteV2Operation(op map[string]any) bool {
	params, ok := op["parameters"].([]any)
	if !ok || len(params) == 0 {
		return false
	}
	bodyCount := 0
	hasFormData := false
	for _, p := range params {
		pm, _ := p.(map[string]any)
		switch {
		case pm == nil:
		case strings.EqualFold(asString(pm["in"]), "body"):
			bodyCount++
		case strings.EqualFold(asString(pm["in"]), "formData"):
			hasFormData = true
		}
	}
	switch {
	case bodyCount == 0:
		return false
	case hasFormData:
		out := make([]any, 0, len(params))
		for _, p := range params {
			pm, _ := p.(map[string]any)
			if pm == nil {
				continue
			}
			if strings.EqualFold(asString(pm["in"]), "body") {
				out = append(out, formDataFromBodyParam(pm))
				continue
			}
			out = append(out, pm)
		}
		op["parameters"] = out
		consumes, _ := op["consumes"].([]any)
		if !containsString(consumes, "multipart/form-data") {
			op["consumes"] = append(consumes, "multipart/form-data")
		}
		return true
	case bodyCount > 1:
		props := map[string]any{}
		required := make([]any, 0)
		rest := make([]any, 0, len(params))
		for _, p := range params {
			pm, _ := p.(map[string]any)
			if pm == nil {
				continue
			}
			if !strings.EqualFold(asString(pm["in"]), "body") {
				rest = append(rest, p)
				continue
			}
			name := asString(pm["name"])
			if name == "" {
				name = "field"
			}
			schema := extractSchemaFromParam(pm)
			if schema == nil {
				schema = map[string]any{"type": "string"}
			}
			props[name] = schema
			if rb, _ := pm["required"].(bool); rb {
				required = append(required, name)
			}
		}
		bodySchema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			bodySchema["required"] = required
		}
		merged := map[string]any{"in": "body", "name": "body", "schema": bodySchema}
		if len(required) > 0 {
			merged["required"] = true
		}
		op["parameters"] = append([]any{merged}, rest...)
		return true
	}
	return false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func containsString(list []any, want string) bool {
	for _, v := range list {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}

func extractSchemaFromParam(pm map[string]any) map[string]any {
	if sch, ok := pm["schema"].(map[string]any); ok {
		return sch
	}
	t, _ := pm["type"].(string)
	if t == "" {
		return nil
	}
	m := map[string]any{"type": t}
	if it, ok := pm["items"].(map[string]any); ok {
		m["items"] = it
	}
	if f, ok := pm["format"].(string); ok && f != "" {
		m["format"] = f
	}
	return m
}

func formDataFromBodyParam(pm map[string]any) map[string]any {
	name := asString(pm["name"])
	if name == "" {
		name = "field"
	}
	out := map[string]any{"in": "formData", "name": name}
	if desc := asString(pm["description"]); desc != "" {
		out["description"] = desc
	}
	if req, ok := pm["required"].(bool); ok {
		out["required"] = req
	}
	// formData cannot carry a referenced object; degrade to string.
	typ, format := "", ""
	var items any
	if sch, ok := pm["schema"].(map[string]any); ok {
		typ, format = asString(sch["type"]), asString(sch["format"])
		if it, ok := sch["items"].(map[string]any); ok {
			items = it
		}
	}
	if typ == "" {
		typ, format = asString(pm["type"]), asString(pm["format"])
		if it, ok := pm["items"].(map[string]any); ok {
			items = it
		}
	}
	if typ == "" || typ == "object" {
		typ = "string"
	}
	out["type"] = typ
	if items != nil {
		out["items"] = items
	}
	if format != "" {
		out["format"] = format
	}
	return out
}
