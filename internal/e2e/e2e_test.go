package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/openapi-mcp-server/internal/auth"
	"github.com/mark3labs/openapi-mcp-server/internal/registry"
	"github.com/mark3labs/openapi-mcp-server/internal/tools"
)

// Swagger 2 document so the conversion path is exercised end to end.
const petstoreV2 = `swagger: "2.0"
info:
  title: Petstore
  version: "1.0"
basePath: /v1
paths:
  /pets/{petId}:
    get:
      operationId: getPet
      summary: Fetch one pet
      parameters:
        - name: petId
          in: path
          required: true
          type: integer
        - name: fields
          in: query
          type: array
          items:
            type: string
      responses:
        "200":
          description: ok
  /pets:
    post:
      operationId: createPet
      consumes: [application/json]
      parameters:
        - name: pet
          in: body
          required: true
          schema:
            type: object
            required: [name]
            properties:
              name:
                type: string
      responses:
        "201":
          description: created
  /pets/{petId}/photo:
    get:
      operationId: getPetPhoto
      parameters:
        - name: petId
          in: path
          required: true
          type: integer
      responses:
        "200":
          description: ok
`

var photo = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}

type upstream struct {
	tokenCalls atomic.Int32
	lastAuth   atomic.Value
	lastQuery  atomic.Value
	lastBody   atomic.Value
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		u.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/v1/pets/7", func(w http.ResponseWriter, r *http.Request) {
		u.lastAuth.Store(r.Header.Get("Authorization"))
		u.lastQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-7")
		_, _ = io.WriteString(w, `{"id":7,"name":"rex"}`)
	})
	mux.HandleFunc("/v1/pets/404", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"no such pet"}`)
	})
	mux.HandleFunc("/v1/pets/7/photo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(photo)
	})
	mux.HandleFunc("/v1/pets", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.lastBody.Store(string(b))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(b)
	})
	return mux
}

func setup(t *testing.T) (*server.MCPServer, *upstream) {
	t.Helper()
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	specPath := filepath.Join(t.TempDir(), "petstore.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(petstoreV2), 0o600))

	mgr, err := auth.NewManager(auth.OAuth2{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token",
	})
	require.NoError(t, err)

	entries, err := registry.Load(context.Background(), registry.Options{
		SpecSource: specPath,
		BaseURL:    srv.URL + "/v1",
		Auth:       mgr,
	})
	require.NoError(t, err)

	s := server.NewMCPServer("petstore", "1.0.0", server.WithToolCapabilities(true))
	require.NoError(t, tools.Register(s, entries, nil))
	return s, up
}

// rpc sends one JSON-RPC request and returns the decoded result object.
func rpc(t *testing.T, s *server.MCPServer, id int, method string, params any) map[string]any {
	t.Helper()
	msg, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	raw, err := json.Marshal(s.HandleMessage(context.Background(), msg))
	require.NoError(t, err)

	var resp struct {
		Result map[string]any `json:"result"`
		Error  any            `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))
	require.Nil(t, resp.Error, string(raw))
	return resp.Result
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) map[string]any {
	t.Helper()
	res := rpc(t, s, 2, "tools/call", map[string]any{"name": name, "arguments": args})
	content, ok := res["content"].([]any)
	require.True(t, ok, "result: %v", res)
	require.Len(t, content, 1)
	item, ok := content[0].(map[string]any)
	require.True(t, ok)
	if isErr, _ := res["isError"].(bool); isErr {
		item["isError"] = true
	}
	return item
}

func decodeText(t *testing.T, item map[string]any) tools.CallResult {
	t.Helper()
	require.Equal(t, "text", item["type"])
	var out tools.CallResult
	require.NoError(t, json.Unmarshal([]byte(fmt.Sprint(item["text"])), &out))
	return out
}

func TestE2E_ListTools(t *testing.T) {
	t.Parallel()
	s, _ := setup(t)

	res := rpc(t, s, 1, "tools/list", map[string]any{})
	list, ok := res["tools"].([]any)
	require.True(t, ok)

	schemas := map[string]map[string]any{}
	for _, raw := range list {
		tool := raw.(map[string]any)
		schemas[tool["name"].(string)] = tool["inputSchema"].(map[string]any)
	}
	require.Len(t, schemas, 3)
	assert.Equal(t, []any{"petId"}, schemas["getPet"]["required"])
	assert.Contains(t, schemas["createPet"]["properties"], "pet")
}

func TestE2E_CallWithOAuth2AndQueryArray(t *testing.T) {
	t.Parallel()
	s, up := setup(t)

	for i := 0; i < 3; i++ {
		item := callTool(t, s, "getPet", map[string]any{"petId": 7, "fields": []any{"name", "age"}})
		out := decodeText(t, item)
		assert.Equal(t, http.StatusOK, out.StatusCode)
		assert.Equal(t, map[string]any{"id": 7.0, "name": "rex"}, out.Data)
		assert.Equal(t, "req-7", out.Headers["x-request-id"])
	}

	assert.Equal(t, "Bearer tok-1", up.lastAuth.Load())
	assert.Equal(t, "fields=name&fields=age", up.lastQuery.Load())
	// The first call fetched the token and the others reused it.
	assert.Equal(t, int32(1), up.tokenCalls.Load())
}

func TestE2E_BodyParameter(t *testing.T) {
	t.Parallel()
	s, up := setup(t)

	item := callTool(t, s, "createPet", map[string]any{"pet": map[string]any{"name": "tom"}})
	out := decodeText(t, item)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
	assert.JSONEq(t, `{"name":"tom"}`, up.lastBody.Load().(string))
}

func TestE2E_UpstreamErrorIsContent(t *testing.T) {
	t.Parallel()
	s, _ := setup(t)

	item := callTool(t, s, "getPet", map[string]any{"petId": 404})
	out := decodeText(t, item)
	assert.Equal(t, http.StatusNotFound, out.StatusCode)
	assert.Equal(t, map[string]any{"error": "no such pet"}, out.Data)
	assert.Nil(t, item["isError"])
}

func TestE2E_ImageResponse(t *testing.T) {
	t.Parallel()
	s, _ := setup(t)

	item := callTool(t, s, "getPetPhoto", map[string]any{"petId": 7})
	assert.Equal(t, "image", item["type"])
	assert.Equal(t, "image/png", item["mimeType"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(photo), item["data"])
}

func TestE2E_InvalidArguments(t *testing.T) {
	t.Parallel()
	s, _ := setup(t)

	item := callTool(t, s, "getPet", map[string]any{"petId": "seven"})
	assert.Equal(t, true, item["isError"])
	assert.Contains(t, item["text"], "petId")
}
