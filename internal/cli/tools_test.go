package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mark3labs/openapi-mcp-server/internal/tools"
)

const petsSpecYAML = "" +
	"openapi: 3.0.0\n" +
	"info:\n" +
	"  title: Test API\n" +
	"  version: '1.0.0'\n" +
	"paths:\n" +
	"  /pets/{id}:\n" +
	"    get:\n" +
	"      operationId: getPet\n" +
	"      summary: Fetch a pet\n" +
	"      tags: [read]\n" +
	"      parameters:\n" +
	"        - name: id\n" +
	"          in: path\n" +
	"          required: true\n" +
	"          schema:\n" +
	"            type: integer\n" +
	"      responses:\n" +
	"        '200':\n" +
	"          description: ok\n" +
	"  /pets:\n" +
	"    post:\n" +
	"      operationId: createPet\n" +
	"      tags: [write]\n" +
	"      responses:\n" +
	"        '201':\n" +
	"          description: created\n"

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func runToolsCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"tools", "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestToolsPipeline_JSON(t *testing.T) {
	stubEnv(t, nil)
	specPath := writeSpec(t, petsSpecYAML)

	out, err := runToolsCmd(t, "--spec", specPath)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var infos []tools.Info
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(infos) != 2 {
		t.Fatalf("expected two tools, got %d: %s", len(infos), out)
	}
	byName := map[string]tools.Info{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	get, ok := byName["getPet"]
	if !ok {
		t.Fatalf("missing getPet in %s", out)
	}
	if get.Description != "Fetch a pet" {
		t.Errorf("description: got %q", get.Description)
	}
	props, _ := get.InputSchema["properties"].(map[string]any)
	if _, ok := props["id"]; !ok {
		t.Errorf("id missing from input schema: %v", get.InputSchema)
	}
	if create := byName["createPet"]; create.Description != "POST /pets" {
		t.Errorf("fallback description: got %q", create.Description)
	}
}

func TestToolsPipeline_YAMLWithFilter(t *testing.T) {
	stubEnv(t, nil)
	specPath := writeSpec(t, petsSpecYAML)

	out, err := runToolsCmd(t, "--spec", specPath, "--format", "yaml", "--include-tags", "write")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var infos []map[string]any
	if err := yaml.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if len(infos) != 1 || infos[0]["name"] != "createPet" {
		t.Fatalf("unexpected tools: %v", infos)
	}
}

func TestToolsPipeline_UnknownFormat(t *testing.T) {
	stubEnv(t, nil)
	_, err := runToolsCmd(t, "--spec", "spec.yaml", "--format", "xml")
	if err == nil || !errors.Is(err, ErrUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestToolsPipeline_MissingSpecFile(t *testing.T) {
	stubEnv(t, nil)
	_, err := runToolsCmd(t, "--spec", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !errors.Is(err, ErrUsage) || !strings.HasPrefix(err.Error(), "spec: ") {
		t.Fatalf("expected spec usage error, got %v", err)
	}
}
