package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, category, filename, content string) {
	t.Helper()
	categoryDir := filepath.Join(dir, category)
	if err := os.MkdirAll(categoryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(categoryDir, filename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func seedRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()

	writeManifest(t, dir, CategoryProviders, "openai.yaml", `
name: openai
compat: openai-chat
endpoint:
  method: POST
  url_template: https://api.openai.com/v1/chat/completions
  api_key_env: OPENAI_API_KEY
  headers:
    Authorization: Bearer {api_key}
retry_words:
  - rate limit
  - quota
payload_extensions:
  - setting: parallelToolCalls
    path: parallel_tool_calls
    value_type: scalar
`)
	writeManifest(t, dir, CategoryTools, "echo.yaml", `
name: echo
description: Echo the input back.
parameters:
  type: object
  properties:
    text:
      type: string
  required: [text]
`)
	writeManifest(t, dir, CategoryMCP, "files.yaml", `
name: files
transport: stdio
command: ./mcp-files
`)
	writeManifest(t, dir, CategoryVector, "main.yaml", `
name: main
type: qdrant
compat: qdrant-default
host: localhost
port: 6334
collection: docs
`)
	writeManifest(t, dir, CategoryCompats, "qdrant.yaml", `
name: qdrant-default
family: qdrant
`)
	writeManifest(t, dir, CategoryRoutes, "routes.yaml", `
name: search-http
order: 1
match:
  type: prefix
  pattern: search_
kind: http
url: http://localhost:9090/tools
timeout_ms: 30000
`)

	return NewRegistry(dir)
}

func TestGetProvider(t *testing.T) {
	r := seedRegistry(t)

	provider, err := r.GetProvider("openai")
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if provider.Compat != "openai-chat" {
		t.Errorf("compat = %q", provider.Compat)
	}
	if provider.Endpoint.URLTemplate == "" {
		t.Error("endpoint url_template missing")
	}
	if len(provider.RetryWords) != 2 {
		t.Errorf("retry words = %v", provider.RetryWords)
	}
	if len(provider.PayloadExtensions) != 1 || provider.PayloadExtensions[0].Setting != "parallelToolCalls" {
		t.Errorf("payload extensions = %+v", provider.PayloadExtensions)
	}
}

func TestUnknownNameError(t *testing.T) {
	r := seedRegistry(t)

	_, err := r.GetProvider("missing")
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("err = %v", err)
	}
	_, err = r.GetTool("missing")
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("err = %v", err)
	}
}

func TestLazyByCategory(t *testing.T) {
	r := seedRegistry(t)

	if _, err := r.GetProvider("openai"); err != nil {
		t.Fatal(err)
	}

	// only the providers category has been touched
	if !r.ProvidersLoaded() {
		t.Error("providers not loaded")
	}
	if r.ToolsLoaded() || r.MCPServersLoaded() || r.VectorStoresLoaded() ||
		r.ProcessRoutesLoaded() || r.CompatModulesLoaded() {
		t.Error("unrelated categories were loaded")
	}
}

func TestEmptyInputSetLoadsNothing(t *testing.T) {
	r := seedRegistry(t)

	if servers, err := r.GetMCPServers(nil); err != nil || servers != nil {
		t.Errorf("GetMCPServers(nil) = %v, %v", servers, err)
	}
	if tools, err := r.GetTools(nil); err != nil || tools != nil {
		t.Errorf("GetTools(nil) = %v, %v", tools, err)
	}
	if r.MCPServersLoaded() || r.ToolsLoaded() {
		t.Error("empty lookups loaded categories")
	}
}

func TestGetToolsResolvesUnified(t *testing.T) {
	r := seedRegistry(t)

	tools, err := r.GetTools([]string{"echo"})
	if err != nil {
		t.Fatalf("GetTools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].Parameters["type"] != "object" {
		t.Errorf("parameters = %v", tools[0].Parameters)
	}
}

func TestGetVectorStoreCompat(t *testing.T) {
	r := seedRegistry(t)

	compat, err := r.GetVectorStoreCompat("main")
	if err != nil {
		t.Fatalf("GetVectorStoreCompat failed: %v", err)
	}
	if compat.Family != "qdrant" {
		t.Errorf("family = %q", compat.Family)
	}
}

func TestGetProcessRoutesSorted(t *testing.T) {
	r := seedRegistry(t)
	writeManifest(t, r.dir, CategoryRoutes, "early.yaml", `
name: exact-echo
order: 0
match:
  type: exact
  pattern: echo
kind: command
command: ./echo-tool
`)

	routes, err := r.GetProcessRoutes()
	if err != nil {
		t.Fatalf("GetProcessRoutes failed: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}
	if routes[0].Name != "exact-echo" || routes[1].Name != "search-http" {
		t.Errorf("route order: %s, %s", routes[0].Name, routes[1].Name)
	}
}

func TestInvalidateReloads(t *testing.T) {
	r := seedRegistry(t)

	if _, err := r.GetTool("echo"); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, r.dir, CategoryTools, "extra.yaml", "name: extra\ndescription: added later\n")

	// cached: new manifest invisible until invalidation
	if _, err := r.GetTool("extra"); err == nil {
		t.Error("cache missed: new manifest visible without invalidation")
	}

	r.Invalidate(CategoryTools)
	if _, err := r.GetTool("extra"); err != nil {
		t.Errorf("after invalidation: %v", err)
	}
}

func TestMissingDirLoadsEmpty(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent"))

	_, err := r.GetProvider("any")
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("err = %v", err)
	}
	if !r.ProvidersLoaded() {
		t.Error("category not marked loaded after empty scan")
	}
}
