package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/mcpman"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/vector"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writePlugins lays out manifest files under category subdirectories.
func writePlugins(t *testing.T, files map[string]string) *plugins.Registry {
	t.Helper()
	dir := t.TempDir()
	for relative, content := range files {
		path := filepath.Join(dir, relative)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return plugins.NewRegistry(dir)
}

func fakeToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05"}}`, req.ID)
		case "tools/list":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[
				{"name":"search","description":"Web search.","inputSchema":{"type":"object"}}
			]}}`, req.ID)
		case "tools/call":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"hit"}]}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"unknown"}}`, req.ID)
		}
	}))
}

func userSpec(text string) *protocol.LLMCallSpec {
	return &protocol.LLMCallSpec{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart(text)}},
		},
	}
}

func objectSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func TestDiscoverInlineAndRegistry(t *testing.T) {
	registry := writePlugins(t, map[string]string{
		"tools/lookup.yaml": "name: lookup\ndescription: Registry lookup.\nparameters:\n  type: object\n",
	})
	d := NewDiscovery(registry, nil, nil, discardLogger())

	spec := userSpec("hi")
	spec.Tools = []protocol.UnifiedTool{{Name: "inline", Parameters: objectSchema()}}
	spec.FunctionToolNames = []string{"lookup"}

	set, err := d.Discover(context.Background(), spec)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(set.Tools) != 2 || set.Tools[0].Name != "inline" || set.Tools[1].Name != "lookup" {
		t.Errorf("tools = %+v", set.Tools)
	}
}

func TestDiscoverUnknownRegistryToolFailsFast(t *testing.T) {
	registry := writePlugins(t, nil)
	d := NewDiscovery(registry, nil, nil, discardLogger())

	spec := userSpec("hi")
	spec.FunctionToolNames = []string{"absent"}

	if _, err := d.Discover(context.Background(), spec); err == nil {
		t.Fatal("expected unknown tool error")
	}
}

func TestDiscoverMCPToolsNamespacedAndSanitized(t *testing.T) {
	server := fakeToolServer(t)
	defer server.Close()

	registry := writePlugins(t, map[string]string{
		"mcp/web.yaml": fmt.Sprintf("name: web\ntransport: http\nurl: %s\n", server.URL),
	})
	mcp := mcpman.NewManager(registry, discardLogger())
	defer mcp.Close()

	d := NewDiscovery(registry, mcp, nil, discardLogger())
	spec := userSpec("hi")
	spec.MCPServers = []string{"web", "down"}

	set, err := d.Discover(context.Background(), spec)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(set.Tools) != 1 || set.Tools[0].Name != "web_search" {
		t.Fatalf("tools = %+v", set.Tools)
	}
	if set.Original("web_search") != "web.search" {
		t.Errorf("alias map = %v", set.NameMap)
	}
	if len(set.MCPServers) != 1 || set.MCPServers[0] != "web" {
		t.Errorf("active servers = %v", set.MCPServers)
	}
}

func TestDiscoverDeduplicatesByOriginalName(t *testing.T) {
	registry := writePlugins(t, map[string]string{
		"tools/dup.yaml": "name: dup\ndescription: From registry.\nparameters:\n  type: object\n",
	})
	d := NewDiscovery(registry, nil, nil, discardLogger())

	spec := userSpec("hi")
	spec.Tools = []protocol.UnifiedTool{{Name: "dup", Description: "Inline wins.", Parameters: objectSchema()}}
	spec.FunctionToolNames = []string{"dup"}

	set, err := d.Discover(context.Background(), spec)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(set.Tools) != 1 || set.Tools[0].Description != "Inline wins." {
		t.Errorf("tools = %+v", set.Tools)
	}
}

func TestDiscoverVectorSearchToolSynthesis(t *testing.T) {
	registry := writePlugins(t, nil)
	d := NewDiscovery(registry, nil, nil, discardLogger())

	spec := userSpec("hi")
	spec.VectorPriority = []string{"fast", "slow"}
	spec.VectorContext = &protocol.VectorContext{Mode: "tool"}

	set, err := d.Discover(context.Background(), spec)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(set.Tools) != 1 || set.Tools[0].Name != DefaultVectorSearchToolName {
		t.Fatalf("tools = %+v", set.Tools)
	}

	tool := set.Tools[0]
	properties, _ := tool.Parameters["properties"].(map[string]any)
	for _, field := range []string{"query", "topK", "store"} {
		if _, ok := properties[field]; !ok {
			t.Errorf("schema missing %q: %v", field, tool.Parameters)
		}
	}
	required, _ := tool.Parameters["required"].([]any)
	if len(required) != 1 || required[0] != "query" {
		t.Errorf("required = %v", required)
	}
	if want := "fast, slow"; !strings.Contains(tool.Description, want) {
		t.Errorf("description = %q, missing store list", tool.Description)
	}
}

func TestDiscoverVectorRecommendedTools(t *testing.T) {
	registry := writePlugins(t, map[string]string{
		"vector/local.yaml": "name: local\ntype: chromem\ncollection: toolbox\n",
	})
	sinks := logger.NewSinkManager(filepath.Join(t.TempDir(), "logs"))
	vectors := vector.NewManager(registry, func(ctx context.Context, embedder, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}, sinks, discardLogger())
	defer vectors.Close()

	err := vectors.Upsert(context.Background(), "local", "", "t1", []float32{1, 0}, map[string]any{
		"name":        "lookup_weather",
		"description": "Look up the weather.",
		"parameters":  `{"type":"object","properties":{"city":{"type":"string"}}}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = vectors.Upsert(context.Background(), "local", "", "t2", []float32{0, 1}, map[string]any{
		"content": "not a tool",
	})
	if err != nil {
		t.Fatal(err)
	}

	d := NewDiscovery(registry, nil, vectors, discardLogger())
	spec := userSpec("what's the weather?")
	spec.VectorPriority = []string{"local"}

	set, err := d.Discover(context.Background(), spec)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(set.Tools) != 1 || set.Tools[0].Name != "lookup_weather" {
		t.Fatalf("tools = %+v", set.Tools)
	}
	if set.Tools[0].Parameters["type"] != "object" {
		t.Errorf("parameters = %v", set.Tools[0].Parameters)
	}
}

func TestDiscoverVectorQueryPrefersMetadata(t *testing.T) {
	spec := userSpec("last user text")
	spec.Metadata = map[string]any{"vectorQuery": "explicit query"}
	if got := vectorQuery(spec); got != "explicit query" {
		t.Errorf("query = %q", got)
	}

	spec.Metadata = nil
	if got := vectorQuery(spec); got != "last user text" {
		t.Errorf("query = %q", got)
	}
}
