// Package mcpman maintains connections to MCP (Model Context Protocol) tool
// servers. stdio servers run as subprocesses through the mcp-go client; HTTP
// servers speak JSON-RPC over the shared retrying HTTP client, including SSE
// response bodies.
package mcpman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
)

const protocolVersion = "2024-11-05"

// Manager holds lazily established MCP connections keyed by server name.
type Manager struct {
	registry *plugins.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]serverConn
}

// serverConn is one live server connection.
type serverConn interface {
	ListTools(ctx context.Context) ([]protocol.UnifiedTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close() error
}

func NewManager(registry *plugins.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger,
		conns:    make(map[string]serverConn),
	}
}

// connect returns the live connection for a server, dialing on first use.
func (m *Manager) connect(ctx context.Context, name string) (serverConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[name]; ok {
		return conn, nil
	}

	manifests, err := m.registry.GetMCPServers([]string{name})
	if err != nil {
		return nil, err
	}
	manifest := manifests[0]

	var conn serverConn
	switch {
	case manifest.Transport == "stdio" || manifest.Command != "":
		conn, err = dialStdio(ctx, manifest)
	case manifest.URL != "":
		conn, err = dialHTTP(ctx, manifest)
	default:
		err = fmt.Errorf("mcp server %q has neither command nor url", name)
	}
	if err != nil {
		return nil, err
	}

	m.conns[name] = conn
	return conn, nil
}

// Tools gathers the tool lists of the named servers, namespaced as
// "<server>.<tool>". A failing server is logged and skipped; the others
// continue. Servers exposing zero tools are absent from the result.
func (m *Manager) Tools(ctx context.Context, servers []string) (map[string][]protocol.UnifiedTool, error) {
	if len(servers) == 0 {
		return nil, nil
	}

	out := make(map[string][]protocol.UnifiedTool, len(servers))
	for _, server := range servers {
		conn, err := m.connect(ctx, server)
		if err != nil {
			m.logger.Warn("mcp server unavailable", "server", server, "error", err)
			continue
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			m.logger.Warn("mcp tool listing failed", "server", server, "error", err)
			continue
		}
		if len(tools) == 0 {
			continue
		}
		namespaced := make([]protocol.UnifiedTool, len(tools))
		for i, tool := range tools {
			tool.Name = server + "." + tool.Name
			namespaced[i] = tool
		}
		out[server] = namespaced
	}
	return out, nil
}

// CallTool invokes a tool on a server. The tool name is the server-local
// name, without the namespace prefix.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	conn, err := m.connect(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, tool, args)
}

// Close shuts down every live connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, conn := range m.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing mcp server %q: %w", name, err)
		}
		delete(m.conns, name)
	}
	return firstErr
}

// stdioConn wraps the mcp-go subprocess client.
type stdioConn struct {
	client *client.Client
}

func dialStdio(ctx context.Context, manifest *plugins.MCPServerManifest) (serverConn, error) {
	mcpClient, err := client.NewStdioMCPClient(manifest.Command, manifest.Env, manifest.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client for %q: %w", manifest.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start mcp client for %q: %w", manifest.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "modelgate", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize mcp server %q: %w", manifest.Name, err)
	}
	return &stdioConn{client: mcpClient}, nil
}

func (c *stdioConn) ListTools(ctx context.Context) ([]protocol.UnifiedTool, error) {
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]protocol.UnifiedTool, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		tools = append(tools, protocol.UnifiedTool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

func (c *stdioConn) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call failed: %w", err)
	}
	return collectContent(resp.IsError, textsOf(resp.Content)), nil
}

func (c *stdioConn) Close() error {
	return c.client.Close()
}

func textsOf(content []mcp.Content) []string {
	var texts []string
	for _, item := range content {
		if text, ok := item.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	return texts
}

// collectContent folds MCP text content into the dispatcher's result shape.
func collectContent(isError bool, texts []string) map[string]any {
	result := make(map[string]any)
	if isError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}
