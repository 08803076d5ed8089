// Package tools assembles the effective tool set for a call and dispatches
// tool invocations to their configured routes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelgate/modelgate/pkg/mcpman"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/utils"
	"github.com/modelgate/modelgate/pkg/vector"
)

// DefaultVectorSearchToolName is used when vectorContext.toolName is empty.
const DefaultVectorSearchToolName = "vector_search"

// ToolSet is the result of discovery: sanitized tools ready for a provider,
// the alias map back to original names, and the MCP servers that actually
// expose tools.
type ToolSet struct {
	Tools      []protocol.UnifiedTool
	NameMap    map[string]string
	MCPServers []string
}

// Original resolves a sanitized tool name back to its source name.
func (s *ToolSet) Original(name string) string {
	if original, ok := s.NameMap[name]; ok {
		return original
	}
	return name
}

// Discovery gathers tools from inline specs, the registry, MCP servers, and
// vector store recommendations.
type Discovery struct {
	registry *plugins.Registry
	mcp      *mcpman.Manager
	vectors  *vector.Manager
	logger   *slog.Logger
}

func NewDiscovery(registry *plugins.Registry, mcp *mcpman.Manager, vectors *vector.Manager, log *slog.Logger) *Discovery {
	return &Discovery{registry: registry, mcp: mcp, vectors: vectors, logger: log}
}

// vectorSearchArgs is the parameter shape of the built-in vector_search tool.
type vectorSearchArgs struct {
	Query string  `json:"query" jsonschema:"required,description=Search query text"`
	TopK  float64 `json:"topK,omitempty" jsonschema:"description=Maximum number of results"`
	Store string  `json:"store,omitempty" jsonschema:"description=Name of the store to search"`
}

// Discover produces the effective tool set for one call. Sources are
// gathered in a fixed order; duplicates by original name keep the earlier
// source's definition. Unknown registry tool names fail fast, while MCP and
// vector failures degrade to warnings.
func (d *Discovery) Discover(ctx context.Context, spec *protocol.LLMCallSpec) (*ToolSet, error) {
	var gathered []protocol.UnifiedTool

	gathered = append(gathered, spec.Tools...)

	if len(spec.FunctionToolNames) > 0 {
		registryTools, err := d.registry.GetTools(spec.FunctionToolNames)
		if err != nil {
			return nil, err
		}
		gathered = append(gathered, registryTools...)
	}

	var activeServers []string
	if d.mcp != nil && len(spec.MCPServers) > 0 {
		byServer, err := d.mcp.Tools(ctx, spec.MCPServers)
		if err != nil {
			return nil, err
		}
		// keep the caller's server order for the active set
		for _, server := range spec.MCPServers {
			serverTools, ok := byServer[server]
			if !ok {
				continue
			}
			activeServers = append(activeServers, server)
			gathered = append(gathered, serverTools...)
		}
	}

	if d.vectors != nil && len(spec.VectorPriority) > 0 {
		gathered = append(gathered, d.recommendedTools(ctx, spec)...)
	}

	if mode := vectorMode(spec); mode == "tool" || mode == "both" {
		tool, err := d.vectorSearchTool(spec)
		if err != nil {
			return nil, err
		}
		gathered = append(gathered, tool)
	}

	return buildToolSet(gathered, activeServers), nil
}

// recommendedTools queries the priority stores and keeps every hit that
// carries a tool definition in its metadata. Failures are recoverable.
func (d *Discovery) recommendedTools(ctx context.Context, spec *protocol.LLMCallSpec) []protocol.UnifiedTool {
	query := vectorQuery(spec)
	if query == "" {
		return nil
	}

	topK := 0
	if spec.VectorContext != nil {
		topK = spec.VectorContext.TopK
	}

	results, _, err := d.vectors.SearchPriority(ctx, spec.VectorPriority, query, topK)
	if err != nil {
		d.logger.Warn("vector tool discovery failed", "error", err)
		return nil
	}

	var out []protocol.UnifiedTool
	for _, result := range results {
		if tool, ok := toolFromResult(result); ok {
			out = append(out, tool)
		}
	}
	return out
}

func (d *Discovery) vectorSearchTool(spec *protocol.LLMCallSpec) (protocol.UnifiedTool, error) {
	name := DefaultVectorSearchToolName
	if spec.VectorContext != nil && spec.VectorContext.ToolName != "" {
		name = spec.VectorContext.ToolName
	}

	schema, err := generateSchema[vectorSearchArgs]()
	if err != nil {
		return protocol.UnifiedTool{}, fmt.Errorf("failed to build vector_search schema: %w", err)
	}

	description := "Search the configured vector stores for relevant documents."
	if len(spec.VectorPriority) > 0 {
		description = fmt.Sprintf("Search the configured vector stores (%s) for relevant documents.",
			strings.Join(spec.VectorPriority, ", "))
	}

	return protocol.UnifiedTool{
		Name:        name,
		Description: description,
		Parameters:  schema,
	}, nil
}

// vectorQuery prefers an explicit metadata.vectorQuery, falling back to the
// most recent user text part.
func vectorQuery(spec *protocol.LLMCallSpec) string {
	if q, ok := spec.Metadata["vectorQuery"].(string); ok && q != "" {
		return q
	}
	for i := len(spec.Messages) - 1; i >= 0; i-- {
		msg := spec.Messages[i]
		if msg.Role != protocol.RoleUser {
			continue
		}
		for j := len(msg.Content) - 1; j >= 0; j-- {
			if msg.Content[j].Type == protocol.ContentPartTypeText && msg.Content[j].Text != "" {
				return msg.Content[j].Text
			}
		}
	}
	return ""
}

// toolFromResult interprets a search hit as a tool definition when its
// metadata carries a name and an object parameter schema.
func toolFromResult(result vector.Result) (protocol.UnifiedTool, bool) {
	name, _ := result.Metadata["name"].(string)
	if name == "" {
		return protocol.UnifiedTool{}, false
	}
	var parameters map[string]any
	switch v := result.Metadata["parameters"].(type) {
	case map[string]any:
		parameters = v
	case string:
		// stores with string-valued metadata carry the schema as JSON
		if err := json.Unmarshal([]byte(v), &parameters); err != nil {
			return protocol.UnifiedTool{}, false
		}
	default:
		return protocol.UnifiedTool{}, false
	}
	description, _ := result.Metadata["description"].(string)
	if description == "" {
		description = result.Content
	}
	return protocol.UnifiedTool{
		Name:        name,
		Description: description,
		Parameters:  parameters,
	}, true
}

func vectorMode(spec *protocol.LLMCallSpec) string {
	if spec.VectorContext == nil {
		return "off"
	}
	return spec.VectorContext.Mode
}

// buildToolSet deduplicates by original name (first source wins) and
// produces sanitized names with the alias map. A sanitized collision gets a
// numeric suffix so every tool stays addressable.
func buildToolSet(gathered []protocol.UnifiedTool, activeServers []string) *ToolSet {
	seen := make(map[string]bool, len(gathered))
	taken := make(map[string]bool, len(gathered))
	set := &ToolSet{NameMap: make(map[string]string, len(gathered))}

	for _, tool := range gathered {
		if seen[tool.Name] {
			continue
		}
		seen[tool.Name] = true

		sanitized := utils.SanitizeToolName(tool.Name)
		if taken[sanitized] {
			for i := 2; ; i++ {
				candidate := fmt.Sprintf("%s_%d", sanitized, i)
				if !taken[candidate] {
					sanitized = candidate
					break
				}
			}
		}
		taken[sanitized] = true
		set.NameMap[sanitized] = tool.Name

		tool.Name = sanitized
		set.Tools = append(set.Tools, tool)
	}

	set.MCPServers = activeServers
	return set
}
