// Package plugins loads provider, tool, MCP, vector, embedding, route, and
// compat manifests from a plugins directory. Loading is lazy per category and
// cached; a call that touches only providers never scans the tool manifests.
package plugins

import "github.com/modelgate/modelgate/pkg/protocol"

// Manifest categories, each a subdirectory of the plugin root.
const (
	CategoryProviders = "providers"
	CategoryTools     = "tools"
	CategoryMCP       = "mcp"
	CategoryVector    = "vector"
	CategoryEmbedding = "embedding"
	CategoryRoutes    = "routes"
	CategoryCompats   = "compat"
)

// ProviderManifest describes one remote LLM provider.
type ProviderManifest struct {
	Name   string `mapstructure:"name"`
	Compat string `mapstructure:"compat"`

	Endpoint EndpointManifest `mapstructure:"endpoint"`

	// RetryWords classify an error response as a rate limit when any word
	// occurs (case-insensitive) in the body or headers.
	RetryWords []string `mapstructure:"retry_words"`

	// PayloadExtensions project settings into declared payload paths.
	PayloadExtensions []PayloadExtension `mapstructure:"payload_extensions"`

	// DocumentMode is "native" (default) or "text". Text mode makes the
	// coordinator extract plain text from local pdf/docx/txt documents
	// instead of sending the binary payload.
	DocumentMode string `mapstructure:"document_mode"`

	Models []string `mapstructure:"models"`
}

// EndpointManifest describes how to reach the provider.
type EndpointManifest struct {
	Method      string            `mapstructure:"method"`
	URLTemplate string            `mapstructure:"url_template"`
	Headers     map[string]string `mapstructure:"headers"`

	// Streaming overrides; empty values fall back to the non-streaming ones.
	StreamingURLTemplate string            `mapstructure:"streaming_url_template"`
	StreamingHeaders     map[string]string `mapstructure:"streaming_headers"`

	// APIKeyEnv names the environment variable holding the credential,
	// substituted for {api_key} in header values.
	APIKeyEnv string `mapstructure:"api_key_env"`
}

// PayloadExtension projects one source value into a dotted payload path.
// Either Setting (a provider-extras key) or Value (a literal) supplies the
// source. ValueType, when set, restricts the accepted shape: "scalar",
// "array", or "object"; mismatches skip the extension and return the value
// as leftover.
type PayloadExtension struct {
	Setting   string `mapstructure:"setting"`
	Path      string `mapstructure:"path"`
	ValueType string `mapstructure:"value_type"`
	Value     any    `mapstructure:"value"`
}

// ToolManifest describes one registry tool.
type ToolManifest struct {
	Name        string         `mapstructure:"name"`
	Description string         `mapstructure:"description"`
	Parameters  map[string]any `mapstructure:"parameters"`
}

// Unified converts the manifest into the provider-neutral tool shape.
func (t *ToolManifest) Unified() protocol.UnifiedTool {
	return protocol.UnifiedTool{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// MCPServerManifest describes one MCP server connection.
type MCPServerManifest struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       []string          `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
}

// VectorStoreManifest describes one vector store adapter.
type VectorStoreManifest struct {
	Name   string `mapstructure:"name"`
	Type   string `mapstructure:"type"`
	Compat string `mapstructure:"compat"`

	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	APIKeyEnv   string `mapstructure:"api_key_env"`
	UseTLS      bool   `mapstructure:"use_tls"`
	PersistPath string `mapstructure:"persist_path"`
	IndexHost   string `mapstructure:"index_host"`
	Collection  string `mapstructure:"collection"`
	Embedder    string `mapstructure:"embedder"`
}

// EmbeddingManifest describes one embedding provider.
type EmbeddingManifest struct {
	Name   string `mapstructure:"name"`
	Type   string `mapstructure:"type"`
	Compat string `mapstructure:"compat"`

	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	Dimension int    `mapstructure:"dimension"`
}

// RouteManifest maps tool names to an invoke kind. Routes are evaluated in
// Order; the first match wins.
type RouteManifest struct {
	Name  string        `mapstructure:"name"`
	Order int           `mapstructure:"order"`
	Match MatchManifest `mapstructure:"match"`

	// Kind is one of "module", "http", "command", "mcp", "vector_search".
	Kind string `mapstructure:"kind"`

	// module
	Path    string `mapstructure:"path"`
	Handler string `mapstructure:"handler"`

	// http
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`

	// command
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`

	// mcp
	Server string `mapstructure:"server"`

	TimeoutMs int `mapstructure:"timeout_ms"`
}

// MatchManifest selects tool names. Type is "exact", "prefix", "regex", or
// "glob".
type MatchManifest struct {
	Type    string `mapstructure:"type"`
	Pattern string `mapstructure:"pattern"`
}

// CompatModuleManifest binds a name to a built-in compat family, optionally
// with options the family understands.
type CompatModuleManifest struct {
	Name    string         `mapstructure:"name"`
	Family  string         `mapstructure:"family"`
	Options map[string]any `mapstructure:"options"`
}
