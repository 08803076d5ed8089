// Package protocol defines the provider-agnostic data model shared by the
// coordinator, the compat modules, and the HTTP facade. Everything that
// crosses a package boundary inside the gateway is expressed in these types;
// vendor wire formats exist only inside pkg/compat.
package protocol

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType tags the variant of a ContentPart.
type ContentPartType string

const (
	ContentPartTypeText       ContentPartType = "text"
	ContentPartTypeImage      ContentPartType = "image"
	ContentPartTypeDocument   ContentPartType = "document"
	ContentPartTypeToolResult ContentPartType = "tool_result"
)

// DocumentSource is a tagged union: exactly one field is set.
// Path is a local-only source; the coordinator resolves it to base64
// before a spec reaches any compat.
type DocumentSource struct {
	Base64 string `json:"base64,omitempty"`
	URL    string `json:"url,omitempty"`
	FileID string `json:"fileId,omitempty"`
	Path   string `json:"path,omitempty"`
}

// ContentPart is one element of a message's content sequence.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	ImageURL string `json:"imageUrl,omitempty"`

	// document
	Source          *DocumentSource `json:"source,omitempty"`
	MimeType        string          `json:"mimeType,omitempty"`
	Filename        string          `json:"filename,omitempty"`
	ProviderOptions map[string]any  `json:"providerOptions,omitempty"`

	// tool_result
	ToolName string `json:"toolName,omitempty"`
	Result   any    `json:"result,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentPartTypeText, Text: text}
}

// ToolResultPart builds a tool_result content part.
func ToolResultPart(toolName string, result any, isError bool) ContentPart {
	return ContentPart{Type: ContentPartTypeToolResult, ToolName: toolName, Result: result, IsError: isError}
}

// Reasoning carries model thinking attached to an assistant message.
// Metadata["signature"], when present, is a provider-issued binding over the
// thinking text and must round-trip verbatim; Metadata["rawDetails"] preserves
// rich reasoning_details lists loss-free.
type Reasoning struct {
	Text     string         `json:"text"`
	Redacted bool           `json:"redacted,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Signature returns the provider signature, if any.
func (r *Reasoning) Signature() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	sig, _ := r.Metadata["signature"].(string)
	return sig
}

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one turn of the conversation.
//
// Invariants: ToolCallID is present iff Role is RoleTool; ToolCalls may only
// appear on RoleAssistant. A tool message whose ToolCallID matches no prior
// assistant tool call is orphaned: tolerated everywhere, counted nowhere.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"toolCalls,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	Reasoning  *Reasoning    `json:"reasoning,omitempty"`
}

// FirstText returns the first text part of the message, or "".
func (m *Message) FirstText() string {
	for _, part := range m.Content {
		if part.Type == ContentPartTypeText {
			return part.Text
		}
	}
	return ""
}

// JoinedText concatenates all text parts of the message.
func (m *Message) JoinedText() string {
	var out string
	for _, part := range m.Content {
		if part.Type == ContentPartTypeText {
			out += part.Text
		}
	}
	return out
}

// UnifiedTool describes a callable tool in provider-neutral form.
// Parameters is a JSON Schema object.
type UnifiedTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parametersJsonSchema"`
}

// LLMTarget is one entry of a spec's provider priority list.
type LLMTarget struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Settings map[string]any `json:"settings,omitempty"`
}

// VectorContext controls retrieval-augmented behavior of a call.
// Mode is one of "off", "tool", "context", "both".
type VectorContext struct {
	Mode     string `json:"mode,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	TopK     int    `json:"topK,omitempty"`
}

// LLMCallSpec is the unified call envelope accepted on /run and /stream.
// Required: Messages and LLMPriority; everything else is optional.
type LLMCallSpec struct {
	Messages          []Message      `json:"messages"`
	LLMPriority       []LLMTarget    `json:"llmPriority"`
	Tools             []UnifiedTool  `json:"tools,omitempty"`
	FunctionToolNames []string       `json:"functionToolNames,omitempty"`
	MCPServers        []string       `json:"mcpServers,omitempty"`
	VectorPriority    []string       `json:"vectorPriority,omitempty"`
	VectorContext     *VectorContext `json:"vectorContext,omitempty"`
	Settings          map[string]any `json:"settings,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Usage reports token accounting for one provider exchange.
type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	ReasoningTokens  int     `json:"reasoningTokens,omitempty"`
	CachedTokens     int     `json:"cachedTokens,omitempty"`
	AudioTokens      int     `json:"audioTokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	Estimated        bool    `json:"estimated,omitempty"`
}

// Normalized finish reasons. Vendor-specific values pass through untouched.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
)

// LLMResponse is the unified response of one call.
type LLMResponse struct {
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Role         Role           `json:"role"`
	Content      []ContentPart  `json:"content"`
	ToolCalls    []ToolCall     `json:"toolCalls,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Reasoning    *Reasoning     `json:"reasoning,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// AsMessage converts the response into an assistant message suitable for
// appending to the conversation history. Reasoning is carried so providers
// that require signed thinking blocks keep functioning across turns.
func (r *LLMResponse) AsMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Content,
		ToolCalls: r.ToolCalls,
		Reasoning: r.Reasoning,
	}
}

// VectorCallSpec is the envelope accepted on /vector/run and /vector/stream.
type VectorCallSpec struct {
	Store      string         `json:"store,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Query      string         `json:"query,omitempty"`
	Vector     []float32      `json:"vector,omitempty"`
	TopK       int            `json:"topK,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
}

// EmbeddingCallSpec is the envelope accepted on /vector/embeddings/run.
type EmbeddingCallSpec struct {
	Input            []string `json:"input"`
	ProviderPriority []string `json:"providerPriority,omitempty"`
	Model            string   `json:"model,omitempty"`
}
