// Package compat holds the per-provider translators: unified call spec to
// wire payload, raw response to unified response, and streaming delta parsing
// with per-stream tool-call state machines. Vendor wire formats exist only
// here.
package compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/registry"
)

// BuildInput is everything a compat needs to build one request payload.
type BuildInput struct {
	Model    string
	System   string // aggregated system text, already joined
	Messages []protocol.Message
	Settings *protocol.CallSettings
	Tools    []protocol.UnifiedTool

	// ToolChoice is "auto", "none", "required", or {"name": ...}.
	ToolChoice any

	Stream bool
}

// StreamFinal aggregates the values a finished stream produced.
type StreamFinal struct {
	Text         string
	ToolCalls    []protocol.ToolCall
	Usage        *protocol.Usage
	Reasoning    *protocol.Reasoning
	FinishReason string
}

// StreamState is a per-stream tool-call state machine. One state instance
// serves exactly one stream; state never leaks across streams.
type StreamState interface {
	// ParseEvent consumes one decoded SSE data frame and returns zero or
	// more canonical events. Frames the provider family does not define are
	// skipped silently.
	ParseEvent(data []byte) ([]protocol.StreamEvent, error)

	// FinishedWithToolCalls reports whether the stream terminated because
	// the model requested tool calls.
	FinishedWithToolCalls() bool

	// Final returns the aggregated text, tool calls, usage, and reasoning.
	Final() StreamFinal
}

// Compat translates between the unified model and one provider family.
type Compat interface {
	Name() string

	// BuildPayload returns the wire payload as a mutable map so manifest
	// extensions can project into it. SDK-only compats fail with a clear
	// error.
	BuildPayload(in BuildInput) (map[string]any, error)

	// ParseResponse converts a raw non-streaming response body.
	ParseResponse(raw []byte) (*protocol.LLMResponse, error)

	// StreamingFlags are merged into the payload when streaming.
	StreamingFlags() map[string]any

	// SerializeTools converts unified tools to the provider shape.
	SerializeTools(tools []protocol.UnifiedTool) any

	// SerializeToolChoice converts the unified tool choice, or nil when the
	// provider has no equivalent.
	SerializeToolChoice(choice any) any

	// NewStreamState creates the per-stream state machine.
	NewStreamState() StreamState
}

// ProviderExtensionApplier lets a compat consume extras the manifest did not.
// It returns the keys it could not consume.
type ProviderExtensionApplier interface {
	ApplyProviderExtensions(payload map[string]any, extras map[string]any) map[string]any
}

// SDKCaller is implemented by compats whose provider is reached through a
// vendor SDK instead of a manifest-driven HTTP exchange.
type SDKCaller interface {
	CallSDK(ctx context.Context, in BuildInput) (*protocol.LLMResponse, error)
}

// SDKStreamer is the streaming half of the SDK path.
type SDKStreamer interface {
	StreamSDK(ctx context.Context, in BuildInput) (<-chan protocol.StreamEvent, error)
}

// Registry holds the built-in compat modules by name.
type Registry struct {
	*registry.BaseRegistry[Compat]
}

// NewRegistry creates a registry pre-populated with the built-in families.
func NewRegistry() *Registry {
	r := &Registry{BaseRegistry: registry.NewBaseRegistry[Compat]()}
	_ = r.Register("anthropic", NewAnthropicCompat())
	_ = r.Register("openai-chat", NewOpenAIChatCompat())
	_ = r.Register("openai-responses", NewResponsesCompat())
	_ = r.Register("gemini", NewGeminiCompat(nil))
	return r
}

// Resolve returns the named compat or a clear error.
func (r *Registry) Resolve(name string) (Compat, error) {
	compat, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown compat module %q (known: %v)", name, r.Names())
	}
	return compat, nil
}

// payloadToMap converts a typed wire struct into the mutable payload map.
func payloadToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to rebuild payload map: %w", err)
	}
	return out, nil
}

// marshalArguments stringifies tool-call arguments for wire formats that
// carry them as a JSON string.
func marshalArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// unmarshalArguments parses a JSON argument string, tolerating empty and
// malformed input.
func unmarshalArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// decodeBase64 decodes inline document data, returning nil on malformed input.
func decodeBase64(data string) []byte {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return raw
}

// isBlank reports whether a text part carries only whitespace.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
