package protocol

// StreamEventType tags an LLMStreamEvent.
type StreamEventType string

const (
	StreamEventDelta     StreamEventType = "delta"
	StreamEventTool      StreamEventType = "tool"
	StreamEventUsage     StreamEventType = "usage"
	StreamEventReasoning StreamEventType = "reasoning"
	StreamEventError     StreamEventType = "error"
)

// ToolEventPhase tags the lifecycle phase of a tool stream event.
type ToolEventPhase string

const (
	ToolPhaseStart          ToolEventPhase = "tool_call_start"
	ToolPhaseArgumentsDelta ToolEventPhase = "tool_call_arguments_delta"
	ToolPhaseEnd            ToolEventPhase = "tool_call_end"
	ToolPhaseResult         ToolEventPhase = "tool_result"
)

// ToolEvent is the payload of a StreamEventTool event.
type ToolEvent struct {
	Phase          ToolEventPhase `json:"phase"`
	CallID         string         `json:"callId"`
	Name           string         `json:"name,omitempty"`
	ArgumentsDelta string         `json:"argumentsDelta,omitempty"`
	Arguments      string         `json:"arguments,omitempty"`
	Result         any            `json:"result,omitempty"`
	IsError        bool           `json:"isError,omitempty"`
}

// ReasoningDelta is the payload of a StreamEventReasoning event.
type ReasoningDelta struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorBody is the payload of a StreamEventError event and of JSON error
// envelopes on the HTTP facade.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StreamEvent is one element of the /stream SSE sequence.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Delta     string          `json:"delta,omitempty"`
	Tool      *ToolEvent      `json:"tool,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Reasoning *ReasoningDelta `json:"reasoning,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// DeltaEvent builds a text delta event.
func DeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: StreamEventDelta, Delta: text}
}

// ToolStreamEvent wraps a ToolEvent.
func ToolStreamEvent(ev ToolEvent) StreamEvent {
	return StreamEvent{Type: StreamEventTool, Tool: &ev}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Error: &ErrorBody{Code: code, Message: message}}
}
