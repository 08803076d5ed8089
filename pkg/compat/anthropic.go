package compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/protocol"
)

const (
	anthropicDefaultMaxTokens      = 4096
	anthropicDefaultThinkingBudget = 51200
)

// AnthropicCompat speaks the messages API: content blocks, block-indexed
// streaming, signed thinking blocks.
type AnthropicCompat struct{}

func NewAnthropicCompat() *AnthropicCompat {
	return &AnthropicCompat{}
}

func (c *AnthropicCompat) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    map[string]any     `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image / document
	Source *anthropicSource `json:"source,omitempty"`
	Title  string           `json:"title,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (c *AnthropicCompat) BuildPayload(in BuildInput) (map[string]any, error) {
	messages, err := c.serializeMessages(in.Messages)
	if err != nil {
		return nil, err
	}

	request := anthropicRequest{
		Model:     in.Model,
		Messages:  messages,
		MaxTokens: anthropicDefaultMaxTokens,
		System:    in.System,
	}

	if s := in.Settings; s != nil {
		if s.MaxTokens != nil {
			request.MaxTokens = *s.MaxTokens
		}
		request.Temperature = s.Temperature
		request.TopP = s.TopP
		request.StopSequences = s.Stop

		// effort is ignored on this family; only the budget applies
		if s.Reasoning.On() && c.thinkingAllowed(in.Messages) {
			request.Thinking = &anthropicThinking{
				Type:         "enabled",
				BudgetTokens: s.Reasoning.BudgetOr(anthropicDefaultThinkingBudget),
			}
		}
	}

	if len(in.Tools) > 0 {
		request.Tools = c.SerializeTools(in.Tools).([]anthropicTool)
	}
	if choice := c.SerializeToolChoice(in.ToolChoice); choice != nil {
		request.ToolChoice = choice.(map[string]any)
	}

	payload, err := payloadToMap(request)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// thinkingAllowed implements the downgrade rule: when any prior assistant
// message lacks reasoning, enabling thinking would make the API reject the
// history, so the request proceeds without it.
func (c *AnthropicCompat) thinkingAllowed(messages []protocol.Message) bool {
	for _, msg := range messages {
		if msg.Role != protocol.RoleAssistant {
			continue
		}
		if msg.Reasoning == nil || msg.Reasoning.Text == "" {
			return false
		}
	}
	return true
}

func (c *AnthropicCompat) serializeMessages(messages []protocol.Message) ([]anthropicMessage, error) {
	out := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			// aggregated upstream into the system field
			continue

		case protocol.RoleUser:
			blocks, err := c.serializeParts(msg.Content)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: blocks})

		case protocol.RoleAssistant:
			blocks := make([]anthropicBlock, 0, len(msg.Content)+len(msg.ToolCalls)+1)

			// signed thinking blocks come first and are re-sent verbatim;
			// the redacted flag is ignored for this family
			if msg.Reasoning != nil && msg.Reasoning.Text != "" {
				blocks = append(blocks, anthropicBlock{
					Type:      "thinking",
					Thinking:  msg.Reasoning.Text,
					Signature: msg.Reasoning.Signature(),
				})
			}
			for _, part := range msg.Content {
				if part.Type == protocol.ContentPartTypeText && !isBlank(part.Text) {
					blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
				}
			}
			for _, call := range msg.ToolCalls {
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})

		case protocol.RoleTool:
			block := anthropicBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
			}
			if text := msg.JoinedText(); text != "" {
				block.Content = text
			}
			for _, part := range msg.Content {
				if part.Type == protocol.ContentPartTypeToolResult && part.IsError {
					block.IsError = true
				}
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})
		}
	}
	return out, nil
}

func (c *AnthropicCompat) serializeParts(parts []protocol.ContentPart) ([]anthropicBlock, error) {
	blocks := make([]anthropicBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			if isBlank(part.Text) {
				continue
			}
			blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})

		case protocol.ContentPartTypeImage:
			blocks = append(blocks, anthropicBlock{
				Type:   "image",
				Source: &anthropicSource{Type: "url", URL: part.ImageURL},
			})

		case protocol.ContentPartTypeDocument:
			source := part.Source
			switch {
			case source == nil:
				return nil, fmt.Errorf("document part has no source")
			case source.Base64 != "":
				blocks = append(blocks, anthropicBlock{
					Type:  "document",
					Title: part.Filename,
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: part.MimeType,
						Data:      source.Base64,
					},
				})
			case source.URL != "":
				blocks = append(blocks, anthropicBlock{
					Type:   "document",
					Title:  part.Filename,
					Source: &anthropicSource{Type: "url", URL: source.URL},
				})
			case source.FileID != "":
				return nil, fmt.Errorf("anthropic compat does not support file-id document sources")
			case source.Path != "":
				return nil, fmt.Errorf("filepath document source must be resolved before dispatch")
			}
		}
	}
	return blocks, nil
}

func (c *AnthropicCompat) SerializeTools(tools []protocol.UnifiedTool) any {
	out := make([]anthropicTool, len(tools))
	for i, tool := range tools {
		out[i] = anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		}
	}
	return out
}

func (c *AnthropicCompat) SerializeToolChoice(choice any) any {
	switch v := choice.(type) {
	case nil:
		return nil
	case string:
		switch v {
		case "auto":
			return map[string]any{"type": "auto"}
		case "none":
			return map[string]any{"type": "none"}
		case "required":
			return map[string]any{"type": "any"}
		}
		return nil
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return map[string]any{"type": "tool", "name": name}
		}
	}
	return nil
}

func (c *AnthropicCompat) StreamingFlags() map[string]any {
	return map[string]any{"stream": true}
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *anthropicUsage  `json:"usage"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *AnthropicCompat) ParseResponse(raw []byte) (*protocol.LLMResponse, error) {
	var response anthropicResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s (type: %s)", response.Error.Message, response.Error.Type)
	}

	out := &protocol.LLMResponse{
		Model:        response.Model,
		Role:         protocol.RoleAssistant,
		FinishReason: anthropicFinishReason(response.StopReason),
	}

	for _, block := range response.Content {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, protocol.TextPart(block.Text))
		case "thinking":
			reasoning := &protocol.Reasoning{Text: block.Thinking}
			if block.Signature != "" {
				reasoning.Metadata = map[string]any{"signature": block.Signature}
			}
			out.Reasoning = reasoning
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	if response.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     response.Usage.InputTokens,
			CompletionTokens: response.Usage.OutputTokens,
			TotalTokens:      response.Usage.InputTokens + response.Usage.OutputTokens,
		}
	}
	return out, nil
}

func anthropicFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return protocol.FinishReasonStop
	case "max_tokens":
		return protocol.FinishReasonLength
	case "tool_use":
		return protocol.FinishReasonToolCalls
	default:
		return stopReason
	}
}

func (c *AnthropicCompat) NewStreamState() StreamState {
	return &anthropicStreamState{
		calls:   make(map[int]*protocol.ToolCall),
		buffers: make(map[int]*strings.Builder),
	}
}

// anthropicStreamState maps content block indexes to tool calls: START on
// content_block_start{tool_use}, fold partial_json deltas, END on
// content_block_stop, flush everything on message_start and message_stop.
type anthropicStreamState struct {
	calls   map[int]*protocol.ToolCall
	buffers map[int]*strings.Builder

	text       strings.Builder
	reasoning  strings.Builder
	signature  strings.Builder
	completed  []protocol.ToolCall
	usage      *protocol.Usage
	stopReason string
}

type anthropicStreamFrame struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock *anthropicBlock       `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta `json:"delta,omitempty"`
	Message      *anthropicResponse    `json:"message,omitempty"`
	Usage        *anthropicUsage       `json:"usage,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (s *anthropicStreamState) ParseEvent(data []byte) ([]protocol.StreamEvent, error) {
	var frame anthropicStreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic stream frame: %w", err)
	}

	switch frame.Type {
	case "message_start":
		s.flush()
		if frame.Message != nil && frame.Message.Usage != nil {
			s.usage = &protocol.Usage{PromptTokens: frame.Message.Usage.InputTokens}
		}
		return nil, nil

	case "content_block_start":
		if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
			s.calls[frame.Index] = &protocol.ToolCall{
				ID:   frame.ContentBlock.ID,
				Name: frame.ContentBlock.Name,
			}
			s.buffers[frame.Index] = &strings.Builder{}
			return []protocol.StreamEvent{protocol.ToolStreamEvent(protocol.ToolEvent{
				Phase:  protocol.ToolPhaseStart,
				CallID: frame.ContentBlock.ID,
				Name:   frame.ContentBlock.Name,
			})}, nil
		}
		return nil, nil

	case "content_block_delta":
		if frame.Delta == nil {
			return nil, nil
		}
		switch frame.Delta.Type {
		case "text_delta":
			s.text.WriteString(frame.Delta.Text)
			return []protocol.StreamEvent{protocol.DeltaEvent(frame.Delta.Text)}, nil
		case "thinking_delta":
			s.reasoning.WriteString(frame.Delta.Thinking)
			return []protocol.StreamEvent{{
				Type:      protocol.StreamEventReasoning,
				Reasoning: &protocol.ReasoningDelta{Text: frame.Delta.Thinking},
			}}, nil
		case "signature_delta":
			s.signature.WriteString(frame.Delta.Signature)
			return nil, nil
		case "input_json_delta":
			call, ok := s.calls[frame.Index]
			if !ok {
				return nil, nil
			}
			s.buffers[frame.Index].WriteString(frame.Delta.PartialJSON)
			return []protocol.StreamEvent{protocol.ToolStreamEvent(protocol.ToolEvent{
				Phase:          protocol.ToolPhaseArgumentsDelta,
				CallID:         call.ID,
				ArgumentsDelta: frame.Delta.PartialJSON,
			})}, nil
		}
		return nil, nil

	case "content_block_stop":
		call, ok := s.calls[frame.Index]
		if !ok {
			return nil, nil
		}
		arguments := s.buffers[frame.Index].String()
		call.Arguments = unmarshalArguments(arguments)
		s.completed = append(s.completed, *call)
		delete(s.calls, frame.Index)
		delete(s.buffers, frame.Index)
		return []protocol.StreamEvent{protocol.ToolStreamEvent(protocol.ToolEvent{
			Phase:     protocol.ToolPhaseEnd,
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: arguments,
		})}, nil

	case "message_delta":
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			s.stopReason = frame.Delta.StopReason
		}
		if frame.Usage != nil {
			if s.usage == nil {
				s.usage = &protocol.Usage{}
			}
			s.usage.CompletionTokens = frame.Usage.OutputTokens
			s.usage.TotalTokens = s.usage.PromptTokens + frame.Usage.OutputTokens
		}
		return nil, nil

	case "message_stop":
		var events []protocol.StreamEvent
		if s.usage != nil {
			events = append(events, protocol.StreamEvent{Type: protocol.StreamEventUsage, Usage: s.usage})
		}
		s.calls = make(map[int]*protocol.ToolCall)
		s.buffers = make(map[int]*strings.Builder)
		return events, nil
	}

	return nil, nil
}

// flush clears in-flight block state so a new message never inherits the
// previous one's partial tool calls.
func (s *anthropicStreamState) flush() {
	s.calls = make(map[int]*protocol.ToolCall)
	s.buffers = make(map[int]*strings.Builder)
}

func (s *anthropicStreamState) FinishedWithToolCalls() bool {
	return s.stopReason == "tool_use" || len(s.completed) > 0
}

func (s *anthropicStreamState) Final() StreamFinal {
	final := StreamFinal{
		Text:         s.text.String(),
		ToolCalls:    s.completed,
		Usage:        s.usage,
		FinishReason: anthropicFinishReason(s.stopReason),
	}
	if s.reasoning.Len() > 0 {
		reasoning := &protocol.Reasoning{Text: s.reasoning.String()}
		if s.signature.Len() > 0 {
			reasoning.Metadata = map[string]any{"signature": s.signature.String()}
		}
		final.Reasoning = reasoning
	}
	return final
}
