package compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/protocol"
)

// OpenAIChatCompat speaks the chat completions wire format, which a large
// share of providers expose verbatim or near-verbatim.
type OpenAIChatCompat struct{}

func NewOpenAIChatCompat() *OpenAIChatCompat {
	return &OpenAIChatCompat{}
}

func (c *OpenAIChatCompat) Name() string { return "openai-chat" }

type openAIRequest struct {
	Model            string             `json:"model"`
	Messages         []openAIMessage    `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	ResponseFormat   any                `json:"response_format,omitempty"`
	Seed             *int               `json:"seed,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	Logprobs         *bool              `json:"logprobs,omitempty"`
	TopLogprobs      *int               `json:"top_logprobs,omitempty"`
	Tools            []openAITool       `json:"tools,omitempty"`
	ToolChoice       any                `json:"tool_choice,omitempty"`
	Reasoning        *openAIReasoning   `json:"reasoning,omitempty"`
}

type openAIReasoning struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Exclude   bool   `json:"exclude,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
}

type openAIContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *openAIImageURL  `json:"image_url,omitempty"`
	File     *openAIFileBlock `json:"file,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIFileBlock struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIToolDetails `json:"function"`
}

type openAIToolDetails struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

func (c *OpenAIChatCompat) BuildPayload(in BuildInput) (map[string]any, error) {
	messages, err := c.serializeMessages(in)
	if err != nil {
		return nil, err
	}

	request := openAIRequest{
		Model:    in.Model,
		Messages: messages,
	}

	if s := in.Settings; s != nil {
		request.Temperature = s.Temperature
		request.TopP = s.TopP
		request.MaxTokens = s.MaxTokens
		request.Stop = s.Stop
		request.ResponseFormat = s.ResponseFormat
		request.Seed = s.Seed
		request.FrequencyPenalty = s.FrequencyPenalty
		request.PresencePenalty = s.PresencePenalty
		request.LogitBias = s.LogitBias
		request.Logprobs = s.Logprobs
		request.TopLogprobs = s.TopLogprobs

		// enabled is only sent when the caller set enabled:true; effort wins
		// over budget, which is ignored once an effort level is present.
		if s.Reasoning.On() {
			reasoning := &openAIReasoning{}
			if s.Reasoning.Enabled != nil && *s.Reasoning.Enabled {
				reasoning.Enabled = true
			}
			if s.Reasoning.Effort != "" {
				reasoning.Effort = s.Reasoning.Effort
			} else if s.Reasoning.Budget != nil {
				reasoning.MaxTokens = *s.Reasoning.Budget
			}
			if s.Reasoning.Exclude != nil {
				reasoning.Exclude = *s.Reasoning.Exclude
			}
			request.Reasoning = reasoning
		}
	}

	if len(in.Tools) > 0 {
		request.Tools = c.SerializeTools(in.Tools).([]openAITool)
	}
	request.ToolChoice = c.SerializeToolChoice(in.ToolChoice)

	return payloadToMap(request)
}

func (c *OpenAIChatCompat) serializeMessages(in BuildInput) ([]openAIMessage, error) {
	out := make([]openAIMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		out = append(out, openAIMessage{Role: "system", Content: in.System})
	}

	for _, msg := range in.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			continue

		case protocol.RoleUser:
			content, err := c.serializeUserContent(msg.Content)
			if err != nil {
				return nil, err
			}
			if content == nil {
				continue
			}
			out = append(out, openAIMessage{Role: "user", Content: content, Name: msg.Name})

		case protocol.RoleAssistant:
			message := openAIMessage{Role: "assistant"}
			if text := msg.JoinedText(); text != "" {
				message.Content = text
			}
			if msg.Reasoning != nil && !msg.Reasoning.Redacted {
				message.Reasoning = msg.Reasoning.Text
			}
			for _, call := range msg.ToolCalls {
				message.ToolCalls = append(message.ToolCalls, openAIToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openAIFunction{
						Name:      call.Name,
						Arguments: marshalArguments(call.Arguments),
					},
				})
			}
			if message.Content == nil && len(message.ToolCalls) == 0 {
				continue
			}
			out = append(out, message)

		case protocol.RoleTool:
			out = append(out, openAIMessage{
				Role:       "tool",
				ToolCallID: msg.ToolCallID,
				Content:    msg.JoinedText(),
			})
		}
	}
	return out, nil
}

// serializeUserContent returns a plain string for text-only messages and a
// part array once images or documents are involved.
func (c *OpenAIChatCompat) serializeUserContent(parts []protocol.ContentPart) (any, error) {
	textOnly := true
	for _, part := range parts {
		if part.Type != protocol.ContentPartTypeText {
			textOnly = false
			break
		}
	}
	if textOnly {
		var text strings.Builder
		for _, part := range parts {
			text.WriteString(part.Text)
		}
		if isBlank(text.String()) {
			return nil, nil
		}
		return text.String(), nil
	}

	blocks := make([]openAIContentPart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			if isBlank(part.Text) {
				continue
			}
			blocks = append(blocks, openAIContentPart{Type: "text", Text: part.Text})

		case protocol.ContentPartTypeImage:
			blocks = append(blocks, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: part.ImageURL},
			})

		case protocol.ContentPartTypeDocument:
			source := part.Source
			switch {
			case source == nil:
				return nil, fmt.Errorf("document part has no source")
			case source.Base64 != "":
				mime := part.MimeType
				if mime == "" {
					mime = "application/octet-stream"
				}
				blocks = append(blocks, openAIContentPart{
					Type: "file",
					File: &openAIFileBlock{
						Filename: part.Filename,
						FileData: fmt.Sprintf("data:%s;base64,%s", mime, source.Base64),
					},
				})
			case source.FileID != "":
				blocks = append(blocks, openAIContentPart{
					Type: "file",
					File: &openAIFileBlock{FileID: source.FileID},
				})
			case source.URL != "":
				return nil, fmt.Errorf("openai-chat compat does not support url document sources")
			case source.Path != "":
				return nil, fmt.Errorf("filepath document source must be resolved before dispatch")
			}
		}
	}
	return blocks, nil
}

func (c *OpenAIChatCompat) SerializeTools(tools []protocol.UnifiedTool) any {
	out := make([]openAITool, len(tools))
	for i, tool := range tools {
		out[i] = openAITool{
			Type: "function",
			Function: openAIToolDetails{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return out
}

func (c *OpenAIChatCompat) SerializeToolChoice(choice any) any {
	switch v := choice.(type) {
	case nil:
		return nil
	case string:
		switch v {
		case "auto", "none", "required":
			return v
		}
		return nil
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return map[string]any{
				"type":     "function",
				"function": map[string]any{"name": name},
			}
		}
	}
	return nil
}

func (c *OpenAIChatCompat) StreamingFlags() map[string]any {
	return map[string]any{
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
}

type openAIResponse struct {
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Index        int                  `json:"index"`
	Message      *openAIChoiceMessage `json:"message,omitempty"`
	Delta        *openAIChoiceMessage `json:"delta,omitempty"`
	FinishReason string               `json:"finish_reason"`
}

type openAIChoiceMessage struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	Reasoning string                `json:"reasoning,omitempty"`
	ToolCalls []openAIDeltaToolCall `json:"tool_calls,omitempty"`
}

type openAIDeltaToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openAIFunction `json:"function"`
}

type openAIUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

func (u *openAIUsage) toProtocol() *protocol.Usage {
	if u == nil {
		return nil
	}
	out := &protocol.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func (c *OpenAIChatCompat) ParseResponse(raw []byte) (*protocol.LLMResponse, error) {
	var response openAIResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to decode chat completion response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("API error: %s (type: %s)", response.Error.Message, response.Error.Type)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("chat completion response has no choices")
	}

	choice := response.Choices[0]
	out := &protocol.LLMResponse{
		Model:        response.Model,
		Role:         protocol.RoleAssistant,
		FinishReason: openAIFinishReason(choice.FinishReason),
		Usage:        response.Usage.toProtocol(),
	}
	if choice.Message != nil {
		if choice.Message.Content != "" {
			out.Content = append(out.Content, protocol.TextPart(choice.Message.Content))
		}
		if choice.Message.Reasoning != "" {
			out.Reasoning = &protocol.Reasoning{Text: choice.Message.Reasoning}
		}
		for _, call := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: unmarshalArguments(call.Function.Arguments),
			})
		}
	}
	return out, nil
}

func openAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return protocol.FinishReasonStop
	case "length":
		return protocol.FinishReasonLength
	case "tool_calls", "function_call":
		return protocol.FinishReasonToolCalls
	default:
		return reason
	}
}

func (c *OpenAIChatCompat) NewStreamState() StreamState {
	return &openAIStreamState{
		calls:   make(map[int]*protocol.ToolCall),
		buffers: make(map[int]*strings.Builder),
		order:   nil,
	}
}

// openAIStreamState is index-first: tool call fragments carry an index and
// only the first fragment carries the id and name. There is no end marker per
// call, so END events are synthesized when a terminal finish_reason arrives.
type openAIStreamState struct {
	calls   map[int]*protocol.ToolCall
	buffers map[int]*strings.Builder
	order   []int

	text         strings.Builder
	reasoning    strings.Builder
	completed    []protocol.ToolCall
	usage        *protocol.Usage
	finishReason string
	sawToolCalls bool
}

func (s *openAIStreamState) ParseEvent(data []byte) ([]protocol.StreamEvent, error) {
	var chunk openAIResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode chat completion chunk: %w", err)
	}

	var events []protocol.StreamEvent

	// the usage chunk arrives with an empty choices list
	if chunk.Usage != nil {
		s.usage = chunk.Usage.toProtocol()
		events = append(events, protocol.StreamEvent{Type: protocol.StreamEventUsage, Usage: s.usage})
	}
	if len(chunk.Choices) == 0 {
		return events, nil
	}

	choice := chunk.Choices[0]
	if delta := choice.Delta; delta != nil {
		if delta.Content != "" {
			s.text.WriteString(delta.Content)
			events = append(events, protocol.DeltaEvent(delta.Content))
		}
		if delta.Reasoning != "" {
			s.reasoning.WriteString(delta.Reasoning)
			events = append(events, protocol.StreamEvent{
				Type:      protocol.StreamEventReasoning,
				Reasoning: &protocol.ReasoningDelta{Text: delta.Reasoning},
			})
		}
		for _, fragment := range delta.ToolCalls {
			events = append(events, s.foldToolFragment(fragment)...)
		}
	}

	if choice.FinishReason != "" {
		events = append(events, s.finish(choice.FinishReason)...)
	}
	return events, nil
}

func (s *openAIStreamState) foldToolFragment(fragment openAIDeltaToolCall) []protocol.StreamEvent {
	index := 0
	if fragment.Index != nil {
		index = *fragment.Index
	}

	var events []protocol.StreamEvent
	call, ok := s.calls[index]
	if !ok {
		call = &protocol.ToolCall{ID: fragment.ID, Name: fragment.Function.Name}
		s.calls[index] = call
		s.buffers[index] = &strings.Builder{}
		s.order = append(s.order, index)
		events = append(events, protocol.ToolStreamEvent(protocol.ToolEvent{
			Phase:  protocol.ToolPhaseStart,
			CallID: call.ID,
			Name:   call.Name,
		}))
	}
	if fragment.ID != "" && call.ID == "" {
		call.ID = fragment.ID
	}
	if fragment.Function.Name != "" && call.Name == "" {
		call.Name = fragment.Function.Name
	}
	if fragment.Function.Arguments != "" {
		s.buffers[index].WriteString(fragment.Function.Arguments)
		events = append(events, protocol.ToolStreamEvent(protocol.ToolEvent{
			Phase:          protocol.ToolPhaseArgumentsDelta,
			CallID:         call.ID,
			ArgumentsDelta: fragment.Function.Arguments,
		}))
	}
	return events
}

// finish synthesizes END events on finish_reason=tool_calls and resets the
// in-flight maps on every terminal finish, matching or not.
func (s *openAIStreamState) finish(reason string) []protocol.StreamEvent {
	s.finishReason = reason

	var events []protocol.StreamEvent
	if reason == "tool_calls" || reason == "function_call" {
		s.sawToolCalls = true
		for _, index := range s.order {
			call, ok := s.calls[index]
			if !ok {
				continue
			}
			arguments := s.buffers[index].String()
			call.Arguments = unmarshalArguments(arguments)
			s.completed = append(s.completed, *call)
			events = append(events, protocol.ToolStreamEvent(protocol.ToolEvent{
				Phase:     protocol.ToolPhaseEnd,
				CallID:    call.ID,
				Name:      call.Name,
				Arguments: arguments,
			}))
		}
	}

	s.calls = make(map[int]*protocol.ToolCall)
	s.buffers = make(map[int]*strings.Builder)
	s.order = nil
	return events
}

func (s *openAIStreamState) FinishedWithToolCalls() bool {
	return s.sawToolCalls
}

func (s *openAIStreamState) Final() StreamFinal {
	final := StreamFinal{
		Text:         s.text.String(),
		ToolCalls:    s.completed,
		Usage:        s.usage,
		FinishReason: openAIFinishReason(s.finishReason),
	}
	if s.reasoning.Len() > 0 {
		final.Reasoning = &protocol.Reasoning{Text: s.reasoning.String()}
	}
	return final
}
