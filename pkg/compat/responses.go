package compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/protocol"
)

// ResponsesCompat speaks the responses API: item-based input and output and
// item_id keyed streaming.
type ResponsesCompat struct{}

func NewResponsesCompat() *ResponsesCompat {
	return &ResponsesCompat{}
}

func (c *ResponsesCompat) Name() string { return "openai-responses" }

type responsesRequest struct {
	Model           string              `json:"model"`
	Input           []map[string]any    `json:"input"`
	Instructions    string              `json:"instructions,omitempty"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	ToolChoice      any                 `json:"tool_choice,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesReasoning struct {
	Effort string `json:"effort"`
}

func (c *ResponsesCompat) BuildPayload(in BuildInput) (map[string]any, error) {
	input, err := c.serializeInput(in.Messages)
	if err != nil {
		return nil, err
	}

	request := responsesRequest{
		Model:        in.Model,
		Input:        input,
		Instructions: in.System,
	}

	if s := in.Settings; s != nil {
		request.MaxOutputTokens = s.MaxTokens
		request.Temperature = s.Temperature
		request.TopP = s.TopP

		// only the effort knob exists on this family
		if s.Reasoning.On() && s.Reasoning.Effort != "" {
			request.Reasoning = &responsesReasoning{Effort: s.Reasoning.Effort}
		}
	}

	if len(in.Tools) > 0 {
		request.Tools = c.SerializeTools(in.Tools).([]responsesTool)
	}
	request.ToolChoice = c.SerializeToolChoice(in.ToolChoice)

	return payloadToMap(request)
}

func (c *ResponsesCompat) serializeInput(messages []protocol.Message) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			continue

		case protocol.RoleUser:
			content, err := c.serializeUserContent(msg.Content)
			if err != nil {
				return nil, err
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, map[string]any{
				"type":    "message",
				"role":    "user",
				"content": content,
			})

		case protocol.RoleAssistant:
			if text := msg.JoinedText(); !isBlank(text) {
				out = append(out, map[string]any{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": text},
					},
				})
			}
			for _, call := range msg.ToolCalls {
				out = append(out, map[string]any{
					"type":      "function_call",
					"call_id":   call.ID,
					"name":      call.Name,
					"arguments": marshalArguments(call.Arguments),
				})
			}

		case protocol.RoleTool:
			out = append(out, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  msg.JoinedText(),
			})
		}
	}
	return out, nil
}

func (c *ResponsesCompat) serializeUserContent(parts []protocol.ContentPart) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			if isBlank(part.Text) {
				continue
			}
			out = append(out, map[string]any{"type": "input_text", "text": part.Text})

		case protocol.ContentPartTypeImage:
			out = append(out, map[string]any{"type": "input_image", "image_url": part.ImageURL})

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
				out = append(out, map[string]any{
					"type":      "input_file",
					"filename":  part.Filename,
					"file_data": fmt.Sprintf("data:%s;base64,%s", mime, source.Base64),
				})
			case source.FileID != "":
				out = append(out, map[string]any{"type": "input_file", "file_id": source.FileID})
			case source.URL != "":
				out = append(out, map[string]any{"type": "input_file", "file_url": source.URL})
			case source.Path != "":
				return nil, fmt.Errorf("filepath document source must be resolved before dispatch")
			}
		}
	}
	return out, nil
}

func (c *ResponsesCompat) SerializeTools(tools []protocol.UnifiedTool) any {
	out := make([]responsesTool, len(tools))
	for i, tool := range tools {
		out[i] = responsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}
	return out
}

func (c *ResponsesCompat) SerializeToolChoice(choice any) any {
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
			return map[string]any{"type": "function", "name": name}
		}
	}
	return nil
}

func (c *ResponsesCompat) StreamingFlags() map[string]any {
	return map[string]any{"stream": true}
}

type responsesResponse struct {
	Model             string          `json:"model"`
	Status            string          `json:"status"`
	Output            []responsesItem `json:"output"`
	Usage             *responsesUsage `json:"usage"`
	Error             *responsesError `json:"error,omitempty"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details,omitempty"`
}

type responsesItem struct {
	Type      string              `json:"type"`
	ID        string              `json:"id,omitempty"`
	CallID    string              `json:"call_id,omitempty"`
	Name      string              `json:"name,omitempty"`
	Arguments string              `json:"arguments,omitempty"`
	Content   []responsesItemPart `json:"content,omitempty"`
	Summary   []responsesItemPart `json:"summary,omitempty"`
}

type responsesItemPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details,omitempty"`
}

type responsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (u *responsesUsage) toProtocol() *protocol.Usage {
	if u == nil {
		return nil
	}
	out := &protocol.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	return out
}

func (c *ResponsesCompat) ParseResponse(raw []byte) (*protocol.LLMResponse, error) {
	var response responsesResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to decode responses API body: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("responses API error: %s (code: %s)", response.Error.Message, response.Error.Code)
	}

	out := &protocol.LLMResponse{
		Model: response.Model,
		Role:  protocol.RoleAssistant,
		Usage: response.Usage.toProtocol(),
	}

	var reasoning strings.Builder
	for _, item := range response.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					out.Content = append(out.Content, protocol.TextPart(part.Text))
				}
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: unmarshalArguments(item.Arguments),
			})
		case "reasoning":
			for _, part := range item.Summary {
				reasoning.WriteString(part.Text)
			}
		}
	}
	if reasoning.Len() > 0 {
		out.Reasoning = &protocol.Reasoning{Text: reasoning.String()}
	}
	out.FinishReason = responsesFinishReason(response, len(out.ToolCalls) > 0)
	return out, nil
}

func responsesFinishReason(response responsesResponse, hasToolCalls bool) string {
	if hasToolCalls {
		return protocol.FinishReasonToolCalls
	}
	if response.Status == "incomplete" && response.IncompleteDetails != nil &&
		response.IncompleteDetails.Reason == "max_output_tokens" {
		return protocol.FinishReasonLength
	}
	return protocol.FinishReasonStop
}

func (c *ResponsesCompat) NewStreamState() StreamState {
	return &responsesStreamState{items: make(map[string]*responsesStreamItem)}
}

type responsesStreamItem struct {
	callID string
	name   string
	args   strings.Builder
}

// responsesStreamState keys in-flight tool calls by item_id. Completion is
// detected on response.completed by scanning the final output items.
type responsesStreamState struct {
	items map[string]*responsesStreamItem

	text                  strings.Builder
	reasoning             strings.Builder
	completed             []protocol.ToolCall
	usage                 *protocol.Usage
	finishReason          string
	finishedWithToolCalls bool
}

type responsesStreamFrame struct {
	Type     string             `json:"type"`
	ItemID   string             `json:"item_id,omitempty"`
	Delta    string             `json:"delta,omitempty"`
	Item     *responsesItem     `json:"item,omitempty"`
	Response *responsesResponse `json:"response,omitempty"`
}

func (s *responsesStreamState) ParseEvent(data []byte) ([]protocol.StreamEvent, error) {
	var frame responsesStreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode responses stream frame: %w", err)
	}

	switch frame.Type {
	case "response.output_text.delta":
		if frame.Delta == "" {
			return nil, nil
		}
		s.text.WriteString(frame.Delta)
		return []protocol.StreamEvent{protocol.DeltaEvent(frame.Delta)}, nil

	case "response.reasoning_summary_text.delta":
		if frame.Delta == "" {
			return nil, nil
		}
		s.reasoning.WriteString(frame.Delta)
		return []protocol.StreamEvent{{
			Type:      protocol.StreamEventReasoning,
			Reasoning: &protocol.ReasoningDelta{Text: frame.Delta},
		}}, nil

	case "response.output_item.added":
		if frame.Item == nil || frame.Item.Type != "function_call" {
			return nil, nil
		}
		s.items[frame.Item.ID] = &responsesStreamItem{
			callID: frame.Item.CallID,
			name:   frame.Item.Name,
		}
		return []protocol.StreamEvent{protocol.ToolStreamEvent(protocol.ToolEvent{
			Phase:  protocol.ToolPhaseStart,
			CallID: frame.Item.CallID,
			Name:   frame.Item.Name,
		})}, nil

	case "response.function_call_arguments.delta":
		item, ok := s.items[frame.ItemID]
		if !ok {
			return nil, nil
		}
		item.args.WriteString(frame.Delta)
		return []protocol.StreamEvent{protocol.ToolStreamEvent(protocol.ToolEvent{
			Phase:          protocol.ToolPhaseArgumentsDelta,
			CallID:         item.callID,
			ArgumentsDelta: frame.Delta,
		})}, nil

	case "response.output_item.done":
		if frame.Item == nil || frame.Item.Type != "function_call" {
			return nil, nil
		}
		item, ok := s.items[frame.Item.ID]
		if !ok {
			return nil, nil
		}
		arguments := item.args.String()
		if arguments == "" {
			arguments = frame.Item.Arguments
		}
		s.completed = append(s.completed, protocol.ToolCall{
			ID:        item.callID,
			Name:      item.name,
			Arguments: unmarshalArguments(arguments),
		})
		delete(s.items, frame.Item.ID)
		return []protocol.StreamEvent{protocol.ToolStreamEvent(protocol.ToolEvent{
			Phase:     protocol.ToolPhaseEnd,
			CallID:    item.callID,
			Name:      item.name,
			Arguments: arguments,
		})}, nil

	case "response.completed":
		var events []protocol.StreamEvent
		if frame.Response != nil {
			if frame.Response.Usage != nil {
				s.usage = frame.Response.Usage.toProtocol()
				events = append(events, protocol.StreamEvent{Type: protocol.StreamEventUsage, Usage: s.usage})
			}
			for _, item := range frame.Response.Output {
				if item.Type == "function_call" {
					s.finishedWithToolCalls = true
				}
			}
			s.finishReason = responsesFinishReason(*frame.Response, s.finishedWithToolCalls)
		}
		s.items = make(map[string]*responsesStreamItem)
		return events, nil
	}

	return nil, nil
}

func (s *responsesStreamState) FinishedWithToolCalls() bool {
	return s.finishedWithToolCalls
}

func (s *responsesStreamState) Final() StreamFinal {
	final := StreamFinal{
		Text:         s.text.String(),
		ToolCalls:    s.completed,
		Usage:        s.usage,
		FinishReason: s.finishReason,
	}
	if s.reasoning.Len() > 0 {
		final.Reasoning = &protocol.Reasoning{Text: s.reasoning.String()}
	}
	return final
}
