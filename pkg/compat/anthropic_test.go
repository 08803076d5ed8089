package compat

import (
	"testing"

	"github.com/modelgate/modelgate/pkg/protocol"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestAnthropicBuildPayload(t *testing.T) {
	c := NewAnthropicCompat()

	payload, err := c.BuildPayload(BuildInput{
		Model:  "claude-sonnet-4",
		System: "You are terse.",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
		Settings: &protocol.CallSettings{
			MaxTokens:   intPtr(1024),
			Temperature: floatPtr(0.2),
		},
		Tools: []protocol.UnifiedTool{
			{Name: "search", Description: "find things", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}

	if payload["model"] != "claude-sonnet-4" {
		t.Errorf("model = %v", payload["model"])
	}
	if payload["system"] != "You are terse." {
		t.Errorf("system = %v", payload["system"])
	}
	if payload["max_tokens"] != float64(1024) {
		t.Errorf("max_tokens = %v", payload["max_tokens"])
	}
	tools, ok := payload["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v", payload["tools"])
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "search" || tool["input_schema"] == nil {
		t.Errorf("tool = %v", tool)
	}
}

func TestAnthropicThinkingBudget(t *testing.T) {
	c := NewAnthropicCompat()

	tests := []struct {
		name     string
		settings *protocol.CallSettings
		want     float64
	}{
		{
			name:     "explicit budget",
			settings: &protocol.CallSettings{Reasoning: &protocol.ReasoningSettings{Enabled: boolPtr(true), Budget: intPtr(2048)}},
			want:     2048,
		},
		{
			name:     "default budget",
			settings: &protocol.CallSettings{Reasoning: &protocol.ReasoningSettings{Enabled: boolPtr(true)}},
			want:     51200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := c.BuildPayload(BuildInput{
				Model: "claude-sonnet-4",
				Messages: []protocol.Message{
					{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("think")}},
				},
				Settings: tt.settings,
			})
			if err != nil {
				t.Fatalf("BuildPayload failed: %v", err)
			}
			thinking, ok := payload["thinking"].(map[string]any)
			if !ok {
				t.Fatalf("thinking missing: %v", payload)
			}
			if thinking["type"] != "enabled" || thinking["budget_tokens"] != tt.want {
				t.Errorf("thinking = %v", thinking)
			}
		})
	}
}

func TestAnthropicThinkingDowngrade(t *testing.T) {
	c := NewAnthropicCompat()

	// a prior assistant turn without reasoning forces the request to proceed
	// without thinking
	payload, err := c.BuildPayload(BuildInput{
		Model: "claude-sonnet-4",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
			{Role: protocol.RoleAssistant, Content: []protocol.ContentPart{protocol.TextPart("hello")}},
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("again")}},
		},
		Settings: &protocol.CallSettings{
			Reasoning: &protocol.ReasoningSettings{Enabled: boolPtr(true)},
		},
	})
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}
	if _, ok := payload["thinking"]; ok {
		t.Error("thinking enabled despite unsigned assistant history")
	}
}

func TestAnthropicThinkingBlockFirst(t *testing.T) {
	c := NewAnthropicCompat()

	payload, err := c.BuildPayload(BuildInput{
		Model: "claude-sonnet-4",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
			{
				Role:    protocol.RoleAssistant,
				Content: []protocol.ContentPart{protocol.TextPart("answer")},
				Reasoning: &protocol.Reasoning{
					Text:     "chain of thought",
					Redacted: true, // ignored for this family
					Metadata: map[string]any{"signature": "sig-abc"},
				},
			},
		},
		Settings: &protocol.CallSettings{
			Reasoning: &protocol.ReasoningSettings{Enabled: boolPtr(true)},
		},
	})
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}

	messages := payload["messages"].([]any)
	assistant := messages[1].(map[string]any)
	blocks := assistant["content"].([]any)
	first := blocks[0].(map[string]any)
	if first["type"] != "thinking" || first["thinking"] != "chain of thought" || first["signature"] != "sig-abc" {
		t.Errorf("first block = %v", first)
	}
	if blocks[1].(map[string]any)["type"] != "text" {
		t.Errorf("second block = %v", blocks[1])
	}
	if _, ok := payload["thinking"]; !ok {
		t.Error("thinking settings missing despite signed history")
	}
}

func TestAnthropicToolResultsAsUserMessages(t *testing.T) {
	c := NewAnthropicCompat()

	payload, err := c.BuildPayload(BuildInput{
		Model: "claude-sonnet-4",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("weather?")}},
			{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{
				{ID: "toolu_1", Name: "weather", Arguments: map[string]any{"city": "Berlin"}},
			}},
			{Role: protocol.RoleTool, ToolCallID: "toolu_1", Content: []protocol.ContentPart{protocol.TextPart("sunny")}},
		},
	})
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}

	messages := payload["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	result := messages[2].(map[string]any)
	if result["role"] != "user" {
		t.Errorf("tool result role = %v", result["role"])
	}
	block := result["content"].([]any)[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "toolu_1" || block["content"] != "sunny" {
		t.Errorf("tool result block = %v", block)
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	c := NewAnthropicCompat()

	raw := []byte(`{
		"model": "claude-sonnet-4",
		"content": [
			{"type": "thinking", "thinking": "hmm", "signature": "sig-1"},
			{"type": "text", "text": "Berlin is sunny."},
			{"type": "tool_use", "id": "toolu_1", "name": "weather", "input": {"city": "Berlin"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`)

	response, err := c.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if response.FinishReason != protocol.FinishReasonToolCalls {
		t.Errorf("finish reason = %q", response.FinishReason)
	}
	if len(response.ToolCalls) != 1 || response.ToolCalls[0].Name != "weather" {
		t.Errorf("tool calls = %+v", response.ToolCalls)
	}
	if response.Reasoning == nil || response.Reasoning.Signature() != "sig-1" {
		t.Errorf("reasoning = %+v", response.Reasoning)
	}
	if response.Usage.TotalTokens != 30 {
		t.Errorf("usage = %+v", response.Usage)
	}
}

func TestAnthropicParseResponseError(t *testing.T) {
	c := NewAnthropicCompat()

	_, err := c.ParseResponse([]byte(`{"error": {"type": "overloaded_error", "message": "busy"}}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAnthropicStreamToolCall(t *testing.T) {
	s := NewAnthropicCompat().NewStreamState()

	frames := []string{
		`{"type": "message_start", "message": {"usage": {"input_tokens": 12}}}`,
		`{"type": "content_block_start", "index": 0, "content_block": {"type": "text"}}`,
		`{"type": "content_block_delta", "index": 0, "delta": {"type": "text_delta", "text": "Checking"}}`,
		`{"type": "content_block_stop", "index": 0}`,
		`{"type": "content_block_start", "index": 1, "content_block": {"type": "tool_use", "id": "toolu_1", "name": "weather"}}`,
		`{"type": "content_block_delta", "index": 1, "delta": {"type": "input_json_delta", "partial_json": "{\"city\":"}}`,
		`{"type": "content_block_delta", "index": 1, "delta": {"type": "input_json_delta", "partial_json": "\"Berlin\"}"}}`,
		`{"type": "content_block_stop", "index": 1}`,
		`{"type": "message_delta", "delta": {"stop_reason": "tool_use"}, "usage": {"output_tokens": 7}}`,
		`{"type": "message_stop"}`,
	}

	var phases []protocol.ToolEventPhase
	for _, frame := range frames {
		events, err := s.ParseEvent([]byte(frame))
		if err != nil {
			t.Fatalf("ParseEvent(%s) failed: %v", frame, err)
		}
		for _, ev := range events {
			if ev.Type == protocol.StreamEventTool {
				phases = append(phases, ev.Tool.Phase)
			}
		}
	}

	want := []protocol.ToolEventPhase{
		protocol.ToolPhaseStart,
		protocol.ToolPhaseArgumentsDelta,
		protocol.ToolPhaseArgumentsDelta,
		protocol.ToolPhaseEnd,
	}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase[%d] = %v, want %v", i, phases[i], want[i])
		}
	}

	if !s.FinishedWithToolCalls() {
		t.Error("FinishedWithToolCalls = false")
	}
	final := s.Final()
	if final.Text != "Checking" {
		t.Errorf("text = %q", final.Text)
	}
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].Arguments["city"] != "Berlin" {
		t.Errorf("tool calls = %+v", final.ToolCalls)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 12 || final.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", final.Usage)
	}
	if final.FinishReason != protocol.FinishReasonToolCalls {
		t.Errorf("finish reason = %q", final.FinishReason)
	}
}

func TestAnthropicStreamThinking(t *testing.T) {
	s := NewAnthropicCompat().NewStreamState()

	frames := []string{
		`{"type": "content_block_start", "index": 0, "content_block": {"type": "thinking"}}`,
		`{"type": "content_block_delta", "index": 0, "delta": {"type": "thinking_delta", "thinking": "step one"}}`,
		`{"type": "content_block_delta", "index": 0, "delta": {"type": "signature_delta", "signature": "sig-xyz"}}`,
		`{"type": "content_block_stop", "index": 0}`,
		`{"type": "message_delta", "delta": {"stop_reason": "end_turn"}}`,
	}
	for _, frame := range frames {
		if _, err := s.ParseEvent([]byte(frame)); err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
		}
	}

	final := s.Final()
	if final.Reasoning == nil || final.Reasoning.Text != "step one" {
		t.Fatalf("reasoning = %+v", final.Reasoning)
	}
	if final.Reasoning.Signature() != "sig-xyz" {
		t.Errorf("signature = %q", final.Reasoning.Signature())
	}
	if s.FinishedWithToolCalls() {
		t.Error("FinishedWithToolCalls = true without tool calls")
	}
}
