package compat

import (
	"testing"

	"github.com/modelgate/modelgate/pkg/protocol"
)

func TestOpenAIChatBuildPayload(t *testing.T) {
	c := NewOpenAIChatCompat()

	payload, err := c.BuildPayload(BuildInput{
		Model:  "gpt-4o",
		System: "Be brief.",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
		Settings: &protocol.CallSettings{
			Temperature: floatPtr(0.7),
			MaxTokens:   intPtr(256),
			Reasoning: &protocol.ReasoningSettings{
				Enabled: boolPtr(true),
				Effort:  "high",
				Budget:  intPtr(4096),
			},
		},
		Tools: []protocol.UnifiedTool{
			{Name: "search", Parameters: map[string]any{"type": "object"}},
		},
		ToolChoice: "auto",
	})
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}

	messages := payload["messages"].([]any)
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "Be brief." {
		t.Errorf("system message = %v", first)
	}
	if payload["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v", payload["max_tokens"])
	}
	reasoning := payload["reasoning"].(map[string]any)
	if reasoning["enabled"] != true || reasoning["effort"] != "high" {
		t.Errorf("reasoning = %v", reasoning)
	}
	if _, ok := reasoning["max_tokens"]; ok {
		t.Errorf("budget not suppressed by effort: %v", reasoning)
	}
	if payload["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v", payload["tool_choice"])
	}
	tool := payload["tools"].([]any)[0].(map[string]any)
	if tool["type"] != "function" {
		t.Errorf("tool = %v", tool)
	}
}

func TestOpenAIChatReasoningSerialization(t *testing.T) {
	tests := []struct {
		name     string
		settings *protocol.ReasoningSettings
		want     map[string]any
	}{
		{
			name:     "enabled only",
			settings: &protocol.ReasoningSettings{Enabled: boolPtr(true)},
			want:     map[string]any{"enabled": true},
		},
		{
			name:     "effort only",
			settings: &protocol.ReasoningSettings{Effort: "high"},
			want:     map[string]any{"effort": "high"},
		},
		{
			name:     "budget only",
			settings: &protocol.ReasoningSettings{Budget: intPtr(1000)},
			want:     map[string]any{"max_tokens": float64(1000)},
		},
		{
			name:     "effort wins over budget",
			settings: &protocol.ReasoningSettings{Effort: "high", Budget: intPtr(1000)},
			want:     map[string]any{"effort": "high"},
		},
		{
			name:     "exclude carried",
			settings: &protocol.ReasoningSettings{Effort: "low", Exclude: boolPtr(true)},
			want:     map[string]any{"effort": "low", "exclude": true},
		},
		{
			name:     "enabled false is absence",
			settings: &protocol.ReasoningSettings{Enabled: boolPtr(false)},
			want:     nil,
		},
	}

	c := NewOpenAIChatCompat()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := c.BuildPayload(BuildInput{
				Model: "gpt-4o",
				Messages: []protocol.Message{
					{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
				},
				Settings: &protocol.CallSettings{Reasoning: tt.settings},
			})
			if err != nil {
				t.Fatalf("BuildPayload failed: %v", err)
			}

			reasoning, ok := payload["reasoning"].(map[string]any)
			if tt.want == nil {
				if ok {
					t.Fatalf("reasoning present: %v", reasoning)
				}
				return
			}
			if !ok {
				t.Fatal("reasoning missing")
			}
			if len(reasoning) != len(tt.want) {
				t.Errorf("reasoning = %v, want %v", reasoning, tt.want)
			}
			for k, v := range tt.want {
				if reasoning[k] != v {
					t.Errorf("reasoning[%q] = %v, want %v", k, reasoning[k], v)
				}
			}
		})
	}
}

func TestOpenAIChatAssistantToolCalls(t *testing.T) {
	c := NewOpenAIChatCompat()

	payload, err := c.BuildPayload(BuildInput{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("weather?")}},
			{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{
				{ID: "call_1", Name: "weather", Arguments: map[string]any{"city": "Berlin"}},
			}},
			{Role: protocol.RoleTool, ToolCallID: "call_1", Content: []protocol.ContentPart{protocol.TextPart("sunny")}},
		},
	})
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}

	messages := payload["messages"].([]any)
	assistant := messages[1].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	if call["id"] != "call_1" || call["type"] != "function" {
		t.Errorf("tool call = %v", call)
	}
	function := call["function"].(map[string]any)
	if function["name"] != "weather" || function["arguments"] != `{"city":"Berlin"}` {
		t.Errorf("function = %v", function)
	}
	toolMsg := messages[2].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_1" || toolMsg["content"] != "sunny" {
		t.Errorf("tool message = %v", toolMsg)
	}
}

func TestOpenAIChatNamedToolChoice(t *testing.T) {
	c := NewOpenAIChatCompat()

	choice := c.SerializeToolChoice(map[string]any{"name": "weather"})
	wire, ok := choice.(map[string]any)
	if !ok || wire["type"] != "function" {
		t.Fatalf("choice = %v", choice)
	}
	function := wire["function"].(map[string]any)
	if function["name"] != "weather" {
		t.Errorf("function = %v", function)
	}
}

func TestOpenAIChatParseResponse(t *testing.T) {
	c := NewOpenAIChatCompat()

	raw := []byte(`{
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "Sunny.",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "weather", "arguments": "{\"city\":\"Berlin\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {
			"prompt_tokens": 9,
			"completion_tokens": 4,
			"total_tokens": 13,
			"completion_tokens_details": {"reasoning_tokens": 2}
		}
	}`)

	response, err := c.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if response.FinishReason != protocol.FinishReasonToolCalls {
		t.Errorf("finish reason = %q", response.FinishReason)
	}
	if len(response.ToolCalls) != 1 || response.ToolCalls[0].Arguments["city"] != "Berlin" {
		t.Errorf("tool calls = %+v", response.ToolCalls)
	}
	if response.Usage.ReasoningTokens != 2 {
		t.Errorf("usage = %+v", response.Usage)
	}
}

func TestOpenAIChatStreamSynthesizesEnds(t *testing.T) {
	s := NewOpenAIChatCompat().NewStreamState()

	frames := []string{
		`{"choices": [{"index": 0, "delta": {"role": "assistant", "content": ""}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [{"index": 0, "id": "call_1", "function": {"name": "weather", "arguments": ""}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [{"index": 0, "function": {"arguments": "{\"city\":"}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [{"index": 0, "function": {"arguments": "\"Berlin\"}"}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {}, "finish_reason": "tool_calls"}]}`,
		`{"choices": [], "usage": {"prompt_tokens": 11, "completion_tokens": 6, "total_tokens": 17}}`,
	}

	var phases []protocol.ToolEventPhase
	for _, frame := range frames {
		events, err := s.ParseEvent([]byte(frame))
		if err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
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
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].Arguments["city"] != "Berlin" {
		t.Errorf("tool calls = %+v", final.ToolCalls)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestOpenAIChatStreamResetsOnTerminalFinish(t *testing.T) {
	s := NewOpenAIChatCompat().NewStreamState()

	frames := []string{
		`{"choices": [{"index": 0, "delta": {"tool_calls": [{"index": 0, "id": "call_1", "function": {"name": "weather"}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"content": "done"}, "finish_reason": "stop"}]}`,
	}
	for _, frame := range frames {
		if _, err := s.ParseEvent([]byte(frame)); err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
		}
	}

	// the in-flight fragment never completed: terminal stop wipes it
	if s.FinishedWithToolCalls() {
		t.Error("FinishedWithToolCalls = true after plain stop")
	}
	final := s.Final()
	if len(final.ToolCalls) != 0 {
		t.Errorf("tool calls = %+v", final.ToolCalls)
	}
	if final.FinishReason != protocol.FinishReasonStop {
		t.Errorf("finish reason = %q", final.FinishReason)
	}
}

func TestOpenAIChatStreamTextAndReasoning(t *testing.T) {
	s := NewOpenAIChatCompat().NewStreamState()

	frames := []string{
		`{"choices": [{"index": 0, "delta": {"reasoning": "thinking "}}]}`,
		`{"choices": [{"index": 0, "delta": {"reasoning": "hard"}}]}`,
		`{"choices": [{"index": 0, "delta": {"content": "Hello"}}]}`,
		`{"choices": [{"index": 0, "delta": {}, "finish_reason": "stop"}]}`,
	}
	for _, frame := range frames {
		if _, err := s.ParseEvent([]byte(frame)); err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
		}
	}

	final := s.Final()
	if final.Text != "Hello" {
		t.Errorf("text = %q", final.Text)
	}
	if final.Reasoning == nil || final.Reasoning.Text != "thinking hard" {
		t.Errorf("reasoning = %+v", final.Reasoning)
	}
}
