package compat

import (
	"io"
	"log/slog"
	"testing"

	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregateSystem(t *testing.T) {
	system, rest := AggregateSystem([]protocol.Message{
		{Role: protocol.RoleSystem, Content: []protocol.ContentPart{protocol.TextPart("You are a gateway.")}},
		{Role: protocol.RoleSystem, Content: []protocol.ContentPart{protocol.TextPart("Be terse.")}},
		{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		{Role: protocol.RoleSystem, Content: []protocol.ContentPart{protocol.TextPart("Trailing rule.")}},
	})

	if system != "You are a gateway.\n\nBe terse.\n\nTrailing rule." {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Role != protocol.RoleUser {
		t.Errorf("rest = %+v", rest)
	}
}

func TestBuildPayloadMergesStreamingFlags(t *testing.T) {
	c := NewOpenAIChatCompat()
	in := BuildInput{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
		Stream: true,
	}

	payload, err := BuildPayload(c, in, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}
	if payload["stream"] != true {
		t.Errorf("stream = %v", payload["stream"])
	}
	if _, ok := payload["stream_options"]; !ok {
		t.Error("stream_options missing")
	}
}

func TestBuildPayloadAppliesExtensions(t *testing.T) {
	c := NewOpenAIChatCompat()
	in := BuildInput{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
	}
	extras := map[string]any{
		"parallelToolCalls": false,
		"routePreference":   map[string]any{"order": []any{"fast"}},
		"unknownSetting":    "dropped",
	}
	extensions := []plugins.PayloadExtension{
		{Setting: "parallelToolCalls", Path: "parallel_tool_calls", ValueType: "scalar"},
		{Setting: "routePreference", Path: "provider.routing", ValueType: "object"},
	}

	payload, err := BuildPayload(c, in, extras, extensions, discardLogger())
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}

	if payload["parallel_tool_calls"] != false {
		t.Errorf("parallel_tool_calls = %v", payload["parallel_tool_calls"])
	}
	provider, ok := payload["provider"].(map[string]any)
	if !ok {
		t.Fatalf("provider = %v", payload["provider"])
	}
	routing := provider["routing"].(map[string]any)
	if _, ok := routing["order"]; !ok {
		t.Errorf("routing = %v", routing)
	}
	if _, ok := payload["unknownSetting"]; ok {
		t.Error("unconsumed setting leaked onto the wire")
	}
}

func TestBuildPayloadValueTypeMismatchSkips(t *testing.T) {
	c := NewOpenAIChatCompat()
	in := BuildInput{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
	}
	extras := map[string]any{"safety": "low"} // scalar, but declared object
	extensions := []plugins.PayloadExtension{
		{Setting: "safety", Path: "safety_settings", ValueType: "object"},
	}

	payload, err := BuildPayload(c, in, extras, extensions, discardLogger())
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}
	if _, ok := payload["safety_settings"]; ok {
		t.Error("mismatched value was projected")
	}
}

func TestBuildPayloadStaticExtensionValue(t *testing.T) {
	c := NewOpenAIChatCompat()
	in := BuildInput{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
	}
	// the manifest pins the projected value regardless of the caller's input
	extras := map[string]any{"transforms": "anything"}
	extensions := []plugins.PayloadExtension{
		{Setting: "transforms", Path: "transforms", ValueType: "array", Value: []any{"middle-out"}},
	}

	payload, err := BuildPayload(c, in, extras, extensions, discardLogger())
	if err != nil {
		t.Fatalf("BuildPayload failed: %v", err)
	}
	transforms, ok := payload["transforms"].([]any)
	if !ok || len(transforms) != 1 || transforms[0] != "middle-out" {
		t.Errorf("transforms = %v", payload["transforms"])
	}
}

func TestBuildPayloadSDKOnlyFails(t *testing.T) {
	c := NewGeminiCompat(nil)
	in := BuildInput{Model: "gemini-2.5-pro"}

	if _, err := BuildPayload(c, in, nil, nil, discardLogger()); err == nil {
		t.Fatal("expected SDK-only build to fail")
	}
}

func TestSetByPathOverwritesScalarSegment(t *testing.T) {
	payload := map[string]any{"provider": "openrouter"}
	setByPath(payload, "provider.routing", true)

	provider, ok := payload["provider"].(map[string]any)
	if !ok || provider["routing"] != true {
		t.Errorf("payload = %v", payload)
	}
}
