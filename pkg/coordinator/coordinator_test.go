package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, files map[string]string) (*Coordinator, *plugins.Registry) {
	t.Helper()
	dir := t.TempDir()
	for relative, content := range files {
		path := filepath.Join(dir, relative)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	registry := plugins.NewRegistry(dir)
	sinks := logger.NewSinkManager(filepath.Join(t.TempDir(), "logs"))
	c := New(registry, compat.NewRegistry(), sinks, discardLogger())
	t.Cleanup(func() { c.Close() })
	return c, registry
}

func providerYAML(name, url string) string {
	return fmt.Sprintf("name: %s\ncompat: openai-chat\nendpoint:\n  url_template: %s/chat\n", name, url)
}

func chatSpec(providers ...protocol.LLMTarget) *protocol.LLMCallSpec {
	return &protocol.LLMCallSpec{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
		LLMPriority: providers,
	}
}

const textAnswer = `{
	"model": "m",
	"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
}`

func TestRunPlainCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textAnswer)
	}))
	defer server.Close()

	c, registry := newTestCoordinator(t, map[string]string{
		"providers/main.yaml": providerYAML("main", server.URL),
	})

	response, err := c.Run(context.Background(), chatSpec(protocol.LLMTarget{Provider: "main", Model: "m"}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if response.Provider != "main" || response.Content[0].Text != "hello" {
		t.Errorf("response = %+v", response)
	}

	// a plain chat call must not touch the tool categories
	if registry.ToolsLoaded() || registry.MCPServersLoaded() || registry.VectorStoresLoaded() {
		t.Error("tool categories loaded for a tool-less spec")
	}
}

func TestRunFailsOverOnProviderError(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "rate limit hit")
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textAnswer)
	}))
	defer healthy.Close()

	c, _ := newTestCoordinator(t, map[string]string{
		"providers/first.yaml":  providerYAML("first", broken.URL) + "retry_words:\n  - rate limit\n",
		"providers/second.yaml": providerYAML("second", healthy.URL),
	})

	response, err := c.Run(context.Background(), chatSpec(
		protocol.LLMTarget{Provider: "first", Model: "m"},
		protocol.LLMTarget{Provider: "second", Model: "m"},
	))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if response.Provider != "second" {
		t.Errorf("provider = %q, want second", response.Provider)
	}
}

func TestRunAllProvidersFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer broken.Close()

	c, _ := newTestCoordinator(t, map[string]string{
		"providers/only.yaml": providerYAML("only", broken.URL),
	})

	_, err := c.Run(context.Background(), chatSpec(protocol.LLMTarget{Provider: "only", Model: "m"}))
	if err == nil {
		t.Fatal("expected provider error")
	}
}

func TestRunUnknownProviderFailsFast(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	_, err := c.Run(context.Background(), chatSpec(protocol.LLMTarget{Provider: "ghost", Model: "m"}))
	if err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestRunValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	var valErr *ValidationError
	_, err := c.Run(context.Background(), &protocol.LLMCallSpec{})
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v", err)
	}

	_, err = c.Run(context.Background(), &protocol.LLMCallSpec{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}}},
	})
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunToolCycle(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{
				"model": "m",
				"choices": [{"message": {"tool_calls": [
					{"id": "call-1", "type": "function", "function": {"name": "echo_text", "arguments": "{\"text\":\"hi\"}"}}
				]}, "finish_reason": "tool_calls"}],
				"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
			}`)
			return
		}
		fmt.Fprint(w, `{
			"model": "m",
			"choices": [{"message": {"content": "Final answer"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}
		}`)
	}))
	defer server.Close()

	c, _ := newTestCoordinator(t, map[string]string{
		"providers/main.yaml": providerYAML("main", server.URL),
		"tools/echo.yaml":     "name: echo.text\ndescription: Echo text back.\nparameters:\n  type: object\n",
		"routes/echo.yaml":    "name: echo\norder: 1\nmatch:\n  type: exact\n  pattern: echo.text\nkind: command\ncommand: cat\n",
	})

	spec := chatSpec(protocol.LLMTarget{Provider: "main", Model: "m"})
	spec.FunctionToolNames = []string{"echo.text"}
	spec.Settings = map[string]any{"maxToolIterations": 2}

	response, err := c.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", calls.Load())
	}
	if response.Content[0].Text != "Final answer" {
		t.Errorf("content = %+v", response.Content)
	}
	records, _ := response.Raw["toolResults"].([]map[string]any)
	if len(records) != 1 || records[0]["tool"] != "echo.text" {
		t.Errorf("toolResults = %v", response.Raw["toolResults"])
	}
}

func TestRunPerProviderSettingsOverride(t *testing.T) {
	var gotTemperature float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Temperature float64 `json:"temperature"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		gotTemperature = payload.Temperature
		fmt.Fprint(w, textAnswer)
	}))
	defer server.Close()

	c, _ := newTestCoordinator(t, map[string]string{
		"providers/main.yaml": providerYAML("main", server.URL),
	})

	spec := chatSpec(protocol.LLMTarget{
		Provider: "main", Model: "m",
		Settings: map[string]any{"temperature": 0.9},
	})
	spec.Settings = map[string]any{"temperature": 0.1}

	if _, err := c.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if gotTemperature != 0.9 {
		t.Errorf("temperature = %v, want per-provider 0.9", gotTemperature)
	}
}

func TestStreamPlainCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {"content": "Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {"content": "lo"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {}, "finish_reason": "stop"}], "usage": {"prompt_tokens": 2, "completion_tokens": 2, "total_tokens": 4}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c, _ := newTestCoordinator(t, map[string]string{
		"providers/main.yaml": providerYAML("main", server.URL),
	})

	events, err := c.Stream(context.Background(), chatSpec(protocol.LLMTarget{Provider: "main", Model: "m"}))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var deltas string
	for ev := range events {
		switch ev.Type {
		case protocol.StreamEventDelta:
			deltas += ev.Delta
		case protocol.StreamEventError:
			t.Fatalf("error event: %+v", ev.Error)
		}
	}
	if deltas != "Hello" {
		t.Errorf("deltas = %q", deltas)
	}
}

func TestStreamEmitsErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "rate limit hit")
	}))
	defer server.Close()

	c, _ := newTestCoordinator(t, map[string]string{
		"providers/main.yaml": providerYAML("main", server.URL) + "retry_words:\n  - rate limit\n",
	})

	events, err := c.Stream(context.Background(), chatSpec(protocol.LLMTarget{Provider: "main", Model: "m"}))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var errorEvent *protocol.ErrorBody
	for ev := range events {
		if ev.Type == protocol.StreamEventError {
			errorEvent = ev.Error
		}
	}
	if errorEvent == nil || errorEvent.Code != "rate_limited" {
		t.Errorf("error event = %+v", errorEvent)
	}
}

func TestVectorSearchValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	var valErr *ValidationError
	_, err := c.VectorSearch(context.Background(), protocol.VectorCallSpec{Query: "hi"})
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v", err)
	}
	_, err = c.VectorSearch(context.Background(), protocol.VectorCallSpec{Store: "local"})
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmbedValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	var valErr *ValidationError
	_, err := c.Embed(context.Background(), protocol.EmbeddingCallSpec{})
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v", err)
	}
	_, err = c.Embed(context.Background(), protocol.EmbeddingCallSpec{Input: []string{"hi"}})
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v", err)
	}
}
