package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
)

func newTestManager(t *testing.T, providerYAML string) *Manager {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, plugins.CategoryProviders), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, plugins.CategoryProviders, "test.yaml")
	if err := os.WriteFile(path, []byte(providerYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(
		plugins.NewRegistry(dir),
		compat.NewRegistry(),
		logger.NewSinkManager(filepath.Join(t.TempDir(), "logs")),
		log,
	)
}

func userInput(model, text string) compat.BuildInput {
	return compat.BuildInput{
		Model: model,
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart(text)}},
		},
	}
}

func TestCallSubstitutesModelAndHeaders(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-test-123")

	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`)
	}))
	defer server.Close()

	m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/v1/models/{model}/chat
  api_key_env: TEST_PROVIDER_KEY
  headers:
    Authorization: Bearer {api_key}
`, server.URL))

	response, err := m.Call(context.Background(), "test", userInput("test-model", "hi"), nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotPath != "/v1/models/test-model/chat" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test-123" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if response.Provider != "test" {
		t.Errorf("provider = %q", response.Provider)
	}
	if len(response.Content) != 1 || response.Content[0].Text != "hello" {
		t.Errorf("content = %+v", response.Content)
	}
	if response.Usage == nil || response.Usage.Estimated {
		t.Errorf("usage = %+v", response.Usage)
	}
}

func TestCallRateLimitClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		header      map[string]string
		isRateLimit bool
	}{
		{
			name:        "retry word in body",
			status:      429,
			body:        `{"error": "Rate Limit exceeded, slow down"}`,
			isRateLimit: true,
		},
		{
			name:        "retry word in header",
			status:      503,
			body:        `{"error": "unavailable"}`,
			header:      map[string]string{"X-Reason": "quota exhausted"},
			isRateLimit: true,
		},
		{
			name:        "plain server error",
			status:      500,
			body:        `{"error": "internal"}`,
			isRateLimit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/chat
retry_words:
  - rate limit
  - quota
`, server.URL))

			_, err := m.Call(context.Background(), "test", userInput("m", "hi"), nil)
			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("err = %v", err)
			}
			if execErr.StatusCode != tt.status {
				t.Errorf("status = %d", execErr.StatusCode)
			}
			if execErr.IsRateLimit != tt.isRateLimit {
				t.Errorf("IsRateLimit = %v, want %v", execErr.IsRateLimit, tt.isRateLimit)
			}
		})
	}
}

func TestCallCarriesRetryAfterHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(429)
		fmt.Fprint(w, `{"error": "rate limit exceeded"}`)
	}))
	defer server.Close()

	m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/chat
retry_words:
  - rate limit
`, server.URL))

	_, err := m.Call(context.Background(), "test", userInput("m", "hi"), nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v", err)
	}
	if !execErr.IsRateLimit {
		t.Error("IsRateLimit = false")
	}
	if execErr.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", execErr.RetryAfter)
	}
}

func TestCallUnknownProvider(t *testing.T) {
	m := newTestManager(t, "name: test\ncompat: openai-chat\n")

	_, err := m.Call(context.Background(), "absent", userInput("m", "hi"), nil)
	if err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestStreamParsesSSE(t *testing.T) {
	var gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {"content": "Hel"}}]}`+"\n\n")
		fmt.Fprint(w, "data: not-json-at-all\n\n")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {"content": "lo"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {}, "finish_reason": "stop"}], "usage": {"prompt_tokens": 2, "completion_tokens": 2, "total_tokens": 4}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/chat
  streaming_headers:
    Accept: text/event-stream
`, server.URL))

	handle, err := m.Stream(context.Background(), "test", userInput("m", "hi"), nil)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var deltas string
	var sawUsage bool
	for ev := range handle.Events {
		switch ev.Type {
		case protocol.StreamEventDelta:
			deltas += ev.Delta
		case protocol.StreamEventUsage:
			sawUsage = true
		case protocol.StreamEventError:
			t.Fatalf("error event: %+v", ev.Error)
		}
	}

	if gotAccept != "text/event-stream" {
		t.Errorf("streaming header not merged, accept = %q", gotAccept)
	}
	if deltas != "Hello" {
		t.Errorf("deltas = %q", deltas)
	}
	if !sawUsage {
		t.Error("usage event missing")
	}
	if handle.FinishedWithToolCalls() {
		t.Error("FinishedWithToolCalls = true")
	}
	final := handle.Final()
	if final.Text != "Hello" || final.Usage == nil || final.Usage.TotalTokens != 4 {
		t.Errorf("final = %+v", final)
	}
}

func TestStreamNon200RaisesExecutionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "rate limit hit")
	}))
	defer server.Close()

	m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/chat
retry_words:
  - rate limit
`, server.URL))

	_, err := m.Stream(context.Background(), "test", userInput("m", "hi"), nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v", err)
	}
	if !execErr.IsRateLimit {
		t.Error("IsRateLimit = false")
	}
}

func TestStreamProducerExitsWhenConsumerGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// enough frames to fill the handle's event buffer
		for i := 0; i < 16; i++ {
			fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {"content": "x"}}]}`+"\n\n")
		}
		// an oversized frame forces a scanner error once the buffer is full
		fmt.Fprint(w, "data: "+strings.Repeat("x", 2*1024*1024)+"\n\n")
	}))
	defer server.Close()

	m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/chat
`, server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := m.Stream(ctx, "test", userInput("m", "hi"), nil)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	// abandon the stream without reading, then cancel the request
	time.Sleep(100 * time.Millisecond)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-handle.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after cancel")
		}
	}
}

func TestAggregateEventsStopsOnCancel(t *testing.T) {
	in := make(chan protocol.StreamEvent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := aggregateEvents(ctx, in)

	// feed more events than the output buffer holds with nobody reading
	go func() {
		for i := 0; i < 32; i++ {
			select {
			case in <- protocol.StreamEvent{Type: protocol.StreamEventDelta, Delta: "x"}:
			case <-ctx.Done():
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-handle.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("aggregated channel never closed after cancel")
		}
	}
}

func TestStreamToolCallRound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {"tool_calls": [{"index": 0, "id": "call_1", "function": {"name": "weather", "arguments": "{\"city\":\"Berlin\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"index": 0, "delta": {}, "finish_reason": "tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	m := newTestManager(t, fmt.Sprintf(`
name: test
compat: openai-chat
endpoint:
  url_template: %s/chat
`, server.URL))

	handle, err := m.Stream(context.Background(), "test", userInput("m", "weather?"), nil)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for range handle.Events {
	}

	if !handle.FinishedWithToolCalls() {
		t.Fatal("FinishedWithToolCalls = false")
	}
	final := handle.Final()
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].Arguments["city"] != "Berlin" {
		t.Errorf("tool calls = %+v", final.ToolCalls)
	}
}
