// Package provider performs the HTTP and SSE exchanges with remote LLM
// back-ends, driven entirely by provider manifests. It never retries:
// rate-limit classification feeds the caller's failover policy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/httpclient"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/utils"
)

// ExecutionError is a failed provider exchange. IsRateLimit drives the
// caller's failover between providers; RetryAfter carries the provider's
// own backoff hint when its headers declare one.
type ExecutionError struct {
	Provider    string
	StatusCode  int
	Body        string
	IsRateLimit bool
	RetryAfter  time.Duration
}

func (e *ExecutionError) Error() string {
	kind := "provider error"
	if e.IsRateLimit {
		kind = "provider rate limited"
	}
	return fmt.Sprintf("%s: %s (HTTP %d): %s", kind, e.Provider, e.StatusCode, e.Body)
}

// Manager executes calls against manifest-described providers.
type Manager struct {
	registry *plugins.Registry
	compats  *compat.Registry
	sinks    *logger.SinkManager
	client   *httpclient.Client
	logger   *slog.Logger
}

func NewManager(registry *plugins.Registry, compats *compat.Registry, sinks *logger.SinkManager, log *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		compats:  compats,
		sinks:    sinks,
		// failover between providers is the retry mechanism
		client: httpclient.New(httpclient.WithMaxRetries(0), httpclient.WithLogger(log)),
		logger: log,
	}
}

// Resolve returns the manifest and compat for a provider name.
func (m *Manager) Resolve(name string) (*plugins.ProviderManifest, compat.Compat, error) {
	manifest, err := m.registry.GetProvider(name)
	if err != nil {
		return nil, nil, err
	}
	c, err := m.compats.Resolve(manifest.Compat)
	if err != nil {
		return nil, nil, fmt.Errorf("provider %q: %w", name, err)
	}
	return manifest, c, nil
}

// Call performs one non-streaming exchange.
func (m *Manager) Call(ctx context.Context, name string, in compat.BuildInput, extras map[string]any) (*protocol.LLMResponse, error) {
	manifest, c, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}

	if caller, ok := c.(compat.SDKCaller); ok {
		for key := range extras {
			m.logger.Info("unconsumed provider setting dropped", "setting", key, "provider", name)
		}
		response, err := caller.CallSDK(ctx, in)
		if err != nil {
			return nil, err
		}
		response.Provider = name
		m.ensureUsage(response, in)
		return response, nil
	}

	in.Stream = false
	payload, err := compat.BuildPayload(c, in, extras, manifest.PayloadExtensions, m.logger)
	if err != nil {
		return nil, err
	}

	sink, _ := m.sinks.OpenCallSink(ctx, logger.CategoryLLM, name)
	defer m.sinks.Release(sink)

	_, body, err := m.exchange(ctx, name, manifest, in.Model, payload, false, sink)
	if err != nil {
		return nil, err
	}

	response, err := c.ParseResponse(body)
	if err != nil {
		return nil, err
	}
	response.Provider = name
	if response.Model == "" {
		response.Model = in.Model
	}
	m.ensureUsage(response, in)
	return response, nil
}

// exchange builds the request, issues it, and logs both sides to the sink.
// A non-2xx response is returned as an ExecutionError carrying the drained
// body and the rate-limit classification.
func (m *Manager) exchange(ctx context.Context, name string, manifest *plugins.ProviderManifest, model string, payload map[string]any, streaming bool, sink *logger.CallSink) (*http.Response, []byte, error) {
	endpoint := manifest.Endpoint
	urlTemplate := endpoint.URLTemplate
	headers := endpoint.Headers
	if streaming {
		if endpoint.StreamingURLTemplate != "" {
			urlTemplate = endpoint.StreamingURLTemplate
		}
		merged := make(map[string]string, len(headers)+len(endpoint.StreamingHeaders))
		for k, v := range headers {
			merged[k] = v
		}
		for k, v := range endpoint.StreamingHeaders {
			merged[k] = v
		}
		headers = merged
	}

	url := strings.ReplaceAll(urlTemplate, "{model}", model)
	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize payload for %q: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request for %q: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	apiKey := ""
	if endpoint.APIKeyEnv != "" {
		apiKey = os.Getenv(endpoint.APIKeyEnv)
	}
	for key, value := range headers {
		req.Header.Set(key, strings.ReplaceAll(value, "{api_key}", apiKey))
	}

	sink.Write(map[string]any{
		"kind":    "request",
		"url":     url,
		"method":  method,
		"headers": utils.RedactHeaders(req.Header),
		"payload": payload,
	})

	// the client reports an error for any non-2xx status; classification
	// below needs the response, so only a nil response is fatal here
	resp, err := m.client.Do(req)
	if resp == nil {
		return nil, nil, fmt.Errorf("provider %q request failed: %w", name, err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		limitInfo := httpclient.ParserFor(manifest.Compat)(resp.Header)
		execErr := &ExecutionError{
			Provider:    name,
			StatusCode:  resp.StatusCode,
			Body:        string(body),
			IsRateLimit: m.isRateLimit(manifest.RetryWords, body, resp.Header),
			RetryAfter:  limitInfo.RetryAfter,
		}
		sink.Write(map[string]any{
			"kind":        "response",
			"status":      resp.StatusCode,
			"headers":     utils.RedactHeaders(resp.Header),
			"body":        string(body),
			"rate_limit":  execErr.IsRateLimit,
			"retry_after": execErr.RetryAfter.Seconds(),
		})
		return nil, nil, execErr
	}

	if streaming {
		sink.Write(map[string]any{
			"kind":    "response",
			"status":  resp.StatusCode,
			"headers": utils.RedactHeaders(resp.Header),
			"stream":  true,
		})
		return resp, nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response from %q: %w", name, err)
	}
	sink.Write(map[string]any{
		"kind":    "response",
		"status":  resp.StatusCode,
		"headers": utils.RedactHeaders(resp.Header),
		"body":    json.RawMessage(body),
	})
	return resp, body, nil
}

// isRateLimit scans the serialized body and headers for any retry word,
// case-insensitively.
func (m *Manager) isRateLimit(retryWords []string, body []byte, headers http.Header) bool {
	if len(retryWords) == 0 {
		return false
	}
	var serialized strings.Builder
	serialized.Write(body)
	for key, values := range headers {
		serialized.WriteString(key)
		for _, value := range values {
			serialized.WriteString(value)
		}
	}
	haystack := strings.ToLower(serialized.String())
	for _, word := range retryWords {
		if strings.Contains(haystack, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

// ensureUsage fills in estimated token counts when the provider omitted
// usage, flagging the result as estimated.
func (m *Manager) ensureUsage(response *protocol.LLMResponse, in compat.BuildInput) {
	if response.Usage != nil {
		return
	}
	counter, err := utils.NewTokenCounter(in.Model)
	if err != nil {
		return
	}
	texts := make([]string, 0, len(in.Messages)+1)
	if in.System != "" {
		texts = append(texts, in.System)
	}
	for i := range in.Messages {
		texts = append(texts, in.Messages[i].JoinedText())
	}
	var completion strings.Builder
	for _, part := range response.Content {
		if part.Type == protocol.ContentPartTypeText {
			completion.WriteString(part.Text)
		}
	}
	prompt := counter.CountWithOverhead(texts)
	completionTokens := counter.Count(completion.String())
	response.Usage = &protocol.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
		Estimated:        true,
	}
}
