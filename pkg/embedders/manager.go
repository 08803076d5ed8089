package embedders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/plugins"
)

// Manager resolves embedders lazily from the plugin registry. EmbedPriority
// tries providers in order and fails only when every provider has failed.
type Manager struct {
	registry *plugins.Registry
	sinks    *logger.SinkManager
	logger   *slog.Logger

	mu        sync.Mutex
	embedders map[string]Embedder
}

func NewManager(registry *plugins.Registry, sinks *logger.SinkManager, log *slog.Logger) *Manager {
	return &Manager{
		registry:  registry,
		sinks:     sinks,
		logger:    log,
		embedders: make(map[string]Embedder),
	}
}

// embedder returns the live adapter for a named provider, building it on
// first use.
func (m *Manager) embedder(name string) (Embedder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.embedders[name]; ok {
		return e, nil
	}

	manifest, err := m.registry.GetEmbeddingProvider(name)
	if err != nil {
		return nil, err
	}
	e, err := NewEmbedder(manifest)
	if err != nil {
		return nil, err
	}

	m.embedders[name] = e
	return e, nil
}

// Embed embeds texts through one named provider.
func (m *Manager) Embed(ctx context.Context, provider string, texts []string) ([][]float32, error) {
	e, err := m.embedder(provider)
	if err != nil {
		return nil, err
	}
	return m.embed(ctx, e, texts)
}

// EmbedOne embeds a single text, for query embedding.
func (m *Manager) EmbedOne(ctx context.Context, provider, text string) ([]float32, error) {
	vectors, err := m.Embed(ctx, provider, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder %q returned no vector", provider)
	}
	return vectors[0], nil
}

// EmbedPriority tries the named providers in order, returning the first
// successful result together with the provider that produced it. Per-provider
// failures are logged and the next provider is tried.
func (m *Manager) EmbedPriority(ctx context.Context, priority []string, texts []string) ([][]float32, string, error) {
	if len(priority) == 0 {
		return nil, "", fmt.Errorf("no embedding providers to try")
	}

	var lastErr error
	for _, name := range priority {
		e, err := m.embedder(name)
		if err != nil {
			m.logger.Warn("embedding provider unavailable", "provider", name, "error", err)
			lastErr = err
			continue
		}
		vectors, err := m.embed(ctx, e, texts)
		if err != nil {
			m.logger.Warn("embedding failed", "provider", name, "error", err)
			lastErr = err
			continue
		}
		return vectors, name, nil
	}
	return nil, "", fmt.Errorf("all embedding providers failed: %w", lastErr)
}

func (m *Manager) embed(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	sink, _ := m.sinks.OpenCallSink(ctx, logger.CategoryEmbedding, e.Name())
	defer m.sinks.Release(sink)
	sink.Write(map[string]any{
		"kind":   "request",
		"model":  e.Model(),
		"inputs": len(texts),
	})

	vectors, err := e.Embed(ctx, texts)
	if err != nil {
		sink.Write(map[string]any{"kind": "error", "error": err.Error()})
		return nil, err
	}
	sink.Write(map[string]any{"kind": "response", "vectors": len(vectors)})
	return vectors, nil
}

// Close shuts down every live adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, e := range m.embedders {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing embedder %q: %w", name, err)
		}
		delete(m.embedders, name)
	}
	return firstErr
}
