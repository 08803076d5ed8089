package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
)

const defaultTopK = 5

// EmbedFunc turns query text into a vector using the named embedding
// provider. The embedders package supplies it; keeping it a function avoids
// a package cycle through the coordinator.
type EmbedFunc func(ctx context.Context, embedder, text string) ([]float32, error)

// Manager resolves stores lazily from the plugin registry and queries them
// in priority order. Store failures are recoverable: the next store in the
// list is tried, and only all-stores-failed is surfaced.
type Manager struct {
	registry *plugins.Registry
	embed    EmbedFunc
	sinks    *logger.SinkManager
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]*storeEntry
}

type storeEntry struct {
	store    Store
	manifest *plugins.VectorStoreManifest
}

func NewManager(registry *plugins.Registry, embed EmbedFunc, sinks *logger.SinkManager, log *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		embed:    embed,
		sinks:    sinks,
		logger:   log,
		stores:   make(map[string]*storeEntry),
	}
}

// store returns the live adapter for a named store, dialing on first use.
func (m *Manager) store(name string) (*storeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.stores[name]; ok {
		return entry, nil
	}

	manifest, err := m.registry.GetVectorStore(name)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(manifest)
	if err != nil {
		return nil, err
	}

	entry := &storeEntry{store: store, manifest: manifest}
	m.stores[name] = entry
	return entry, nil
}

// Search executes one call spec against a single named store. The query
// vector is taken from the spec when present, otherwise the query text is
// embedded with the store's configured embedder.
func (m *Manager) Search(ctx context.Context, spec protocol.VectorCallSpec) ([]Result, error) {
	if spec.Store == "" {
		return nil, fmt.Errorf("vector call needs a store name")
	}

	entry, err := m.store(spec.Store)
	if err != nil {
		return nil, err
	}
	return m.search(ctx, entry, spec)
}

// SearchPriority tries the named stores in order with the same query,
// returning the first store's results together with its name. Per-store
// errors are logged and the next store is tried.
func (m *Manager) SearchPriority(ctx context.Context, priority []string, query string, topK int) ([]Result, string, error) {
	if len(priority) == 0 {
		return nil, "", fmt.Errorf("no vector stores to query")
	}

	var lastErr error
	for _, name := range priority {
		entry, err := m.store(name)
		if err != nil {
			m.logger.Warn("vector store unavailable", "store", name, "error", err)
			lastErr = err
			continue
		}
		results, err := m.search(ctx, entry, protocol.VectorCallSpec{
			Store: name,
			Query: query,
			TopK:  topK,
		})
		if err != nil {
			m.logger.Warn("vector search failed", "store", name, "error", err)
			lastErr = err
			continue
		}
		return results, name, nil
	}
	return nil, "", fmt.Errorf("all vector stores failed: %w", lastErr)
}

func (m *Manager) search(ctx context.Context, entry *storeEntry, spec protocol.VectorCallSpec) ([]Result, error) {
	vector := spec.Vector
	if len(vector) == 0 {
		if spec.Query == "" {
			return nil, fmt.Errorf("vector call needs a query or a vector")
		}
		if m.embed == nil {
			return nil, fmt.Errorf("store %q needs an embedder to handle text queries", entry.manifest.Name)
		}
		embedded, err := m.embed(ctx, entry.manifest.Embedder, spec.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		vector = embedded
	}

	topK := spec.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	sink, _ := m.sinks.OpenCallSink(ctx, logger.CategoryVector, entry.manifest.Name)
	defer m.sinks.Release(sink)
	sink.Write(map[string]any{
		"kind":       "query",
		"store":      entry.manifest.Name,
		"collection": spec.Collection,
		"query":      spec.Query,
		"top_k":      topK,
	})

	results, err := entry.store.Search(ctx, spec.Collection, vector, topK, spec.Filter)
	if err != nil {
		sink.Write(map[string]any{"kind": "error", "error": err.Error()})
		return nil, err
	}
	sink.Write(map[string]any{"kind": "results", "count": len(results)})
	return results, nil
}

// Upsert writes one document through the named store.
func (m *Manager) Upsert(ctx context.Context, store, collection, id string, vector []float32, metadata map[string]any) error {
	entry, err := m.store(store)
	if err != nil {
		return err
	}
	return entry.store.Upsert(ctx, collection, id, vector, metadata)
}

// Close shuts down every live adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, entry := range m.stores {
		if err := entry.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing vector store %q: %w", name, err)
		}
		delete(m.stores, name)
	}
	return firstErr
}
