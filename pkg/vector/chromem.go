package vector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/modelgate/modelgate/pkg/plugins"
)

// chromemStore is the embedded, in-process adapter. With a persist path the
// database is loaded from and saved to disk; a path ending in .gz is
// compressed. Vectors arrive pre-computed, so the embedding function is
// never legitimately invoked.
type chromemStore struct {
	name        string
	db          *chromem.DB
	persistPath string
	compress    bool
	collection  string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	embeddingFunc chromem.EmbeddingFunc
}

func newChromemStore(manifest *plugins.VectorStoreManifest) (Store, error) {
	var db *chromem.DB
	compress := strings.HasSuffix(manifest.PersistPath, ".gz")

	if manifest.PersistPath != "" {
		if err := os.MkdirAll(filepath.Dir(manifest.PersistPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		loaded, err := chromem.NewPersistentDB(manifest.PersistPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database at %q: %w", manifest.PersistPath, err)
		}
		db = loaded
	} else {
		db = chromem.NewDB()
	}

	return &chromemStore{
		name:        manifest.Name,
		db:          db,
		persistPath: manifest.PersistPath,
		compress:    compress,
		collection:  manifest.Collection,
		collections: make(map[string]*chromem.Collection),
		embeddingFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
		},
	}, nil
}

func (s *chromemStore) Name() string { return s.name }

func (s *chromemStore) resolveCollection(collection string) string {
	if collection != "" {
		return collection
	}
	if s.collection != "" {
		return s.collection
	}
	return "default"
}

func (s *chromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *chromemStore) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := s.getCollection(s.resolveCollection(collection))
	if err != nil {
		return err
	}

	// chromem metadata is string-valued
	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}
	content, _ := metadata["content"].(string)

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMetadata,
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *chromemStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := s.getCollection(s.resolveCollection(collection))
	if err != nil {
		return nil, err
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	// chromem errors when topK exceeds the document count
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		metadata := make(map[string]any, len(hit.Metadata))
		for k, v := range hit.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       hit.ID,
			Content:  hit.Content,
			Score:    hit.Similarity,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (s *chromemStore) Delete(ctx context.Context, collection, id string) error {
	col, err := s.getCollection(s.resolveCollection(collection))
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *chromemStore) Close() error { return nil }

var _ Store = (*chromemStore)(nil)
