// Package vector provides adapters for vector databases and a manager that
// queries configured stores in priority order, falling back on failure.
package vector

import (
	"context"
	"fmt"

	"github.com/modelgate/modelgate/pkg/plugins"
)

// Result is one search hit. Content is taken from the "content" metadata
// field when the store does not carry document text natively.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content,omitempty"`
	Score    float32        `json:"score"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is one vector database adapter.
type Store interface {
	Name() string
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

// NewStore builds the adapter described by a manifest.
func NewStore(manifest *plugins.VectorStoreManifest) (Store, error) {
	switch manifest.Type {
	case "qdrant":
		return newQdrantStore(manifest)
	case "chromem", "":
		return newChromemStore(manifest)
	case "pinecone":
		return newPineconeStore(manifest)
	default:
		return nil, fmt.Errorf("unknown vector store type %q for %q", manifest.Type, manifest.Name)
	}
}
