// Package embedders turns text into vectors through remote embedding APIs.
// Adapters are described by plugin manifests; the manager tries providers in
// priority order and surfaces an error only when all of them fail.
package embedders

import (
	"context"
	"fmt"

	"github.com/modelgate/modelgate/pkg/plugins"
)

// Embedder is one embedding provider adapter. Embed returns one vector per
// input text, in input order.
type Embedder interface {
	Name() string
	Model() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// NewEmbedder builds the adapter described by a manifest.
func NewEmbedder(manifest *plugins.EmbeddingManifest) (Embedder, error) {
	switch manifest.Type {
	case "openai", "":
		return newOpenAIEmbedder(manifest)
	case "ollama":
		return newOllamaEmbedder(manifest)
	default:
		return nil, fmt.Errorf("unknown embedder type %q for %q", manifest.Type, manifest.Name)
	}
}
