package coordinator

import (
	"context"

	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/vector"
)

// VectorSearch serves the /vector endpoints: one search against a named
// store, embedding the query text when no vector is given.
func (c *Coordinator) VectorSearch(ctx context.Context, spec protocol.VectorCallSpec) ([]vector.Result, error) {
	if spec.Store == "" {
		return nil, validationErrorf("vector spec requires a store")
	}
	if spec.Query == "" && len(spec.Vector) == 0 {
		return nil, validationErrorf("vector spec requires a query or a vector")
	}
	return c.retrieval().vectors.Search(ctx, spec)
}

// EmbeddingResult reports which provider of the priority chain produced the
// embeddings.
type EmbeddingResult struct {
	Provider   string      `json:"provider"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed serves /vector/embeddings/run through the provider fallback chain.
func (c *Coordinator) Embed(ctx context.Context, spec protocol.EmbeddingCallSpec) (*EmbeddingResult, error) {
	if len(spec.Input) == 0 {
		return nil, validationErrorf("embedding spec requires input texts")
	}
	if len(spec.ProviderPriority) == 0 {
		return nil, validationErrorf("embedding spec requires a providerPriority")
	}
	embeddings, name, err := c.retrieval().embedders.EmbedPriority(ctx, spec.ProviderPriority, spec.Input)
	if err != nil {
		return nil, err
	}
	return &EmbeddingResult{Provider: name, Embeddings: embeddings}, nil
}
