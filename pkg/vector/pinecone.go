package vector

import (
	"context"
	"fmt"
	"os"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/modelgate/modelgate/pkg/plugins"
)

// pineconeStore maps collections to Pinecone indexes. A manifest index_host
// pins the connection host directly; otherwise the index is described first.
type pineconeStore struct {
	name      string
	client    *pinecone.Client
	indexHost string
	indexName string
}

func newPineconeStore(manifest *plugins.VectorStoreManifest) (Store, error) {
	apiKey := ""
	if manifest.APIKeyEnv != "" {
		apiKey = os.Getenv(manifest.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("pinecone store %q: api key env %q is empty", manifest.Name, manifest.APIKeyEnv)
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	return &pineconeStore{
		name:      manifest.Name,
		client:    client,
		indexHost: manifest.IndexHost,
		indexName: manifest.Collection,
	}, nil
}

func (s *pineconeStore) Name() string { return s.name }

func (s *pineconeStore) indexConnection(ctx context.Context, collection string) (*pinecone.IndexConnection, error) {
	host := s.indexHost
	if host == "" {
		indexName := collection
		if indexName == "" {
			indexName = s.indexName
		}
		index, err := s.client.DescribeIndex(ctx, indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %s: %w", indexName, err)
		}
		host = index.Host
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{Host: host})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	return conn, nil
}

func (s *pineconeStore) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	conn, err := s.indexConnection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	var pineconeMetadata *pinecone.Metadata
	if len(metadata) > 0 {
		pineconeMetadata, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to convert metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: pineconeMetadata,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (s *pineconeStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := s.indexConnection(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	response, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query pinecone: %w", err)
	}
	return convertPineconeResults(response.Matches), nil
}

func (s *pineconeStore) Delete(ctx context.Context, collection, id string) error {
	conn, err := s.indexConnection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (s *pineconeStore) Close() error { return nil }

func convertPineconeResults(matches []*pinecone.ScoredVector) []Result {
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		if match == nil || match.Vector == nil {
			continue
		}
		metadata := map[string]any{}
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}
		content, _ := metadata["content"].(string)
		results = append(results, Result{
			ID:       match.Vector.Id,
			Content:  content,
			Score:    match.Score,
			Vector:   match.Vector.Values,
			Metadata: metadata,
		})
	}
	return results
}

var _ Store = (*pineconeStore)(nil)
