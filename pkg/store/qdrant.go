package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mkarlsen/ragline/internal/models"
)

type QdrantConfig struct {
	Addr       string // host:port of the gRPC endpoint
	Collection string
	VectorDim  int
}

// QdrantStore is a Qdrant-backed SearchBackend speaking gRPC. It serves
// vector search; hybrid mode degrades to plain vector search since
// Qdrant owns no text index in this deployment, and keyword mode is
// unsupported because it arrives without a query vector.
type QdrantStore struct {
	config      QdrantConfig
	conn        *grpc.ClientConn
	points      qdrantclient.PointsClient
	collections qdrantclient.CollectionsClient
}

func NewQdrantStore(config QdrantConfig) (*QdrantStore, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6334"
	}
	if config.Collection == "" {
		config.Collection = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}

	conn, err := grpc.Dial(config.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	qs := &QdrantStore{
		config:      config,
		conn:        conn,
		points:      qdrantclient.NewPointsClient(conn),
		collections: qdrantclient.NewCollectionsClient(conn),
	}
	if err := qs.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return qs, nil
}

func (qs *QdrantStore) ensureCollection(ctx context.Context) error {
	collections, err := qs.collections.List(ctx, &qdrantclient.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range collections.GetCollections() {
		if col.GetName() == qs.config.Collection {
			return nil
		}
	}

	_, err = qs.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: qs.config.Collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(qs.config.VectorDim),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (qs *QdrantStore) Add(ctx context.Context, chunks []models.DocumentChunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	points := make([]*qdrantclient.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		payload, err := chunkPayload(chunk)
		if err != nil {
			return err
		}
		points = append(points, &qdrantclient.PointStruct{
			Id: &qdrantclient.PointId{
				// Qdrant point ids must be UUIDs or integers; derive a
				// stable UUID from the chunk id.
				PointIdOptions: &qdrantclient.PointId_Uuid{
					Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunk.ID)).String(),
				},
			},
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: vectors[i]},
				},
			},
			Payload: payload,
		})
	}

	_, err := qs.points.Upsert(ctx, &qdrantclient.UpsertPoints{
		CollectionName: qs.config.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func chunkPayload(chunk models.DocumentChunk) (map[string]*qdrantclient.Value, error) {
	metadata, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata for chunk %s: %w", chunk.ID, err)
	}
	return map[string]*qdrantclient.Value{
		"chunk_id":    {Kind: &qdrantclient.Value_StringValue{StringValue: chunk.ID}},
		"document_id": {Kind: &qdrantclient.Value_StringValue{StringValue: chunk.DocumentID}},
		"content":     {Kind: &qdrantclient.Value_StringValue{StringValue: chunk.Content}},
		"position":    {Kind: &qdrantclient.Value_IntegerValue{IntegerValue: int64(chunk.Position)}},
		"token_count": {Kind: &qdrantclient.Value_IntegerValue{IntegerValue: int64(chunk.TokenCount)}},
		"checksum":    {Kind: &qdrantclient.Value_StringValue{StringValue: chunk.Checksum}},
		"metadata":    {Kind: &qdrantclient.Value_StringValue{StringValue: string(metadata)}},
	}, nil
}

func (qs *QdrantStore) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	if len(req.Vector) == 0 {
		return nil, fmt.Errorf("qdrant backend requires a query vector")
	}

	resp, err := qs.points.Search(ctx, &qdrantclient.SearchPoints{
		CollectionName: qs.config.Collection,
		Vector:         req.Vector,
		Limit:          uint64(req.TopK),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		chunk, err := chunkFromPayload(point.GetPayload())
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Chunk: chunk, Score: float64(point.GetScore())})
	}
	return matches, nil
}

func chunkFromPayload(payload map[string]*qdrantclient.Value) (models.DocumentChunk, error) {
	chunk := models.DocumentChunk{
		ID:         payload["chunk_id"].GetStringValue(),
		DocumentID: payload["document_id"].GetStringValue(),
		Content:    payload["content"].GetStringValue(),
		Position:   int(payload["position"].GetIntegerValue()),
		TokenCount: int(payload["token_count"].GetIntegerValue()),
		Checksum:   payload["checksum"].GetStringValue(),
	}
	if raw := payload["metadata"].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &chunk.Metadata); err != nil {
			return models.DocumentChunk{}, fmt.Errorf("failed to decode metadata for chunk %s: %w", chunk.ID, err)
		}
	}
	return chunk, nil
}

func (qs *QdrantStore) Delete(ctx context.Context, documentIDs []string) error {
	for _, id := range documentIDs {
		_, err := qs.points.Delete(ctx, &qdrantclient.DeletePoints{
			CollectionName: qs.config.Collection,
			Points: &qdrantclient.PointsSelector{
				PointsSelectorOneOf: &qdrantclient.PointsSelector_Filter{
					Filter: &qdrantclient.Filter{
						Must: []*qdrantclient.Condition{{
							ConditionOneOf: &qdrantclient.Condition_Field{
								Field: &qdrantclient.FieldCondition{
									Key: "document_id",
									Match: &qdrantclient.Match{
										MatchValue: &qdrantclient.Match_Keyword{Keyword: id},
									},
								},
							},
						}},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete chunks for document %s: %w", id, err)
		}
	}
	return nil
}

func (qs *QdrantStore) Info(ctx context.Context) (Info, error) {
	resp, err := qs.points.Count(ctx, &qdrantclient.CountPoints{
		CollectionName: qs.config.Collection,
	})
	if err != nil {
		return Info{}, fmt.Errorf("failed to count points: %w", err)
	}
	return Info{Count: int64(resp.GetResult().GetCount()), Dimensions: qs.config.VectorDim}, nil
}

func (qs *QdrantStore) Close() {
	if qs.conn != nil {
		qs.conn.Close()
	}
}
