package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/docket-ai/docket/pkg/models"
)

// QdrantIndex talks to a Qdrant server over gRPC. Chunk ids are mapped to
// deterministic UUIDs since Qdrant point ids must be UUIDs or integers.
type QdrantIndex struct {
	client   *qdrant.Client
	embedder Embedder
}

type QdrantConfig struct {
	Host string
	Port int
}

func NewQdrantIndex(cfg QdrantConfig, embedder Embedder) (*QdrantIndex, error) {
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("retrieval: connecting to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantIndex{client: client, embedder: embedder}, nil
}

func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String())
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, name string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("retrieval: checking collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("retrieval: creating collection %s: %w", name, err)
	}
	return nil
}

func (q *QdrantIndex) IndexChunks(ctx context.Context, caseID string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := q.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("retrieval: embedding %d chunks for case %s: %w", len(chunks), caseID, err)
	}

	name := collectionName(caseID)
	if err := q.ensureCollection(ctx, name, len(vectors[0])); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(chunk.ID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: map[string]*qdrant.Value{
				"chunk_id":    {Kind: &qdrant.Value_StringValue{StringValue: chunk.ID}},
				"document_id": {Kind: &qdrant.Value_StringValue{StringValue: chunk.DocumentID}},
				"seq":         {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(chunk.Seq)}},
				"text":        {Kind: &qdrant.Value_StringValue{StringValue: chunk.Text}},
			},
		}
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("retrieval: upserting %d points for case %s: %w", len(points), caseID, err)
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	vector, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}

	searchResult, err := q.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: collectionName(caseID),
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: qdrant search for case %s: %w", caseID, err)
	}

	out := make([]models.ScoredChunk, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		chunk := models.Chunk{CaseID: caseID}
		for key, value := range point.Payload {
			switch v := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				switch key {
				case "chunk_id":
					chunk.ID = v.StringValue
				case "document_id":
					chunk.DocumentID = v.StringValue
				case "text":
					chunk.Text = v.StringValue
				}
			case *qdrant.Value_IntegerValue:
				if key == "seq" {
					chunk.Seq = int(v.IntegerValue)
				}
			}
		}
		out = append(out, models.ScoredChunk{Chunk: chunk, Score: float64(point.Score)})
	}
	return out, nil
}
