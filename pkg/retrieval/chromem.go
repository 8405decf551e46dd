package retrieval

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/docket-ai/docket/pkg/models"
)

// ChromemIndex is the embedded, in-process dense index. Zero external
// services; all vectors stay in RAM, which fits the per-case collection
// sizes this engine sees.
type ChromemIndex struct {
	db       *chromem.DB
	embedder Embedder

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemIndex(embedder Embedder) *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}
}

func (c *ChromemIndex) collection(caseID string) (*chromem.Collection, error) {
	name := collectionName(caseID)
	c.mu.RLock()
	col, ok := c.collections[name]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		return col, nil
	}
	// Vectors arrive pre-computed; the embedding func must never run.
	col, err := c.db.GetOrCreateCollection(name, nil, func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("retrieval: chromem asked to embed, vectors are pre-computed")
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: creating collection %s: %w", name, err)
	}
	c.collections[name] = col
	return col, nil
}

func (c *ChromemIndex) IndexChunks(ctx context.Context, caseID string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	col, err := c.collection(caseID)
	if err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("retrieval: embedding %d chunks for case %s: %w", len(chunks), caseID, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:      chunk.ID,
			Content: chunk.Text,
			Metadata: map[string]string{
				"document_id": chunk.DocumentID,
				"seq":         strconv.Itoa(chunk.Seq),
			},
			Embedding: vectors[i],
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("retrieval: indexing chunks for case %s: %w", caseID, err)
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	col, err := c.collection(caseID)
	if err != nil {
		return nil, err
	}
	// chromem rejects topK above the collection size.
	if count := col.Count(); k > count {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	vector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}
	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval: chromem query for case %s: %w", caseID, err)
	}

	out := make([]models.ScoredChunk, 0, len(results))
	for _, r := range results {
		seq, _ := strconv.Atoi(r.Metadata["seq"])
		out = append(out, models.ScoredChunk{
			Chunk: models.Chunk{
				ID:         r.ID,
				DocumentID: r.Metadata["document_id"],
				CaseID:     caseID,
				Seq:        seq,
				Text:       r.Content,
			},
			Score: float64(r.Similarity),
		})
	}
	return out, nil
}
