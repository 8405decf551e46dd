package retrieval

import (
	"context"

	"github.com/docket-ai/docket/pkg/models"
)

// DenseIndex is the vector-store side of retrieval. One collection per case;
// scores are cosine similarities in [0,1], higher is better.
type DenseIndex interface {
	IndexChunks(ctx context.Context, caseID string, chunks []models.Chunk) error
	Query(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error)
}

func collectionName(caseID string) string {
	return "case_" + caseID
}
