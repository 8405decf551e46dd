package retrieval

import (
	"sort"

	"github.com/docket-ai/docket/pkg/models"
)

// FuseRRF merges ranked lists by reciprocal-rank fusion: each chunk scores
// the sum of 1/(k+rank) over the lists it appears in. Content comes from
// whichever list saw the chunk first. Ties break by chunk id so fused order
// is deterministic.
func FuseRRF(k int, topK int, lists ...[]models.ScoredChunk) []models.ScoredChunk {
	if k <= 0 {
		k = 60
	}
	scores := make(map[string]float64)
	chunks := make(map[string]models.Chunk)
	for _, list := range lists {
		for rank, sc := range list {
			scores[sc.ID] += 1.0 / float64(k+rank+1)
			if _, seen := chunks[sc.ID]; !seen {
				chunks[sc.ID] = sc.Chunk
			}
		}
	}

	fused := make([]models.ScoredChunk, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, models.ScoredChunk{Chunk: chunks[id], Score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	if topK > 0 && len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}
