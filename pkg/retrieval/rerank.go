package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/models"
)

// Reranker reorders retrieved chunks by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []models.ScoredChunk, topM int) []models.ScoredChunk
}

// NilReranker returns chunks unchanged (cut to topM).
type NilReranker struct{}

func (NilReranker) Rerank(_ context.Context, _ string, chunks []models.ScoredChunk, topM int) []models.ScoredChunk {
	if topM > 0 && len(chunks) > topM {
		return chunks[:topM]
	}
	return chunks
}

// LLMReranker asks a model to rank chunks by relevance. Every failure mode
// degrades to the incoming order; reranking never fails a retrieval.
type LLMReranker struct {
	client llm.Client
	model  string
}

func NewLLMReranker(client llm.Client, model string) *LLMReranker {
	return &LLMReranker{client: client, model: model}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []models.ScoredChunk, topM int) []models.ScoredChunk {
	cut := func(list []models.ScoredChunk) []models.ScoredChunk {
		if topM > 0 && len(list) > topM {
			return list[:topM]
		}
		return list
	}
	if len(chunks) <= 1 {
		return cut(chunks)
	}

	completion, err := r.client.Complete(ctx, &llm.Request{
		Model:       r.model,
		Messages:    []llm.Message{{Role: "user", Content: buildRerankPrompt(query, chunks)}},
		Temperature: 0, // deterministic ranking
		MaxTokens:   1024,
	})
	if err != nil {
		slog.Warn("reranking failed, keeping original order", "error", err)
		return cut(chunks)
	}

	order, err := parseRankings(completion.Text, len(chunks))
	if err != nil {
		slog.Warn("unparseable rankings, keeping original order", "error", err)
		return cut(chunks)
	}

	reranked := make([]models.ScoredChunk, 0, len(order))
	for pos, idx := range order {
		sc := chunks[idx]
		// Position-based score replaces the fused score.
		score := 1.0 - 0.05*float64(pos)
		if score < 0.1 {
			score = 0.1
		}
		sc.Score = score
		reranked = append(reranked, sc)
	}
	return cut(reranked)
}

func buildRerankPrompt(query string, chunks []models.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Rank the following document excerpts by relevance to the query.\n")
	b.WriteString("Respond with ONLY a JSON array of zero-based excerpt indices, most relevant first.\n\n")
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	for i, sc := range chunks {
		excerpt := sc.Text
		if len(excerpt) > 500 {
			excerpt = excerpt[:500] + "..."
		}
		fmt.Fprintf(&b, "[%d] %s\n\n", i, excerpt)
	}
	return b.String()
}

// parseRankings extracts the first JSON array from the response and
// normalizes it: out-of-range and duplicate indices are dropped, missing
// indices are appended in original order.
func parseRankings(response string, n int) ([]int, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var raw []int
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decoding ranking array: %w", err)
	}

	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, idx := range raw {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}
