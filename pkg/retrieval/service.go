package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/docket-ai/docket/pkg/cache"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/models"
)

// Strategy selects how a query is executed against the case corpus.
const (
	StrategySimple     = "simple"      // dense only
	StrategyMultiQuery = "multi_query" // LLM-expanded query variants, fused
	StrategyIterative  = "iterative"   // second round refined by first results
	StrategyHybrid     = "hybrid"      // dense + BM25, reciprocal-rank fused
)

// Filters narrows retrieval to documents of the given kinds. Empty means
// no filtering.
type Filters struct {
	DocTypes []string `json:"doc_types,omitempty"`
}

// Options configures a Retriever.
type Options struct {
	RRFK          int
	RerankEnabled bool
	// Expander produces query variants for multi_query; nil disables
	// expansion and the strategy degrades to simple.
	Expander      llm.Client
	ExpanderModel string
}

// Retriever is the C2 surface: per-case sparse index, dense index, fusion,
// optional rerank, all behind a fingerprint-keyed cache.
type Retriever struct {
	source   DocumentSource
	sparse   *IndexCache
	dense    DenseIndex
	reranker Reranker
	cache    *cache.ResultCache
	opts     Options

	kindsMu sync.RWMutex
	kinds   map[string]map[string]string // caseID -> docID -> kind
}

func NewRetriever(source DocumentSource, sparse *IndexCache, dense DenseIndex,
	reranker Reranker, resultCache *cache.ResultCache, opts Options) *Retriever {
	if reranker == nil {
		reranker = NilReranker{}
	}
	if opts.RRFK <= 0 {
		opts.RRFK = 60
	}
	return &Retriever{
		source:   source,
		sparse:   sparse,
		dense:    dense,
		reranker: reranker,
		cache:    resultCache,
		opts:     opts,
		kinds:    make(map[string]map[string]string),
	}
}

// Retrieve runs one query against a case and returns up to k scored chunks.
func (r *Retriever) Retrieve(ctx context.Context, caseID, query string, k int, strategy string, filters Filters) ([]models.ScoredChunk, error) {
	if k <= 0 {
		k = 10
	}
	if strategy == "" {
		strategy = StrategyHybrid
	}

	key := cache.RetrievalFingerprint(caseID, query, k, strategy, filters.DocTypes)
	if r.cache != nil {
		if raw, ok := r.cache.Get(key); ok {
			var cached []models.ScoredChunk
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var (
		chunks []models.ScoredChunk
		err    error
	)
	switch strategy {
	case StrategySimple:
		chunks, err = r.denseOnly(ctx, caseID, query, k)
	case StrategyMultiQuery:
		chunks, err = r.multiQuery(ctx, caseID, query, k)
	case StrategyIterative:
		chunks, err = r.iterative(ctx, caseID, query, k)
	case StrategyHybrid:
		chunks, err = r.hybrid(ctx, caseID, query, k)
	default:
		return nil, fmt.Errorf("retrieval: unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	chunks, err = r.applyFilters(ctx, caseID, chunks, filters)
	if err != nil {
		return nil, err
	}
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	if r.cache != nil {
		if raw, err := json.Marshal(chunks); err == nil {
			r.cache.Set(key, raw)
		}
	}
	return chunks, nil
}

// denseOnly queries the dense index, falling back to BM25 when no dense
// index is configured (embedded keyword-only mode).
func (r *Retriever) denseOnly(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	if r.dense == nil {
		return r.sparseOnly(ctx, caseID, query, k)
	}
	return r.dense.Query(ctx, caseID, query, k)
}

func (r *Retriever) sparseOnly(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	idx, err := r.sparse.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return idx.Search(query, k), nil
}

// hybrid fuses dense and sparse candidate lists by RRF, then optionally
// reranks the fused set down to k.
func (r *Retriever) hybrid(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	candidateK := 2 * k

	sparseHits, err := r.sparseOnly(ctx, caseID, query, candidateK)
	if err != nil {
		return nil, err
	}
	denseHits := []models.ScoredChunk(nil)
	if r.dense != nil {
		denseHits, err = r.dense.Query(ctx, caseID, query, candidateK)
		if err != nil {
			return nil, err
		}
	}

	if !r.opts.RerankEnabled {
		return FuseRRF(r.opts.RRFK, k, denseHits, sparseHits), nil
	}
	fused := FuseRRF(r.opts.RRFK, candidateK, denseHits, sparseHits)
	return r.reranker.Rerank(ctx, query, fused, k), nil
}

// multiQuery expands the query into variants and fuses per-variant results.
// Expansion failures degrade to the original query alone.
func (r *Retriever) multiQuery(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	queries := []string{query}
	queries = append(queries, r.expandQuery(ctx, query)...)

	lists := make([][]models.ScoredChunk, 0, len(queries))
	for _, q := range queries {
		hits, err := r.denseOnly(ctx, caseID, q, k)
		if err != nil {
			return nil, err
		}
		lists = append(lists, hits)
	}
	return FuseRRF(r.opts.RRFK, k, lists...), nil
}

// iterative runs a second round with the query refined by the first round's
// best hit, then fuses both rounds.
func (r *Retriever) iterative(ctx context.Context, caseID, query string, k int) ([]models.ScoredChunk, error) {
	first, err := r.denseOnly(ctx, caseID, query, k)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return first, nil
	}

	refined := query + " " + leadingTerms(first[0].Text, 8)
	second, err := r.denseOnly(ctx, caseID, refined, k)
	if err != nil {
		return nil, err
	}
	return FuseRRF(r.opts.RRFK, k, first, second), nil
}

// expandQuery asks the LLM for up to three rephrasings, one per line.
func (r *Retriever) expandQuery(ctx context.Context, query string) []string {
	if r.opts.Expander == nil {
		return nil
	}
	prompt := "Rephrase the following search query 3 different ways, one per line, " +
		"keeping the legal terminology. Output only the rephrasings.\n\nQuery: " + query
	completion, err := r.opts.Expander.Complete(ctx, &llm.Request{
		Model:       r.opts.ExpanderModel,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   256,
	})
	if err != nil {
		slog.Warn("query expansion failed, using original query only", "error", err)
		return nil
	}

	var variants []string
	for _, line := range strings.Split(completion.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" && !strings.EqualFold(line, query) {
			variants = append(variants, line)
		}
		if len(variants) == 3 {
			break
		}
	}
	return variants
}

func leadingTerms(text string, n int) string {
	terms := tokenize(text)
	if len(terms) > n {
		terms = terms[:n]
	}
	return strings.Join(terms, " ")
}

func (r *Retriever) applyFilters(ctx context.Context, caseID string, chunks []models.ScoredChunk, filters Filters) ([]models.ScoredChunk, error) {
	if len(filters.DocTypes) == 0 {
		return chunks, nil
	}
	kinds, err := r.docKinds(ctx, caseID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(filters.DocTypes))
	for _, t := range filters.DocTypes {
		allowed[t] = true
	}
	filtered := chunks[:0]
	for _, sc := range chunks {
		if allowed[kinds[sc.DocumentID]] {
			filtered = append(filtered, sc)
		}
	}
	return filtered, nil
}

func (r *Retriever) docKinds(ctx context.Context, caseID string) (map[string]string, error) {
	r.kindsMu.RLock()
	kinds, ok := r.kinds[caseID]
	r.kindsMu.RUnlock()
	if ok {
		return kinds, nil
	}

	docs, err := r.source.ListDocuments(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: loading document kinds for case %s: %w", caseID, err)
	}
	kinds = make(map[string]string, len(docs))
	for _, doc := range docs {
		kinds[doc.ID] = doc.Kind
	}
	r.kindsMu.Lock()
	r.kinds[caseID] = kinds
	r.kindsMu.Unlock()
	return kinds, nil
}
