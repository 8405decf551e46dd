package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/docket-ai/docket/pkg/models"
)

// BM25Params are the Okapi BM25 free parameters.
type BM25Params struct {
	K1 float64
	B  float64
}

// DefaultBM25Params returns the conventional k1/b values.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: 1.2, B: 0.75}
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// which handles Cyrillic and Latin text alike.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// BM25Index is the sparse keyword index over one case's chunks. Built once,
// read concurrently.
type BM25Index struct {
	params   BM25Params
	chunks   []models.Chunk
	termFreq []map[string]int // per chunk
	docFreq  map[string]int
	lengths  []int
	avgLen   float64
}

// NewBM25Index builds the index from a case's chunks.
func NewBM25Index(chunks []models.Chunk, params BM25Params) *BM25Index {
	idx := &BM25Index{
		params:   params,
		chunks:   chunks,
		termFreq: make([]map[string]int, len(chunks)),
		docFreq:  make(map[string]int),
		lengths:  make([]int, len(chunks)),
	}
	total := 0
	for i, chunk := range chunks {
		terms := tokenize(chunk.Text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		idx.termFreq[i] = tf
		idx.lengths[i] = len(terms)
		total += len(terms)
		for t := range tf {
			idx.docFreq[t]++
		}
	}
	if len(chunks) > 0 {
		idx.avgLen = float64(total) / float64(len(chunks))
	}
	return idx
}

// Search scores every chunk against the query and returns the top k with a
// positive score. Ties break by chunk id for determinism.
func (idx *BM25Index) Search(query string, k int) []models.ScoredChunk {
	terms := tokenize(query)
	if len(terms) == 0 || len(idx.chunks) == 0 {
		return nil
	}
	n := float64(len(idx.chunks))
	var scored []models.ScoredChunk
	for i, chunk := range idx.chunks {
		score := 0.0
		for _, t := range terms {
			tf := float64(idx.termFreq[i][t])
			if tf == 0 {
				continue
			}
			df := float64(idx.docFreq[t])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - idx.params.B + idx.params.B*float64(idx.lengths[i])/idx.avgLen
			score += idf * tf * (idx.params.K1 + 1) / (tf + idx.params.K1*norm)
		}
		if score > 0 {
			scored = append(scored, models.ScoredChunk{Chunk: chunk, Score: score})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// IndexCache builds and caches one BM25Index per case. Concurrent requests
// for the same case share a single build through singleflight.
type IndexCache struct {
	source DocumentSource
	params BM25Params

	mu      sync.RWMutex
	indexes map[string]*BM25Index
	group   singleflight.Group
}

func NewIndexCache(source DocumentSource, params BM25Params) *IndexCache {
	return &IndexCache{
		source:  source,
		params:  params,
		indexes: make(map[string]*BM25Index),
	}
}

// Get returns the case's index, building it on first use.
func (c *IndexCache) Get(ctx context.Context, caseID string) (*BM25Index, error) {
	c.mu.RLock()
	idx, ok := c.indexes[caseID]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}

	v, err, _ := c.group.Do(caseID, func() (interface{}, error) {
		chunks, err := ChunkCase(ctx, c.source, caseID)
		if err != nil {
			return nil, fmt.Errorf("retrieval: building index for case %s: %w", caseID, err)
		}
		built := NewBM25Index(chunks, c.params)
		c.mu.Lock()
		c.indexes[caseID] = built
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BM25Index), nil
}

// Invalidate drops a case's index so the next Get rebuilds it.
func (c *IndexCache) Invalidate(caseID string) {
	c.mu.Lock()
	delete(c.indexes, caseID)
	c.mu.Unlock()
}
