package models

import "time"

// Document is one case document as the retrieval layer sees it: plain text
// with identifying metadata. Parsing binary formats happens upstream.
type Document struct {
	ID       string    `json:"id"`
	CaseID   string    `json:"case_id"`
	Title    string    `json:"title"`
	Kind     string    `json:"kind,omitempty"`
	Language string    `json:"language,omitempty"`
	Text     string    `json:"text"`
	AddedAt  time.Time `json:"added_at"`
}

// Chunk is a retrieval unit cut from a document.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	CaseID     string `json:"case_id"`
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
}

// ScoredChunk carries a chunk with a retrieval score. Score semantics depend
// on the stage that produced it (BM25, cosine, fused RRF, reranker).
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}
