package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docket-ai/docket/pkg/models"
)

// DocumentSource provides read-only access to a case's documents. The
// analysis run treats the document set as immutable.
type DocumentSource interface {
	ListDocuments(ctx context.Context, caseID string) ([]models.Document, error)
	GetDocument(ctx context.Context, caseID, documentID string) (*models.Document, error)
}

// chunkChars is the target chunk size. Legal documents paragraph well, so
// chunks are whole paragraphs packed up to this budget.
const chunkChars = 1600

// ChunkDocument splits a document into retrieval units on paragraph
// boundaries. A paragraph longer than the budget becomes its own chunk
// rather than being split mid-sentence.
func ChunkDocument(doc models.Document) []models.Chunk {
	paragraphs := strings.Split(doc.Text, "\n\n")
	var chunks []models.Chunk
	var buf strings.Builder
	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		seq := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:         fmt.Sprintf("%s:%d", doc.ID, seq),
			DocumentID: doc.ID,
			CaseID:     doc.CaseID,
			Seq:        seq,
			Text:       text,
		})
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p) > chunkChars {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return chunks
}

// ChunkCase chunks every document of a case, preserving document order.
func ChunkCase(ctx context.Context, src DocumentSource, caseID string) ([]models.Chunk, error) {
	docs, err := src.ListDocuments(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: listing documents for case %s: %w", caseID, err)
	}
	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, ChunkDocument(doc)...)
	}
	return chunks, nil
}

// MemorySource is a fixture-backed source for tests and embedded mode.
type MemorySource struct {
	mu   sync.RWMutex
	docs map[string][]models.Document
}

func NewMemorySource() *MemorySource {
	return &MemorySource{docs: make(map[string][]models.Document)}
}

// Add registers a document under its case.
func (m *MemorySource) Add(doc models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.CaseID] = append(m.docs[doc.CaseID], doc)
}

func (m *MemorySource) ListDocuments(_ context.Context, caseID string) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Document, len(m.docs[caseID]))
	copy(out, m.docs[caseID])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemorySource) GetDocument(_ context.Context, caseID, documentID string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.docs[caseID] {
		if doc.ID == documentID {
			d := doc
			return &d, nil
		}
	}
	return nil, fmt.Errorf("retrieval: document %s not found in case %s", documentID, caseID)
}

// PostgresSource reads the documents table maintained by the ingestion
// pipeline.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (p *PostgresSource) ListDocuments(ctx context.Context, caseID string) ([]models.Document, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, case_id, title, kind, language, text, added_at
		FROM documents WHERE case_id = $1 ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: querying documents for case %s: %w", caseID, err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Title, &d.Kind, &d.Language, &d.Text, &d.AddedAt); err != nil {
			return nil, fmt.Errorf("retrieval: scanning document row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (p *PostgresSource) GetDocument(ctx context.Context, caseID, documentID string) (*models.Document, error) {
	var d models.Document
	row := p.pool.QueryRow(ctx, `
		SELECT id, case_id, title, kind, language, text, added_at
		FROM documents WHERE case_id = $1 AND id = $2`, caseID, documentID)
	if err := row.Scan(&d.ID, &d.CaseID, &d.Title, &d.Kind, &d.Language, &d.Text, &d.AddedAt); err != nil {
		return nil, fmt.Errorf("retrieval: loading document %s: %w", documentID, err)
	}
	return &d, nil
}
