// Package tabular builds structured review tables from case documents:
// one typed, source-cited cell per (file, column), with conflict detection
// and a human-in-the-loop pass for low-confidence cells.
package tabular

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/retrieval"
	"github.com/docket-ai/docket/pkg/store"
)

const (
	defaultThreshold   = 0.8
	defaultMaxParallel = 4
	snippetsPerCell    = 4
)

// Options tune one extraction pass.
type Options struct {
	ConfidenceThreshold float64
	HITL                bool
	MaxParallel         int
}

func (o Options) withDefaults() Options {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = defaultThreshold
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = defaultMaxParallel
	}
	return o
}

// Outcome reports how an extraction pass ended. Suspended means HITL kicked
// in: the table is persisted with its low-confidence cells pending and
// Clarifications lists what the human must settle.
type Outcome struct {
	Suspended      bool
	Clarifications []models.ClarificationItem
}

// Answer is one resume decision for a suspended cell.
type Answer struct {
	Value     string `json:"value"`
	Confirmed bool   `json:"confirmed"`
}

// Engine runs the cell-extraction sub-graph.
type Engine struct {
	source retrieval.DocumentSource
	client llm.Client
	model  string
	store  store.Store
	opts   Options
}

func NewEngine(source retrieval.DocumentSource, client llm.Client, model string,
	st store.Store, opts Options) *Engine {

	return &Engine{
		source: source,
		client: client,
		model:  model,
		store:  st,
		opts:   opts.withDefaults(),
	}
}

// ValidateColumns rejects specs the extractor cannot execute.
func ValidateColumns(columns []models.ColumnSpec) error {
	if len(columns) == 0 {
		return fmt.Errorf("tabular: no columns requested")
	}
	seen := make(map[string]bool, len(columns))
	for i, col := range columns {
		if col.ColumnID == "" {
			return fmt.Errorf("tabular: column %d has no id", i)
		}
		if seen[col.ColumnID] {
			return fmt.Errorf("tabular: duplicate column id %q", col.ColumnID)
		}
		seen[col.ColumnID] = true
		if !models.ValidColumnType(string(col.Type)) {
			return fmt.Errorf("tabular: column %q has unknown type %q", col.ColumnID, col.Type)
		}
		if strings.TrimSpace(col.Prompt) == "" {
			return fmt.Errorf("tabular: column %q has an empty prompt", col.ColumnID)
		}
		if (col.Type == models.ColumnTag || col.Type == models.ColumnMultiTag) &&
			len(col.Config.Options) == 0 {
			return fmt.Errorf("tabular: tag column %q has no options", col.ColumnID)
		}
	}
	return nil
}

// Extract fills review.Cells with one extraction per (file, column) and
// persists every row. With HITL enabled it returns a suspended outcome when
// any cell lands below the confidence threshold.
func (e *Engine) Extract(ctx context.Context, review *models.ReviewTable) (*Outcome, error) {
	if err := ValidateColumns(review.Columns); err != nil {
		return nil, err
	}
	if len(review.FileIDs) == 0 {
		return nil, fmt.Errorf("tabular: review %s has no files", review.ReviewID)
	}

	type cellJob struct {
		fileID string
		col    models.ColumnSpec
	}
	jobs := make([]cellJob, 0, len(review.FileIDs)*len(review.Columns))
	for _, fileID := range review.FileIDs {
		for _, col := range review.Columns {
			jobs = append(jobs, cellJob{fileID: fileID, col: col})
		}
	}

	cells := make([]models.CellExtraction, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxParallel)
	for i, job := range jobs {
		g.Go(func() error {
			cell, err := e.extractCell(gctx, review, job.fileID, job.col)
			if err != nil {
				return err
			}
			cells[i] = *cell
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	review.Cells = cells
	if err := e.persist(ctx, review); err != nil {
		return nil, err
	}

	if e.opts.HITL {
		if low := review.LowConfidenceCells(e.opts.ConfidenceThreshold); len(low) > 0 {
			return &Outcome{Suspended: true, Clarifications: clarifications(low)}, nil
		}
	}
	return &Outcome{}, nil
}

// Resume applies human answers to a suspended review: confirmed answers
// become manual overrides with a history entry, unconfirmed ones keep the
// extracted value but record the review.
func (e *Engine) Resume(ctx context.Context, review *models.ReviewTable,
	answers map[string]Answer, userID string) error {

	byID := make(map[string]*models.CellExtraction, len(review.Cells))
	for i := range review.Cells {
		byID[review.Cells[i].ID] = &review.Cells[i]
	}

	for cellID, answer := range answers {
		cell, ok := byID[cellID]
		if !ok {
			return fmt.Errorf("tabular: resume names unknown cell %q", cellID)
		}
		entry := models.CellHistoryEntry{
			At:            time.Now().UTC(),
			ChangedBy:     userID,
			PreviousValue: cell.Value,
		}
		if answer.Confirmed {
			entry.ChangeType = "manual_override"
			cell.Value = answer.Value
			cell.NormalizedValue = ""
			cell.Status = models.CellManualOverride
			cell.Confidence = 1.0
		} else {
			entry.ChangeType = "reviewed"
			entry.Reason = "kept extracted value"
		}
		cell.History = append(cell.History, entry)
		cell.UpdatedAt = entry.At
	}
	return e.persist(ctx, review)
}

// cellResponse is the JSON contract of the per-cell model call.
type cellResponse struct {
	Value      string  `json:"value"`
	Quote      string  `json:"quote"`
	Page       int     `json:"page"`
	Confidence float64 `json:"confidence"`
	Candidates []struct {
		Value      string  `json:"value"`
		Quote      string  `json:"quote"`
		Page       int     `json:"page"`
		Confidence float64 `json:"confidence"`
	} `json:"candidates"`
}

func (e *Engine) extractCell(ctx context.Context, review *models.ReviewTable,
	fileID string, col models.ColumnSpec) (*models.CellExtraction, error) {

	cell := &models.CellExtraction{
		ID:        fmt.Sprintf("%s_%s_%s", review.ReviewID, fileID, col.ColumnID),
		ReviewID:  review.ReviewID,
		FileID:    fileID,
		ColumnID:  col.ColumnID,
		Status:    models.CellPending,
		UpdatedAt: time.Now().UTC(),
	}

	snippets, err := e.snippets(ctx, review.CaseID, fileID, col.Prompt)
	if err != nil {
		return nil, err
	}
	if len(snippets) == 0 {
		cell.Status = models.CellEmpty
		return cell, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	completion, err := e.client.Complete(ctx, &llm.Request{
		Model:     e.model,
		System:    "You extract one precise value per request from legal documents.",
		Messages:  []llm.Message{{Role: "user", Content: cellPrompt(col, snippets)}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("tabular: cell %s: %w", cell.CellKey(), err)
	}

	resp, err := parseCellResponse(completion.Text)
	if err != nil {
		slog.Warn("cell response unparseable, marking empty",
			"review_id", review.ReviewID, "cell", cell.CellKey(), "error", err)
		cell.Status = models.CellEmpty
		return cell, nil
	}

	e.fillCell(cell, col, resp, snippets)
	return cell, nil
}

// fillCell applies typed normalization, conflict detection and status.
func (e *Engine) fillCell(cell *models.CellExtraction, col models.ColumnSpec,
	resp *cellResponse, snippets []string) {

	cell.Value = strings.TrimSpace(resp.Value)
	cell.VerbatimQuote = strings.TrimSpace(resp.Quote)
	cell.SourcePage = resp.Page
	cell.Confidence = clamp01(resp.Confidence)
	cell.Status = models.CellExtracted

	if cell.Value == "" {
		cell.Status = models.CellEmpty
		return
	}

	for _, c := range resp.Candidates {
		cell.Candidates = append(cell.Candidates, models.CellCandidate{
			Value:      strings.TrimSpace(c.Value),
			Quote:      c.Quote,
			SourcePage: c.Page,
			Confidence: clamp01(c.Confidence),
		})
	}

	if normalized, err := normalizeValue(col, cell.Value); err != nil {
		cell.Status = models.CellConflict
		cell.Confidence = 0
		slog.Warn("cell value failed normalization",
			"cell", cell.CellKey(), "value", cell.Value, "error", err)
	} else {
		cell.NormalizedValue = normalized
	}

	if col.Type == models.ColumnVerbatim && !quoteDerivable(cell.VerbatimQuote, snippets) {
		cell.Status = models.CellConflict
		cell.Confidence = 0
	}

	// Disagreeing passages: every distinct candidate value beyond the chosen
	// one makes the cell a conflict scored at its weakest support.
	if conflicting(cell) {
		cell.Status = models.CellConflict
		minConf := cell.Confidence
		for _, c := range cell.Candidates {
			if c.Confidence < minConf {
				minConf = c.Confidence
			}
		}
		cell.Confidence = minConf
	}
}

func conflicting(cell *models.CellExtraction) bool {
	for _, c := range cell.Candidates {
		if c.Value != "" && !strings.EqualFold(c.Value, cell.Value) {
			return true
		}
	}
	return false
}

// normalizeValue produces the canonical machine form per column type. The
// original string always stays in Value.
func normalizeValue(col models.ColumnSpec, value string) (string, error) {
	switch col.Type {
	case models.ColumnDate:
		var ref time.Time
		if col.Config.ReferenceDate != "" {
			parsed, err := time.Parse("2006-01-02", col.Config.ReferenceDate)
			if err != nil {
				return "", fmt.Errorf("bad reference date %q: %w", col.Config.ReferenceDate, err)
			}
			ref = parsed
		}
		return NormalizeDate(value, ref)
	case models.ColumnCurrency:
		amount, err := NormalizeCurrency(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(amount, 'f', -1, 64), nil
	case models.ColumnNumber:
		amount, err := NormalizeCurrency(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(amount, 'f', -1, 64), nil
	case models.ColumnYesNo:
		return NormalizeYesNo(value), nil
	case models.ColumnTag:
		return matchOption(value, col.Config.Options)
	case models.ColumnMultiTag:
		var out []string
		for _, part := range strings.Split(value, ",") {
			matched, err := matchOption(strings.TrimSpace(part), col.Config.Options)
			if err != nil {
				return "", err
			}
			out = append(out, matched)
		}
		return strings.Join(out, ", "), nil
	default:
		return "", nil
	}
}

func matchOption(value string, options []string) (string, error) {
	for _, opt := range options {
		if strings.EqualFold(value, opt) {
			return opt, nil
		}
	}
	return "", fmt.Errorf("value %q is not one of the allowed options", value)
}

func quoteDerivable(quote string, snippets []string) bool {
	if quote == "" {
		return false
	}
	for _, s := range snippets {
		if VerbatimDerivable(quote, s) {
			return true
		}
	}
	return false
}

// snippets retrieves the file's most relevant chunks for the column prompt
// via a per-file BM25 pass, redacted before they reach the model.
func (e *Engine) snippets(ctx context.Context, caseID, fileID, prompt string) ([]string, error) {
	doc, err := e.source.GetDocument(ctx, caseID, fileID)
	if err != nil {
		return nil, fmt.Errorf("tabular: loading file %s: %w", fileID, err)
	}
	chunks := retrieval.ChunkDocument(*doc)
	if len(chunks) == 0 {
		return nil, nil
	}

	index := retrieval.NewBM25Index(chunks, retrieval.DefaultBM25Params())
	hits := index.Search(prompt, snippetsPerCell)
	if len(hits) == 0 {
		// Nothing matched the prompt terms; fall back to the opening chunks
		// so short documents still get read.
		for i := 0; i < len(chunks) && i < snippetsPerCell; i++ {
			hits = append(hits, models.ScoredChunk{Chunk: chunks[i]})
		}
	}

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, middleware.Redact(h.Text))
	}
	return out, nil
}

func cellPrompt(col models.ColumnSpec, snippets []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Column: %s (%s)\n%s\n", col.Label, col.Type, col.Prompt)
	if len(col.Config.Options) > 0 {
		fmt.Fprintf(&sb, "Allowed values: %s\n", strings.Join(col.Config.Options, ", "))
	}
	sb.WriteString("\nDocument excerpts:\n")
	for i, s := range snippets {
		fmt.Fprintf(&sb, "\n[%d]\n%s\n", i+1, s)
	}
	sb.WriteString("\nRespond with JSON: {\"value\": string, \"quote\": string, " +
		"\"page\": int, \"confidence\": number 0..1, \"candidates\": " +
		"[{\"value\", \"quote\", \"page\", \"confidence\"}]}. " +
		"List a candidate for every passage that supports a different answer. " +
		"Use an empty value when the excerpts do not answer the question.")
	return sb.String()
}

// parseCellResponse decodes the first JSON object in the model output,
// tolerating prose and fences around it.
func parseCellResponse(text string) (*cellResponse, error) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var resp cellResponse
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding cell response: %w", err)
	}
	return &resp, nil
}

func (e *Engine) persist(ctx context.Context, review *models.ReviewTable) error {
	ns := store.TabularNS(review.ReviewID)
	if err := store.PutJSON(ctx, e.store, ns, "table", review); err != nil {
		return err
	}
	for i := range review.Cells {
		cell := &review.Cells[i]
		key := fmt.Sprintf("%s_%s", cell.FileID, cell.ColumnID)
		if err := store.PutJSON(ctx, e.store, ns, key, cell); err != nil {
			return err
		}
	}
	return nil
}

func clarifications(cells []models.CellExtraction) []models.ClarificationItem {
	out := make([]models.ClarificationItem, 0, len(cells))
	for _, cell := range cells {
		item := models.ClarificationItem{
			CellID: cell.ID,
			Reason: fmt.Sprintf("confidence %.2f, status %s", cell.Confidence, cell.Status),
		}
		if cell.Value != "" {
			item.Candidates = append(item.Candidates, cell.Value)
		}
		for _, c := range cell.Candidates {
			if c.Value != "" && !strings.EqualFold(c.Value, cell.Value) {
				item.Candidates = append(item.Candidates, c.Value)
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
