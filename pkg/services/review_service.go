package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

// ReviewService reads and amends tabular review artifacts. The store is the
// source of truth (the extraction engine writes it); when a PostgreSQL pool
// is attached, tables and cells are mirrored into relational rows for
// reporting queries. Mirror failures are logged, never fatal.
type ReviewService struct {
	store store.Store
	pool  *pgxpool.Pool
}

func NewReviewService(st store.Store, pool *pgxpool.Pool) *ReviewService {
	return &ReviewService{store: st, pool: pool}
}

// Table loads a review's grid.
func (s *ReviewService) Table(ctx context.Context, reviewID string) (*models.ReviewTable, error) {
	var table models.ReviewTable
	err := store.GetJSON(ctx, s.store, store.TabularNS(reviewID), "table", &table)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: loading review %s: %w", reviewID, err)
	}
	return &table, nil
}

// Cells lists a review's cells.
func (s *ReviewService) Cells(ctx context.Context, reviewID string) ([]models.CellExtraction, error) {
	table, err := s.Table(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	return table.Cells, nil
}

// SaveTable persists the grid and mirrors it relationally.
func (s *ReviewService) SaveTable(_ context.Context, table *models.ReviewTable) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	ns := store.TabularNS(table.ReviewID)
	if err := store.PutJSON(ctx, s.store, ns, "table", table); err != nil {
		return fmt.Errorf("services: saving review %s: %w", table.ReviewID, err)
	}
	s.mirrorTable(ctx, table)
	return nil
}

// Override replaces a cell's value with a human decision, recording history
// and marking the cell settled.
func (s *ReviewService) Override(_ context.Context, reviewID, cellID, value, userID string) (*models.CellExtraction, error) {
	if value == "" {
		return nil, NewValidationError("value", "required")
	}
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	table, err := s.Table(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	var cell *models.CellExtraction
	for i := range table.Cells {
		if table.Cells[i].ID == cellID {
			cell = &table.Cells[i]
			break
		}
	}
	if cell == nil {
		return nil, fmt.Errorf("%w: cell %s", ErrNotFound, cellID)
	}

	now := time.Now().UTC()
	cell.History = append(cell.History, models.CellHistoryEntry{
		At:            now,
		ChangedBy:     userID,
		ChangeType:    "manual_override",
		PreviousValue: cell.Value,
	})
	cell.Value = value
	cell.NormalizedValue = ""
	cell.Status = models.CellManualOverride
	cell.Confidence = 1.0
	cell.UpdatedAt = now

	ns := store.TabularNS(reviewID)
	if err := store.PutJSON(ctx, s.store, ns, "table", table); err != nil {
		return nil, fmt.Errorf("services: saving review %s: %w", reviewID, err)
	}
	if err := store.PutJSON(ctx, s.store, ns, cell.FileID+"_"+cell.ColumnID, cell); err != nil {
		return nil, fmt.Errorf("services: saving cell %s: %w", cellID, err)
	}
	s.mirrorTable(ctx, table)

	out := *cell
	return &out, nil
}

func (s *ReviewService) mirrorTable(ctx context.Context, table *models.ReviewTable) {
	if s.pool == nil {
		return
	}
	if err := s.mirror(ctx, table); err != nil {
		slog.Warn("Failed to mirror review into relational rows",
			"review_id", table.ReviewID, "error", err)
	}
}

func (s *ReviewService) mirror(ctx context.Context, table *models.ReviewTable) error {
	columns, err := json.Marshal(table.Columns)
	if err != nil {
		return err
	}
	fileIDs, err := json.Marshal(table.FileIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO review_tables (review_id, case_id, owner_id, columns, file_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (review_id) DO UPDATE SET columns = $4, file_ids = $5`,
		table.ReviewID, table.CaseID, table.OwnerID, columns, fileIDs, table.CreatedAt)
	if err != nil {
		return err
	}

	for i := range table.Cells {
		cell := &table.Cells[i]
		value, err := json.Marshal(cell.Value)
		if err != nil {
			return err
		}
		candidates, err := json.Marshal(cell.Candidates)
		if err != nil {
			return err
		}
		history, err := json.Marshal(cell.History)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO review_cells (id, review_id, file_id, column_id, value,
				normalized_value, verbatim_quote, source_page, source_section,
				confidence, status, candidates, history, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET value = $5, normalized_value = $6,
				verbatim_quote = $7, source_page = $8, source_section = $9,
				confidence = $10, status = $11, candidates = $12, history = $13,
				updated_at = $14`,
			cell.ID, cell.ReviewID, cell.FileID, cell.ColumnID, value,
			cell.NormalizedValue, cell.VerbatimQuote, cell.SourcePage, cell.SourceSection,
			cell.Confidence, string(cell.Status), candidates, history, cell.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}
