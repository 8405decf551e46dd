package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

func seedReview(t *testing.T, st store.Store) *models.ReviewTable {
	t.Helper()
	table := &models.ReviewTable{
		ReviewID: "rev-1",
		CaseID:   "case-1",
		OwnerID:  "owner-1",
		Columns: []models.ColumnSpec{
			{ColumnID: "signed", Label: "Signed?", Type: models.ColumnYesNo, Prompt: "Is the document signed?"},
		},
		FileIDs: []string{"d1"},
		Cells: []models.CellExtraction{{
			ID:         "rev-1_d1_signed",
			ReviewID:   "rev-1",
			FileID:     "d1",
			ColumnID:   "signed",
			Value:      "yes",
			Confidence: 0.4,
			Status:     models.CellExtracted,
			UpdatedAt:  time.Now().UTC(),
		}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutJSON(context.Background(), st, store.TabularNS("rev-1"), "table", table))
	return table
}

func TestReviewTableAndCells(t *testing.T) {
	st := store.NewMemory()
	seedReview(t, st)
	svc := NewReviewService(st, nil)

	table, err := svc.Table(context.Background(), "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", table.OwnerID)

	cells, err := svc.Cells(context.Background(), "rev-1")
	require.NoError(t, err)
	require.Len(t, cells, 1)

	_, err = svc.Table(context.Background(), "rev-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverrideRecordsHistory(t *testing.T) {
	st := store.NewMemory()
	seedReview(t, st)
	svc := NewReviewService(st, nil)
	ctx := context.Background()

	cell, err := svc.Override(ctx, "rev-1", "rev-1_d1_signed", "no", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, "no", cell.Value)
	assert.Equal(t, models.CellManualOverride, cell.Status)
	assert.Equal(t, 1.0, cell.Confidence)
	require.Len(t, cell.History, 1)
	assert.Equal(t, "manual_override", cell.History[0].ChangeType)
	assert.Equal(t, "yes", cell.History[0].PreviousValue)
	assert.Equal(t, "reviewer-1", cell.History[0].ChangedBy)

	// Both the table and the per-cell mirror entry are updated.
	table, err := svc.Table(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "no", table.Cells[0].Value)

	var mirrored models.CellExtraction
	require.NoError(t, store.GetJSON(ctx, st, store.TabularNS("rev-1"), "d1_signed", &mirrored))
	assert.Equal(t, "no", mirrored.Value)
}

func TestOverrideValidation(t *testing.T) {
	st := store.NewMemory()
	seedReview(t, st)
	svc := NewReviewService(st, nil)
	ctx := context.Background()

	_, err := svc.Override(ctx, "rev-1", "rev-1_d1_signed", "", "reviewer-1")
	assert.True(t, IsValidationError(err))

	_, err = svc.Override(ctx, "rev-1", "rev-1_d1_signed", "no", "")
	assert.True(t, IsValidationError(err))

	_, err = svc.Override(ctx, "rev-1", "rev-1_d1_missing", "no", "reviewer-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
