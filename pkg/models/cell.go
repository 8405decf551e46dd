package models

import "time"

// ColumnType selects the parser/normalizer applied to extracted cell values.
type ColumnType string

const (
	ColumnText         ColumnType = "text"
	ColumnNumber       ColumnType = "number"
	ColumnCurrency     ColumnType = "currency"
	ColumnDate         ColumnType = "date"
	ColumnYesNo        ColumnType = "yes_no"
	ColumnTag          ColumnType = "tag"
	ColumnMultiTag     ColumnType = "multi_tag"
	ColumnVerbatim     ColumnType = "verbatim"
	ColumnBulletedList ColumnType = "bulleted_list"
)

// ValidColumnType reports whether s names a known column type.
func ValidColumnType(s string) bool {
	switch ColumnType(s) {
	case ColumnText, ColumnNumber, ColumnCurrency, ColumnDate, ColumnYesNo,
		ColumnTag, ColumnMultiTag, ColumnVerbatim, ColumnBulletedList:
		return true
	}
	return false
}

// ColumnConfig carries per-column extraction settings.
type ColumnConfig struct {
	// Options is the closed vocabulary for tag and multi_tag columns.
	Options []string `json:"options,omitempty"`
	// ReferenceDate anchors relative date expressions ("three days later").
	ReferenceDate string `json:"reference_date,omitempty"`
}

// ColumnSpec describes one requested extraction column.
type ColumnSpec struct {
	ColumnID string       `json:"column_id"`
	Label    string       `json:"label"`
	Type     ColumnType   `json:"type"`
	Prompt   string       `json:"prompt"`
	Config   ColumnConfig `json:"config,omitempty"`
}

// CellStatus tracks a cell through extraction and review.
type CellStatus string

const (
	CellPending        CellStatus = "pending"
	CellExtracted      CellStatus = "extracted"
	CellConflict       CellStatus = "conflict"
	CellEmpty          CellStatus = "empty"
	CellManualOverride CellStatus = "manual_override"
)

// CellCandidate is one competing answer found for a cell. Conflicting
// passages each contribute a candidate; all are retained for review.
type CellCandidate struct {
	Value      string  `json:"value"`
	Quote      string  `json:"quote,omitempty"`
	SourcePage int     `json:"source_page,omitempty"`
	Confidence float64 `json:"confidence"`
}

// CellHistoryEntry records one change to a cell. History is append-only;
// the current row always reflects the latest entry.
type CellHistoryEntry struct {
	At            time.Time `json:"at"`
	ChangedBy     string    `json:"changed_by"`
	ChangeType    string    `json:"change_type"`
	PreviousValue string    `json:"previous_value,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// CellExtraction is one (file, column) cell of a tabular review.
type CellExtraction struct {
	ID       string `json:"id"`
	ReviewID string `json:"review_id"`
	FileID   string `json:"file_id"`
	ColumnID string `json:"column_id"`

	// Value keeps what the source actually says (original currency string,
	// raw date); NormalizedValue is the canonical machine form.
	Value           string `json:"value"`
	NormalizedValue string `json:"normalized_value,omitempty"`
	VerbatimQuote   string `json:"verbatim_quote,omitempty"`
	SourcePage      int    `json:"source_page,omitempty"`
	SourceSection   string `json:"source_section,omitempty"`

	Confidence float64    `json:"confidence"`
	Status     CellStatus `json:"status"`

	Candidates []CellCandidate    `json:"candidates,omitempty"`
	History    []CellHistoryEntry `json:"history,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// CellKey returns the identity of a cell inside its review.
func (c *CellExtraction) CellKey() string {
	return c.FileID + ":" + c.ColumnID
}

// ReviewTable is the grid a tabular extraction run produces.
type ReviewTable struct {
	ReviewID  string           `json:"review_id"`
	CaseID    string           `json:"case_id"`
	OwnerID   string           `json:"owner_id"`
	Columns   []ColumnSpec     `json:"columns"`
	FileIDs   []string         `json:"file_ids"`
	Cells     []CellExtraction `json:"cells"`
	CreatedAt time.Time        `json:"created_at"`
}

// LowConfidenceCells returns cells below the threshold that a human has not
// already settled.
func (t *ReviewTable) LowConfidenceCells(threshold float64) []CellExtraction {
	var out []CellExtraction
	for _, c := range t.Cells {
		if c.Status == CellManualOverride {
			continue
		}
		if c.Confidence < threshold || c.Status == CellConflict {
			out = append(out, c)
		}
	}
	return out
}
