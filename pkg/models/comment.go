package models

import "time"

// Comment is one entry in a cell's comment thread. Threads are keyed by
// (review_id, file_id, column_id) and are append-only; editing replaces the
// body but never the position in the thread.
//
// Access rules enforced by the service layer: only the author edits, only
// the review owner deletes, anyone with review access resolves.
type Comment struct {
	ID       string `json:"id"`
	ReviewID string `json:"review_id"`
	FileID   string `json:"file_id"`
	ColumnID string `json:"column_id"`

	AuthorID string `json:"author_id"`
	Body     string `json:"body"`

	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// PresenceEntry is one user currently viewing a review.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	ReviewID string    `json:"review_id"`
	LastSeen time.Time `json:"last_seen"`
}
