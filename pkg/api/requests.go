package api

// OverrideCellRequest is the body of POST .../cells/:cell_id/override.
type OverrideCellRequest struct {
	Value  string `json:"value"`
	UserID string `json:"user_id"`
}

// AddCommentRequest is the body of POST .../comments.
type AddCommentRequest struct {
	FileID   string `json:"file_id"`
	ColumnID string `json:"column_id"`
	AuthorID string `json:"author_id"`
	Body     string `json:"body"`
}

// EditCommentRequest is the body of PATCH .../comments/:comment_id.
type EditCommentRequest struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
}

// ResolveCommentRequest is the body of POST .../comments/:comment_id/resolve.
// Resolved defaults to true; send false to reopen a thread.
type ResolveCommentRequest struct {
	UserID   string `json:"user_id"`
	Resolved bool   `json:"resolved"`
}

// PresenceHeartbeatRequest is the body of POST .../presence.
type PresenceHeartbeatRequest struct {
	UserID string `json:"user_id"`
}
