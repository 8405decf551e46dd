// Package checkpoint persists run state snapshots keyed by thread id so an
// interrupted run resumes where it left off. The contract is asynchronous;
// WrapSync adapts blocking backends.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by GetTuple when a thread has no checkpoint.
var ErrNotFound = errors.New("checkpoint: thread not found")

// Checkpoint is one persisted state snapshot.
type Checkpoint struct {
	ID       string          `json:"id"`
	ThreadID string          `json:"thread_id"`
	ParentID string          `json:"parent_id,omitempty"`
	State    json.RawMessage `json:"state"`

	CreatedAt time.Time `json:"created_at"`
}

// Tuple is what GetTuple returns: the latest checkpoint plus bookkeeping.
type Tuple struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Seq counts checkpoints written to this thread, 1-based.
	Seq int64 `json:"seq"`
}

// Saver is the persistence contract. Put is idempotent by (thread, id):
// re-writing the same checkpoint id is a no-op, which lets retried saves
// double-fire safely.
type Saver interface {
	Put(ctx context.Context, threadID string, cp *Checkpoint) error
	GetTuple(ctx context.Context, threadID string) (*Tuple, error)
}

// New builds a checkpoint for threadID from any JSON-serializable state,
// chaining to parentID ("" for the first checkpoint).
func New(threadID, parentID string, state any) (*Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: state not serializable: %w", err)
	}
	return &Checkpoint{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		ParentID:  parentID,
		State:     raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Restore unmarshals a checkpoint's state into out.
func (c *Checkpoint) Restore(out any) error {
	if err := json.Unmarshal(c.State, out); err != nil {
		return fmt.Errorf("checkpoint: restoring %s: %w", c.ID, err)
	}
	return nil
}
