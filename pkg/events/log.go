// Package events delivers run events to SSE clients: an append-only log for
// replay, an in-process dispatcher for live delivery, and a PostgreSQL
// NOTIFY bridge for cross-pod distribution.
package events

import (
	"context"
	"sync"

	"github.com/docket-ai/docket/pkg/models"
)

// Log persists run events and assigns each a per-run monotone sequence
// number. Seq doubles as the SSE event id, so replay after reconnect is a
// Since query from the client's Last-Event-ID.
type Log interface {
	// Append stores the event and returns it with Seq assigned.
	Append(ctx context.Context, e models.Event) (models.Event, error)

	// Since returns up to limit events of the run with Seq > afterSeq,
	// in sequence order. limit <= 0 means no cap.
	Since(ctx context.Context, runID string, afterSeq int64, limit int) ([]models.Event, error)
}

// MemoryLog is the in-process Log used by tests and single-node setups.
type MemoryLog struct {
	mu   sync.RWMutex
	runs map[string][]models.Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{runs: make(map[string][]models.Event)}
}

func (l *MemoryLog) Append(_ context.Context, e models.Event) (models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = int64(len(l.runs[e.RunID]) + 1)
	l.runs[e.RunID] = append(l.runs[e.RunID], e)
	return e, nil
}

func (l *MemoryLog) Since(_ context.Context, runID string, afterSeq int64, limit int) ([]models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Event
	for _, e := range l.runs[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
