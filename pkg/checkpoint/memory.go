package checkpoint

import (
	"context"
	"sync"
)

// Memory keeps the latest checkpoint per thread plus a bounded history.
type Memory struct {
	mu      sync.RWMutex
	latest  map[string]*Checkpoint
	seq     map[string]int64
	history map[string][]*Checkpoint
	keep    int
}

// NewMemory builds an in-memory saver keeping the last 10 checkpoints per
// thread.
func NewMemory() *Memory {
	return &Memory{
		latest:  make(map[string]*Checkpoint),
		seq:     make(map[string]int64),
		history: make(map[string][]*Checkpoint),
		keep:    10,
	}
}

// Put stores cp as the thread's latest. Re-putting the same checkpoint id
// is a no-op.
func (m *Memory) Put(_ context.Context, threadID string, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.latest[threadID]; ok && cur.ID == cp.ID {
		return nil
	}
	m.latest[threadID] = cp
	m.seq[threadID]++
	h := append(m.history[threadID], cp)
	if len(h) > m.keep {
		h = h[len(h)-m.keep:]
	}
	m.history[threadID] = h
	return nil
}

// GetTuple returns the thread's latest checkpoint.
func (m *Memory) GetTuple(_ context.Context, threadID string) (*Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.latest[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Tuple{Checkpoint: cp, Seq: m.seq[threadID]}, nil
}

// History returns a copy of the retained checkpoints, oldest first.
// Exposed for tests.
func (m *Memory) History(threadID string) []*Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Checkpoint, len(m.history[threadID]))
	copy(out, m.history[threadID])
	return out
}
