package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// RunRepo is the storage contract behind RunService. The queue claims runs
// through it as well, so claim semantics (one winner per run) live in the
// implementation: SKIP LOCKED in PostgreSQL, a mutex in memory.
type RunRepo interface {
	Insert(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	Update(ctx context.Context, run *models.Run) error

	// Claim atomically takes the oldest pending run for the worker,
	// marking it in_progress with a fresh heartbeat. ErrNotFound means
	// the queue is empty.
	Claim(ctx context.Context, workerID string, now time.Time) (*models.Run, error)

	// Heartbeat refreshes ownership; ErrConflict when the run is no
	// longer owned by the worker.
	Heartbeat(ctx context.Context, id, workerID string, now time.Time) error

	// RequeueOrphans returns in_progress runs whose heartbeat is older
	// than cutoff to pending, releasing their worker. Returns the ids of
	// requeued runs.
	RequeueOrphans(ctx context.Context, cutoff time.Time) ([]string, error)

	// QueueStats reports the pending depth and the number of in_progress
	// runs held by workers whose id starts with workerPrefix.
	QueueStats(ctx context.Context, workerPrefix string) (pending, active int, err error)
}

// MemoryRunRepo is the in-process RunRepo for tests and single-node setups.
type MemoryRunRepo struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{runs: make(map[string]*models.Run)}
}

func (r *MemoryRunRepo) Insert(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *MemoryRunRepo) Get(_ context.Context, id string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryRunRepo) Update(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *MemoryRunRepo) Claim(_ context.Context, workerID string, now time.Time) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*models.Run
	for _, run := range r.runs {
		if run.Status == models.RunPending {
			pending = append(pending, run)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	run := pending[0]
	run.Status = models.RunInProgress
	run.WorkerID = workerID
	hb := now
	run.LastHeartbeat = &hb
	if run.StartedAt == nil {
		started := now
		run.StartedAt = &started
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryRunRepo) Heartbeat(_ context.Context, id, workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status != models.RunInProgress || run.WorkerID != workerID {
		return ErrConflict
	}
	hb := now
	run.LastHeartbeat = &hb
	return nil
}

func (r *MemoryRunRepo) RequeueOrphans(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var requeued []string
	for _, run := range r.runs {
		if run.Status != models.RunInProgress {
			continue
		}
		if run.LastHeartbeat != nil && !run.LastHeartbeat.Before(cutoff) {
			continue
		}
		run.Status = models.RunPending
		run.WorkerID = ""
		run.LastHeartbeat = nil
		requeued = append(requeued, run.ID)
	}
	sort.Strings(requeued)
	return requeued, nil
}

func (r *MemoryRunRepo) QueueStats(_ context.Context, workerPrefix string) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending, active int
	for _, run := range r.runs {
		switch run.Status {
		case models.RunPending:
			pending++
		case models.RunInProgress:
			if workerPrefix == "" || strings.HasPrefix(run.WorkerID, workerPrefix) {
				active++
			}
		}
	}
	return pending, active, nil
}
