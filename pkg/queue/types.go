// Package queue runs the analysis work queue: a pool of workers that
// claim pending runs, drive them through the orchestration engine, and
// heartbeat so sibling pods can requeue runs from a dead pod.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// ErrNoRunsAvailable indicates no pending runs are in the queue.
var ErrNoRunsAvailable = errors.New("no runs available")

// Executor processes one claimed run end to end. It owns the entire run
// lifecycle internally (understand through deliver, including checkpoint
// writes and event emission); the worker only handles claiming, heartbeat
// and the terminal status update.
type Executor interface {
	Execute(ctx context.Context, run *models.Run) ExecutionResult
}

// ExecutionResult is the terminal state of one execution. All intermediate
// state (checkpoints, offloaded results, events) was already persisted by
// the executor during processing.
type ExecutionResult struct {
	Status models.RunStatus // suspended, completed, failed or cancelled
	Err    error            // details when Status is failed or cancelled
}

// RunRegistry is the subset of WorkerPool used by Worker for run
// cancellation registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	DBReachable     bool           `json:"db_reachable"`
	DBError         string         `json:"db_error,omitempty"`
	PodID           string         `json:"pod_id"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	ActiveRuns      int            `json:"active_runs"`
	QueueDepth      int            `json:"queue_depth"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastOrphanScan  time.Time      `json:"last_orphan_scan"`
	OrphansRequeued int            `json:"orphans_requeued"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
