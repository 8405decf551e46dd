package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/services"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	runs     *services.RunService
	config   *config.Settings
	executor Executor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Run cancel registry: run_id → cancel function
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, runs *services.RunService, cfg *config.Settings, executor Executor) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		runs:       runs,
		config:     cfg,
		executor:   executor,
		workers:    make([]*Worker, 0, cfg.QueueWorkers),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// With the agent disabled no workers are spawned, but orphan detection
// still runs so this pod can requeue runs from dead pods.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	if p.config.AgentEnabled {
		slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.QueueWorkers)
		for i := 0; i < p.config.QueueWorkers; i++ {
			workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
			worker := NewWorker(workerID, p.podID, p.runs, p.config, p.executor, p)
			p.workers = append(p.workers, worker)
			worker.Start(ctx)
		}
	} else {
		slog.Info("Agent disabled, pool running without workers", "pod_id", p.podID)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current runs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeRunIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active runs to complete",
			"count", len(active),
			"run_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterRun stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterRun(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// CancelRun triggers context cancellation for a run on this pod.
// Returns true if the run was found and cancelled on this pod.
func (p *WorkerPool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, activeRuns, errQ := p.runs.QueueStats(ctx, p.podID)
	if errQ != nil {
		slog.Error("Failed to query queue stats for health check",
			"pod_id", p.podID,
			"error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// Losing the DB means the pool cannot claim or heartbeat.
	dbHealthy := errQ == nil
	isHealthy := dbHealthy && (!p.config.AgentEnabled || len(p.workers) > 0)

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRequeued := p.orphans.orphansRequeued
	p.orphans.mu.Unlock()

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue stats query failed: %v", errQ)
	}

	return &PoolHealth{
		IsHealthy:       isHealthy,
		DBReachable:     dbHealthy,
		DBError:         dbError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		ActiveRuns:      activeRuns,
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastOrphanScan,
		OrphansRequeued: orphansRequeued,
	}
}

// activeRunIDs returns IDs of currently processing runs (for logging).
func (p *WorkerPool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}
