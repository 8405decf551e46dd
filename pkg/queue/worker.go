package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes runs.
type Worker struct {
	id       string
	podID    string
	runs     *services.RunService
	config   *config.Settings
	executor Executor
	pool     RunRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, runs *services.RunService, cfg *config.Settings, executor Executor, pool RunRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		runs:         runs,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending run and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	run, err := w.runs.Claim(ctx, w.id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return ErrNoRunsAvailable
		}
		return err
	}

	log := slog.With("run_id", run.ID, "worker_id", w.id)
	log.Info("Run claimed", "case_id", run.CaseID)

	w.setStatus(WorkerStatusWorking, run.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Register cancel function for API-triggered cancellation.
	w.pool.RegisterRun(run.ID, cancelRun)
	defer w.pool.UnregisterRun(run.ID)

	// Heartbeat until the run finishes; losing ownership cancels the run.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, run.ID, cancelRun)

	result := w.executor.Execute(runCtx, run)
	cancelHeartbeat()

	if err := w.recordResult(run.ID, result); err != nil {
		log.Error("Failed to record run result", "status", result.Status, "error", err)
		return err
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	log.Info("Run processing complete", "status", result.Status)
	return nil
}

// runHeartbeat periodically refreshes last_heartbeat for orphan detection.
// An ownership conflict means another pool requeued the run; the local
// execution is cancelled to avoid two workers driving the same case.
func (w *Worker) runHeartbeat(ctx context.Context, runID string, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.runs.Heartbeat(ctx, runID, w.id)
			switch {
			case err == nil:
			case errors.Is(err, services.ErrConflict):
				slog.Warn("Lost run ownership, cancelling local execution",
					"run_id", runID, "worker_id", w.id)
				cancelRun()
				return
			default:
				slog.Warn("Heartbeat update failed", "run_id", runID, "error", err)
			}
		}
	}
}

// recordResult writes the run's terminal (or suspended) status. Conflicts
// are tolerated: a requeued orphan or an already-cancelled run may have
// been finished elsewhere.
func (w *Worker) recordResult(runID string, result ExecutionResult) error {
	var err error
	switch result.Status {
	case models.RunSuspended:
		err = w.runs.MarkSuspended(runID)
	case models.RunCompleted:
		err = w.runs.MarkCompleted(runID)
	case models.RunCancelled:
		err = w.runs.MarkCancelled(runID)
	default:
		msg := "run failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		err = w.runs.MarkFailed(runID, msg)
	}
	if errors.Is(err, services.ErrConflict) {
		slog.Warn("Run already in a terminal state, keeping existing status",
			"run_id", runID, "attempted", result.Status)
		return nil
	}
	return err
}

// pollInterval returns the poll duration with jitter so workers across
// pods do not hit the queue in lockstep. Range: [3/4, 5/4] of the base.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.QueuePollInterval
	jitter := base / 4
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
