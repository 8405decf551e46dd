package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/services"
)

// stubExecutor returns a fixed result and records the runs it saw.
type stubExecutor struct {
	result ExecutionResult

	mu   sync.Mutex
	seen []string
}

func (s *stubExecutor) Execute(_ context.Context, run *models.Run) ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, run.ID)
	return s.result
}

// blockingExecutor parks until its context is cancelled.
type blockingExecutor struct {
	started chan string
}

func (b *blockingExecutor) Execute(ctx context.Context, run *models.Run) ExecutionResult {
	b.started <- run.ID
	<-ctx.Done()
	return ExecutionResult{Status: models.RunCancelled, Err: ctx.Err()}
}

func testSettings() *config.Settings {
	cfg := config.Defaults()
	cfg.QueueWorkers = 1
	cfg.QueuePollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func enqueueRun(t *testing.T, svc *services.RunService) *models.Run {
	t.Helper()
	run, err := svc.Create(context.Background(), models.RunRequest{
		CaseID: "case-1",
		UserID: "user-1",
		Task:   "summarize the filings",
	})
	require.NoError(t, err)
	return run
}

func TestPollAndProcessEmptyQueue(t *testing.T) {
	svc := services.NewRunService(services.NewMemoryRunRepo())
	cfg := testSettings()
	pool := NewWorkerPool("pod-1", svc, cfg, &stubExecutor{})
	w := NewWorker("pod-1-worker-0", "pod-1", svc, cfg, &stubExecutor{}, pool)

	err := w.pollAndProcess(context.Background())
	assert.ErrorIs(t, err, ErrNoRunsAvailable)
}

func TestWorkerRecordsTerminalStatus(t *testing.T) {
	cases := []struct {
		name   string
		result ExecutionResult
		want   models.RunStatus
	}{
		{"completed", ExecutionResult{Status: models.RunCompleted}, models.RunCompleted},
		{"suspended", ExecutionResult{Status: models.RunSuspended}, models.RunSuspended},
		{"failed", ExecutionResult{Status: models.RunFailed, Err: errors.New("agent blew up")}, models.RunFailed},
		{"cancelled", ExecutionResult{Status: models.RunCancelled, Err: context.Canceled}, models.RunCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := services.NewRunService(services.NewMemoryRunRepo())
			cfg := testSettings()
			exec := &stubExecutor{result: tc.result}
			pool := NewWorkerPool("pod-1", svc, cfg, exec)
			w := NewWorker("pod-1-worker-0", "pod-1", svc, cfg, exec, pool)

			run := enqueueRun(t, svc)
			require.NoError(t, w.pollAndProcess(context.Background()))

			got, err := svc.Get(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			if tc.want == models.RunFailed {
				assert.Equal(t, "agent blew up", got.Error)
			}
			assert.Equal(t, []string{run.ID}, exec.seen)
		})
	}
}

func TestWorkerHealthTracksProcessedRuns(t *testing.T) {
	svc := services.NewRunService(services.NewMemoryRunRepo())
	cfg := testSettings()
	exec := &stubExecutor{result: ExecutionResult{Status: models.RunCompleted}}
	pool := NewWorkerPool("pod-1", svc, cfg, exec)
	w := NewWorker("pod-1-worker-0", "pod-1", svc, cfg, exec, pool)

	enqueueRun(t, svc)
	enqueueRun(t, svc)
	require.NoError(t, w.pollAndProcess(context.Background()))
	require.NoError(t, w.pollAndProcess(context.Background()))

	health := w.Health()
	assert.Equal(t, "pod-1-worker-0", health.ID)
	assert.Equal(t, string(WorkerStatusIdle), health.Status)
	assert.Equal(t, 2, health.RunsProcessed)
	assert.Empty(t, health.CurrentRunID)
}

func TestPoolCancelRun(t *testing.T) {
	svc := services.NewRunService(services.NewMemoryRunRepo())
	cfg := testSettings()
	exec := &blockingExecutor{started: make(chan string, 1)}
	pool := NewWorkerPool("pod-1", svc, cfg, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	run := enqueueRun(t, svc)

	select {
	case id := <-exec.started:
		require.Equal(t, run.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	assert.True(t, pool.CancelRun(run.ID))
	assert.False(t, pool.CancelRun("run-unknown"))

	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), run.ID)
		return err == nil && got.Status == models.RunCancelled
	}, 5*time.Second, 10*time.Millisecond, "cancelled run never reached terminal state")
}

func TestOrphanRequeue(t *testing.T) {
	svc := services.NewRunService(services.NewMemoryRunRepo())
	cfg := testSettings()
	// A negative interval puts the cutoff in the future, so even a fresh
	// heartbeat counts as stale.
	cfg.HeartbeatInterval = -time.Minute
	pool := NewWorkerPool("pod-1", svc, cfg, &stubExecutor{})

	run := enqueueRun(t, svc)
	_, err := svc.Claim(context.Background(), "pod-dead-worker-0")
	require.NoError(t, err)

	require.NoError(t, pool.requeueOrphans(context.Background()))

	got, err := svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status)
	assert.Empty(t, got.WorkerID)

	health := pool.Health()
	assert.Equal(t, 1, health.OrphansRequeued)
	assert.False(t, health.LastOrphanScan.IsZero())
}

func TestPoolHealthWithoutWorkers(t *testing.T) {
	svc := services.NewRunService(services.NewMemoryRunRepo())
	cfg := testSettings()
	cfg.AgentEnabled = false
	pool := NewWorkerPool("pod-1", svc, cfg, &stubExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	enqueueRun(t, svc)

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, "pod-1", health.PodID)
	assert.Zero(t, health.TotalWorkers, "agent disabled spawns no workers")
	assert.Equal(t, 1, health.QueueDepth)
	assert.Zero(t, health.ActiveRuns)
}
