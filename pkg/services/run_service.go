package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/tabular"
)

// writeTimeout bounds critical writes. They run on a background context so
// a client disconnect cannot abandon a half-recorded transition.
const writeTimeout = 10 * time.Second

// RunService owns the run lifecycle: creation, cancellation and the status
// transitions the queue drives while executing.
type RunService struct {
	repo RunRepo
}

func NewRunService(repo RunRepo) *RunService {
	return &RunService{repo: repo}
}

// Create validates the request and enqueues a pending run.
func (s *RunService) Create(httpCtx context.Context, req models.RunRequest) (*models.Run, error) {
	if req.CaseID == "" {
		return nil, NewValidationError("case_id", "required")
	}
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if req.Task == "" && len(req.AnalysisTypes) == 0 {
		return nil, NewValidationError("task", "either task or analysis_types is required")
	}
	for _, kind := range req.AnalysisTypes {
		if !slices.Contains(models.AllAgentKinds, kind) {
			return nil, NewValidationError("analysis_types", fmt.Sprintf("unknown analysis type %q", kind))
		}
	}
	if t := req.Options.ConfidenceThreshold; t < 0 || t > 1 {
		return nil, NewValidationError("options.confidence_threshold", "must be in [0,1]")
	}
	if req.Options.MaxParallel < 0 {
		return nil, NewValidationError("options.max_parallel", "must be >= 0")
	}
	if slices.Contains(req.AnalysisTypes, models.AgentTabularExtract) {
		if len(req.Options.Columns) == 0 {
			return nil, NewValidationError("options.columns", "required for tabular_extract")
		}
	}
	if len(req.Options.Columns) > 0 {
		if err := tabular.ValidateColumns(req.Options.Columns); err != nil {
			return nil, NewValidationError("options.columns", err.Error())
		}
	}

	run := &models.Run{
		ID:            uuid.New().String(),
		CaseID:        req.CaseID,
		UserID:        req.UserID,
		Task:          req.Task,
		AnalysisTypes: req.AnalysisTypes,
		Options:       req.Options,
		Status:        models.RunPending,
		CreatedAt:     time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.repo.Insert(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Get loads one run.
func (s *RunService) Get(ctx context.Context, id string) (*models.Run, error) {
	return s.repo.Get(ctx, id)
}

// Cancel requests termination. Pending and suspended runs flip to cancelled
// immediately; for an in_progress run the returned needsWorkerCancel is true
// and the caller must interrupt the owning worker, which records the final
// status.
func (s *RunService) Cancel(_ context.Context, id string) (run *models.Run, needsWorkerCancel bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err = s.repo.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch run.Status {
	case models.RunPending, models.RunSuspended:
		s.finish(run, models.RunCancelled, "")
		if err := s.repo.Update(ctx, run); err != nil {
			return nil, false, err
		}
		return run, false, nil
	case models.RunInProgress:
		return run, true, nil
	default:
		return nil, false, fmt.Errorf("%w: run %s is already %s", ErrConflict, id, run.Status)
	}
}

// RequeueForResume returns a suspended run to the pending queue so a worker
// picks it up and resumes from its checkpoint.
func (s *RunService) RequeueForResume(_ context.Context, id string) (*models.Run, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunSuspended {
		return nil, fmt.Errorf("%w: run %s is %s, not suspended", ErrConflict, id, run.Status)
	}
	run.Status = models.RunPending
	run.WorkerID = ""
	run.LastHeartbeat = nil
	if err := s.repo.Update(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkSuspended parks an in_progress run awaiting human input.
func (s *RunService) MarkSuspended(id string) error {
	return s.transition(id, func(run *models.Run) {
		run.Status = models.RunSuspended
		run.WorkerID = ""
		run.LastHeartbeat = nil
	})
}

// MarkCompleted records a successful finish.
func (s *RunService) MarkCompleted(id string) error {
	return s.transition(id, func(run *models.Run) {
		s.finish(run, models.RunCompleted, "")
	})
}

// MarkFailed records a failed finish with its error.
func (s *RunService) MarkFailed(id, errMsg string) error {
	return s.transition(id, func(run *models.Run) {
		s.finish(run, models.RunFailed, errMsg)
	})
}

// MarkCancelled records a cancellation observed by the worker.
func (s *RunService) MarkCancelled(id string) error {
	return s.transition(id, func(run *models.Run) {
		s.finish(run, models.RunCancelled, "")
	})
}

// Claim hands the oldest pending run to a worker.
func (s *RunService) Claim(ctx context.Context, workerID string) (*models.Run, error) {
	return s.repo.Claim(ctx, workerID, time.Now().UTC())
}

// Heartbeat refreshes a worker's ownership of a run.
func (s *RunService) Heartbeat(ctx context.Context, id, workerID string) error {
	return s.repo.Heartbeat(ctx, id, workerID, time.Now().UTC())
}

// RequeueOrphans recovers runs whose worker stopped heartbeating.
func (s *RunService) RequeueOrphans(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.repo.RequeueOrphans(ctx, cutoff)
}

// QueueStats reports queue depth and this pod's active run count.
func (s *RunService) QueueStats(ctx context.Context, workerPrefix string) (pending, active int, err error) {
	return s.repo.QueueStats(ctx, workerPrefix)
}

func (s *RunService) transition(id string, mutate func(*models.Run)) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is already %s", ErrConflict, id, run.Status)
	}
	mutate(run)
	return s.repo.Update(ctx, run)
}

func (s *RunService) finish(run *models.Run, status models.RunStatus, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	run.WorkerID = ""
	run.LastHeartbeat = nil
}
