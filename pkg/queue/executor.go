package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/docket-ai/docket/pkg/checkpoint"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/orchestrator"
	"github.com/docket-ai/docket/pkg/store"
)

// ResumePayloadKey is the store key (under store.ResumeNS) where the API
// parks reviewer answers for a suspended run before requeuing it.
const ResumePayloadKey = "payload"

// EngineExecutor drives claimed runs through the orchestration engine.
// A freshly queued run enters Run; a run whose latest checkpoint is
// waiting on reviewer feedback enters Resume with the parked answers.
type EngineExecutor struct {
	engine *orchestrator.Engine
	saver  checkpoint.Saver
	store  store.Store
}

func NewEngineExecutor(engine *orchestrator.Engine, saver checkpoint.Saver, st store.Store) *EngineExecutor {
	return &EngineExecutor{engine: engine, saver: saver, store: st}
}

// Execute runs one claimed run to a terminal state or suspension.
func (e *EngineExecutor) Execute(ctx context.Context, run *models.Run) ExecutionResult {
	var (
		state *models.AnalysisState
		err   error
	)
	if payload, resuming := e.pendingResume(ctx, run); resuming {
		state, err = e.engine.Resume(ctx, run, payload)
	} else {
		state, err = e.engine.Run(ctx, run)
	}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ExecutionResult{Status: models.RunCancelled, Err: context.Canceled}
	case err != nil:
		return ExecutionResult{Status: models.RunFailed, Err: err}
	case state != nil && state.PendingFeedback != nil:
		return ExecutionResult{Status: models.RunSuspended}
	default:
		return ExecutionResult{Status: models.RunCompleted}
	}
}

// pendingResume reports whether the case's latest checkpoint left this run
// suspended on reviewer feedback, loading the parked answers if so.
func (e *EngineExecutor) pendingResume(ctx context.Context, run *models.Run) (*models.ResumePayload, bool) {
	tuple, err := e.saver.GetTuple(ctx, models.ThreadIDForCase(run.CaseID))
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			slog.Warn("Checkpoint lookup failed, treating run as fresh",
				"run_id", run.ID, "error", err)
		}
		return nil, false
	}

	state := &models.AnalysisState{}
	if err := tuple.Checkpoint.Restore(state); err != nil {
		slog.Warn("Checkpoint restore failed, treating run as fresh",
			"run_id", run.ID, "error", err)
		return nil, false
	}
	if state.Terminal || state.PendingFeedback == nil || state.RunID != run.ID {
		return nil, false
	}

	payload := &models.ResumePayload{}
	if err := store.GetJSON(ctx, e.store, store.ResumeNS(run.ID), ResumePayloadKey, payload); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Loading resume payload failed, resuming without answers",
				"run_id", run.ID, "error", err)
		}
		return &models.ResumePayload{}, true
	}
	return payload, true
}
