package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/checkpoint"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

func suspendedState(runID string) *models.AnalysisState {
	state := models.NewAnalysisState("case-1", "user-1", runID, nil)
	state.PendingFeedback = &models.PendingFeedback{
		ThreadID: state.ThreadID(),
		Requests: []models.ClarificationItem{{CellID: "rev-1_d1_amount", Reason: "low confidence"}},
		AskedAt:  time.Now().UTC(),
	}
	return state
}

func saveState(t *testing.T, saver checkpoint.Saver, state *models.AnalysisState) {
	t.Helper()
	cp, err := checkpoint.New(state.ThreadID(), "", state)
	require.NoError(t, err)
	require.NoError(t, saver.Put(context.Background(), state.ThreadID(), cp))
}

func TestPendingResumeFreshRun(t *testing.T) {
	exec := NewEngineExecutor(nil, checkpoint.NewMemory(), store.NewMemory())

	_, resuming := exec.pendingResume(context.Background(), &models.Run{ID: "run-1", CaseID: "case-1"})
	assert.False(t, resuming, "no checkpoint means a fresh run")
}

func TestPendingResumeLoadsParkedAnswers(t *testing.T) {
	saver := checkpoint.NewMemory()
	st := store.NewMemory()
	exec := NewEngineExecutor(nil, saver, st)
	ctx := context.Background()

	saveState(t, saver, suspendedState("run-1"))
	require.NoError(t, store.PutJSON(ctx, st, store.ResumeNS("run-1"), ResumePayloadKey, models.ResumePayload{
		UserID:  "reviewer-1",
		Answers: map[string]models.CellAnswer{"rev-1_d1_amount": {Value: "$12,000", Confirmed: true}},
	}))

	payload, resuming := exec.pendingResume(ctx, &models.Run{ID: "run-1", CaseID: "case-1"})
	require.True(t, resuming)
	assert.Equal(t, "reviewer-1", payload.UserID)
	assert.True(t, payload.Answers["rev-1_d1_amount"].Confirmed)
}

func TestPendingResumeWithoutPayload(t *testing.T) {
	saver := checkpoint.NewMemory()
	exec := NewEngineExecutor(nil, saver, store.NewMemory())

	saveState(t, saver, suspendedState("run-1"))

	payload, resuming := exec.pendingResume(context.Background(), &models.Run{ID: "run-1", CaseID: "case-1"})
	require.True(t, resuming, "a suspended checkpoint resumes even if answers never arrived")
	assert.Empty(t, payload.Answers)
}

func TestPendingResumeIgnoresOtherRuns(t *testing.T) {
	saver := checkpoint.NewMemory()
	exec := NewEngineExecutor(nil, saver, store.NewMemory())

	// The case's checkpoint belongs to an earlier, different run.
	saveState(t, saver, suspendedState("run-old"))

	_, resuming := exec.pendingResume(context.Background(), &models.Run{ID: "run-new", CaseID: "case-1"})
	assert.False(t, resuming)
}

func TestPendingResumeSkipsTerminalState(t *testing.T) {
	saver := checkpoint.NewMemory()
	exec := NewEngineExecutor(nil, saver, store.NewMemory())

	state := suspendedState("run-1")
	state.Terminal = true
	saveState(t, saver, state)

	_, resuming := exec.pendingResume(context.Background(), &models.Run{ID: "run-1", CaseID: "case-1"})
	assert.False(t, resuming)
}
