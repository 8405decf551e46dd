package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
)

// capturePublisher records every emitted event.
type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Emit(ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) ofType(typ models.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func inlineEnvelope(kind models.AgentKind, body string) *models.ResultEnvelope {
	return &models.ResultEnvelope{AgentKind: kind, Inline: json.RawMessage(body)}
}

func successPatch(kind models.AgentKind, body string) *models.AgentPatch {
	return &models.AgentPatch{Kind: kind, Result: inlineEnvelope(kind, body)}
}

// stepsState builds a state with one pending step per kind, deps from the
// registry edges wired by hand where tests need them.
func stepsState(kinds ...models.AgentKind) *models.AnalysisState {
	state := models.NewAnalysisState("case-1", "u1", "run-1", kinds)
	state.Understanding = &models.Understanding{TaskType: "analyze", Goals: []string{"analyze"}}
	for i, kind := range kinds {
		state.Plan = append(state.Plan, models.PlanStep{
			StepID:    fmt.Sprintf("step-%02d-%s", i+1, kind),
			AgentKind: kind,
			Status:    models.StepPending,
		})
	}
	return state
}

func newTestScheduler(t *testing.T, fn middleware.AgentFunc, pub Publisher) *Scheduler {
	t.Helper()
	s := NewScheduler(SchedulerConfig{
		Registry:    newTestRegistry(t),
		Chain:       middleware.NewChain(),
		AgentFn:     fn,
		Policy:      errclass.DefaultPolicy(),
		MaxParallel: 4,
		Publisher:   pub,
	})
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func TestDispatchAppliesSuccessfulPatch(t *testing.T) {
	pub := &capturePublisher{}
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		return successPatch(ex.Kind, `{"events": [{"date": "2024-01-15"}]}`), nil
	}
	s := newTestScheduler(t, fn, pub)
	state := stepsState(models.AgentTimeline)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentTimeline}))

	assert.True(t, state.KindDone(models.AgentTimeline))
	assert.Equal(t, models.StepDone, state.Plan[0].Status)
	assert.True(t, state.Completed("step-01-timeline"))
	assert.Len(t, pub.ofType(models.EventStepStarted), 1)
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		attempts++
		if attempts == 1 {
			return nil, errclass.Wrapf(models.ErrKindTimeout, "model call timed out")
		}
		return successPatch(ex.Kind, `{"facts": [{"fact": "paid"}]}`), nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	state := stepsState(models.AgentKeyFacts)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentKeyFacts}))

	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, delays)
	assert.True(t, state.KindDone(models.AgentKeyFacts))
	assert.Equal(t, 1, state.StepForKind(models.AgentKeyFacts).Retries)
}

func TestDispatchFailsAfterRetryBudget(t *testing.T) {
	pub := &capturePublisher{}
	attempts := 0
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		attempts++
		return nil, errclass.Wrapf(models.ErrKindNetwork, "connection refused")
	}
	s := newTestScheduler(t, fn, pub)
	state := stepsState(models.AgentTimeline)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentTimeline}))

	assert.Equal(t, 4, attempts, "initial attempt plus three retries")
	assert.Equal(t, models.StepFailed, state.Plan[0].Status)
	assert.False(t, state.KindDone(models.AgentTimeline))
	require.NotEmpty(t, state.Errors)
	assert.Equal(t, models.ErrKindNetwork, state.Errors[len(state.Errors)-1].Kind)
	assert.Len(t, pub.ofType(models.EventStepFailed), 1)
}

func TestDispatchFallbackDisablesTools(t *testing.T) {
	attempts := 0
	var sawDisabled bool
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		attempts++
		if attempts == 1 {
			return &models.AgentPatch{
				Kind: ex.Kind,
				Error: &models.ErrorEntry{
					Agent: ex.Kind, Kind: models.ErrKindTool, Message: "tool call rejected",
				},
			}, nil
		}
		sawDisabled = ex.Step.Hints != nil && ex.Step.Hints.DisableTools
		return successPatch(ex.Kind, `{"facts": [{"fact": "paid"}]}`), nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentKeyFacts)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentKeyFacts}))

	assert.Equal(t, 2, attempts)
	assert.True(t, sawDisabled, "second attempt must run with tools disabled")
	assert.True(t, state.KindDone(models.AgentKeyFacts))
}

func TestDispatchFallbackOnlyOnce(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		attempts++
		return &models.AgentPatch{
			Kind: ex.Kind,
			Error: &models.ErrorEntry{
				Agent: ex.Kind, Kind: models.ErrKindTool, Message: "tool call rejected",
			},
		}, nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentKeyFacts)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentKeyFacts}))

	assert.Equal(t, 2, attempts)
	assert.Equal(t, models.StepFailed, state.Plan[0].Status)
}

func TestDispatchStripsPartialResultOnFailure(t *testing.T) {
	// Validation failures carry the unvalidated payload in the patch; the
	// merge must drop it so dependents never see partial data.
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		return &models.AgentPatch{
			Kind:   ex.Kind,
			Result: inlineEnvelope(ex.Kind, `{"events": "garbled"}`),
			Error: &models.ErrorEntry{
				Agent: ex.Kind, Kind: models.ErrKindValidation, Message: "schema mismatch",
			},
		}, nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentTimeline)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentTimeline}))

	assert.False(t, state.KindDone(models.AgentTimeline), "partial result must not land")
	assert.Nil(t, state.Results[models.AgentTimeline])
	assert.Equal(t, models.StepFailed, state.Plan[0].Status)
	require.Len(t, state.Errors, 1)
	assert.Equal(t, models.ErrKindValidation, state.Errors[0].Kind)
}

func TestDispatchFanoutFailureDoesNotCancelSiblings(t *testing.T) {
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		if ex.Kind == models.AgentTimeline {
			return &models.AgentPatch{
				Kind: ex.Kind,
				Error: &models.ErrorEntry{
					Agent: ex.Kind, Kind: models.ErrKindValidation, Message: "schema mismatch",
				},
			}, nil
		}
		return successPatch(ex.Kind, fmt.Sprintf(`{"agent": %q}`, ex.Kind)), nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentEntityExtraction, models.AgentTimeline, models.AgentKeyFacts)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{
		models.AgentEntityExtraction, models.AgentTimeline, models.AgentKeyFacts,
	}))

	assert.True(t, state.KindDone(models.AgentEntityExtraction))
	assert.True(t, state.KindDone(models.AgentKeyFacts))
	assert.False(t, state.KindDone(models.AgentTimeline))
	assert.Equal(t, models.StepFailed, state.StepForKind(models.AgentTimeline).Status)
}

func TestDispatchFanoutSnapshotsHideSiblings(t *testing.T) {
	var mu sync.Mutex
	seen := map[models.AgentKind]int{}
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		mu.Lock()
		seen[ex.Kind] = len(ex.State.Results)
		mu.Unlock()
		return successPatch(ex.Kind, `{"ok": true}`), nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentTimeline, models.AgentKeyFacts)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{
		models.AgentTimeline, models.AgentKeyFacts,
	}))

	assert.Equal(t, 0, seen[models.AgentTimeline])
	assert.Equal(t, 0, seen[models.AgentKeyFacts])
}

func TestDispatchFanoutRetriesWithCheckpointTrigger(t *testing.T) {
	// Both workers fail once and retry while every attempt fires a
	// mid-flight checkpoint that serializes the shared state, the way the
	// engine's saver does. Worker snapshots are taken before launch and
	// step mutations share a lock with the saver, so the concurrent
	// marshal must observe a consistent plan.
	var retried sync.Map
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		if err := ex.Checkpoint(ctx); err != nil {
			return nil, err
		}
		if _, loaded := retried.LoadOrStore(ex.Kind, true); !loaded {
			return nil, errclass.Wrapf(models.ErrKindTimeout, "model call timed out")
		}
		return successPatch(ex.Kind, `{"ok": true}`), nil
	}
	state := stepsState(models.AgentTimeline, models.AgentKeyFacts)
	saved := 0
	s := NewScheduler(SchedulerConfig{
		Registry:    newTestRegistry(t),
		Chain:       middleware.NewChain(),
		AgentFn:     fn,
		Policy:      errclass.DefaultPolicy(),
		MaxParallel: 4,
		Publisher:   &capturePublisher{},
		CheckpointFn: func(ctx context.Context) error {
			saved++
			_ = state.SerializedSize()
			return nil
		},
	})
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{
		models.AgentTimeline, models.AgentKeyFacts,
	}))

	assert.True(t, state.KindDone(models.AgentTimeline))
	assert.True(t, state.KindDone(models.AgentKeyFacts))
	assert.Equal(t, 1, state.StepForKind(models.AgentTimeline).Retries)
	assert.Equal(t, 1, state.StepForKind(models.AgentKeyFacts).Retries)
	assert.Equal(t, 4, saved, "every attempt checkpoints once")
}

func TestDispatchAbortsOnFatal(t *testing.T) {
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		return &models.AgentPatch{
			Kind: ex.Kind,
			Error: &models.ErrorEntry{
				Agent: ex.Kind, Kind: models.ErrKindFatal, Message: "case storage gone",
			},
		}, nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentTimeline)

	err := s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentTimeline})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal")
	assert.Equal(t, models.StepFailed, state.Plan[0].Status)
}

func TestDispatchSkipLeavesStepPending(t *testing.T) {
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		return &models.AgentPatch{
			Kind: ex.Kind,
			Error: &models.ErrorEntry{
				Agent: ex.Kind, Kind: models.ErrKindDependency, Message: "dependency discrepancy has no result",
			},
		}, nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	state := stepsState(models.AgentRisk)

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentRisk}))
	assert.Equal(t, models.StepPending, state.Plan[0].Status)
	assert.Empty(t, state.Errors)
}

func TestDispatchTierOverride(t *testing.T) {
	var tier models.ModelTier
	fn := func(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
		tier = ex.DeclaredTier
		return successPatch(ex.Kind, `{"ok": true}`), nil
	}
	s := newTestScheduler(t, fn, &capturePublisher{})
	s.tierOverride = models.TierLite
	state := stepsState(models.AgentRisk)
	state.Plan[0].DependsOn = nil

	require.NoError(t, s.Dispatch(context.Background(), state, []models.AgentKind{models.AgentRisk}))
	assert.Equal(t, models.TierLite, tier, "risk declares pro but the run pinned lite")
}
