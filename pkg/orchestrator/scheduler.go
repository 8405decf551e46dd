package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
)

// Publisher receives run events as orchestration proceeds. Emit may block
// when the transport's queue is full; it must never drop.
type Publisher interface {
	Emit(ev models.Event)
}

// Scheduler executes transitions: one agent or a fan-out, with retries,
// fallbacks and deterministic merges.
type Scheduler struct {
	registry    *agent.Registry
	chain       *middleware.Chain
	agentFn     middleware.AgentFunc
	policy      errclass.Policy
	maxParallel int
	publisher   Publisher

	// tierOverride pins every step's declared tier when set (run option).
	tierOverride models.ModelTier

	// checkpointFn is handed to the middleware checkpoint trigger.
	checkpointFn func(ctx context.Context) error

	// sleep is the retry delay; injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	// mu serializes plan-step mutations against checkpoint saves: the
	// saver marshals the whole shared state while fan-out workers update
	// their own step's retry and hint fields.
	mu sync.Mutex
}

// SchedulerConfig wires a Scheduler for one run.
type SchedulerConfig struct {
	Registry     *agent.Registry
	Chain        *middleware.Chain
	AgentFn      middleware.AgentFunc
	Policy       errclass.Policy
	MaxParallel  int
	TierOverride models.ModelTier
	Publisher    Publisher
	CheckpointFn func(ctx context.Context) error
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Scheduler{
		registry:     cfg.Registry,
		chain:        cfg.Chain,
		agentFn:      cfg.AgentFn,
		policy:       cfg.Policy,
		maxParallel:  cfg.MaxParallel,
		publisher:    cfg.Publisher,
		tierOverride: cfg.TierOverride,
		checkpointFn: cfg.CheckpointFn,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// outcome is one step's final fate after retries.
type outcome struct {
	kind    models.AgentKind
	step    *models.PlanStep
	patch   *models.AgentPatch
	skipped bool
	abort   error
}

// Dispatch runs the transition's agents and merges their patches into
// state. Each fan-out worker gets its own pre-taken snapshot and a
// semaphore slot; merges apply sorted by agent kind name so checkpoints are
// reproducible. Failures do not cancel siblings; only an abort (fatal)
// error returns.
func (s *Scheduler) Dispatch(ctx context.Context, state *models.AnalysisState,
	kinds []models.AgentKind) error {

	steps := make([]*models.PlanStep, 0, len(kinds))
	for _, kind := range kinds {
		step := state.StepForKind(kind)
		if step == nil {
			return fmt.Errorf("orchestrator: no plan step for %s", kind)
		}
		step.Status = models.StepRunning
		steps = append(steps, step)
	}

	// Snapshots are taken before any worker launches: cloning the plan
	// while a sibling mutates its own step's fields would race.
	snaps := make([]*models.AnalysisState, len(steps))
	for i, step := range steps {
		snaps[i] = state.Snapshot(step)
	}

	outcomes := make([]outcome, len(steps))
	if len(steps) == 1 {
		outcomes[0] = s.executeStep(ctx, snaps[0], steps[0])
	} else {
		sem := make(chan struct{}, s.maxParallel)
		var wg sync.WaitGroup
		for i, step := range steps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = s.executeStep(ctx, snaps[i], step, sem)
			}()
		}
		wg.Wait()
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].kind < outcomes[j].kind })
	for _, out := range outcomes {
		if out.abort != nil {
			out.step.Status = models.StepFailed
			return out.abort
		}
		if out.skipped {
			out.step.Status = models.StepPending
			continue
		}
		if out.patch != nil && out.patch.Error == nil && out.patch.Result != nil {
			if err := state.ApplyPatch(out.patch); err != nil {
				return err
			}
			out.step.Status = models.StepDone
			if err := state.MarkCompleted(out.step.StepID); err != nil {
				return err
			}
			continue
		}
		// Failed step: the slot stays null so dependents never observe a
		// partial result; the error entry and log messages are kept.
		if out.patch != nil {
			out.patch.Result = nil
			if err := state.ApplyPatch(out.patch); err != nil {
				return err
			}
		}
		out.step.Status = models.StepFailed
		s.emitFailure(state.RunID, out)
	}
	return nil
}

// executeStep runs one step through the middleware chain, applying the
// classifier's retry/fallback decisions. snap is the worker's pre-taken
// read-only view; step is the live plan entry, mutated only under s.mu.
// The semaphore slot is held only while the agent actually runs; retry
// delays release it.
func (s *Scheduler) executeStep(ctx context.Context, snap *models.AnalysisState,
	step *models.PlanStep, sem ...chan struct{}) outcome {

	out := outcome{kind: step.AgentKind, step: step}
	fallbackUsed := false

	for {
		if len(sem) > 0 {
			select {
			case sem[0] <- struct{}{}:
			case <-ctx.Done():
				out.abort = ctx.Err()
				return out
			}
		}
		patch, err := s.runOnce(ctx, snap, step)
		if len(sem) > 0 {
			<-sem[0]
		}

		var kind models.ErrorKind
		switch {
		case err != nil:
			kind = errclass.Classify(err)
			patch = &models.AgentPatch{
				Kind: step.AgentKind,
				Error: &models.ErrorEntry{
					Agent: step.AgentKind, Kind: kind,
					Message: err.Error(), RetryCount: step.Retries,
				},
			}
		case patch != nil && patch.Error != nil:
			kind = patch.Error.Kind
		default:
			out.patch = patch
			return out
		}

		decision := s.policy.Decide(kind, step.Retries)
		switch decision.Action {
		case errclass.ActionRetry:
			s.mu.Lock()
			step.Retries++
			s.mu.Unlock()
			slog.Info("retrying step",
				"run_id", snap.RunID, "step", step.StepID,
				"kind", kind, "retries", step.Retries, "delay", decision.Delay)
			if err := s.sleep(ctx, decision.Delay); err != nil {
				out.abort = err
				return out
			}
		case errclass.ActionFallback:
			if fallbackUsed {
				out.patch = patch
				return out
			}
			fallbackUsed = true
			s.mu.Lock()
			if step.Hints == nil {
				step.Hints = &models.StepHints{}
			}
			step.Hints.DisableTools = true
			s.mu.Unlock()
			slog.Info("re-running step without tools",
				"run_id", snap.RunID, "step", step.StepID, "kind", kind)
		case errclass.ActionSkip:
			out.skipped = true
			return out
		case errclass.ActionAbort:
			out.abort = fmt.Errorf("orchestrator: fatal failure in %s: %s",
				step.AgentKind, patch.Error.Message)
			return out
		default: // ActionFail
			out.patch = patch
			return out
		}
	}
}

// runOnce is a single pass through the middleware chain and agent runtime,
// working entirely off the worker's snapshot.
func (s *Scheduler) runOnce(ctx context.Context, snap *models.AnalysisState,
	step *models.PlanStep) (*models.AgentPatch, error) {

	decl, err := s.registry.Get(step.AgentKind)
	if err != nil {
		return nil, errclass.Wrap(models.ErrKindFatal, err)
	}
	tier := decl.Tier
	if s.tierOverride != "" {
		tier = s.tierOverride
	}

	ex := &middleware.Exec{
		Kind:          step.AgentKind,
		Step:          step,
		State:         snap,
		DeclaredTier:  tier,
		ContextTokens: snap.SerializedSize() / 4,
		PromptParts:   promptParts(snap),
		Checkpoint:    s.saveCheckpoint,
	}

	s.emit(snap.RunID, models.EventStepStarted, models.StepPayload{
		Agent: step.AgentKind, StepID: step.StepID,
	})
	return s.chain.Run(ctx, ex, s.agentFn)
}

// saveCheckpoint funnels mid-flight checkpoint triggers through the same
// lock as step mutations; the engine's saver marshals the shared state.
func (s *Scheduler) saveCheckpoint(ctx context.Context) error {
	if s.checkpointFn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointFn(ctx)
}

// promptParts carries the task and goal texts into the chain so redaction
// rewrites them before the runtime builds the prompt.
func promptParts(state *models.AnalysisState) []string {
	if state.Understanding == nil {
		return nil
	}
	parts := []string{state.Understanding.TaskType}
	parts = append(parts, state.Understanding.Goals...)
	return parts
}

func (s *Scheduler) emitFailure(runID string, out outcome) {
	payload := models.StepPayload{
		Agent:  out.kind,
		StepID: out.step.StepID,
	}
	if out.patch != nil && out.patch.Error != nil {
		payload.Kind = out.patch.Error.Kind
		payload.Message = out.patch.Error.Message
	}
	s.emit(runID, models.EventStepFailed, payload)
}

func (s *Scheduler) emit(runID string, typ models.EventType, payload any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Emit(models.NewEvent(runID, typ, payload))
}
