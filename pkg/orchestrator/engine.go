package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/checkpoint"
	"github.com/docket-ai/docket/pkg/compactor"
	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/retrieval"
	"github.com/docket-ai/docket/pkg/store"
	"github.com/docket-ai/docket/pkg/tabular"
)

// Wait transitions back off exponentially; after maxWaits the loop gives up
// on blocked steps and marks them skipped.
const (
	waitBase = 250 * time.Millisecond
	waitCap  = 5 * time.Second
	maxWaits = 5
)

// EngineConfig wires the orchestration engine. Everything here is long-lived
// and shared across runs; per-run pieces (scheduler, tabular engine) are
// built inside Run from the run's options.
type EngineConfig struct {
	Settings  *config.Settings
	Registry  *agent.Registry
	Chain     *middleware.Chain
	AgentFn   middleware.AgentFunc
	Planner   *Planner
	Router    *Router
	Evaluator *Evaluator
	Policy    errclass.Policy
	Saver     checkpoint.Saver
	Store     store.Store
	Source    retrieval.DocumentSource
	Compactor *compactor.Compactor
	Publisher Publisher

	// TabularClient and TabularModel drive cell extraction; tabular work
	// always runs on the pro tier.
	TabularClient llm.Client
	TabularModel  string
}

// Engine drives one analysis run through understand, plan, schedule,
// evaluate and deliver. It owns the AnalysisState for the run's duration;
// everything else sees snapshots or patches.
type Engine struct {
	cfg       *config.Settings
	registry  *agent.Registry
	chain     *middleware.Chain
	agentFn   middleware.AgentFunc
	planner   *Planner
	router    *Router
	evaluator *Evaluator
	policy    errclass.Policy
	saver     checkpoint.Saver
	store     store.Store
	source    retrieval.DocumentSource
	compactor *compactor.Compactor
	publisher Publisher

	tabularClient llm.Client
	tabularModel  string

	tracer trace.Tracer

	// sleep is injectable for tests; production uses the context-aware timer.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:           cfg.Settings,
		registry:      cfg.Registry,
		chain:         cfg.Chain,
		agentFn:       cfg.AgentFn,
		planner:       cfg.Planner,
		router:        cfg.Router,
		evaluator:     cfg.Evaluator,
		policy:        cfg.Policy,
		saver:         cfg.Saver,
		store:         cfg.Store,
		source:        cfg.Source,
		compactor:     cfg.Compactor,
		publisher:     cfg.Publisher,
		tabularClient: cfg.TabularClient,
		tabularModel:  cfg.TabularModel,
		tracer:        otel.Tracer("docket/orchestrator"),
		sleep:         sleepCtx,
	}
}

// Run executes a fresh analysis run to completion, suspension or failure.
// The returned state is terminal unless PendingFeedback is set, in which
// case the caller should park the run as suspended and wait for Resume.
func (e *Engine) Run(ctx context.Context, run *models.Run) (*models.AnalysisState, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("case.id", run.CaseID)))
	defer span.End()

	state := models.NewAnalysisState(run.CaseID, run.UserID, run.ID, run.AnalysisTypes)
	start := time.Now()

	docs, err := e.source.ListDocuments(ctx, run.CaseID)
	if err != nil {
		return state, e.fail(ctx, state, fmt.Errorf("orchestrator: listing case documents: %w", err))
	}
	state.Metadata.DocumentCount = len(docs)

	e.phase(state, "understand", start)
	state.Understanding = Understand(run.Task, len(docs), run.AnalysisTypes)

	e.phase(state, "plan", start)
	steps, err := e.planner.Plan(ctx, state)
	if err != nil {
		return state, e.fail(ctx, state, err)
	}
	state.Plan = steps
	if len(state.AnalysisTypes) == 0 {
		for i := range steps {
			state.AnalysisTypes = append(state.AnalysisTypes, steps[i].AgentKind)
		}
	}
	applyRunHints(state, run)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return state, e.fail(ctx, state, err)
	}

	return e.execute(ctx, run, state, start)
}

// Resume restores the case's latest checkpoint, applies HITL answers to the
// suspended tabular review, and re-enters the schedule loop.
func (e *Engine) Resume(ctx context.Context, run *models.Run, payload *models.ResumePayload) (*models.AnalysisState, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.resume",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("case.id", run.CaseID)))
	defer span.End()

	tuple, err := e.saver.GetTuple(ctx, models.ThreadIDForCase(run.CaseID))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading checkpoint for case %s: %w", run.CaseID, err)
	}
	state := &models.AnalysisState{}
	if err := tuple.Checkpoint.Restore(state); err != nil {
		return nil, err
	}
	if state.Terminal {
		return state, fmt.Errorf("orchestrator: run %s already finished", state.RunID)
	}

	start := time.Now()
	if state.PendingFeedback != nil && len(payload.Answers) > 0 {
		if err := e.applyAnswers(ctx, run, state, payload); err != nil {
			return state, e.fail(ctx, state, err)
		}
	}
	state.PendingFeedback = nil
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return state, e.fail(ctx, state, err)
	}

	return e.execute(ctx, run, state, start)
}

// execute is the shared back half: schedule until settled, evaluate, replan
// when a result is weak, then deliver.
func (e *Engine) execute(ctx context.Context, run *models.Run, state *models.AnalysisState,
	start time.Time) (*models.AnalysisState, error) {

	sched := e.newScheduler(run, state)
	for {
		e.phase(state, "schedule", start)
		if err := e.scheduleLoop(ctx, run, state, sched); err != nil {
			return state, e.fail(ctx, state, err)
		}
		if state.PendingFeedback != nil {
			return state, nil
		}

		e.phase(state, "evaluate", start)
		scores, err := e.evaluator.Evaluate(ctx, state)
		if err != nil {
			return state, e.fail(ctx, state, err)
		}
		step, replan := e.evaluator.Replan(state, scores)
		if !replan {
			e.phase(state, "deliver", start)
			if err := e.deliver(ctx, state, scores); err != nil {
				return state, err
			}
			return state, nil
		}

		state.Metadata.ReplanCount++
		state.Plan = append(state.Plan, *step)
		slog.Info("replanning weak result",
			"run_id", state.RunID, "step", step.StepID, "replan", state.Metadata.ReplanCount)
		if err := e.saveCheckpoint(ctx, state); err != nil {
			return state, e.fail(ctx, state, err)
		}
	}
}

// scheduleLoop routes and dispatches until the router says end, the run
// suspends, or blocked steps exhaust their waits.
func (e *Engine) scheduleLoop(ctx context.Context, run *models.Run,
	state *models.AnalysisState, sched *Scheduler) error {

	waits := 0
	for {
		markBlockedSteps(state, e.publisher)
		tr := e.router.Route(ctx, state)
		switch tr.Kind {
		case TransitionEnd:
			return nil
		case TransitionWait:
			waits++
			if waits > maxWaits {
				skipPending(state, e.publisher)
				return nil
			}
			if err := e.sleep(ctx, waitDelay(waits)); err != nil {
				return err
			}
		default:
			waits = 0
			if len(tr.Agents) == 1 && tr.Agents[0] == models.AgentTabularExtract {
				if err := e.runTabular(ctx, run, state); err != nil {
					return err
				}
				if state.PendingFeedback != nil {
					return nil
				}
			} else if err := sched.Dispatch(ctx, state, tr.Agents); err != nil {
				return err
			}
			updateCaseType(state)
			if err := e.saveCheckpoint(ctx, state); err != nil {
				return err
			}
			if e.compactor != nil && e.compactor.NeedsCompaction(state) {
				if err := e.compactor.Compact(ctx, state); err != nil {
					// Oversized state is a quality problem, not a fatal one.
					slog.Warn("compaction failed",
						"run_id", state.RunID, "error", err)
				}
			}
		}
	}
}

// runTabular executes the cell-extraction sub-graph in place of a regular
// agent dispatch. A HITL pause surfaces as PendingFeedback; extraction
// failures fail only this step.
func (e *Engine) runTabular(ctx context.Context, run *models.Run, state *models.AnalysisState) error {
	step := state.StepForKind(models.AgentTabularExtract)
	if step == nil {
		return fmt.Errorf("orchestrator: no plan step for %s", models.AgentTabularExtract)
	}
	step.Status = models.StepRunning
	e.emit(state.RunID, models.EventStepStarted, models.StepPayload{
		Agent: step.AgentKind, StepID: step.StepID,
	})
	started := time.Now()

	reviewID := run.Options.ReviewID
	if reviewID == "" {
		reviewID = uuid.New().String()
	}
	state.Metadata.ReviewID = reviewID

	docs, err := e.source.ListDocuments(ctx, run.CaseID)
	if err != nil {
		return fmt.Errorf("orchestrator: listing case documents: %w", err)
	}
	fileIDs := make([]string, len(docs))
	for i, d := range docs {
		fileIDs[i] = d.ID
	}
	review := &models.ReviewTable{
		ReviewID:  reviewID,
		CaseID:    run.CaseID,
		OwnerID:   run.UserID,
		Columns:   run.Options.Columns,
		FileIDs:   fileIDs,
		CreatedAt: time.Now().UTC(),
	}

	outcome, err := e.tabularEngine(run).Extract(ctx, review)
	if err != nil {
		kind := errclass.Classify(err)
		step.Status = models.StepFailed
		_ = state.AppendError(models.ErrorEntry{
			Agent: step.AgentKind, Kind: kind, Message: err.Error(),
		})
		e.emit(state.RunID, models.EventStepFailed, models.StepPayload{
			Agent: step.AgentKind, StepID: step.StepID,
			Kind: kind, Message: err.Error(),
		})
		return nil
	}

	if outcome.Suspended {
		state.PendingFeedback = &models.PendingFeedback{
			ThreadID: state.ThreadID(),
			Requests: outcome.Clarifications,
			AskedAt:  time.Now().UTC(),
		}
		e.emit(state.RunID, models.EventClarification, models.ClarificationPayload{
			ThreadID: state.ThreadID(),
			Requests: outcome.Clarifications,
		})
		return e.saveCheckpoint(ctx, state)
	}

	return e.finishTabular(state, step, review, started)
}

// finishTabular records the review as the tabular agent's result.
func (e *Engine) finishTabular(state *models.AnalysisState, step *models.PlanStep,
	review *models.ReviewTable, started time.Time) error {

	env := &models.ResultEnvelope{
		AgentKind: models.AgentTabularExtract,
		Ref: &models.StoreRef{
			StoredInStore: true,
			Namespace:     store.TabularNS(review.ReviewID),
			Key:           "table",
		},
		Summary: &models.ResultSummary{
			ItemCount: len(review.Cells),
			Note:      fmt.Sprintf("review %s", review.ReviewID),
		},
		ElapsedMS: time.Since(started).Milliseconds(),
	}
	if err := state.ApplyPatch(&models.AgentPatch{Kind: step.AgentKind, Result: env}); err != nil {
		return err
	}
	step.Status = models.StepDone
	if err := state.MarkCompleted(step.StepID); err != nil {
		return err
	}
	e.emit(state.RunID, models.EventStepCompleted, models.StepPayload{
		Agent:     step.AgentKind,
		StepID:    step.StepID,
		ElapsedMS: env.ElapsedMS,
		Summary:   fmt.Sprintf("%d cell(s)", len(review.Cells)),
	})
	return nil
}

// applyAnswers settles the suspended review's cells and completes its step.
func (e *Engine) applyAnswers(ctx context.Context, run *models.Run,
	state *models.AnalysisState, payload *models.ResumePayload) error {

	reviewID := state.Metadata.ReviewID
	if reviewID == "" {
		return fmt.Errorf("orchestrator: run %s has no review awaiting answers", state.RunID)
	}
	var review models.ReviewTable
	if err := store.GetJSON(ctx, e.store, store.TabularNS(reviewID), "table", &review); err != nil {
		return fmt.Errorf("orchestrator: loading review %s: %w", reviewID, err)
	}

	answers := make(map[string]tabular.Answer, len(payload.Answers))
	for id, a := range payload.Answers {
		answers[id] = tabular.Answer{Value: a.Value, Confirmed: a.Confirmed}
	}
	if err := e.tabularEngine(run).Resume(ctx, &review, answers, payload.UserID); err != nil {
		return err
	}

	step := state.StepForKind(models.AgentTabularExtract)
	if step == nil || step.Status == models.StepDone {
		return nil
	}
	return e.finishTabular(state, step, &review, state.PendingFeedback.AskedAt)
}

// deliver persists learned patterns, closes the state, and emits the final
// event.
func (e *Engine) deliver(ctx context.Context, state *models.AnalysisState, scores []Score) error {
	if err := persistPatterns(ctx, e.store, state, scores, e.cfg.PatternsMinScore); err != nil {
		slog.Warn("persisting learned patterns failed",
			"run_id", state.RunID, "error", err)
	}
	state.MarkTerminal()
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}
	e.emit(state.RunID, models.EventComplete, completePayload(state))
	return nil
}

// fail closes the run with a classified error event. The final checkpoint
// preserves the failure for post-mortems; its own failure is only logged.
func (e *Engine) fail(ctx context.Context, state *models.AnalysisState, err error) error {
	e.emit(state.RunID, models.EventError, models.ErrorPayload{
		Kind:    errclass.Classify(err),
		Message: err.Error(),
	})
	state.MarkTerminal()
	if cerr := e.saveCheckpoint(ctx, state); cerr != nil {
		slog.Error("saving failure checkpoint",
			"run_id", state.RunID, "error", cerr)
	}
	return err
}

// saveCheckpoint writes the current state to the case's thread, chained to
// the previous checkpoint.
func (e *Engine) saveCheckpoint(ctx context.Context, state *models.AnalysisState) error {
	parent := ""
	tuple, err := e.saver.GetTuple(ctx, state.ThreadID())
	switch {
	case err == nil && tuple.Checkpoint != nil:
		parent = tuple.Checkpoint.ID
	case err != nil && !errors.Is(err, checkpoint.ErrNotFound):
		return fmt.Errorf("orchestrator: reading checkpoint head: %w", err)
	}

	cp, err := checkpoint.New(state.ThreadID(), parent, state)
	if err != nil {
		return err
	}
	if err := e.saver.Put(ctx, state.ThreadID(), cp); err != nil {
		return fmt.Errorf("orchestrator: saving checkpoint: %w", err)
	}
	now := time.Now().UTC()
	state.Metadata.CheckpointInfo.LastCheckpointTime = &now
	state.Metadata.CheckpointInfo.CheckpointCount++
	return nil
}

func (e *Engine) newScheduler(run *models.Run, state *models.AnalysisState) *Scheduler {
	maxParallel := run.Options.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.cfg.MaxParallel
	}
	return NewScheduler(SchedulerConfig{
		Registry:     e.registry,
		Chain:        e.chain,
		AgentFn:      e.agentFn,
		Policy:       e.policy,
		MaxParallel:  maxParallel,
		TierOverride: run.Options.ModelTierOverride,
		Publisher:    e.publisher,
		CheckpointFn: func(ctx context.Context) error {
			return e.saveCheckpoint(ctx, state)
		},
	})
}

func (e *Engine) tabularEngine(run *models.Run) *tabular.Engine {
	threshold := run.Options.ConfidenceThreshold
	if threshold <= 0 {
		threshold = e.cfg.HITLConfidenceThreshold
	}
	return tabular.NewEngine(e.source, e.tabularClient, e.tabularModel, e.store,
		tabular.Options{
			ConfidenceThreshold: threshold,
			HITL:                run.Options.HITL,
			MaxParallel:         run.Options.MaxParallel,
		})
}

// applyRunHints folds run options that steer every step into the plan.
func applyRunHints(state *models.AnalysisState, run *models.Run) {
	if !run.Options.DisableCache {
		return
	}
	for i := range state.Plan {
		if state.Plan[i].Hints == nil {
			state.Plan[i].Hints = &models.StepHints{}
		}
		state.Plan[i].Hints.DisableCache = true
	}
}

func (e *Engine) phase(state *models.AnalysisState, phase string, start time.Time) {
	e.emit(state.RunID, models.EventPhase, models.PhasePayload{
		Phase:     phase,
		ElapsedMS: time.Since(start).Milliseconds(),
	})
}

func (e *Engine) emit(runID string, typ models.EventType, payload any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Emit(models.NewEvent(runID, typ, payload))
}

func waitDelay(waits int) time.Duration {
	d := waitBase << (waits - 1)
	if d > waitCap {
		return waitCap
	}
	return d
}

// updateCaseType derives the case's dominant document category once the
// classifier lands. Learned patterns and prompt hints key off it.
func updateCaseType(state *models.AnalysisState) {
	if state.Metadata.CaseType != "" {
		return
	}
	env := state.Results[models.AgentDocumentClassifier]
	if env == nil {
		return
	}

	counts := make(map[string]int)
	switch {
	case len(env.Inline) > 0:
		var out agent.ClassifierOutput
		if err := json.Unmarshal(env.Inline, &out); err != nil {
			return
		}
		for _, d := range out.Documents {
			if d.Category != "" {
				counts[d.Category]++
			}
		}
	case env.Summary != nil:
		for _, sample := range env.Summary.Samples {
			var doc agent.ClassifiedDocument
			if err := json.Unmarshal(sample, &doc); err == nil && doc.Category != "" {
				counts[doc.Category]++
			}
		}
	}
	if len(counts) == 0 {
		return
	}

	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	slices.Sort(cats)
	best, bestN := "", 0
	for _, c := range cats {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	state.Metadata.CaseType = best
}

// markBlockedSteps skips pending steps whose dependencies terminally failed;
// their agents can never run.
func markBlockedSteps(state *models.AnalysisState, pub Publisher) {
	for i := range state.Plan {
		step := &state.Plan[i]
		if step.Status != models.StepPending {
			continue
		}
		for _, dep := range step.DependsOn {
			depStep := state.StepForKind(dep)
			if depStep == nil {
				continue
			}
			if (depStep.Status == models.StepFailed || depStep.Status == models.StepSkipped) &&
				!state.KindDone(dep) {
				step.Status = models.StepSkipped
				emitSkip(pub, state.RunID, step)
				break
			}
		}
	}
}

// skipPending gives up on steps still pending after the wait budget.
func skipPending(state *models.AnalysisState, pub Publisher) {
	for i := range state.Plan {
		step := &state.Plan[i]
		if step.Status == models.StepPending {
			step.Status = models.StepSkipped
			emitSkip(pub, state.RunID, step)
		}
	}
}

func emitSkip(pub Publisher, runID string, step *models.PlanStep) {
	if pub == nil {
		return
	}
	pub.Emit(models.NewEvent(runID, models.EventStepFailed, models.StepPayload{
		Agent:   step.AgentKind,
		StepID:  step.StepID,
		Message: "skipped: dependencies unavailable",
	}))
}
