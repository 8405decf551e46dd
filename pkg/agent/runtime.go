package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docket-ai/docket/pkg/cache"
	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/retrieval"
	"github.com/docket-ai/docket/pkg/store"
)

const (
	inlineByteLimit = 10 * 1024
	inlineItemLimit = 100
	defaultK        = 10
)

// Retriever is the slice of the retrieval service the runtime needs.
type Retriever interface {
	Retrieve(ctx context.Context, caseID, query string, k int, strategy string, filters retrieval.Filters) ([]models.ScoredChunk, error)
}

// SummaryLoader supplies compacted phase summaries for prompt prefixes.
type SummaryLoader interface {
	LoadSummaries(ctx context.Context, state *models.AnalysisState) (string, error)
}

// Sink receives events the runtime emits mid-invocation.
type Sink interface {
	Emit(ev models.Event)
}

// Runtime executes one agent invocation end to end. Safe for concurrent use
// by fan-out workers; all per-invocation state lives on the stack.
type Runtime struct {
	registry  *Registry
	prompts   *PromptBuilder
	retriever Retriever
	source    retrieval.DocumentSource
	clients   map[models.ModelTier]llm.Client
	modelIDs  map[models.ModelTier]string
	cache     *cache.ResultCache
	store     store.Store
	summaries SummaryLoader
	sink      Sink
}

// RuntimeConfig wires a Runtime.
type RuntimeConfig struct {
	Registry  *Registry
	Prompts   *PromptBuilder
	Retriever Retriever
	Source    retrieval.DocumentSource
	Clients   map[models.ModelTier]llm.Client
	ModelIDs  map[models.ModelTier]string
	Cache     *cache.ResultCache
	Store     store.Store
	Summaries SummaryLoader
	Sink      Sink
}

func NewRuntime(cfg RuntimeConfig) *Runtime {
	return &Runtime{
		registry:  cfg.Registry,
		prompts:   cfg.Prompts,
		retriever: cfg.Retriever,
		source:    cfg.Source,
		clients:   cfg.Clients,
		modelIDs:  cfg.ModelIDs,
		cache:     cfg.Cache,
		store:     cfg.Store,
		summaries: cfg.Summaries,
		sink:      cfg.Sink,
	}
}

// Run is the middleware.AgentFunc for one invocation. Domain failures come
// back as (patch-with-error, nil); only infrastructure failures the
// classifier should see return a non-nil error.
func (r *Runtime) Run(ctx context.Context, ex *middleware.Exec) (*models.AgentPatch, error) {
	state := ex.State
	decl, err := r.registry.Get(ex.Kind)
	if err != nil {
		return nil, errclass.Wrap(models.ErrKindFatal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, decl.Timeout)
	defer cancel()
	started := time.Now()

	// 1. Input shape: every dependency slot must be populated.
	for _, dep := range decl.DependsOn {
		if !state.KindDone(dep) {
			return errorPatch(ex.Kind, models.ErrKindDependency,
				fmt.Sprintf("dependency %s has no result", dep), ex.Step), nil
		}
	}

	// 2. Cache probe.
	docIDs, titles, err := r.documentIndex(ctx, state.CaseID)
	if err != nil {
		return nil, err
	}
	fingerprint := cache.ResultFingerprint(state.CaseID, ex.Kind, cache.DocumentSetHash(docIDs))
	if raw, ok := r.cacheGet(ex, fingerprint); ok {
		r.emit(state.RunID, models.EventCacheHit, models.CacheHitPayload{
			Agent: ex.Kind, KeyFingerprint: fingerprint,
		})
		return resultPatch(ex.Kind, raw, true, ex.SelectedTier, started), nil
	}

	// 3. Retrieval.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	excerpts, err := r.retrieve(ctx, state, decl, ex.Step)
	if err != nil {
		return nil, err
	}

	// 4. Prompt build.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	system, user, err := r.buildPrompt(ctx, state, decl, ex, excerpts, titles)
	if err != nil {
		return nil, errclass.Wrap(models.ErrKindFatal, err)
	}

	// 5. LLM call on the selected tier, streaming partials when possible.
	tier := r.tierFor(ex)
	response, err := r.complete(ctx, state.RunID, ex.Kind, tier, system, user)
	if err != nil {
		return nil, err
	}

	// 6. Parse & schema-validate, with one repair attempt.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	output, raw, parseErr := Parse(ex.Kind, response)
	if parseErr != nil {
		repair, err := r.prompts.RepairPrompt(ex.Kind, response, parseErr)
		if err != nil {
			return nil, errclass.Wrap(models.ErrKindFatal, err)
		}
		slog.Info("agent output failed validation, attempting repair",
			"run_id", state.RunID, "kind", ex.Kind, "error", parseErr)
		response, err = r.complete(ctx, state.RunID, ex.Kind, tier, system, repair)
		if err != nil {
			return nil, err
		}
		output, raw, parseErr = Parse(ex.Kind, response)
		if parseErr != nil {
			return partialFailure(ex.Kind, raw, parseErr, ex.Step, tier, started), nil
		}
	}

	// 7. Per-kind semantic checks.
	if err := PostValidate(ex.Kind, output); err != nil {
		canonical, mErr := json.Marshal(output)
		if mErr != nil {
			canonical = raw
		}
		return partialFailure(ex.Kind, canonical, err, ex.Step, tier, started), nil
	}
	canonical, err := json.Marshal(output)
	if err != nil {
		return nil, errclass.Wrap(models.ErrKindFatal, err)
	}

	// 8. Store-or-inline.
	env, err := r.envelope(ctx, state, ex.Kind, canonical, output, tier, started)
	if err != nil {
		return nil, err
	}

	// 9. Cache write.
	if r.cache != nil && !cacheDisabled(ex.Step) {
		r.cache.Set(fingerprint, canonical)
	}

	// 10. Completion event.
	count := itemCount(canonical)
	r.emit(state.RunID, models.EventStepCompleted, models.StepPayload{
		Agent:     ex.Kind,
		StepID:    stepID(ex.Step),
		ElapsedMS: time.Since(started).Milliseconds(),
		Summary:   fmt.Sprintf("%d item(s)", count),
	})

	return &models.AgentPatch{
		Kind:   ex.Kind,
		Result: env,
		Messages: []models.StateMessage{{
			At: time.Now().UTC(), Agent: ex.Kind, Type: "agent_completed",
			Text: fmt.Sprintf("%s produced %d item(s)", ex.Kind, count),
		}},
	}, nil
}

func (r *Runtime) tierFor(ex *middleware.Exec) models.ModelTier {
	if ex.Step != nil && ex.Step.Hints != nil && ex.Step.Hints.ForceTier != "" {
		return ex.Step.Hints.ForceTier
	}
	if ex.SelectedTier != "" {
		return ex.SelectedTier
	}
	return models.TierPro
}

// documentIndex loads the case's document ids and titles once per call.
func (r *Runtime) documentIndex(ctx context.Context, caseID string) ([]string, map[string]string, error) {
	docs, err := r.source.ListDocuments(ctx, caseID)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: listing documents for case %s: %w", caseID, err)
	}
	ids := make([]string, len(docs))
	titles := make(map[string]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		titles[d.ID] = d.Title
	}
	return ids, titles, nil
}

func (r *Runtime) cacheGet(ex *middleware.Exec, fingerprint string) (json.RawMessage, bool) {
	if r.cache == nil || cacheDisabled(ex.Step) {
		return nil, false
	}
	if ex.State != nil && ex.Step != nil && ex.Step.Retries > 0 {
		// Retried steps re-execute; the cached value is what just failed
		// review upstream or predates the failure.
		return nil, false
	}
	raw, ok := r.cache.Get(fingerprint)
	return raw, ok
}

func cacheDisabled(step *models.PlanStep) bool {
	return step != nil && step.Hints != nil && step.Hints.DisableCache
}

func (r *Runtime) retrieve(ctx context.Context, state *models.AnalysisState, decl Declaration, step *models.PlanStep) ([]models.ScoredChunk, error) {
	if r.retriever == nil || len(decl.QueryTemplates) == 0 {
		return nil, nil
	}
	if step != nil && step.Hints != nil && step.Hints.DisableTools {
		// No-tools rerun after a tool failure: the model works from the
		// prompt alone instead of repeating the call that just failed.
		return nil, nil
	}
	k := defaultK
	if step != nil && step.Hints != nil && step.Hints.RetrievalK > 0 {
		k = step.Hints.RetrievalK
	}
	task := ""
	if state.Understanding != nil {
		task = state.Understanding.TaskType
	}

	var lists [][]models.ScoredChunk
	for _, tmpl := range decl.QueryTemplates {
		query := strings.TrimSpace(strings.ReplaceAll(tmpl, "{task}", task))
		if query == "" {
			continue
		}
		hits, err := r.retriever.Retrieve(ctx, state.CaseID, query, k, retrieval.StrategyHybrid, retrieval.Filters{})
		if err != nil {
			return nil, errclass.Wrap(models.ErrKindTool, err)
		}
		lists = append(lists, hits)
	}
	if len(lists) == 1 {
		return lists[0], nil
	}
	return retrieval.FuseRRF(0, k, lists...), nil
}

func (r *Runtime) buildPrompt(ctx context.Context, state *models.AnalysisState, decl Declaration,
	ex *middleware.Exec, excerpts []models.ScoredChunk, titles map[string]string) (string, string, error) {

	summaries := ""
	if r.summaries != nil {
		loaded, err := r.summaries.LoadSummaries(ctx, state)
		if err != nil {
			slog.Warn("phase summaries unavailable", "run_id", state.RunID, "error", err)
		} else {
			summaries = loaded
		}
	}

	deps := make(map[models.AgentKind]string, len(decl.DependsOn))
	for _, dep := range decl.DependsOn {
		deps[dep] = r.dependencySummary(ctx, state, dep)
	}

	var goals []string
	var hints *models.StepHints
	if state.Understanding != nil {
		goals = state.Understanding.Goals
	}
	if ex.Step != nil {
		hints = ex.Step.Hints
	}

	// Prompt inputs carry PII until the redaction pass; task text was
	// scrubbed by the middleware, excerpts are scrubbed here.
	for i := range excerpts {
		excerpts[i].Text = middleware.Redact(excerpts[i].Text)
	}

	task := ""
	if len(ex.PromptParts) > 0 {
		task = ex.PromptParts[0]
	}

	in := PromptInput{
		Decl:           decl,
		Task:           task,
		Goals:          goals,
		PhaseSummaries: summaries,
		Excerpts:       excerpts,
		DocTitles:      titles,
		Dependencies:   deps,
		Patterns:       r.prompts.LoadPatterns(ctx, decl.Kind, state.Metadata.CaseType),
		Hints:          hints,
	}
	user, err := r.prompts.User(in)
	if err != nil {
		return "", "", err
	}
	return r.prompts.System(in), user, nil
}

// dependencySummary renders a dependency's result for the prompt: summary
// when offloaded, truncated inline value otherwise.
func (r *Runtime) dependencySummary(ctx context.Context, state *models.AnalysisState, dep models.AgentKind) string {
	env := state.Results[dep]
	if env == nil {
		return ""
	}
	if env.Offloaded() {
		if env.Summary != nil {
			raw, _ := json.Marshal(env.Summary)
			return string(raw)
		}
		raw, err := r.store.Get(ctx, env.Ref.Namespace, env.Ref.Key)
		if err != nil {
			return fmt.Sprintf("(result offloaded to %s/%s)", env.Ref.Namespace, env.Ref.Key)
		}
		return clip(string(raw), 4000)
	}
	return clip(string(env.Inline), 4000)
}

// complete runs the LLM call, streaming when the provider supports it and
// forwarding text deltas as partial_token events.
func (r *Runtime) complete(ctx context.Context, runID string, kind models.AgentKind,
	tier models.ModelTier, system, user string) (string, error) {

	client, ok := r.clients[tier]
	if !ok {
		return "", errclass.Wrapf(models.ErrKindFatal, "no client for tier %s", tier)
	}
	req := &llm.Request{
		Model:     r.modelIDs[tier],
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: user}},
		MaxTokens: 4096,
	}

	chunks, err := client.Stream(ctx, req)
	if err != nil {
		// Provider cannot stream; fall back to the blocking call.
		completion, cErr := client.Complete(ctx, req)
		if cErr != nil {
			return "", cErr
		}
		return completion.Text, nil
	}

	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case chunk, open := <-chunks:
			if !open {
				return b.String(), nil
			}
			switch c := chunk.(type) {
			case *llm.TextChunk:
				b.WriteString(c.Delta)
				r.emit(runID, models.EventPartialToken, models.PartialTokenPayload{
					Agent: kind, TextDelta: c.Delta,
				})
			case *llm.ErrorChunk:
				return "", c.Err
			}
		}
	}
}

// envelope applies the store-or-inline rule.
func (r *Runtime) envelope(ctx context.Context, state *models.AnalysisState, kind models.AgentKind,
	canonical json.RawMessage, output any, tier models.ModelTier, started time.Time) (*models.ResultEnvelope, error) {

	env := &models.ResultEnvelope{
		AgentKind:     kind,
		ModelTier:     tier,
		ElapsedMS:     time.Since(started).Milliseconds(),
		ExpectedEmpty: ExpectedEmpty(kind, output),
	}

	count := itemCount(canonical)
	if len(canonical) <= inlineByteLimit && count <= inlineItemLimit {
		env.Inline = canonical
		return env, nil
	}

	ns := store.AgentResultsNS(state.CaseID)
	key := fmt.Sprintf("%s_%s", kind, state.RunID)
	if err := r.store.Put(ctx, ns, key, canonical); err != nil {
		return nil, fmt.Errorf("agent: offloading %s result: %w", kind, err)
	}
	env.Ref = &models.StoreRef{StoredInStore: true, Namespace: ns, Key: key}
	env.Summary = collectionSummary(canonical, count)
	return env, nil
}

// itemCount counts elements of the output's main collection. Outputs are
// single-key objects wrapping a list (or a string for summaries).
func itemCount(raw json.RawMessage) int {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 1
	}
	for _, v := range obj {
		var list []json.RawMessage
		if err := json.Unmarshal(v, &list); err == nil {
			return len(list)
		}
	}
	return 1
}

func collectionSummary(raw json.RawMessage, count int) *models.ResultSummary {
	s := &models.ResultSummary{ItemCount: count}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return s
	}
	for _, v := range obj {
		var list []json.RawMessage
		if err := json.Unmarshal(v, &list); err == nil && len(list) > 0 {
			for i := 0; i < len(list) && i < 3; i++ {
				s.Samples = append(s.Samples, list[i])
			}
			break
		}
	}
	return s
}

func (r *Runtime) emit(runID string, typ models.EventType, payload any) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(models.NewEvent(runID, typ, payload))
}

// resultPatch wraps a ready inline value, used on cache hits.
func resultPatch(kind models.AgentKind, raw json.RawMessage, cached bool,
	tier models.ModelTier, started time.Time) *models.AgentPatch {

	return &models.AgentPatch{
		Kind: kind,
		Result: &models.ResultEnvelope{
			AgentKind: kind,
			Inline:    raw,
			Cached:    cached,
			ModelTier: tier,
			ElapsedMS: time.Since(started).Milliseconds(),
		},
	}
}

func errorPatch(kind models.AgentKind, errKind models.ErrorKind, msg string, step *models.PlanStep) *models.AgentPatch {
	retries := 0
	if step != nil {
		retries = step.Retries
	}
	return &models.AgentPatch{
		Kind: kind,
		Error: &models.ErrorEntry{
			Agent: kind, Kind: errKind, Message: msg, RetryCount: retries,
		},
	}
}

// partialFailure keeps whatever parsed alongside the validation error.
func partialFailure(kind models.AgentKind, raw json.RawMessage, cause error,
	step *models.PlanStep, tier models.ModelTier, started time.Time) *models.AgentPatch {

	patch := errorPatch(kind, models.ErrKindValidation, cause.Error(), step)
	if len(raw) > 0 {
		patch.Result = &models.ResultEnvelope{
			AgentKind: kind,
			Inline:    raw,
			ModelTier: tier,
			ElapsedMS: time.Since(started).Milliseconds(),
		}
	}
	return patch
}

func stepID(step *models.PlanStep) string {
	if step == nil {
		return ""
	}
	return step.StepID
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func unmarshalLoose(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
