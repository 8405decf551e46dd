package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/models"
)

// TransitionKind labels what the scheduler should do next.
type TransitionKind string

const (
	// TransitionAgent runs a single agent.
	TransitionAgent TransitionKind = "agent"
	// TransitionFanout runs a set of independent agents concurrently.
	TransitionFanout TransitionKind = "parallel_fanout"
	// TransitionWait is a no-op with backoff; nothing is runnable yet.
	TransitionWait TransitionKind = "wait"
	// TransitionEnd leaves the schedule loop.
	TransitionEnd TransitionKind = "end"
)

// Transition is the router's verdict. Agents is ordered by kind name for
// fanout so dispatch order is deterministic.
type Transition struct {
	Kind   TransitionKind
	Agents []models.AgentKind
}

func single(kind models.AgentKind) Transition {
	return Transition{Kind: TransitionAgent, Agents: []models.AgentKind{kind}}
}

// dependentPriority orders rule-4 picks; kinds not listed fall back to
// registry order after these.
var dependentPriority = []models.AgentKind{
	models.AgentRisk, models.AgentSummary, models.AgentRelationship,
}

// Router picks the next transition from state: rules first, a lite-tier LLM
// as last resort. It never mutates state.
type Router struct {
	registry *agent.Registry
	client   llm.Client
	model    string
}

func NewRouter(registry *agent.Registry, client llm.Client, model string) *Router {
	return &Router{registry: registry, client: client, model: model}
}

// Route applies the priority rules.
func (r *Router) Route(ctx context.Context, state *models.AnalysisState) Transition {
	pending := pendingKinds(state)
	if len(pending) == 0 {
		return Transition{Kind: TransitionEnd}
	}
	pendingSet := make(map[models.AgentKind]bool, len(pending))
	for _, k := range pending {
		pendingSet[k] = true
	}

	// Rule 1: the classifier gates everything document-type aware.
	if pendingSet[models.AgentDocumentClassifier] {
		return single(models.AgentDocumentClassifier)
	}

	// Rule 2: privilege check as soon as the classifier flagged something.
	if pendingSet[models.AgentPrivilegeCheck] &&
		state.KindDone(models.AgentDocumentClassifier) &&
		anyPrivileged(state) {
		return single(models.AgentPrivilegeCheck)
	}

	// Rule 3: independent pending agents fan out. Agents declared
	// non-parallelizable (tabular extraction drives its own worker pool) run
	// alone, after the parallel set drains.
	var parallel, solo []models.AgentKind
	for _, kind := range pending {
		if !r.registry.Independent(kind) {
			continue
		}
		if decl, err := r.registry.Get(kind); err == nil && !decl.Parallelizable {
			solo = append(solo, kind)
			continue
		}
		parallel = append(parallel, kind)
	}
	if len(parallel) >= 2 {
		slices.Sort(parallel)
		return Transition{Kind: TransitionFanout, Agents: parallel}
	}
	if len(parallel) == 1 {
		return single(parallel[0])
	}
	if len(solo) > 0 {
		return single(solo[0])
	}

	// Rule 4: dependents whose dependencies are all satisfied.
	var satisfied []models.AgentKind
	for _, kind := range pending {
		if depsSatisfied(state, r.registry.Dependencies(kind)) {
			satisfied = append(satisfied, kind)
		}
	}
	if len(satisfied) > 0 {
		return single(pickByPriority(satisfied))
	}

	// Rule 5: pending work exists but nothing is runnable yet. This only
	// happens when a dependency's step failed or is mid-retry.
	if anyRunnableLater(state, pending) {
		return Transition{Kind: TransitionWait}
	}

	// Rule 7: the rules could not decide; ask the LLM, then fall back
	// deterministically.
	return r.llmRoute(ctx, state, pending)
}

// pendingKinds returns kinds of plan steps that are still pending, in plan
// order.
func pendingKinds(state *models.AnalysisState) []models.AgentKind {
	var out []models.AgentKind
	for i := range state.Plan {
		if state.Plan[i].Status == models.StepPending {
			out = append(out, state.Plan[i].AgentKind)
		}
	}
	return out
}

func depsSatisfied(state *models.AnalysisState, deps []models.AgentKind) bool {
	for _, dep := range deps {
		if !state.KindDone(dep) {
			return false
		}
	}
	return true
}

// anyRunnableLater reports whether some pending kind's dependencies can
// still complete (their steps are not all failed).
func anyRunnableLater(state *models.AnalysisState, pending []models.AgentKind) bool {
	for _, kind := range pending {
		step := state.StepForKind(kind)
		if step == nil {
			continue
		}
		blocked := false
		for _, dep := range step.DependsOn {
			depStep := state.StepForKind(dep)
			if depStep == nil || depStep.Status == models.StepFailed || depStep.Status == models.StepSkipped {
				blocked = true
				break
			}
		}
		if !blocked {
			return true
		}
	}
	return false
}

// anyPrivileged inspects the classifier's inline result for a privileged
// flag. Offloaded results check the retained samples.
func anyPrivileged(state *models.AnalysisState) bool {
	env := state.Results[models.AgentDocumentClassifier]
	if env == nil {
		return false
	}
	var raw json.RawMessage
	switch {
	case len(env.Inline) > 0:
		raw = env.Inline
	case env.Summary != nil:
		for _, sample := range env.Summary.Samples {
			var doc agent.ClassifiedDocument
			if err := json.Unmarshal(sample, &doc); err == nil && doc.Privileged {
				return true
			}
		}
		return false
	default:
		return false
	}
	var out agent.ClassifierOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	for _, doc := range out.Documents {
		if doc.Privileged {
			return true
		}
	}
	return false
}

// pickByPriority chooses risk > summary > relationship, then registry
// declaration order.
func pickByPriority(kinds []models.AgentKind) models.AgentKind {
	for _, want := range dependentPriority {
		for _, k := range kinds {
			if k == want {
				return k
			}
		}
	}
	for _, declared := range models.AllAgentKinds {
		for _, k := range kinds {
			if k == declared {
				return k
			}
		}
	}
	return kinds[0]
}

// llmRoute asks a lite-tier model to pick among the legal transitions. Any
// failure or illegal answer falls back to the deterministic highest-priority
// pending step.
func (r *Router) llmRoute(ctx context.Context, state *models.AnalysisState,
	pending []models.AgentKind) Transition {

	fallback := single(pickByPriority(pending))
	if r.client == nil {
		return fallback
	}

	var legal []string
	for _, k := range pending {
		legal = append(legal, string(k))
	}
	prompt := fmt.Sprintf(
		"Completed analyses: %s\nPending analyses: %s\nUnsatisfied goals: %s\n\n"+
			"Name the single next analysis to run. Answer with one name from the pending list.",
		kindNames(state.SortedResultKinds()), strings.Join(legal, ", "), goalList(state))

	completion, err := r.client.Complete(ctx, &llm.Request{
		Model:       r.model,
		System:      "You route steps in a legal analysis pipeline.",
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
		MaxTokens:   32,
	})
	if err != nil {
		slog.Warn("llm router failed, using deterministic pick", "error", err)
		return fallback
	}

	answer := strings.TrimSpace(strings.ToLower(completion.Text))
	for _, k := range pending {
		if strings.Contains(answer, string(k)) {
			return single(k)
		}
	}
	slog.Warn("llm router returned illegal transition, using deterministic pick",
		"answer", completion.Text)
	return fallback
}

func kindNames(kinds []models.AgentKind) string {
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func goalList(state *models.AnalysisState) string {
	if state.Understanding == nil || len(state.Understanding.Goals) == 0 {
		return "none stated"
	}
	return strings.Join(state.Understanding.Goals, "; ")
}
