package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/retrieval"
)

// Planner turns understanding into an ordered list of PlanSteps. The linear
// path covers explicit requests; the LLM path reads a small document sample
// for free-form complex tasks.
type Planner struct {
	registry *agent.Registry
	source   retrieval.DocumentSource
	client   llm.Client
	model    string
}

func NewPlanner(registry *agent.Registry, source retrieval.DocumentSource,
	client llm.Client, model string) *Planner {

	return &Planner{registry: registry, source: source, client: client, model: model}
}

// Plan produces the run's steps. Missing dependencies are auto-inserted
// before their dependents; a kind never appears twice.
func (p *Planner) Plan(ctx context.Context, state *models.AnalysisState) ([]models.PlanStep, error) {
	kinds := state.AnalysisTypes
	if len(kinds) == 0 {
		if state.Understanding != nil && state.Understanding.NeedsPlanning {
			planned, err := p.llmPlan(ctx, state)
			if err != nil {
				slog.Warn("planning agent failed, using keyword inference",
					"run_id", state.RunID, "error", err)
			} else if len(planned) > 0 {
				kinds = planned
			}
		}
		if len(kinds) == 0 {
			kinds = InferKinds(state.Understanding.TaskType)
		}
	}
	return p.linearPlan(kinds)
}

// linearPlan orders kinds with dependencies first. The walk is depth-first
// over declared edges; the declared graph is acyclic.
func (p *Planner) linearPlan(kinds []models.AgentKind) ([]models.PlanStep, error) {
	var ordered []models.AgentKind
	seen := make(map[models.AgentKind]bool)

	var add func(kind models.AgentKind) error
	add = func(kind models.AgentKind) error {
		if seen[kind] {
			return nil
		}
		decl, err := p.registry.Get(kind)
		if err != nil {
			return err
		}
		seen[kind] = true
		for _, dep := range decl.DependsOn {
			if err := add(dep); err != nil {
				return err
			}
		}
		// Dependencies were appended inside the recursive calls already;
		// appending after them keeps every dependent behind its deps.
		ordered = append(ordered, kind)
		return nil
	}
	for _, kind := range kinds {
		if err := add(kind); err != nil {
			return nil, err
		}
	}

	steps := make([]models.PlanStep, len(ordered))
	for i, kind := range ordered {
		steps[i] = models.PlanStep{
			StepID:    fmt.Sprintf("step-%02d-%s", i+1, kind),
			AgentKind: kind,
			DependsOn: p.registry.Dependencies(kind),
			Status:    models.StepPending,
		}
	}
	return steps, nil
}

// llmPlan asks the planning prompt for steps over a small document sample.
type plannedSteps struct {
	Steps []struct {
		AgentKind string `json:"agent_kind"`
	} `json:"steps"`
	Goals      []string `json:"goals"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
}

func (p *Planner) llmPlan(ctx context.Context, state *models.AnalysisState) ([]models.AgentKind, error) {
	if p.client == nil {
		return nil, fmt.Errorf("orchestrator: no planning client")
	}
	sample, err := p.documentSample(ctx, state.CaseID, 3)
	if err != nil {
		return nil, err
	}

	var kinds []string
	for _, d := range p.registry.All() {
		kinds = append(kinds, string(d.Kind))
	}
	prompt := fmt.Sprintf(
		"Task: %s\n\nAvailable analyses: %s\n\nDocument sample:\n%s\n\n"+
			"Choose the analyses this task needs. Respond with JSON: "+
			`{"steps": [{"agent_kind": "..."}], "goals": [], "reasoning": "", "confidence": 0.0}`,
		state.Understanding.TaskType, strings.Join(kinds, ", "), sample)

	completion, err := p.client.Complete(ctx, &llm.Request{
		Model:       p.model,
		System:      "You plan legal document analyses.",
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	start := strings.IndexByte(completion.Text, '{')
	if start == -1 {
		return nil, fmt.Errorf("orchestrator: planner returned no JSON")
	}
	var planned plannedSteps
	if err := json.NewDecoder(strings.NewReader(completion.Text[start:])).Decode(&planned); err != nil {
		return nil, fmt.Errorf("orchestrator: decoding plan: %w", err)
	}

	var out []models.AgentKind
	for _, s := range planned.Steps {
		kind := models.AgentKind(s.AgentKind)
		if _, err := p.registry.Get(kind); err != nil {
			slog.Warn("planner proposed unknown agent, dropping",
				"run_id", state.RunID, "kind", s.AgentKind)
			continue
		}
		out = append(out, kind)
	}
	if len(planned.Goals) > 0 {
		state.Understanding.Goals = planned.Goals
	}
	return out, nil
}

func (p *Planner) documentSample(ctx context.Context, caseID string, limit int) (string, error) {
	docs, err := p.source.ListDocuments(ctx, caseID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, doc := range docs {
		if i >= limit {
			break
		}
		text := doc.Text
		if len(text) > 800 {
			text = text[:800]
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", doc.Title, text)
	}
	return sb.String(), nil
}
