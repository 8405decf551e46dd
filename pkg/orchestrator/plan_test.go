package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/retrieval"
)

func newTestRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	reg, err := agent.NewRegistry(nil)
	require.NoError(t, err)
	return reg
}

func newTestSource(t *testing.T) *retrieval.MemorySource {
	t.Helper()
	source := retrieval.NewMemorySource()
	source.Add(models.Document{
		ID: "d1", CaseID: "case-1", Title: "msa.pdf", Kind: "contract",
		Text: "The Master Services Agreement is signed on 15.01.2024 between Acme and Widgets.",
	})
	source.Add(models.Document{
		ID: "d2", CaseID: "case-1", Title: "letter.pdf", Kind: "correspondence",
		Text: "We dispute the invoice amount of $1,200 dated 2024-02-01.",
	})
	return source
}

func planKinds(steps []models.PlanStep) []models.AgentKind {
	out := make([]models.AgentKind, len(steps))
	for i, s := range steps {
		out[i] = s.AgentKind
	}
	return out
}

func TestPlanInsertsDependenciesFirst(t *testing.T) {
	p := NewPlanner(newTestRegistry(t), newTestSource(t), nil, "")
	state := models.NewAnalysisState("case-1", "u1", "run-1",
		[]models.AgentKind{models.AgentRisk, models.AgentSummary})
	state.Understanding = Understand("assess risks", 2, state.AnalysisTypes)

	steps, err := p.Plan(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, []models.AgentKind{
		models.AgentDiscrepancy, models.AgentRisk,
		models.AgentKeyFacts, models.AgentSummary,
	}, planKinds(steps))

	assert.Equal(t, "step-01-discrepancy", steps[0].StepID)
	assert.Equal(t, "step-02-risk", steps[1].StepID)
	for _, s := range steps {
		assert.Equal(t, models.StepPending, s.Status)
	}
	assert.Equal(t, []models.AgentKind{models.AgentDiscrepancy}, steps[1].DependsOn)
	assert.Empty(t, steps[0].DependsOn)
}

func TestPlanKindAppearsOnce(t *testing.T) {
	p := NewPlanner(newTestRegistry(t), newTestSource(t), nil, "")
	state := models.NewAnalysisState("case-1", "u1", "run-1",
		[]models.AgentKind{models.AgentSummary, models.AgentKeyFacts})
	state.Understanding = Understand("summarize", 2, state.AnalysisTypes)

	steps, err := p.Plan(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, []models.AgentKind{models.AgentKeyFacts, models.AgentSummary},
		planKinds(steps))
}

func TestPlanUnknownKindRejected(t *testing.T) {
	p := NewPlanner(newTestRegistry(t), newTestSource(t), nil, "")
	state := models.NewAnalysisState("case-1", "u1", "run-1",
		[]models.AgentKind{models.AgentKind("phrenology")})
	state.Understanding = Understand("whatever", 2, state.AnalysisTypes)

	_, err := p.Plan(context.Background(), state)
	assert.Error(t, err)
}

func TestPlanLLMPathAdoptsStepsAndGoals(t *testing.T) {
	client := llm.NewScriptedClient("").Respond("Available analyses",
		`{"steps": [{"agent_kind": "timeline"}, {"agent_kind": "phrenology"}, {"agent_kind": "risk"}],
		  "goals": ["reconstruct the dispute chronology"], "reasoning": "dates drive the dispute", "confidence": 0.9}`)
	p := NewPlanner(newTestRegistry(t), newTestSource(t), client, "lite-model")

	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	state.Understanding = Understand("compare the contract drafts against the correspondence", 2, nil)
	require.True(t, state.Understanding.NeedsPlanning)

	steps, err := p.Plan(context.Background(), state)
	require.NoError(t, err)

	// The unknown kind is dropped; risk pulls in discrepancy.
	assert.Equal(t, []models.AgentKind{
		models.AgentTimeline, models.AgentDiscrepancy, models.AgentRisk,
	}, planKinds(steps))
	assert.Equal(t, []string{"reconstruct the dispute chronology"}, state.Understanding.Goals)
}

func TestPlanLLMFailureFallsBackToKeywords(t *testing.T) {
	client := llm.NewScriptedClient("").
		FailOnce("Available analyses", errors.New("anthropic: 503 overloaded"))
	p := NewPlanner(newTestRegistry(t), newTestSource(t), client, "lite-model")

	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	state.Understanding = Understand("сравни документы и найди противоречия", 2, nil)
	require.True(t, state.Understanding.NeedsPlanning)

	steps, err := p.Plan(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, []models.AgentKind{models.AgentDiscrepancy}, planKinds(steps))
}
