package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

func TestScoreAggregateWeights(t *testing.T) {
	s := Score{Completeness: 1, Accuracy: 1, Relevance: 1, Consistency: 1}
	assert.InDelta(t, 1.0, s.Aggregate(), 1e-9)

	s = Score{Completeness: 1, Accuracy: 0, Relevance: 1, Consistency: 0}
	assert.InDelta(t, 0.5, s.Aggregate(), 1e-9)

	s = Score{Accuracy: 1}
	assert.InDelta(t, 0.3, s.Aggregate(), 1e-9)
}

func TestEvaluateExpectedEmptyScoresFullMarks(t *testing.T) {
	st := store.NewMemory()
	e := NewEvaluator(st, 0.6, 1)
	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	require.NoError(t, state.SetResult(models.AgentDiscrepancy, &models.ResultEnvelope{
		AgentKind:     models.AgentDiscrepancy,
		Inline:        json.RawMessage(`{"discrepancies": []}`),
		ExpectedEmpty: true,
	}))

	scores, err := e.Evaluate(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 1.0, scores[0].Aggregate(), 1e-9)
}

func TestEvaluateScoresCitedTimeline(t *testing.T) {
	st := store.NewMemory()
	e := NewEvaluator(st, 0.6, 1)
	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	state.Metadata.DocumentCount = 2
	require.NoError(t, state.SetResult(models.AgentTimeline, &models.ResultEnvelope{
		AgentKind: models.AgentTimeline,
		Inline: json.RawMessage(`{"events": [
			{"date": "2024-01-15", "description": "MSA signed", "source": "msa.pdf"},
			{"date": "2024-02-01", "description": "invoice disputed", "source": "letter.pdf"},
			{"date": "2024-03-10", "description": "notice served", "source": "notice.pdf"}
		]}`),
	}))

	scores, err := e.Evaluate(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	sc := scores[0]
	assert.InDelta(t, 1.0, sc.Completeness, 1e-9)
	assert.InDelta(t, 1.0, sc.Accuracy, 1e-9)
	assert.InDelta(t, 1.0, sc.Relevance, 1e-9)
	assert.InDelta(t, 1.0, sc.Consistency, 1e-9)
}

func TestEvaluatePenalizesUncitedAndUnparseable(t *testing.T) {
	st := store.NewMemory()
	e := NewEvaluator(st, 0.6, 1)
	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	require.NoError(t, state.SetResult(models.AgentTimeline, &models.ResultEnvelope{
		AgentKind: models.AgentTimeline,
		Inline: json.RawMessage(`{"events": [
			{"date": "2024-01-15", "description": "MSA signed", "source": "msa.pdf"},
			{"date": "sometime later", "description": "things happened"}
		]}`),
	}))

	scores, err := e.Evaluate(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	sc := scores[0]
	assert.InDelta(t, 0.5, sc.Accuracy, 1e-9, "one of two events cites a source")
	assert.InDelta(t, 0.5, sc.Consistency, 1e-9, "one of two dates parses")
}

func TestEvaluateResolvesOffloadedResult(t *testing.T) {
	st := store.NewMemory()
	ns := store.AgentResultsNS("case-1")
	body := `{"facts": [{"fact": "payment overdue", "source": "letter.pdf"}]}`
	require.NoError(t, st.Put(context.Background(), ns, "key_facts_run-1", []byte(body)))

	e := NewEvaluator(st, 0.6, 1)
	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	require.NoError(t, state.SetResult(models.AgentKeyFacts, &models.ResultEnvelope{
		AgentKind: models.AgentKeyFacts,
		Ref:       &models.StoreRef{StoredInStore: true, Namespace: ns, Key: "key_facts_run-1"},
		Summary:   &models.ResultSummary{ItemCount: 1},
	}))

	scores, err := e.Evaluate(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 1.0, scores[0].Accuracy, 1e-9)
}

func TestEvaluateDuplicateIdentityLowersConsistency(t *testing.T) {
	st := store.NewMemory()
	e := NewEvaluator(st, 0.6, 1)
	state := models.NewAnalysisState("case-1", "u1", "run-1", nil)
	require.NoError(t, state.SetResult(models.AgentEntityExtraction, &models.ResultEnvelope{
		AgentKind: models.AgentEntityExtraction,
		Inline: json.RawMessage(`{"entities": [
			{"name": "Acme LLC", "source": "msa.pdf"},
			{"name": "acme llc", "source": "letter.pdf"},
			{"name": "Widgets Inc", "source": "msa.pdf"},
			{"name": "Widgets Inc", "source": "letter.pdf"}
		]}`),
	}))

	scores, err := e.Evaluate(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.5, scores[0].Consistency, 1e-9, "two of four entries repeat an identity")
}

func replanState(kind models.AgentKind) *models.AnalysisState {
	state := models.NewAnalysisState("case-1", "u1", "run-1", []models.AgentKind{kind})
	state.Plan = []models.PlanStep{{
		StepID:    fmt.Sprintf("step-01-%s", kind),
		AgentKind: kind,
		DependsOn: []models.AgentKind{models.AgentDiscrepancy},
		Status:    models.StepDone,
	}}
	return state
}

func TestReplanTargetsWeakestResult(t *testing.T) {
	e := NewEvaluator(store.NewMemory(), 0.6, 1)
	state := replanState(models.AgentRisk)

	scores := []Score{
		{Kind: models.AgentSummary, Completeness: 1, Accuracy: 1, Relevance: 1, Consistency: 1},
		{Kind: models.AgentRisk, Completeness: 0.3, Accuracy: 0.2, Relevance: 0.5, Consistency: 0.5},
	}
	step, ok := e.Replan(state, scores)
	require.True(t, ok)
	assert.Equal(t, "replan-01-risk", step.StepID)
	assert.Equal(t, models.AgentRisk, step.AgentKind)
	assert.Equal(t, []models.AgentKind{models.AgentDiscrepancy}, step.DependsOn)
	require.NotNil(t, step.Hints)
	assert.Equal(t, 20, step.Hints.RetrievalK)
	assert.Equal(t, models.TierPro, step.Hints.ForceTier)
	assert.True(t, step.Hints.RequireSources, "accuracy below half forces citations")
}

func TestReplanDeclinesWhenScoresHealthy(t *testing.T) {
	e := NewEvaluator(store.NewMemory(), 0.6, 1)
	state := replanState(models.AgentRisk)

	_, ok := e.Replan(state, []Score{
		{Kind: models.AgentRisk, Completeness: 0.8, Accuracy: 0.7, Relevance: 0.9, Consistency: 0.8},
	})
	assert.False(t, ok)
}

func TestReplanRespectsBudget(t *testing.T) {
	e := NewEvaluator(store.NewMemory(), 0.6, 1)
	state := replanState(models.AgentRisk)
	state.Metadata.ReplanCount = 1

	_, ok := e.Replan(state, []Score{{Kind: models.AgentRisk}})
	assert.False(t, ok)
}
