package e2e

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

// A simple extraction task in Russian: understanding classifies it simple,
// keyword inference picks the timeline agent alone, and the run delivers
// without fan-out or replanning.
func TestSimpleExtraction(t *testing.T) {
	env := newEnv(t, scriptedAnalysts(timelineJSON), caseDocuments("C1"))

	runID := env.createRun(models.RunRequest{
		CaseID: "C1",
		UserID: "u1",
		Task:   "Извлеки ключевые даты",
	})
	env.waitStatus(runID, models.RunCompleted)

	state := env.finalState("C1")
	require.NotNil(t, state.Understanding)
	assert.Equal(t, models.ComplexitySimple, state.Understanding.Complexity)
	require.Len(t, state.Plan, 1)
	assert.Equal(t, models.AgentTimeline, state.Plan[0].AgentKind)
	assert.Equal(t, 0, state.Metadata.ReplanCount)
	assert.True(t, state.Terminal)

	// Dates were normalized to ISO form on the way in.
	env2 := state.Results[models.AgentTimeline]
	require.NotNil(t, env2)
	assert.Contains(t, string(env2.Inline), "2024-01-15")

	payload := env.completePayload(runID)
	require.Len(t, payload.Outcomes, 1)
	assert.Equal(t, models.AgentTimeline, payload.Outcomes[0].Agent)
	assert.True(t, payload.Outcomes[0].Succeeded)
	assert.GreaterOrEqual(t, payload.Outcomes[0].ItemCount, 1)
}

// Three independent analyses fan out in one transition and merge in kind
// order, so the outcome list is deterministic regardless of which worker
// goroutine finished first.
func TestParallelIndependentAnalyses(t *testing.T) {
	env := newEnv(t, scriptedAnalysts(keyFactsJSON), caseDocuments("C2"))

	runID := env.createRun(models.RunRequest{
		CaseID: "C2",
		UserID: "u1",
		AnalysisTypes: []models.AgentKind{
			models.AgentTimeline, models.AgentKeyFacts, models.AgentEntityExtraction,
		},
	})
	env.waitStatus(runID, models.RunCompleted)

	state := env.finalState("C2")
	assert.True(t, state.KindDone(models.AgentTimeline))
	assert.True(t, state.KindDone(models.AgentKeyFacts))
	assert.True(t, state.KindDone(models.AgentEntityExtraction))

	payload := env.completePayload(runID)
	require.Len(t, payload.Outcomes, 3)
	assert.Equal(t, models.AgentEntityExtraction, payload.Outcomes[0].Agent)
	assert.Equal(t, models.AgentKeyFacts, payload.Outcomes[1].Agent)
	assert.Equal(t, models.AgentTimeline, payload.Outcomes[2].Agent)
}

// Requesting risk and summary pulls in their dependencies automatically;
// the independent pair runs first and the dependents follow, risk before
// summary by priority.
func TestDependencyChainOrdering(t *testing.T) {
	env := newEnv(t, scriptedAnalysts(keyFactsJSON), caseDocuments("C3"))

	runID := env.createRun(models.RunRequest{
		CaseID:        "C3",
		UserID:        "u1",
		AnalysisTypes: []models.AgentKind{models.AgentRisk, models.AgentSummary},
	})
	env.waitStatus(runID, models.RunCompleted)

	state := env.finalState("C3")
	require.Len(t, state.Plan, 4, "discrepancy and key_facts are auto-inserted")
	for _, kind := range []models.AgentKind{
		models.AgentDiscrepancy, models.AgentKeyFacts, models.AgentRisk, models.AgentSummary,
	} {
		assert.True(t, state.KindDone(kind), "%s should be done", kind)
	}
	require.NotNil(t, state.Results[models.AgentDiscrepancy],
		"risk ran, so its dependency slot must have been populated")

	started := env.events(runID, models.EventStepStarted)
	require.Len(t, started, 4)
	var order []string
	for _, ev := range started {
		var p models.StepPayload
		require.NoError(t, unmarshalPayload(ev, &p))
		order = append(order, string(p.Agent))
	}
	// The first two start concurrently in either order.
	assert.ElementsMatch(t, []string{"discrepancy", "key_facts"}, order[:2])
	assert.Equal(t, []string{"risk", "summary"}, order[2:])
}

// A timed-out model call is retried with backoff; the second attempt
// succeeds and the dependent summary still runs.
func TestRetryOnTimeout(t *testing.T) {
	timeout := errclass.Wrap(models.ErrKindTimeout, errors.New("model call timed out"))
	client := scriptedAnalysts(keyFactsJSON).
		// The runtime tries streaming first and falls back to the blocking
		// call, so one failed attempt consumes two one-shot rules.
		FailOnce("You distill the facts", timeout).
		FailOnce("You distill the facts", timeout)
	env := newEnv(t, client, caseDocuments("C4"))

	runID := env.createRun(models.RunRequest{
		CaseID:        "C4",
		UserID:        "u1",
		AnalysisTypes: []models.AgentKind{models.AgentKeyFacts, models.AgentSummary},
	})
	env.waitStatus(runID, models.RunCompleted)

	state := env.finalState("C4")
	step := state.StepForKind(models.AgentKeyFacts)
	require.NotNil(t, step)
	assert.Equal(t, models.StepDone, step.Status)
	assert.Equal(t, 1, step.Retries)
	assert.True(t, state.KindDone(models.AgentSummary),
		"summary must observe its dependency satisfied after the retry")
	assert.Empty(t, env.events(runID, models.EventStepFailed))
}

// Low-confidence tabular cells suspend the run for human review over the
// queue; answering through the resume endpoint completes it with every
// confirmed cell recorded as a manual override.
func TestTabularReviewSuspendsAndResumes(t *testing.T) {
	client := scriptedAnalysts(keyFactsJSON).
		Respond("You extract one precise value",
			`{"value": "$10,000", "quote": "Invoice INV-042 for $10,000", "page": 1,
			  "confidence": 0.6,
			  "candidates": [{"value": "$10,000", "quote": "Invoice INV-042 for $10,000", "page": 1, "confidence": 0.6}]}`)
	env := newEnv(t, client, caseDocuments("C5"))

	runID := env.createRun(models.RunRequest{
		CaseID:        "C5",
		UserID:        "u1",
		AnalysisTypes: []models.AgentKind{models.AgentTabularExtract},
		Options: models.RunOptions{
			HITL:                true,
			ConfidenceThreshold: 0.8,
			ReviewID:            "rev-e2e",
			Columns: []models.ColumnSpec{{
				ColumnID: "amount",
				Label:    "Invoice amount",
				Type:     models.ColumnCurrency,
				Prompt:   "What is the invoiced amount?",
			}},
		},
	})
	env.waitStatus(runID, models.RunSuspended)

	require.Len(t, env.events(runID, models.EventClarification), 1)
	state := env.finalState("C5")
	require.NotNil(t, state.PendingFeedback)
	require.Len(t, state.PendingFeedback.Requests, 3, "one low-confidence cell per document")

	answers := make(map[string]models.CellAnswer, len(state.PendingFeedback.Requests))
	for _, req := range state.PendingFeedback.Requests {
		answers[req.CellID] = models.CellAnswer{Value: "$10,000", Confirmed: true}
	}
	rec := env.do(http.MethodPost, "/api/v1/runs/"+runID+"/resume", models.ResumePayload{
		UserID:  "reviewer-1",
		Answers: answers,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	env.waitStatus(runID, models.RunCompleted)

	var cellsResp struct {
		Cells []models.CellExtraction `json:"cells"`
	}
	rec = env.do(http.MethodGet, "/api/v1/reviews/rev-e2e/cells", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, unmarshalBody(rec.Body.Bytes(), &cellsResp))
	require.Len(t, cellsResp.Cells, 3, "one column across three files")
	for _, cell := range cellsResp.Cells {
		assert.Equal(t, models.CellManualOverride, cell.Status)
		assert.Equal(t, "$10,000", cell.Value)
	}
	assert.Len(t, env.events(runID, models.EventComplete), 1)
}

// An oversized key_facts result is offloaded to the store; the state keeps
// only a summarized reference, and the dependent summary agent still reads
// the full result back.
func TestLargeResultOffloadFeedsSummary(t *testing.T) {
	var facts []string
	for i := 0; i < 120; i++ {
		facts = append(facts, fmt.Sprintf(
			`{"fact": "Obligation %03d under the MSA", "importance": "low", "source": {"document": "msa.pdf", "page": %d}}`,
			i, i%40+1))
	}
	bigKeyFacts := `{"facts": [` + strings.Join(facts, ",") + `]}`

	client := scriptedAnalysts(summaryJSON).
		Respond("You distill the facts", bigKeyFacts)
	env := newEnv(t, client, caseDocuments("C6"))

	runID := env.createRun(models.RunRequest{
		CaseID:        "C6",
		UserID:        "u1",
		AnalysisTypes: []models.AgentKind{models.AgentKeyFacts, models.AgentSummary},
	})
	env.waitStatus(runID, models.RunCompleted)

	state := env.finalState("C6")
	factsEnv := state.Results[models.AgentKeyFacts]
	require.NotNil(t, factsEnv)
	require.True(t, factsEnv.Offloaded())
	assert.Empty(t, factsEnv.Inline)
	require.NotNil(t, factsEnv.Summary)
	assert.Equal(t, 120, factsEnv.Summary.ItemCount)
	assert.Equal(t, store.AgentResultsNS("C6"), factsEnv.Ref.Namespace)

	summaryEnv := state.Results[models.AgentSummary]
	require.NotNil(t, summaryEnv)
	assert.Contains(t, string(summaryEnv.Inline), "INV-042")

	payload := env.completePayload(runID)
	require.NotEmpty(t, payload.ResultRefs)
	assert.Equal(t, store.AgentResultsNS("C6"), payload.ResultRefs[0].Namespace)

	// The checkpointed state carries the reference, not the payload.
	assert.Less(t, state.SerializedSize(), len(bigKeyFacts),
		"offloading must keep the checkpoint smaller than the raw result")
}
