package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/cache"
	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/retrieval"
	"github.com/docket-ai/docket/pkg/store"
)

type captureSink struct {
	events []models.Event
}

func (c *captureSink) Emit(ev models.Event) { c.events = append(c.events, ev) }

func (c *captureSink) ofType(typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixedRetriever struct {
	chunks []models.ScoredChunk
}

func (f *fixedRetriever) Retrieve(_ context.Context, _, _ string, k int, _ string, _ retrieval.Filters) ([]models.ScoredChunk, error) {
	if len(f.chunks) > k {
		return f.chunks[:k], nil
	}
	return f.chunks, nil
}

func newTestRuntime(t *testing.T, client *llm.ScriptedClient) (*Runtime, *captureSink, store.Store) {
	t.Helper()
	registry, err := NewRegistry(nil)
	require.NoError(t, err)

	source := retrieval.NewMemorySource()
	source.Add(models.Document{ID: "d1", CaseID: "case-1", Title: "msa.pdf", Text: "Master services agreement."})
	source.Add(models.Document{ID: "d2", CaseID: "case-1", Title: "letter.pdf", Text: "Notice of breach."})

	st := store.NewMemory()
	sink := &captureSink{}
	rt := NewRuntime(RuntimeConfig{
		Registry: registry,
		Prompts:  NewPromptBuilder(st),
		Retriever: &fixedRetriever{chunks: []models.ScoredChunk{
			{Chunk: models.Chunk{ID: "d1:0", DocumentID: "d1", Seq: 0, Text: "Payment due within 30 days."}, Score: 1.0},
		}},
		Source: source,
		Clients: map[models.ModelTier]llm.Client{
			models.TierLite: client,
			models.TierPro:  client,
		},
		ModelIDs: map[models.ModelTier]string{
			models.TierLite: "lite-model",
			models.TierPro:  "pro-model",
		},
		Cache: cache.NewResultCache(64, time.Minute),
		Store: st,
		Sink:  sink,
	})
	return rt, sink, st
}

func timelineExec() *middleware.Exec {
	state := models.NewAnalysisState("case-1", "user-1", "run-1", []models.AgentKind{models.AgentTimeline})
	state.Understanding = &models.Understanding{TaskType: "dispute analysis", Goals: []string{"reconstruct events"}}
	return &middleware.Exec{
		Kind:         models.AgentTimeline,
		State:        state,
		SelectedTier: models.TierLite,
		PromptParts:  []string{"Reconstruct the chronology of the dispute"},
	}
}

const validTimeline = `{"events": [{"date": "15.01.2024", "description": "Contract signed",
	"source": {"document": "d1", "page": 1}}]}`

func TestRuntimeSuccessInline(t *testing.T) {
	client := llm.NewScriptedClient(validTimeline)
	rt, sink, _ := newTestRuntime(t, client)

	patch, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	assert.Nil(t, patch.Error)
	assert.False(t, patch.Result.Cached)
	assert.Equal(t, models.TierLite, patch.Result.ModelTier)

	// Post-validation normalized the date into ISO form.
	assert.Contains(t, string(patch.Result.Inline), "2024-01-15")

	assert.NotEmpty(t, sink.ofType(models.EventPartialToken))
	completed := sink.ofType(models.EventStepCompleted)
	require.Len(t, completed, 1)
}

func TestRuntimeCacheHitSkipsModel(t *testing.T) {
	client := llm.NewScriptedClient(validTimeline)
	rt, sink, _ := newTestRuntime(t, client)

	_, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)
	callsAfterFirst := len(client.Requests())

	patch, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	assert.True(t, patch.Result.Cached)
	assert.Len(t, client.Requests(), callsAfterFirst, "cache hit must not reach the model")
	assert.Len(t, sink.ofType(models.EventCacheHit), 1)
}

func TestRuntimeMissingDependency(t *testing.T) {
	client := llm.NewScriptedClient(validTimeline)
	rt, _, _ := newTestRuntime(t, client)

	state := models.NewAnalysisState("case-1", "user-1", "run-1", []models.AgentKind{models.AgentRisk})
	patch, err := rt.Run(context.Background(), &middleware.Exec{
		Kind:         models.AgentRisk,
		State:        state,
		SelectedTier: models.TierPro,
	})
	require.NoError(t, err)
	require.NotNil(t, patch.Error)
	assert.Nil(t, patch.Result)
	assert.Equal(t, models.ErrKindDependency, patch.Error.Kind)
	assert.Empty(t, client.Requests(), "dependency check precedes any model call")
}

func TestRuntimeRepairRecoversInvalidOutput(t *testing.T) {
	// First response violates the schema; the repair prompt gets the fix.
	client := llm.NewScriptedClient(`{"events": [{"date": "2024-01-15"}]}`).
		Respond("did not validate", validTimeline)
	rt, _, _ := newTestRuntime(t, client)

	patch, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	assert.Nil(t, patch.Error)
	assert.Len(t, client.Requests(), 2)
}

func TestRuntimePersistentInvalidKeepsPartial(t *testing.T) {
	// Both the original and the repair attempt violate the schema.
	client := llm.NewScriptedClient(`{"events": [{"date": "2024-01-15"}]}`)
	rt, _, _ := newTestRuntime(t, client)

	patch, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)
	require.NotNil(t, patch.Error)
	assert.Equal(t, models.ErrKindValidation, patch.Error.Kind)
	// The extracted-but-invalid JSON rides along for inspection.
	require.NotNil(t, patch.Result)
	assert.NotEmpty(t, patch.Result.Inline)
	assert.Len(t, client.Requests(), 2)
}

func TestRuntimeOffloadsLargeResults(t *testing.T) {
	var events []string
	for i := 0; i < 120; i++ {
		events = append(events, fmt.Sprintf(
			`{"date": "2024-01-%02d", "description": "Filing %d"}`, i%28+1, i))
	}
	big := `{"events": [` + strings.Join(events, ",") + `]}`

	client := llm.NewScriptedClient(big)
	rt, _, st := newTestRuntime(t, client)

	patch, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	require.True(t, patch.Result.Offloaded())
	assert.Empty(t, patch.Result.Inline)

	require.NotNil(t, patch.Result.Summary)
	assert.Equal(t, 120, patch.Result.Summary.ItemCount)
	assert.LessOrEqual(t, len(patch.Result.Summary.Samples), 3)

	key := fmt.Sprintf("%s_%s", models.AgentTimeline, "run-1")
	raw, err := st.Get(context.Background(), store.AgentResultsNS("case-1"), key)
	require.NoError(t, err)

	var stored TimelineOutput
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Len(t, stored.Events, 120)
}

func TestRuntimeExpectedEmptyDiscrepancy(t *testing.T) {
	client := llm.NewScriptedClient(`{"discrepancies": []}`)
	rt, _, _ := newTestRuntime(t, client)

	state := models.NewAnalysisState("case-1", "user-1", "run-1", []models.AgentKind{models.AgentDiscrepancy})
	patch, err := rt.Run(context.Background(), &middleware.Exec{
		Kind:         models.AgentDiscrepancy,
		State:        state,
		SelectedTier: models.TierPro,
	})
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	assert.True(t, patch.Result.ExpectedEmpty)
}

func TestRuntimeHintsOverrideTier(t *testing.T) {
	client := llm.NewScriptedClient(validTimeline)
	rt, _, _ := newTestRuntime(t, client)

	ex := timelineExec()
	ex.Step = &models.PlanStep{
		StepID:    "step-1",
		AgentKind: models.AgentTimeline,
		Hints:     &models.StepHints{ForceTier: models.TierPro},
	}
	patch, err := rt.Run(context.Background(), ex)
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	assert.Equal(t, models.TierPro, patch.Result.ModelTier)

	reqs := client.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "pro-model", reqs[0].Model)
}

type failingRetriever struct {
	calls int
}

func (f *failingRetriever) Retrieve(_ context.Context, _, _ string, _ int, _ string, _ retrieval.Filters) ([]models.ScoredChunk, error) {
	f.calls++
	return nil, errors.New("vector store unreachable")
}

func TestRuntimeDisableToolsSkipsRetrieval(t *testing.T) {
	client := llm.NewScriptedClient(validTimeline)
	rt, _, _ := newTestRuntime(t, client)
	failing := &failingRetriever{}
	rt.retriever = failing

	ex := timelineExec()
	ex.Step = &models.PlanStep{StepID: "step-1", AgentKind: models.AgentTimeline}
	_, err := rt.Run(context.Background(), ex)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindTool, errclass.Classify(err))
	assert.Equal(t, 1, failing.calls)

	// The no-tools rerun must produce a model-only result without touching
	// the retriever again.
	ex.Step.Hints = &models.StepHints{DisableTools: true}
	patch, err := rt.Run(context.Background(), ex)
	require.NoError(t, err)
	require.NotNil(t, patch.Result)
	assert.Nil(t, patch.Error)
	assert.Equal(t, 1, failing.calls, "retrieval must be skipped when tools are disabled")
}

func TestRuntimePromptCarriesExcerptMarkers(t *testing.T) {
	client := llm.NewScriptedClient(validTimeline)
	rt, _, _ := newTestRuntime(t, client)

	_, err := rt.Run(context.Background(), timelineExec())
	require.NoError(t, err)

	reqs := client.Requests()
	require.NotEmpty(t, reqs)
	user := reqs[0].Messages[0].Content
	assert.Contains(t, user, "[doc:msa.pdf, p.1]")
	assert.Contains(t, user, "Payment due within 30 days.")
	assert.Contains(t, user, "Reconstruct the chronology")
}
