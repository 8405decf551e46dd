// Package e2e runs full-stack scenarios: HTTP API, queue workers, the
// orchestration engine, agent runtime, and retrieval, all over in-memory
// backends and a scripted LLM.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/api"
	"github.com/docket-ai/docket/pkg/cache"
	"github.com/docket-ai/docket/pkg/checkpoint"
	"github.com/docket-ai/docket/pkg/compactor"
	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/events"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/orchestrator"
	"github.com/docket-ai/docket/pkg/presence"
	"github.com/docket-ai/docket/pkg/queue"
	"github.com/docket-ai/docket/pkg/retrieval"
	"github.com/docket-ai/docket/pkg/services"
	"github.com/docket-ai/docket/pkg/store"
)

// env is one fully wired deployment: the same graph cmd/docket builds, with
// memory backends substituted for postgres and the scripted client for the
// provider.
type env struct {
	t        *testing.T
	router   http.Handler
	runs     *services.RunService
	store    store.Store
	saver    *checkpoint.Memory
	log      events.Log
	client   *llm.ScriptedClient
	settings *config.Settings
}

// caseDocuments is the standard three-document dispute fixture.
func caseDocuments(caseID string) []models.Document {
	return []models.Document{
		{ID: "d1", CaseID: caseID, Title: "msa.pdf",
			Text: "Master services agreement between Acme Corp and Widgets LLC, signed 15.01.2024. Payment due within 30 days of invoice."},
		{ID: "d2", CaseID: caseID, Title: "invoice.pdf",
			Text: "Invoice INV-042 for $10,000 issued 01.03.2024 under the MSA."},
		{ID: "d3", CaseID: caseID, Title: "letter.pdf",
			Text: "Notice of breach dated 15.04.2024: invoice INV-042 remains unpaid."},
	}
}

func newEnv(t *testing.T, client *llm.ScriptedClient, docs []models.Document) *env {
	t.Helper()

	cfg := config.Defaults()
	cfg.QueueWorkers = 2
	cfg.QueuePollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond

	st := store.NewMemory()
	saver := checkpoint.NewMemory()
	runRepo := services.NewMemoryRunRepo()
	commentRepo := services.NewMemoryCommentRepo()
	eventLog := events.NewMemoryLog()

	source := retrieval.NewMemorySource()
	for _, d := range docs {
		source.Add(d)
	}

	dispatcher := events.NewDispatcher(cfg.EventQueueSize)
	t.Cleanup(dispatcher.Close)
	publisher := events.NewPublisher(eventLog, dispatcher)
	streamer := events.NewStreamer(eventLog, dispatcher)

	tracker := presence.NewMemory()
	t.Cleanup(func() { _ = tracker.Close() })

	clients := map[models.ModelTier]llm.Client{
		models.TierLite: client,
		models.TierPro:  client,
	}
	modelIDs := map[models.ModelTier]string{
		models.TierLite: "lite-model",
		models.TierPro:  "pro-model",
	}

	sparse := retrieval.NewIndexCache(source, retrieval.BM25Params{K1: cfg.BM25K1, B: cfg.BM25B})
	resultCache := cache.NewResultCache(cfg.ResultCacheMaxEntries, cfg.ResultCacheTTL)
	retriever := retrieval.NewRetriever(source, sparse, nil, nil, resultCache,
		retrieval.Options{RRFK: cfg.RRFK})

	registry, err := agent.NewRegistry(nil)
	require.NoError(t, err)

	promRegistry := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(promRegistry)
	chain := middleware.NewDefaultChain(cfg.ModelSelection, metrics,
		cfg.CheckpointInterval, cfg.LongOperationThreshold)

	estimator, err := compactor.NewEstimator("bytes")
	require.NoError(t, err)
	comp := compactor.New(client, "lite-model", st, estimator, cfg.CompactionTokens)

	runtime := agent.NewRuntime(agent.RuntimeConfig{
		Registry:  registry,
		Prompts:   agent.NewPromptBuilder(st),
		Retriever: retriever,
		Source:    source,
		Clients:   clients,
		ModelIDs:  modelIDs,
		Cache:     resultCache,
		Store:     st,
		Summaries: comp,
		Sink:      publisher,
	})

	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Settings:  cfg,
		Registry:  registry,
		Chain:     chain,
		AgentFn:   runtime.Run,
		Planner:   orchestrator.NewPlanner(registry, source, client, "pro-model"),
		Router:    orchestrator.NewRouter(registry, client, "lite-model"),
		Evaluator: orchestrator.NewEvaluator(st, cfg.ReplanThreshold, cfg.MaxReplans),
		// Millisecond backoff keeps retry scenarios fast.
		Policy:        errclass.Policy{BaseDelay: time.Millisecond, MaxRetries: cfg.MaxRetries},
		Saver:         saver,
		Store:         st,
		Source:        source,
		Compactor:     comp,
		Publisher:     publisher,
		TabularClient: client,
		TabularModel:  "pro-model",
	})

	runService := services.NewRunService(runRepo)
	reviewService := services.NewReviewService(st, nil)
	commentService := services.NewCommentService(commentRepo, reviewService)

	executor := queue.NewEngineExecutor(engine, saver, st)
	pool := queue.NewWorkerPool("e2e-pod", runService, cfg, executor)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)

	srv := api.NewServer(api.ServerConfig{
		Settings: cfg,
		Runs:     runService,
		Reviews:  reviewService,
		Comments: commentService,
		Presence: tracker,
		Streamer: streamer,
		Store:    st,
		Pool:     pool,
		Gatherer: promRegistry,
	})

	return &env{
		t:        t,
		router:   srv.Router(),
		runs:     runService,
		store:    st,
		saver:    saver,
		log:      eventLog,
		client:   client,
		settings: cfg,
	}
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// createRun submits the request over HTTP and returns the run id.
func (e *env) createRun(req models.RunRequest) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/runs", req)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		RunID string `json:"run_id"`
	}
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(e.t, resp.RunID)
	return resp.RunID
}

// waitStatus blocks until the workers drive the run to want.
func (e *env) waitStatus(runID string, want models.RunStatus) *models.Run {
	e.t.Helper()
	var run *models.Run
	require.Eventually(e.t, func() bool {
		r, err := e.runs.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 10*time.Second, 10*time.Millisecond,
		"run %s never reached status %s", runID, want)
	return run
}

// finalState restores the case's latest checkpoint.
func (e *env) finalState(caseID string) *models.AnalysisState {
	e.t.Helper()
	tuple, err := e.saver.GetTuple(context.Background(), models.ThreadIDForCase(caseID))
	require.NoError(e.t, err)
	state := &models.AnalysisState{}
	require.NoError(e.t, tuple.Checkpoint.Restore(state))
	return state
}

func (e *env) events(runID string, typ models.EventType) []models.Event {
	e.t.Helper()
	all, err := e.log.Since(context.Background(), runID, 0, 0)
	require.NoError(e.t, err)
	var out []models.Event
	for _, ev := range all {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *env) completePayload(runID string) models.CompletePayload {
	e.t.Helper()
	completes := e.events(runID, models.EventComplete)
	require.Len(e.t, completes, 1)
	var payload models.CompletePayload
	require.NoError(e.t, json.Unmarshal(completes[0].Payload, &payload))
	return payload
}

func unmarshalPayload(ev models.Event, out any) error {
	return json.Unmarshal(ev.Payload, out)
}

func unmarshalBody(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// Canned agent outputs. Each cites sources so evaluation scores clear the
// replan threshold.

const timelineJSON = `{"events": [
	{"date": "15.01.2024", "description": "MSA signed", "source": {"document": "msa.pdf", "page": 1}},
	{"date": "01.03.2024", "description": "Invoice INV-042 issued", "source": {"document": "invoice.pdf", "page": 1}},
	{"date": "15.04.2024", "description": "Notice of breach sent", "source": {"document": "letter.pdf", "page": 1}}
]}`

const keyFactsJSON = `{"facts": [
	{"fact": "MSA signed by both parties", "importance": "high", "source": {"document": "msa.pdf", "page": 1}},
	{"fact": "Invoice INV-042 for $10,000 unpaid", "importance": "high", "source": {"document": "invoice.pdf", "page": 1}},
	{"fact": "Breach notice served", "importance": "medium", "source": {"document": "letter.pdf", "page": 1}}
]}`

const entitiesJSON = `{"entities": [
	{"name": "Acme Corp", "type": "organization", "sources": [{"document": "msa.pdf", "page": 1}]},
	{"name": "Widgets LLC", "type": "organization", "sources": [{"document": "msa.pdf", "page": 1}]},
	{"name": "INV-042", "type": "term", "sources": [{"document": "invoice.pdf", "page": 1}]}
]}`

const discrepanciesJSON = `{"discrepancies": [
	{"description": "The letter claims non-payment while the ledger shows partial payment",
	 "sources": [{"document": "letter.pdf", "page": 1}, {"document": "invoice.pdf", "page": 1}]}
]}`

const risksJSON = `{"risks": [
	{"description": "Termination for material breach", "level": "high", "basis": {"document": "msa.pdf", "page": 2}},
	{"description": "Late payment penalties accruing", "level": "medium", "basis": {"document": "invoice.pdf", "page": 1}},
	{"description": "Reputational exposure from litigation", "level": "low", "basis": {"document": "letter.pdf", "page": 1}}
]}`

const summaryJSON = `{"summary": "Acme Corp and Widgets LLC dispute unpaid invoice INV-042 under their MSA; a breach notice has been served and termination rights are in play.",
	"key_points": ["MSA signed 2024-01-15", "Invoice INV-042 unpaid", "Breach notice served"]}`

// scriptedAnalysts keys the canned outputs off each agent's system prompt.
func scriptedAnalysts(defaultText string) *llm.ScriptedClient {
	return llm.NewScriptedClient(defaultText).
		Respond("You reconstruct event chronologies", timelineJSON).
		Respond("You distill the facts", keyFactsJSON).
		Respond("You extract named entities", entitiesJSON).
		Respond("You find contradictions", discrepanciesJSON).
		Respond("You assess legal risk", risksJSON).
		Respond("You write executive case summaries", summaryJSON)
}
