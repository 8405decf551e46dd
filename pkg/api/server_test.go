package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/events"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/presence"
	"github.com/docket-ai/docket/pkg/services"
	"github.com/docket-ai/docket/pkg/store"
)

type testEnv struct {
	router    *gin.Engine
	runs      *services.RunService
	reviews   *services.ReviewService
	store     store.Store
	publisher *events.Publisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemory()
	runs := services.NewRunService(services.NewMemoryRunRepo())
	reviews := services.NewReviewService(st, nil)
	comments := services.NewCommentService(services.NewMemoryCommentRepo(), reviews)

	log := events.NewMemoryLog()
	dispatcher := events.NewDispatcher(16)
	t.Cleanup(dispatcher.Close)

	tracker := presence.NewMemory()
	t.Cleanup(func() { _ = tracker.Close() })

	srv := NewServer(ServerConfig{
		Settings: config.Defaults(),
		Runs:     runs,
		Reviews:  reviews,
		Comments: comments,
		Presence: tracker,
		Streamer: events.NewStreamer(log, dispatcher),
		Store:    st,
	})

	return &testEnv{
		router:    srv.Router(),
		runs:      runs,
		reviews:   reviews,
		store:     st,
		publisher: events.NewPublisher(log, dispatcher),
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, header ...http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, h := range header {
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func createRunViaAPI(t *testing.T, env *testEnv) CreateRunResponse {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/runs", gin.H{
		"case_id": "case-1",
		"user_id": "user-1",
		"task":    "summarize the contract dispute",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t)

	resp := createRunViaAPI(t, env)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "case_case-1", resp.ThreadID)
	assert.Equal(t, models.RunPending, resp.Status)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", gin.H{"user_id": "user-1", "task": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing case_id")
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t)
	resp := createRunViaAPI(t, env)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, resp.RunID, run.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/run-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	resp := createRunViaAPI(t, env)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	run, err := env.runs.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal runs cannot be cancelled again")
}

func TestResumeRun(t *testing.T) {
	env := newTestEnv(t)
	resp := createRunViaAPI(t, env)
	ctx := context.Background()

	answers := gin.H{
		"user_id": "reviewer-1",
		"answers": gin.H{"rev-1_d1_amount": gin.H{"value": "$12,000", "confirmed": true}},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/resume", answers)
	assert.Equal(t, http.StatusConflict, rec.Code, "only suspended runs resume")

	_, err := env.runs.Claim(ctx, "pod-1-worker-0")
	require.NoError(t, err)
	require.NoError(t, env.runs.MarkSuspended(resp.RunID))

	rec = env.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/resume", gin.H{"answers": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "user_id is required")

	rec = env.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/resume", answers)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	run, err := env.runs.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)

	var parked models.ResumePayload
	require.NoError(t, store.GetJSON(ctx, env.store, store.ResumeNS(resp.RunID), "payload", &parked))
	assert.Equal(t, "reviewer-1", parked.UserID)
	assert.True(t, parked.Answers["rev-1_d1_amount"].Confirmed)
}

func TestStreamReplaysPersistedEvents(t *testing.T) {
	env := newTestEnv(t)
	resp := createRunViaAPI(t, env)

	env.publisher.Emit(models.NewEvent(resp.RunID, models.EventPhase, models.PhasePayload{Phase: "plan"}))
	env.publisher.Emit(models.NewEvent(resp.RunID, models.EventStepStarted, models.StepPayload{StepID: "step-01-summary"}))
	env.publisher.Emit(models.NewEvent(resp.RunID, models.EventComplete, models.CompletePayload{RunID: resp.RunID}))

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, `"type":"phase"`)
	assert.Contains(t, body, `"type":"complete"`)
	assert.Contains(t, body, "data: [DONE]\n\n")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	env := newTestEnv(t)
	resp := createRunViaAPI(t, env)

	env.publisher.Emit(models.NewEvent(resp.RunID, models.EventPhase, models.PhasePayload{Phase: "plan"}))
	env.publisher.Emit(models.NewEvent(resp.RunID, models.EventComplete, models.CompletePayload{RunID: resp.RunID}))

	h := http.Header{}
	h.Set("Last-Event-ID", "1")
	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/stream", nil, h)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, `"type":"phase"`, "seq 1 was already delivered")
	assert.Contains(t, body, `"type":"complete"`)

	h.Set("Last-Event-ID", "not-a-number")
	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/stream", nil, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedReviewTable(t *testing.T, env *testEnv) {
	t.Helper()
	table := &models.ReviewTable{
		ReviewID: "rev-1",
		CaseID:   "case-1",
		OwnerID:  "owner-1",
		Columns: []models.ColumnSpec{
			{ColumnID: "amount", Label: "Amount", Type: models.ColumnCurrency, Prompt: "Contract amount?"},
		},
		FileIDs: []string{"d1"},
		Cells: []models.CellExtraction{{
			ID:         "rev-1_d1_amount",
			ReviewID:   "rev-1",
			FileID:     "d1",
			ColumnID:   "amount",
			Value:      "$10,000",
			Confidence: 0.5,
			Status:     models.CellExtracted,
			UpdatedAt:  time.Now().UTC(),
		}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.reviews.SaveTable(context.Background(), table))
}

func TestReviewCellsAndOverride(t *testing.T) {
	env := newTestEnv(t)
	seedReviewTable(t, env)

	rec := env.do(t, http.MethodGet, "/api/v1/reviews/rev-1/cells", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rev-1_d1_amount")

	rec = env.do(t, http.MethodPost, "/api/v1/reviews/rev-1/cells/rev-1_d1_amount/override",
		gin.H{"value": "$12,500", "user_id": "reviewer-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cell models.CellExtraction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))
	assert.Equal(t, "$12,500", cell.Value)
	assert.Equal(t, models.CellManualOverride, cell.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/reviews/rev-missing/cells", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommentLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	seedReviewTable(t, env)

	rec := env.do(t, http.MethodPost, "/api/v1/reviews/rev-1/comments",
		gin.H{"file_id": "d1", "column_id": "amount", "author_id": "alice", "body": "double-check page 2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var comment models.Comment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &comment))

	rec = env.do(t, http.MethodGet, "/api/v1/reviews/rev-1/comments?file_id=d1&column_id=amount", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), comment.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/reviews/rev-1/comments/"+comment.ID+"/resolve",
		gin.H{"user_id": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resolved":true`)

	rec = env.do(t, http.MethodPatch, "/api/v1/reviews/rev-1/comments/"+comment.ID,
		gin.H{"user_id": "bob", "body": "hijacked"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the author edits")

	rec = env.do(t, http.MethodDelete, "/api/v1/reviews/rev-1/comments/"+comment.ID+"?user_id=alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the review owner deletes")

	rec = env.do(t, http.MethodDelete, "/api/v1/reviews/rev-1/comments/"+comment.ID+"?user_id=owner-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPresenceOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/reviews/rev-1/presence", gin.H{"user_id": "alice"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/reviews/rev-1/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")

	rec = env.do(t, http.MethodPost, "/api/v1/reviews/rev-1/presence", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
