package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/docket-ai/docket/pkg/events"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/queue"
	"github.com/docket-ai/docket/pkg/store"
)

// createRunHandler handles POST /api/v1/runs.
func (s *Server) createRunHandler(c *gin.Context) {
	var req models.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.runs.Create(c.Request.Context(), req)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, &CreateRunResponse{
		RunID:    run.ID,
		ThreadID: models.ThreadIDForCase(run.CaseID),
		Status:   run.Status,
	})
}

// getRunHandler handles GET /api/v1/runs/:run_id.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.Get(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// streamRunHandler handles GET /api/v1/runs/:run_id/stream. Persisted
// events replay first (from Last-Event-ID when the client reconnects),
// then live events until the run emits complete or error.
func (s *Server) streamRunHandler(c *gin.Context) {
	runID := c.Param("run_id")
	if _, err := s.runs.Get(c.Request.Context(), runID); err != nil {
		abortServiceError(c, err)
		return
	}

	var afterSeq int64
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Last-Event-ID must be an event sequence number"})
			return
		}
		afterSeq = seq
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	err := s.streamer.Stream(c.Request.Context(), runID, afterSeq, func(e models.Event) error {
		if err := events.WriteSSE(c.Writer, e); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		// Client went away; nothing useful can be written.
		return
	}
	_ = events.WriteDone(c.Writer)
	c.Writer.Flush()
}

// resumeRunHandler handles POST /api/v1/runs/:run_id/resume. The payload
// is parked in the store and the suspended run is requeued; a worker picks
// it up from the case's latest checkpoint.
func (s *Server) resumeRunHandler(c *gin.Context) {
	runID := c.Param("run_id")

	var payload models.ResumePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if payload.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if len(payload.Answers) == 0 && !payload.ApprovePlan {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answers or approve_plan is required"})
		return
	}

	ctx := c.Request.Context()
	if err := store.PutJSON(ctx, s.store, store.ResumeNS(runID), queue.ResumePayloadKey, payload); err != nil {
		abortServiceError(c, err)
		return
	}
	run, err := s.runs.RequeueForResume(ctx, runID)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": run.Status})
}

// cancelRunHandler handles POST /api/v1/runs/:run_id/cancel. Pending and
// suspended runs finish in the database; in-progress runs are interrupted
// through the pool's cancel registry.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("run_id")

	run, needsWorkerCancel, err := s.runs.Cancel(c.Request.Context(), runID)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	if needsWorkerCancel && s.pool != nil {
		s.pool.CancelRun(runID)
	}

	c.JSON(http.StatusAccepted, &CancelResponse{
		RunID:   run.ID,
		Message: "run cancellation requested",
	})
}
