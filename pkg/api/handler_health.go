package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docket-ai/docket/pkg/database"
	"github.com/docket-ai/docket/pkg/queue"
	"github.com/docket-ai/docket/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthzHandler handles GET /healthz. Only docket's own components
// (database, worker pool) are checked; the LLM provider and vector
// backends are excluded so an external outage cannot restart-loop the pod.
func (s *Server) healthzHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := database.Health(reqCtx, s.db); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	var poolHealth *queue.PoolHealth
	if s.pool != nil {
		ph := s.pool.Health()
		poolHealth = ph
		if !ph.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			msg := healthStatusUnhealthy
			if ph.DBError != "" {
				msg = ph.DBError
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:     status,
		Version:    version.GitCommit,
		Checks:     checks,
		WorkerPool: poolHealth,
	})
}
