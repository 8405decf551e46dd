package api

import (
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/queue"
)

// CreateRunResponse is returned by POST /api/v1/runs.
type CreateRunResponse struct {
	RunID    string           `json:"run_id"`
	ThreadID string           `json:"thread_id"`
	Status   models.RunStatus `json:"status"`
}

// CancelResponse is returned by POST /api/v1/runs/:run_id/cancel.
type CancelResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Checks     map[string]HealthCheck `json:"checks"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
