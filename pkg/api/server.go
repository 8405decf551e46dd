// Package api is the HTTP surface: run enqueue/inspect/cancel/resume, the
// SSE event stream, tabular review cells and overrides, comment threads,
// presence, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/events"
	"github.com/docket-ai/docket/pkg/presence"
	"github.com/docket-ai/docket/pkg/queue"
	"github.com/docket-ai/docket/pkg/services"
	"github.com/docket-ai/docket/pkg/store"
)

// ServerConfig wires the HTTP server. DB and Pool are optional: DB is nil
// with non-postgres store backends, Pool is nil when this replica serves
// API traffic only.
type ServerConfig struct {
	Settings *config.Settings
	Runs     *services.RunService
	Reviews  *services.ReviewService
	Comments *services.CommentService
	Presence presence.Tracker
	Streamer *events.Streamer
	Store    store.Store
	Pool     *queue.WorkerPool
	DB       *pgxpool.Pool
	Gatherer prometheus.Gatherer
}

// Server is the docket HTTP server.
type Server struct {
	cfg      *config.Settings
	runs     *services.RunService
	reviews  *services.ReviewService
	comments *services.CommentService
	presence presence.Tracker
	streamer *events.Streamer
	store    store.Store
	pool     *queue.WorkerPool
	db       *pgxpool.Pool
	gatherer prometheus.Gatherer

	httpSrv *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:      cfg.Settings,
		runs:     cfg.Runs,
		reviews:  cfg.Reviews,
		comments: cfg.Comments,
		presence: cfg.Presence,
		streamer: cfg.Streamer,
		store:    cfg.Store,
		pool:     cfg.Pool,
		db:       cfg.DB,
		gatherer: cfg.Gatherer,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/healthz", s.healthzHandler)
	r.GET("/metrics", s.metricsHandler())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/runs", s.createRunHandler)
		v1.GET("/runs/:run_id", s.getRunHandler)
		v1.GET("/runs/:run_id/stream", s.streamRunHandler)
		v1.POST("/runs/:run_id/resume", s.resumeRunHandler)
		v1.POST("/runs/:run_id/cancel", s.cancelRunHandler)

		v1.GET("/reviews/:review_id/cells", s.listCellsHandler)
		v1.POST("/reviews/:review_id/cells/:cell_id/override", s.overrideCellHandler)

		v1.POST("/reviews/:review_id/comments", s.addCommentHandler)
		v1.GET("/reviews/:review_id/comments", s.listCommentsHandler)
		v1.PATCH("/reviews/:review_id/comments/:comment_id", s.editCommentHandler)
		v1.DELETE("/reviews/:review_id/comments/:comment_id", s.deleteCommentHandler)
		v1.POST("/reviews/:review_id/comments/:comment_id/resolve", s.resolveCommentHandler)

		v1.POST("/reviews/:review_id/presence", s.presenceHeartbeatHandler)
		v1.GET("/reviews/:review_id/presence", s.presenceActiveHandler)
	}

	return r
}

// Start begins serving on the configured address. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. Open SSE streams end when their
// request contexts are cancelled by the underlying http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// metricsHandler exposes prometheus metrics; with no gatherer configured
// the default registry is served.
func (s *Server) metricsHandler() gin.HandlerFunc {
	var h http.Handler
	if s.gatherer != nil {
		h = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	} else {
		h = promhttp.Handler()
	}
	return gin.WrapH(h)
}
