package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors. One instance per
// process, shared by the monitoring middleware and the cache/event layers.
type Metrics struct {
	RunsStarted    prometheus.Counter
	RunsCompleted  *prometheus.CounterVec // status
	AgentRuns      *prometheus.CounterVec // kind, status
	AgentDuration  *prometheus.HistogramVec
	CacheHits      *prometheus.CounterVec // cache
	CacheMisses    *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec // direction
	EventsEmitted  prometheus.Counter
	CheckpointSave prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_runs_started_total",
			Help: "Analysis runs started.",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_runs_completed_total",
			Help: "Analysis runs finished, by final status.",
		}, []string{"status"}),
		AgentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_agent_runs_total",
			Help: "Agent invocations, by kind and outcome.",
		}, []string{"kind", "status"}),
		AgentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_agent_duration_seconds",
			Help:    "Wall time of one agent invocation.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_cache_hits_total",
			Help: "Cache hits, by cache name.",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_cache_misses_total",
			Help: "Cache misses, by cache name.",
		}, []string{"cache"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_llm_tokens_total",
			Help: "LLM tokens consumed, by direction (input/output).",
		}, []string{"direction"}),
		EventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_events_emitted_total",
			Help: "Streaming events emitted.",
		}),
		CheckpointSave: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_checkpoints_saved_total",
			Help: "Checkpoints persisted.",
		}),
	}
}

// Monitor records per-agent counters and durations.
type Monitor struct {
	Noop
	metrics *Metrics
}

func NewMonitor(metrics *Metrics) *Monitor {
	return &Monitor{metrics: metrics}
}

func (*Monitor) Name() string { return "monitor" }

func (m *Monitor) After(_ context.Context, ex *Exec) error {
	kind := string(ex.Kind)
	m.metrics.AgentDuration.WithLabelValues(kind).Observe(time.Since(ex.StartedAt).Seconds())

	status := "ok"
	switch {
	case ex.Patch == nil:
		status = "empty"
	case ex.Patch.Error != nil:
		status = "error"
	case ex.Patch.Result != nil && ex.Patch.Result.Cached:
		status = "cached"
	}
	m.metrics.AgentRuns.WithLabelValues(kind, status).Inc()
	return nil
}

func (m *Monitor) OnError(_ context.Context, ex *Exec, _ error) bool {
	m.metrics.AgentRuns.WithLabelValues(string(ex.Kind), "failed").Inc()
	return false
}
