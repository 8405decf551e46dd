// Package config loads and validates the engine configuration: typed
// settings from the environment plus optional YAML overrides for the agent
// registry and prompt templates.
package config

import (
	"fmt"
	"time"
)

// Settings is the full engine configuration. Every field has a built-in
// default; the environment overrides field by field (see Load).
type Settings struct {
	// Master switch. When false the API accepts runs but workers never
	// claim them.
	AgentEnabled bool

	// Orchestration.
	MaxParallel      int
	AgentTimeout     time.Duration
	RetryBaseDelay   time.Duration
	MaxRetries       int
	MaxReplans       int
	ReplanThreshold  float64
	ModelSelection   bool
	PatternsMinScore float64

	// Checkpointing and compaction.
	CheckpointInterval     time.Duration
	LongOperationThreshold time.Duration
	CompactionTokens       int
	TokenEstimator         string // "bytes" or "tiktoken"

	// Caches.
	ResultCacheTTL        time.Duration
	ResultCacheMaxEntries int

	// Retrieval.
	RerankEnabled bool
	BM25K1        float64
	BM25B         float64
	RRFK          int
	VectorBackend string // "chromem" or "qdrant"
	QdrantHost    string
	QdrantPort    int

	// Tabular / HITL.
	HITLConfidenceThreshold float64

	// LLM providers.
	LLMProvider  string // "openai" or "anthropic"
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModelLite string
	LLMModelPro  string
	LLMRPS       float64 // zero disables rate limiting

	// Embeddings.
	EmbedderBaseURL string
	EmbedderAPIKey  string
	EmbedderModel   string

	// Persistence.
	DatabaseURL  string
	StoreBackend string // "postgres", "leveldb" or "memory"
	LevelDBPath  string
	RedisURL     string // empty → in-memory presence

	// Queue.
	QueueWorkers      int
	QueuePollInterval time.Duration
	HeartbeatInterval time.Duration

	// Streaming.
	EventQueueSize int

	// HTTP / observability.
	HTTPAddr       string
	TracingEnabled bool
	OTLPEndpoint   string
	SampleRatio    float64
}

// Defaults returns the built-in settings, matching a single-node deployment
// with in-memory backends.
func Defaults() *Settings {
	return &Settings{
		AgentEnabled:     true,
		MaxParallel:      4,
		AgentTimeout:     120 * time.Second,
		RetryBaseDelay:   2 * time.Second,
		MaxRetries:       3,
		MaxReplans:       1,
		ReplanThreshold:  0.6,
		ModelSelection:   true,
		PatternsMinScore: 0.6,

		CheckpointInterval:     5 * time.Minute,
		LongOperationThreshold: 10 * time.Minute,
		CompactionTokens:       100_000,
		TokenEstimator:         "bytes",

		ResultCacheTTL:        time.Hour,
		ResultCacheMaxEntries: 1000,

		RerankEnabled: false,
		BM25K1:        1.2,
		BM25B:         0.75,
		RRFK:          60,
		VectorBackend: "chromem",
		QdrantHost:    "localhost",
		QdrantPort:    6334,

		HITLConfidenceThreshold: 0.8,

		LLMProvider:  "openai",
		LLMBaseURL:   "http://localhost:8000/v1",
		LLMModelLite: "gpt-4o-mini",
		LLMModelPro:  "gpt-4o",

		EmbedderModel: "text-embedding-3-small",

		StoreBackend: "memory",
		LevelDBPath:  "./data/docket",

		QueueWorkers:      2,
		QueuePollInterval: time.Second,
		HeartbeatInterval: 10 * time.Second,

		EventQueueSize: 256,

		HTTPAddr:    ":8080",
		SampleRatio: 0.1,
	}
}

// Load builds Settings from defaults overridden by the environment.
// Parse failures are collected and reported together.
func Load() (*Settings, error) {
	s := Defaults()
	var errs []error

	env := newEnvReader(&errs)
	s.AgentEnabled = env.Bool("AGENT_ENABLED", s.AgentEnabled)
	s.MaxParallel = env.Int("AGENT_MAX_PARALLEL", s.MaxParallel)
	s.AgentTimeout = env.Seconds("AGENT_TIMEOUT_SECONDS", s.AgentTimeout)
	s.RetryBaseDelay = env.Seconds("AGENT_RETRY_BASE_DELAY_SECONDS", s.RetryBaseDelay)
	s.MaxRetries = env.Int("AGENT_MAX_RETRIES", s.MaxRetries)
	s.MaxReplans = env.Int("MAX_REPLANS", s.MaxReplans)
	s.ReplanThreshold = env.Float("REPLAN_THRESHOLD", s.ReplanThreshold)
	s.ModelSelection = env.Bool("MODEL_SELECTION_ENABLED", s.ModelSelection)
	s.PatternsMinScore = env.Float("PATTERN_PERSIST_MIN_SCORE", s.PatternsMinScore)

	s.CheckpointInterval = env.Seconds("CHECKPOINT_INTERVAL_SECONDS", s.CheckpointInterval)
	s.LongOperationThreshold = env.Seconds("LONG_OPERATION_THRESHOLD_SECONDS", s.LongOperationThreshold)
	s.CompactionTokens = env.Int("CONTEXT_COMPACTION_TOKEN_THRESHOLD", s.CompactionTokens)
	s.TokenEstimator = env.Str("TOKEN_ESTIMATOR", s.TokenEstimator)

	s.ResultCacheTTL = env.Seconds("RESULT_CACHE_TTL_SECONDS", s.ResultCacheTTL)
	s.ResultCacheMaxEntries = env.Int("RESULT_CACHE_MAX_ENTRIES", s.ResultCacheMaxEntries)

	s.RerankEnabled = env.Bool("RERANK_ENABLED", s.RerankEnabled)
	s.BM25K1 = env.Float("BM25_K1", s.BM25K1)
	s.BM25B = env.Float("BM25_B", s.BM25B)
	s.RRFK = env.Int("RRF_K", s.RRFK)
	s.VectorBackend = env.Str("VECTOR_BACKEND", s.VectorBackend)
	s.QdrantHost = env.Str("QDRANT_HOST", s.QdrantHost)
	s.QdrantPort = env.Int("QDRANT_PORT", s.QdrantPort)

	s.HITLConfidenceThreshold = env.Float("HITL_DEFAULT_CONFIDENCE_THRESHOLD", s.HITLConfidenceThreshold)

	s.LLMProvider = env.Str("LLM_PROVIDER", s.LLMProvider)
	s.LLMBaseURL = env.Str("LLM_BASE_URL", s.LLMBaseURL)
	s.LLMAPIKey = env.Str("LLM_API_KEY", s.LLMAPIKey)
	s.LLMModelLite = env.Str("LLM_MODEL_LITE", s.LLMModelLite)
	s.LLMModelPro = env.Str("LLM_MODEL_PRO", s.LLMModelPro)
	s.LLMRPS = env.Float("LLM_RPS", s.LLMRPS)

	s.EmbedderBaseURL = env.Str("EMBEDDER_BASE_URL", s.EmbedderBaseURL)
	s.EmbedderAPIKey = env.Str("EMBEDDER_API_KEY", s.EmbedderAPIKey)
	s.EmbedderModel = env.Str("EMBEDDER_MODEL", s.EmbedderModel)

	s.DatabaseURL = env.Str("DATABASE_URL", s.DatabaseURL)
	s.StoreBackend = env.Str("STORE_BACKEND", s.StoreBackend)
	s.LevelDBPath = env.Str("LEVELDB_PATH", s.LevelDBPath)
	s.RedisURL = env.Str("REDIS_URL", s.RedisURL)

	s.QueueWorkers = env.Int("QUEUE_WORKERS", s.QueueWorkers)
	s.QueuePollInterval = env.Seconds("QUEUE_POLL_INTERVAL_SECONDS", s.QueuePollInterval)
	s.HeartbeatInterval = env.Seconds("QUEUE_HEARTBEAT_INTERVAL_SECONDS", s.HeartbeatInterval)

	s.EventQueueSize = env.Int("EVENT_QUEUE_SIZE", s.EventQueueSize)

	s.HTTPAddr = env.Str("HTTP_ADDR", s.HTTPAddr)
	s.TracingEnabled = env.Bool("TRACING_ENABLED", s.TracingEnabled)
	s.OTLPEndpoint = env.Str("OTLP_ENDPOINT", s.OTLPEndpoint)
	s.SampleRatio = env.Float("TRACE_SAMPLE_RATIO", s.SampleRatio)

	if len(errs) > 0 {
		return nil, joinErrors("environment", errs)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every field, collecting all violations before failing.
func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, NewValidationError(field, msg))
		}
	}

	check(s.MaxParallel >= 1, "AGENT_MAX_PARALLEL", "must be >= 1")
	check(s.AgentTimeout >= time.Second, "AGENT_TIMEOUT_SECONDS", "must be >= 1")
	check(s.RetryBaseDelay > 0, "AGENT_RETRY_BASE_DELAY_SECONDS", "must be positive")
	check(s.MaxRetries >= 0, "AGENT_MAX_RETRIES", "must be >= 0")
	check(s.MaxReplans >= 0, "MAX_REPLANS", "must be >= 0")
	check(s.ReplanThreshold >= 0 && s.ReplanThreshold <= 1, "REPLAN_THRESHOLD", "must be in [0,1]")
	check(s.CompactionTokens > 0, "CONTEXT_COMPACTION_TOKEN_THRESHOLD", "must be positive")
	check(s.TokenEstimator == "bytes" || s.TokenEstimator == "tiktoken",
		"TOKEN_ESTIMATOR", `must be "bytes" or "tiktoken"`)
	check(s.ResultCacheMaxEntries > 0, "RESULT_CACHE_MAX_ENTRIES", "must be positive")
	check(s.BM25K1 > 0, "BM25_K1", "must be positive")
	check(s.BM25B >= 0 && s.BM25B <= 1, "BM25_B", "must be in [0,1]")
	check(s.RRFK > 0, "RRF_K", "must be positive")
	check(s.VectorBackend == "chromem" || s.VectorBackend == "qdrant",
		"VECTOR_BACKEND", `must be "chromem" or "qdrant"`)
	check(s.HITLConfidenceThreshold >= 0 && s.HITLConfidenceThreshold <= 1,
		"HITL_DEFAULT_CONFIDENCE_THRESHOLD", "must be in [0,1]")
	check(s.LLMProvider == "openai" || s.LLMProvider == "anthropic",
		"LLM_PROVIDER", `must be "openai" or "anthropic"`)
	check(s.LLMRPS >= 0, "LLM_RPS", "must be >= 0")
	switch s.StoreBackend {
	case "postgres":
		check(s.DatabaseURL != "", "DATABASE_URL", "required for the postgres backend")
	case "leveldb":
		check(s.LevelDBPath != "", "LEVELDB_PATH", "required for the leveldb backend")
	case "memory":
	default:
		errs = append(errs, NewValidationError("STORE_BACKEND", `must be "postgres", "leveldb" or "memory"`))
	}
	check(s.QueueWorkers >= 1, "QUEUE_WORKERS", "must be >= 1")
	check(s.QueuePollInterval > 0, "QUEUE_POLL_INTERVAL_SECONDS", "must be positive")
	check(s.HeartbeatInterval > 0, "QUEUE_HEARTBEAT_INTERVAL_SECONDS", "must be positive")
	check(s.EventQueueSize >= 1, "EVENT_QUEUE_SIZE", "must be >= 1")
	check(s.SampleRatio >= 0 && s.SampleRatio <= 1, "TRACE_SAMPLE_RATIO", "must be in [0,1]")

	if len(errs) > 0 {
		return joinErrors("settings", errs)
	}
	return nil
}

// OrphanThreshold is how long a run may go without a heartbeat before a
// pool reclaims it: three missed heartbeats.
func (s *Settings) OrphanThreshold() time.Duration {
	return 3 * s.HeartbeatInterval
}

func joinErrors(scope string, errs []error) error {
	msg := fmt.Sprintf("%s: %d problem(s):", scope, len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
