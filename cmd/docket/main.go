// Docket orchestration server — provides the HTTP API, manages queue
// workers, and runs the multi-agent document analysis engine.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/docket-ai/docket/pkg/agent"
	"github.com/docket-ai/docket/pkg/api"
	"github.com/docket-ai/docket/pkg/cache"
	"github.com/docket-ai/docket/pkg/checkpoint"
	"github.com/docket-ai/docket/pkg/compactor"
	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/database"
	"github.com/docket-ai/docket/pkg/errclass"
	"github.com/docket-ai/docket/pkg/events"
	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/middleware"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/observability"
	"github.com/docket-ai/docket/pkg/orchestrator"
	"github.com/docket-ai/docket/pkg/presence"
	"github.com/docket-ai/docket/pkg/queue"
	"github.com/docket-ai/docket/pkg/retrieval"
	"github.com/docket-ai/docket/pkg/services"
	"github.com/docket-ai/docket/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	agentsPath := flag.String("agents",
		getEnv("AGENTS_FILE", "./deploy/agents.yaml"),
		"Path to optional agents.yaml overrides")
	flag.Parse()

	// Load .env, if present, before reading settings from the environment
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting docket",
		"pod_id", podID,
		"http_addr", cfg.HTTPAddr,
		"store_backend", cfg.StoreBackend,
		"llm_provider", cfg.LLMProvider)

	// 2. Tracing
	shutdownTracing, err := observability.Setup(ctx, cfg)
	if err != nil {
		slog.Error("Failed to set up tracing", "error", err)
		os.Exit(1)
	}

	// 3. Persistence backends. The postgres backend shares one pool across
	// the store, checkpoints, run queue, comments, the event log and the
	// document source; leveldb shares one DB handle between the store and
	// checkpoints and keeps queue state in memory.
	var (
		st          store.Store
		saver       checkpoint.Saver
		runRepo     services.RunRepo
		commentRepo services.CommentRepo
		eventLog    events.Log
		source      retrieval.DocumentSource
		dbClient    *database.Client
		dbPool      *pgxpool.Pool
	)
	switch cfg.StoreBackend {
	case "postgres":
		dbClient, err = database.NewClient(ctx, database.Config{URL: cfg.DatabaseURL})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		dbPool = dbClient.Pool()
		st = store.NewPostgres(dbPool)
		saver = checkpoint.NewPostgres(dbPool)
		runRepo = services.NewPostgresRunRepo(dbPool)
		commentRepo = services.NewPostgresCommentRepo(dbPool)
		eventLog = events.NewPostgresLog(dbPool)
		source = retrieval.NewPostgresSource(dbPool)
		slog.Info("Connected to PostgreSQL database")
	case "leveldb":
		ldb, ldbErr := leveldb.OpenFile(cfg.LevelDBPath, nil)
		if ldbErr != nil {
			slog.Error("Failed to open LevelDB", "path", cfg.LevelDBPath, "error", ldbErr)
			os.Exit(1)
		}
		defer func() {
			if err := ldb.Close(); err != nil {
				slog.Error("Error closing LevelDB", "error", err)
			}
		}()
		st = store.NewLevelDBFrom(ldb)
		saver = checkpoint.NewLevelDBFrom(ldb)
		runRepo = services.NewMemoryRunRepo()
		commentRepo = services.NewMemoryCommentRepo()
		eventLog = events.NewMemoryLog()
		source = retrieval.NewMemorySource()
		slog.Info("Opened LevelDB store", "path", cfg.LevelDBPath)
	default:
		st = store.NewMemory()
		saver = checkpoint.NewMemory()
		runRepo = services.NewMemoryRunRepo()
		commentRepo = services.NewMemoryCommentRepo()
		eventLog = events.NewMemoryLog()
		source = retrieval.NewMemorySource()
		slog.Info("Using in-memory backends")
	}

	// 4. Presence tracker
	var tracker presence.Tracker
	if cfg.RedisURL != "" {
		tracker, err = presence.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("Presence tracking via Redis")
	} else {
		tracker = presence.NewMemory()
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			slog.Error("Error closing presence tracker", "error", err)
		}
	}()

	// 5. Event streaming. With postgres the NOTIFY listener fans events from
	// other pods into the local dispatcher, so streams do not depend on
	// which pod executes the run.
	dispatcher := events.NewDispatcher(cfg.EventQueueSize)
	publisher := events.NewPublisher(eventLog, dispatcher)
	streamer := events.NewStreamer(eventLog, dispatcher)

	var notifyListener *events.NotifyListener
	if cfg.StoreBackend == "postgres" {
		notifyListener = events.NewNotifyListener(cfg.DatabaseURL, dispatcher, eventLog)
		if err := notifyListener.Start(ctx); err != nil {
			slog.Error("Failed to start NOTIFY listener", "error", err)
			os.Exit(1)
		}
		slog.Info("Cross-pod event listener started")
	}

	// 6. LLM clients. One transport serves both tiers; the tier decides the
	// model ID per call.
	var llmClient llm.Client
	switch cfg.LLMProvider {
	case "anthropic":
		llmClient, err = llm.NewAnthropicClient(cfg.LLMAPIKey, cfg.LLMBaseURL)
	default:
		llmClient, err = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	}
	if err != nil {
		slog.Error("Failed to initialize LLM client", "provider", cfg.LLMProvider, "error", err)
		os.Exit(1)
	}
	if cfg.LLMRPS > 0 {
		llmClient = llm.NewRateLimited(llmClient, cfg.LLMRPS)
	}
	clients := map[models.ModelTier]llm.Client{
		models.TierLite: llmClient,
		models.TierPro:  llmClient,
	}
	modelIDs := map[models.ModelTier]string{
		models.TierLite: cfg.LLMModelLite,
		models.TierPro:  cfg.LLMModelPro,
	}
	slog.Info("LLM client initialized",
		"provider", cfg.LLMProvider,
		"model_lite", cfg.LLMModelLite,
		"model_pro", cfg.LLMModelPro)

	// 7. Retrieval stack
	sparse := retrieval.NewIndexCache(source, retrieval.BM25Params{K1: cfg.BM25K1, B: cfg.BM25B})

	var dense retrieval.DenseIndex
	if cfg.EmbedderBaseURL != "" {
		embedder, embErr := retrieval.NewHTTPEmbedder(retrieval.HTTPEmbedderConfig{
			BaseURL: cfg.EmbedderBaseURL,
			APIKey:  cfg.EmbedderAPIKey,
			Model:   cfg.EmbedderModel,
		})
		if embErr != nil {
			slog.Error("Failed to initialize embedder", "error", embErr)
			os.Exit(1)
		}
		switch cfg.VectorBackend {
		case "qdrant":
			dense, err = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
				Host: cfg.QdrantHost,
				Port: cfg.QdrantPort,
			}, embedder)
			if err != nil {
				slog.Error("Failed to connect to Qdrant", "error", err)
				os.Exit(1)
			}
			slog.Info("Dense retrieval via Qdrant", "host", cfg.QdrantHost, "port", cfg.QdrantPort)
		default:
			dense = retrieval.NewChromemIndex(embedder)
			slog.Info("Dense retrieval via embedded chromem index")
		}
	} else {
		slog.Info("Embedder not configured, running sparse-only retrieval")
	}

	resultCache := cache.NewResultCache(cfg.ResultCacheMaxEntries, cfg.ResultCacheTTL)

	var reranker retrieval.Reranker
	if cfg.RerankEnabled {
		reranker = retrieval.NewLLMReranker(llmClient, cfg.LLMModelLite)
	}
	retriever := retrieval.NewRetriever(source, sparse, dense, reranker, resultCache,
		retrieval.Options{
			RRFK:          cfg.RRFK,
			RerankEnabled: cfg.RerankEnabled,
			Expander:      llmClient,
			ExpanderModel: cfg.LLMModelLite,
		})

	// 8. Agent registry and runtime
	overrides, err := config.LoadAgentsFile(*agentsPath)
	if err != nil {
		slog.Error("Failed to load agents file", "path", *agentsPath, "error", err)
		os.Exit(1)
	}
	registry, err := agent.NewRegistry(overrides)
	if err != nil {
		slog.Error("Failed to build agent registry", "error", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(promRegistry)
	chain := middleware.NewDefaultChain(cfg.ModelSelection, metrics,
		cfg.CheckpointInterval, cfg.LongOperationThreshold)

	estimator, err := compactor.NewEstimator(cfg.TokenEstimator)
	if err != nil {
		slog.Error("Failed to build token estimator", "estimator", cfg.TokenEstimator, "error", err)
		os.Exit(1)
	}
	comp := compactor.New(llmClient, cfg.LLMModelLite, st, estimator, cfg.CompactionTokens)

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
	slog.Info("Agent runtime initialized", "agents", len(registry.All()))

	// 9. Orchestration engine
	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Settings:      cfg,
		Registry:      registry,
		Chain:         chain,
		AgentFn:       runtime.Run,
		Planner:       orchestrator.NewPlanner(registry, source, llmClient, cfg.LLMModelPro),
		Router:        orchestrator.NewRouter(registry, llmClient, cfg.LLMModelLite),
		Evaluator:     orchestrator.NewEvaluator(st, cfg.ReplanThreshold, cfg.MaxReplans),
		Policy:        errclass.Policy{BaseDelay: cfg.RetryBaseDelay, MaxRetries: cfg.MaxRetries},
		Saver:         saver,
		Store:         st,
		Source:        source,
		Compactor:     comp,
		Publisher:     publisher,
		TabularClient: llmClient,
		TabularModel:  cfg.LLMModelPro,
	})

	// 10. Services and worker pool (pool starts before the HTTP server so a
	// run created by the first request can be claimed immediately)
	runService := services.NewRunService(runRepo)
	reviewService := services.NewReviewService(st, dbPool)
	commentService := services.NewCommentService(commentRepo, reviewService)

	executor := queue.NewEngineExecutor(engine, saver, st)
	pool := queue.NewWorkerPool(podID, runService, cfg, executor)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 11. HTTP server (non-blocking)
	srv := api.NewServer(api.ServerConfig{
		Settings: cfg,
		Runs:     runService,
		Reviews:  reviewService,
		Comments: commentService,
		Presence: tracker,
		Streamer: streamer,
		Store:    st,
		Pool:     pool,
		DB:       dbPool,
		Gatherer: promRegistry,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Docket started successfully",
		"pod_id", podID,
		"workers", cfg.QueueWorkers,
		"agent_enabled", cfg.AgentEnabled)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: drain workers first so in-flight runs reach a
	// checkpoint, then stop the HTTP server, then the streaming plumbing.
	poolShutdownCtx, poolCancel := context.WithTimeout(ctx, 30*time.Second)
	defer poolCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-poolShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — interrupted runs will be orphan-requeued")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if notifyListener != nil {
		notifyListener.Stop(httpShutdownCtx)
	}
	dispatcher.Close()

	flushCtx, flushCancel := context.WithTimeout(ctx, 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Error("Error flushing traces", "error", err)
	}

	slog.Info("Shutdown complete")
}
