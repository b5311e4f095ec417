package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/recall/internal/api"
	"github.com/nidhogg/recall/internal/config"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/memory/chromemstore"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/nidhogg/recall/internal/provider"
	"github.com/nidhogg/recall/internal/session"
	pgstore "github.com/nidhogg/recall/internal/store"
	"github.com/nidhogg/recall/internal/vectorstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/recall.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Recall...", zap.String("config", cfgPath))
	ctx := context.Background()
	m := metrics.New(metrics.DefaultConfig())

	// Initialize provider router
	router := provider.NewRouter(logger)
	router.SetMetrics(m)
	var fallbacks []string
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			TimeoutSeconds: pc.TimeoutSeconds,
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
		if router.DefaultID() != p.ID() {
			fallbacks = append(fallbacks, p.ID())
		}
	}
	router.SetFallbacks(fallbacks)
	router.SetCompletion(provider.CompletionConfig{
		Model:       cfg.Session.Model,
		Temperature: cfg.Session.Temperature,
		MaxTokens:   cfg.Session.MaxTokens,
	})

	// Initialize embedding provider
	embedder, err := embedding.New(embedding.Config{
		Provider:          cfg.Embedding.Provider,
		Endpoint:          cfg.Embedding.Endpoint,
		Model:             cfg.Embedding.Model,
		APIKey:            cfg.Embedding.APIKey,
		Dimension:         cfg.Embedding.Dimension,
		Timeout:           time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		CacheSize:         cfg.Embedding.CacheSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create embedding provider", zap.Error(err))
	}

	// Initialize PostgreSQL store when a component needs it
	var pgStore *pgstore.Store
	if cfg.Memory.Backend == "postgres" || cfg.Session.TurnLog == "postgres" {
		pgStore, err = pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := pgStore.Migrate(ctx, cfg.Memory.MigrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	// Initialize memory backend
	var backend memory.Backend
	switch cfg.Memory.Backend {
	case "postgres":
		backend = pgStore
	case "qdrant":
		client, err := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port,
		})
		if err != nil {
			logger.Fatal("Qdrant unavailable", zap.Error(err))
		}
		backend, err = vectorstore.NewMemoryBackend(ctx, client, cfg.Memory.Collection, embedder.Dimension(), logger)
		if err != nil {
			logger.Fatal("Qdrant collection setup failed", zap.Error(err))
		}
	default:
		backend, err = chromemstore.New(chromemstore.Config{
			Path:       cfg.Memory.Path,
			Compress:   cfg.Memory.Compress,
			Collection: cfg.Memory.Collection,
			Dimension:  cfg.Embedding.Dimension,
		}, logger)
		if err != nil {
			logger.Fatal("failed to open memory store", zap.Error(err))
		}
	}

	storeCfg := memory.DefaultStoreConfig()
	storeCfg.Dimension = cfg.Embedding.Dimension
	storeCfg.EmbedTimeout = time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second
	storeCfg.BatchConcurrency = cfg.Memory.BatchConcurrency
	store := memory.NewStore(backend, embedder, storeCfg, logger, memory.WithMetrics(m))

	decay := memory.DecayConfig{Enabled: cfg.Memory.Decay(), HalfLifeDays: cfg.Memory.HalfLifeDays}
	retriever := memory.NewRetriever(store, memory.RetrieverConfig{
		Weights: memory.Weights{
			Similarity: cfg.Memory.Weights.Similarity,
			Importance: cfg.Memory.Weights.Importance,
			Recency:    cfg.Memory.Weights.Recency,
		},
		Decay: decay,
		TopK:  cfg.Memory.TopK,
	}, logger)

	var extractor memory.Extractor = memory.NewHeuristicExtractor(cfg.Memory.Keywords)
	if cfg.Memory.Extraction == "llm" {
		extractor = memory.NewLLMExtractor(router,
			time.Duration(cfg.Session.LLMTimeoutSeconds)*time.Second, logger)
	}

	// Initialize turn log
	var (
		turns    session.TurnLog
		redisLog *session.RedisLog
	)
	switch cfg.Session.TurnLog {
	case "redis":
		redisLog, err = session.NewRedisLog(cfg.Database.Redis.URL, 1000, logger)
		if err != nil {
			logger.Fatal("Redis unavailable", zap.Error(err))
		}
		turns = redisLog
	case "postgres":
		turns = pgStore
	default:
		turns = session.NewMemoryLog(0)
	}

	sessions, err := session.NewRegistry(session.RegistryConfig{
		MaxSessions: cfg.Session.MaxSessions,
		MaxIdle:     time.Duration(cfg.Session.MaxIdleMinutes) * time.Minute,
	}, m, logger)
	if err != nil {
		logger.Fatal("failed to create session registry", zap.Error(err))
	}

	var llm memory.Completer
	if len(router.ListProviders()) > 0 {
		llm = router
	} else {
		logger.Warn("no language model provider configured, replies will be placeholders")
	}

	orch := session.NewOrchestrator(session.Config{
		SystemPrompt: cfg.Session.SystemPrompt,
		TopK:         cfg.Memory.TopK,
		LLMTimeout:   time.Duration(cfg.Session.LLMTimeoutSeconds) * time.Second,
	}, session.Deps{
		Store:     store,
		Retriever: retriever,
		Extractor: extractor,
		LLM:       llm,
		Turns:     turns,
		Sessions:  sessions,
		Metrics:   m,
	}, logger)

	// Build HTTP handler
	handler := api.NewHandler(store, retriever, orch, decay, m, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Recall listening",
			zap.String("port", port),
			zap.String("backend", store.BackendName()),
			zap.String("turn_log", cfg.Session.TurnLog))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Recall...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	sessions.Close()
	if redisLog != nil {
		redisLog.Close()
	}
	// The Postgres store is closed once, either as the backend or below.
	if err := store.Close(); err != nil {
		logger.Warn("memory store close failed", zap.Error(err))
	}
	if pgStore != nil && cfg.Memory.Backend != "postgres" {
		pgStore.Close()
	}
	if c, ok := embedder.(interface{ Close() }); ok {
		c.Close()
	}
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.DevLogging {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
