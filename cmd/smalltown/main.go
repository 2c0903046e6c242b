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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/smalltown/internal/agent"
	"github.com/nidhogg/smalltown/internal/api"
	"github.com/nidhogg/smalltown/internal/config"
	"github.com/nidhogg/smalltown/internal/dialogue"
	"github.com/nidhogg/smalltown/internal/embedding"
	"github.com/nidhogg/smalltown/internal/inference"
	"github.com/nidhogg/smalltown/internal/memory"
	"github.com/nidhogg/smalltown/internal/retrieval"
	"github.com/nidhogg/smalltown/internal/sim"
	"github.com/nidhogg/smalltown/internal/world"
)

var agentNames = []string{
	"Alice", "Bob", "Cara", "Dev", "Elena",
	"Finn", "Greta", "Hugo", "Iris", "Jonas",
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/smalltown.json"
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("starting smalltown", zap.String("config", cfgPath))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	// Inference gateway and startup health check. The model must exist
	// before any agent state is created.
	client := inference.NewOllamaClient(inference.Config{
		Endpoint:      cfg.Inference.Endpoint,
		Model:         cfg.Inference.Model,
		Timeout:       time.Duration(cfg.Inference.TimeoutSecs) * time.Second,
		MaxAttempts:   cfg.Inference.MaxAttempts,
		Backoff:       time.Duration(cfg.Inference.BackoffMillis) * time.Millisecond,
		MaxConcurrent: int64(cfg.Inference.MaxConcurrent),
	}, logger)
	defer client.Close()

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := client.EnsureModel(healthCtx); err != nil {
		healthCancel()
		logger.Fatal("inference model unavailable", zap.String("model", cfg.Inference.Model), zap.Error(err))
	}
	healthCancel()

	// Embedding gateway.
	var provider embedding.Provider
	embCfg := embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	}
	switch cfg.Embedding.Provider {
	case "api":
		provider = embedding.NewAPIProvider(embCfg)
	default:
		provider = embedding.NewLocalProvider(embCfg)
	}
	embedder := embedding.NewGateway(provider, embedding.GatewayConfig{
		MaxAttempts:   cfg.Embedding.MaxAttempts,
		Backoff:       time.Duration(cfg.Embedding.BackoffMillis) * time.Millisecond,
		MaxConcurrent: int64(cfg.Embedding.MaxConcurrent),
	}, logger)

	// Memory store: sqlite + chromem locally, postgres/qdrant when configured.
	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		logger.Fatal("create storage dir", zap.String("path", cfg.Storage.Path), zap.Error(err))
	}
	store, err := buildStore(cfg, embedder.Dimension(), logger)
	if err != nil {
		logger.Fatal("open memory store", zap.Error(err))
	}
	defer store.Close()

	// World and agents.
	w := world.New(world.Config{
		Width:            cfg.Simulation.WorldWidth,
		Height:           cfg.Simulation.WorldHeight,
		PerceptionRadius: cfg.Simulation.PerceptionRadius,
	}, cfg.Simulation.Seed)
	relations := world.NewRelationTracker(0.1)

	pipe := agent.NewPipeline(store, client, embedder, logger)
	reflector := agent.NewReflector(client, store, pipe, agent.ReflectionConfig{
		Threshold:   int(cfg.Reflection.Threshold),
		TopK:        cfg.Reflection.TopK,
		MaxInsights: cfg.Reflection.MaxInsights,
		WindowTicks: cfg.Reflection.WindowTicks,
	}, logger)
	retriever := retrieval.NewRetriever(store, embedder, retrieval.Config{
		TopN: cfg.Retrieval.TopN,
		Weights: retrieval.Weights{
			Relevance:  cfg.Retrieval.RelevanceWeight,
			Recency:    cfg.Retrieval.RecencyWeight,
			Importance: cfg.Retrieval.ImportanceWeight,
		},
		DecayRate: cfg.Retrieval.DecayRate,
	}, logger)
	planner := agent.NewPlanner(client, retriever, pipe, agent.PlannerConfig{
		Steps:       cfg.Planning.Steps,
		StepEvery:   cfg.Planning.StepEvery,
		TokenBudget: cfg.Planning.TokenBudget,
	}, logger)
	perceiver := agent.NewPerceiver(client, 10, logger)

	agents := make([]*agent.Agent, 0, cfg.Simulation.AgentCount)
	for i := 0; i < cfg.Simulation.AgentCount; i++ {
		name := agentNames[i%len(agentNames)]
		id := fmt.Sprintf("%s-%d", name, i+1)
		w.AddAgent(id, name)
		agents = append(agents, agent.New(id, name, int(cfg.Reflection.Threshold), agent.Deps{
			World:     w,
			Perceiver: perceiver,
			Pipeline:  pipe,
			Reflector: reflector,
			Planner:   planner,
			Logger:    logger,
		}))
	}

	engine := dialogue.NewEngine(client, retriever, pipe, relations, dialogue.Config{
		MaxTurns:    cfg.Dialogue.MaxTurns,
		TokenBudget: cfg.Dialogue.TokenBudget,
	}, logger)

	scheduler := sim.New(agents, w, engine, relations, sim.Config{
		TotalTicks:             cfg.Simulation.TotalTicks,
		TickInterval:           cfg.Simulation.TickInterval(),
		TickTimeout:            cfg.Simulation.TickTimeout(),
		MaxConcurrentAgents:    int64(cfg.Simulation.MaxConcurrentAgents),
		MaxConsecutiveFailures: cfg.Simulation.MaxConsecutiveFailures,
	}, logger)

	// Status API.
	handler := api.NewHandler(scheduler, store, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("status API listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Run until done, interrupted, or escalated failure.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if runErr != nil && ctx.Err() == nil {
		logger.Error("simulation aborted", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// buildStore wires the structured and vector indexes per config.
func buildStore(cfg *config.Config, dimension int, logger *zap.Logger) (*memory.Store, error) {
	var structured memory.StructuredIndex
	var err error
	if cfg.Storage.PostgresDSN != "" {
		structured, err = memory.NewPostgresIndex(context.Background(), cfg.Storage.PostgresDSN)
	} else {
		structured, err = memory.NewSQLiteIndex(cfg.Storage.StructuredStorePath())
	}
	if err != nil {
		return nil, err
	}

	var vectors memory.VectorIndex
	if cfg.Storage.VectorBackend == "qdrant" {
		vectors, err = memory.NewQdrantIndex(context.Background(), memory.QdrantConfig{
			Host:       cfg.Storage.Qdrant.Host,
			Port:       cfg.Storage.Qdrant.Port,
			Collection: cfg.Storage.Qdrant.Collection,
			Dimension:  uint64(dimension),
		})
	} else {
		vectors, err = memory.NewChromemIndex(cfg.Storage.VectorStorePath())
	}
	if err != nil {
		structured.Close()
		return nil, err
	}

	return memory.NewStore(structured, vectors, logger), nil
}
